package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

// watchSignals reports the first of sigs on errc and cancels the serving
// context, so startup work in progress is aborted too. The returned stop
// releases the handler.
func watchSignals(ctx context.Context, cancel context.CancelFunc, errc chan<- error, sigs ...os.Signal) (stop func()) {
	sig := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(sig, sigs...)
	go func() {
		select {
		case s := <-sig:
			select {
			case errc <- fmt.Errorf("%s", s):
			default:
			}
			cancel()
		case <-ctx.Done():
		case <-quit:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(quit)
	}
}
