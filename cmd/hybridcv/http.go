package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"hybridcv/config"
)

// handleHTTPServer starts an HTTP server on addr. It shuts the server down
// gracefully once ctx is done; listen failures are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, cfg config.ServerConfig, wg *sync.WaitGroup, errc chan error, logger *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: cfg.ReadHeaderTimeout}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- err:
				case <-ctx.Done():
				}
			}
		}()

		<-ctx.Done()
		logger.Info("Shutting down HTTP server", zap.String("addr", addr))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown", zap.Error(err))
		}
	}()
}
