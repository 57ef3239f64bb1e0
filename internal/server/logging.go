package server

import (
	"go.uber.org/zap"
	"goa.design/goa/v3/middleware"
)

// logAdapter routes goa middleware key/value logs to zap
type logAdapter struct {
	sugar *zap.SugaredLogger
}

// NewLogAdapter returns a goa middleware.Logger writing to logger
func NewLogAdapter(logger *zap.Logger) middleware.Logger {
	return &logAdapter{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a *logAdapter) Log(keyvals ...any) error {
	a.sugar.Infow("http", keyvals...)
	return nil
}
