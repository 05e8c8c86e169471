package extensions

import (
	"context"
	"log/slog"
	"time"

	ivm "github.com/ivmdb/dataflow"
)

// LoggingExtension logs every fetch/push an Engine drives, at slog.LevelDebug
// for success and slog.LevelError on failure.
type LoggingExtension struct {
	ivm.BaseExtension
	logger *slog.Logger
}

// NewLoggingExtension creates a logging extension writing through logger.
func NewLoggingExtension(logger *slog.Logger) *LoggingExtension {
	return &LoggingExtension{
		BaseExtension: ivm.NewBaseExtension("logging"),
		logger:        logger,
	}
}

func (e *LoggingExtension) WrapFetch(ctx context.Context, next func() (ivm.Stream[ivm.Node], error), op *ivm.Operation) (ivm.Stream[ivm.Node], error) {
	start := time.Now()
	s, err := next()
	if err != nil {
		e.logger.Error("fetch failed", "operator", op.Name, "duration", time.Since(start), "error", err)
		return s, err
	}
	e.logger.Debug("fetch started", "operator", op.Name, "duration", time.Since(start))
	return s, nil
}

func (e *LoggingExtension) WrapPush(ctx context.Context, next func() (ivm.Stream[struct{}], error), op *ivm.Operation) (ivm.Stream[struct{}], error) {
	start := time.Now()
	s, err := next()
	duration := time.Since(start)
	if err != nil {
		e.logger.Error("push failed", "operator", op.Name, "duration", duration, "error", err)
		return s, err
	}
	e.logger.Debug("push completed", "operator", op.Name, "duration", duration)
	return s, nil
}

func (e *LoggingExtension) OnError(err error, op *ivm.Operation) {
	e.logger.Error("operation error", "operator", op.Name, "kind", string(op.Kind), "error", err)
}
