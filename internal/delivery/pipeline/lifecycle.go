package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when graceful shutdown times out.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// lifecycle tracks the pipeline's goroutines and coordinates shutdown.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	running atomic.Int32
}

func newLifecycle(ctx context.Context, logger *zap.Logger) *lifecycle {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &lifecycle{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// start launches a named goroutine under the lifecycle.
func (l *lifecycle) start(name string, fn func(ctx context.Context)) {
	l.wg.Add(1)
	l.running.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.running.Add(-1)

		l.logger.Debug("Starting goroutine", zap.String("name", name))
		defer l.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn(l.ctx)
	}()
}

// stop cancels the context and waits for all goroutines, bounded by
// timeout.
func (l *lifecycle) stop(timeout time.Duration) error {
	l.logger.Info("Initiating graceful shutdown",
		zap.Int32("running_goroutines", l.running.Load()),
		zap.Duration("timeout", timeout))

	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		l.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", l.running.Load()))
		return ErrShutdownTimeout
	}
}
