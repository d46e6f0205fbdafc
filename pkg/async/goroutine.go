package async

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery and error logging.
// A positive timeout bounds the context fn receives. The returned channel
// yields fn's error, or the recovered panic as an error, and is then closed.
// Cancellation errors are reported but not logged.
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, task string, fn func(context.Context) error) <-chan error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan error, 1)

	go func() {
		defer close(done)

		ctx, cancel := context.WithCancel(parent)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		defer cancel()

		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = observability.PanicError(r)
					logger.WithField("task", task).WithError(err).Error("background task panicked")
				}
			}()
			err = fn(ctx)
		}()

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.WithField("task", task).WithError(err).Error("background task failed")
		}
		done <- err
	}()

	return done
}

// Every runs fn each interval until ctx is done. It returns immediately;
// the returned channel closes when the loop stops.
func Every(ctx context.Context, logger *observability.Logger, interval time.Duration, task string, fn func(context.Context)) <-chan error {
	return SafeGo(ctx, logger, 0, task, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}
