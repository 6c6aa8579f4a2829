package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monerr"
)

// retryer runs a function repeatedly until it succeeds, fails with an
// error that is not wrapped in monerr.RetryableError or the next retry
// would exceed the passed deadline.
// Retries are spaced by a constant interval, unless the RetryableError
// specifies a later time.
type retryer struct {
	logger   *zap.Logger
	interval time.Duration
}

func newRetryer(interval time.Duration, logger *zap.Logger) *retryer {
	return &retryer{
		logger:   logger.Named("retryer"),
		interval: interval,
	}
}

func (r *retryer) run(ctx context.Context, deadline time.Time, fn func(context.Context) error, logF []zapcore.Field) error {
	var tryCnt uint

	bo := backoff.NewConstantBackOff(r.interval)

	for {
		tryCnt++

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var retryError *monerr.RetryableError
		if !errors.As(err, &retryError) {
			return err
		}

		retryIn := bo.NextBackOff()
		if !retryError.After.IsZero() {
			retryIn = time.Until(retryError.After)
		}

		if time.Now().Add(retryIn).After(deadline) {
			return err
		}

		r.logger.Info("operation failed, retry scheduled",
			append([]zapcore.Field{
				logfields.Event("retry_scheduled"),
				zap.Error(err),
				zap.Duration("retry_in", retryIn),
				zap.Uint("try_count", tryCnt),
			}, logF...)...,
		)

		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-timer.C:
		}
	}
}
