package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aegisdx/deploymon/internal/monerr"
)

func TestRetryerRetriesUntilSuccess(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newRetryer(time.Millisecond, zaptest.NewLogger(t))

	var tries int

	err := r.run(
		context.Background(),
		time.Now().Add(time.Minute),
		func(context.Context) error {
			tries++
			if tries < 3 {
				return monerr.NewRetryableAnytimeError(errors.New("err"))
			}

			return nil
		},
		nil,
	)

	require.NoError(t, err)
	assert.Equal(t, 3, tries)
}

func TestRetryerReturnsNonRetryableErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newRetryer(time.Millisecond, zaptest.NewLogger(t))

	fatal := errors.New("fatal err")

	var tries int

	err := r.run(
		context.Background(),
		time.Now().Add(time.Minute),
		func(context.Context) error {
			tries++
			return fatal
		},
		nil,
	)

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, tries)
}

func TestRetryerGivesUpBeforeDeadline(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newRetryer(time.Hour, zaptest.NewLogger(t))

	retryable := monerr.NewRetryableAnytimeError(errors.New("err"))

	var tries int

	err := r.run(
		context.Background(),
		time.Now().Add(time.Second),
		func(context.Context) error {
			tries++
			return retryable
		},
		nil,
	)

	assert.ErrorIs(t, err, retryable)
	assert.Equal(t, 1, tries)
}

func TestRetryerHonorsRetryAfterTime(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newRetryer(time.Hour, zaptest.NewLogger(t))

	var tries int
	start := time.Now()

	err := r.run(
		context.Background(),
		time.Now().Add(time.Minute),
		func(context.Context) error {
			tries++
			if tries == 1 {
				return monerr.NewRetryableError(errors.New("err"), time.Now().Add(10*time.Millisecond))
			}

			return nil
		},
		nil,
	)

	require.NoError(t, err)
	assert.Equal(t, 2, tries)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRetryerAbortsOnCancellation(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newRetryer(time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)

	go func() {
		errChan <- r.run(
			ctx,
			time.Now().Add(24*time.Hour),
			func(context.Context) error {
				return monerr.NewRetryableAnytimeError(errors.New("err"))
			},
			nil,
		)
	}()

	cancel()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, context.Canceled)

	case <-time.After(5 * time.Second):
		t.Fatal("retryer did not abort after cancellation")
	}
}
