package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/flowmend/flowmend/pkg/telemetry"
)

// SessionConfig is the immutable configuration of a healing session.
// It is passed by value into every component that needs it.
type SessionConfig struct {
	// MaxHeals bounds oracle-driven repair attempts per node.
	MaxHeals int

	// MaxTransientRetries bounds retries of one remote call after transient failures.
	MaxTransientRetries int

	// Workers bounds concurrent node materialization.
	Workers int

	// OracleConcurrency bounds concurrent oracle consultations.
	OracleConcurrency int

	// RemoteTimeout applies to every single remote call.
	RemoteTimeout time.Duration

	// OracleTimeout applies to every single oracle call.
	OracleTimeout time.Duration

	// SessionTimeout bounds the whole session, teardown excluded.
	SessionTimeout time.Duration

	// TeardownTimeout bounds sandbox release.
	TeardownTimeout time.Duration

	// TeardownRetries bounds tries per teardown step.
	TeardownRetries int

	// BackoffInitial and BackoffMax shape the exponential backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// SandboxPrefix names scratch workspaces.
	SandboxPrefix string
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxHeals:            3,
		MaxTransientRetries: 4,
		Workers:             4,
		OracleConcurrency:   2,
		RemoteTimeout:       30 * time.Second,
		OracleTimeout:       60 * time.Second,
		SessionTimeout:      15 * time.Minute,
		TeardownTimeout:     2 * time.Minute,
		TeardownRetries:     3,
		BackoffInitial:      500 * time.Millisecond,
		BackoffMax:          15 * time.Second,
		SandboxPrefix:       "flowmend-sandbox",
	}
}

// Validate checks the configuration bounds.
func (c SessionConfig) Validate() error {
	if c.MaxHeals < 1 || c.MaxHeals > 5 {
		return fmt.Errorf("max heals must be between 1 and 5, got %d", c.MaxHeals)
	}
	if c.MaxTransientRetries < 0 {
		return fmt.Errorf("max transient retries must not be negative, got %d", c.MaxTransientRetries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.OracleConcurrency < 1 {
		return fmt.Errorf("oracle concurrency must be positive, got %d", c.OracleConcurrency)
	}
	if c.RemoteTimeout <= 0 || c.OracleTimeout <= 0 || c.SessionTimeout <= 0 || c.TeardownTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.TeardownRetries < 1 {
		return fmt.Errorf("teardown retries must be positive, got %d", c.TeardownRetries)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.BackoffInitial, c.BackoffMax)
	}
	return nil
}

func (c SessionConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffInitial
	b.MaxInterval = c.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	return b
}

// DetailRetryAfter is the error detail carrying the wait a throttled remote
// asked for, as a time.Duration.
const DetailRetryAfter = "retry_after"

// maxRetryAfter caps a server-requested wait.
const maxRetryAfter = time.Minute

// RetryAfterHint returns the wait requested by a throttled error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	e := AsEngineError(err)
	if e == nil || e.Class != ErrorClassThrottled {
		return 0, false
	}
	wait, ok := e.Details[DetailRetryAfter].(time.Duration)
	if !ok || wait < 0 {
		return 0, false
	}
	return min(wait, maxRetryAfter), true
}

// throttleWait carries a throttled error through backoff.Retry so the retry
// waits as long as the remote asked. It reads as a *backoff.RetryAfterError
// to errors.As and unwraps to the original error.
type throttleWait struct {
	err  error
	wait time.Duration
}

func (t *throttleWait) Error() string { return t.err.Error() }

func (t *throttleWait) Unwrap() error { return t.err }

func (t *throttleWait) As(target any) bool {
	if ra, ok := target.(**backoff.RetryAfterError); ok {
		*ra = &backoff.RetryAfterError{Duration: t.wait}
		return true
	}
	return false
}

// retryRemote runs op with a per-call timeout, retrying transient errors with
// exponential backoff up to MaxTransientRetries times. A throttled error with a
// Retry-After hint waits for the hinted duration instead. A call that hits its
// own timeout while ctx is still alive counts as transient. notify is called
// before each retry.
func retryRemote[T any](
	ctx context.Context,
	cfg SessionConfig,
	op func(ctx context.Context) (T, error),
	notify func(err error, wait time.Duration),
) (T, error) {
	wrapped := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.RemoteTimeout)
		defer cancel()

		res, err := op(callCtx)
		if err == nil {
			return res, nil
		}
		if !IsTransient(err) && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = NewTransientError("remote call timed out", err).WithCode(ErrCodeTimeout)
		}
		if !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		if wait, ok := RetryAfterHint(err); ok {
			return res, &throttleWait{err: err, wait: wait}
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxTransientRetries) + 1),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	res, err := backoff.Retry(ctx, wrapped, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var tw *throttleWait
	if errors.As(err, &tw) {
		err = tw.err
	}
	return res, err
}

// retryStep runs a cleanup step up to TeardownRetries times whatever the
// error class. Cleanup has no better option than trying again.
func retryStep(ctx context.Context, cfg SessionConfig, logger *telemetry.Logger, step string, fn func(ctx context.Context) error) error {
	op := func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.RemoteTimeout)
		defer cancel()
		return struct{}{}, fn(callCtx)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(uint(cfg.TeardownRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WithError(err).Warnf("Step %q failed, retrying in %s", step, wait)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}
