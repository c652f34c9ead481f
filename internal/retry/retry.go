// Package retry runs network calls under a bounded attempt budget with a
// growing delay, short-circuiting on errors marked permanent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Class returns "permanent" or "transient" for structured logging.
func Class(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy is the backoff schedule.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	// wait is replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the trade-fetch schedule: three attempts, one second
// growing by a fifth each time.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.2,
	}
}

// Delay returns the wait before attempt n (1-based, n >= 2).
func (p Policy) Delay(n int) time.Duration {
	if n < 2 {
		return 0
	}
	d := float64(p.InitialDelay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 2; i < n; i++ {
		d *= mult
	}
	out := time.Duration(d)
	if p.MaxDelay > 0 && out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the attempt budget is spent.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.wait
	if wait == nil {
		wait = sleep
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			if err := wait(ctx, p.Delay(n)); err != nil {
				return err
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
