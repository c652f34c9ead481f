package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instant(p Policy) (Policy, *[]time.Duration) {
	var waits []time.Duration
	p.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return p, &waits
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	p, waits := instant(DefaultPolicy())
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 1200 * time.Millisecond}, *waits)
}

func TestDo_Exhausted(t *testing.T) {
	p, _ := instant(DefaultPolicy())
	boom := errors.New("connection reset")
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "transient", Class(err))
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p, waits := instant(DefaultPolicy())
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad payload"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "permanent", Class(err))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayCapped(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.Delay(4))
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}
