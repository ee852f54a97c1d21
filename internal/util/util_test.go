package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	t.Parallel()
	assert.NoError(t, WrapError("save", nil))

	base := errors.New("disk full")
	err := WrapError("save settings", base)
	assert.EqualError(t, err, "failed to save settings: disk full")
	assert.ErrorIs(t, err, base)
}

func TestBackoffDoublesToMax(t *testing.T) {
	t.Parallel()
	b := NewBackoff(500*time.Millisecond, 4*time.Second)
	var got []time.Duration
	for range 6 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, got)
}

func TestRetry(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	boom := errors.New("unavailable")

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, clock, 3, NewBackoff(time.Second, time.Minute), func(int) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("retry did not finish")
	}
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()
	boom := errors.New("unavailable")
	attempts := []int{}
	err := Retry(context.Background(), clockwork.NewFakeClock(), 3, NewBackoff(0, 0), func(attempt int) error {
		attempts = append(attempts, attempt)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRetryStopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, clockwork.NewFakeClock(), 3, NewBackoff(time.Second, time.Second), func(int) error {
		return errors.New("unavailable")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
