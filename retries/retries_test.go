package retries_test

import (
	"context"
	"testing"
	"time"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit/retries"
)

func TestDoUntil(t *testing.T) {
	t.Run("stops on first success", func(t *testing.T) {
		var attempts []int
		err := retries.DoUntil(context.Background(), 5, nil, func(attempt int) error {
			attempts = append(attempts, attempt)
			return nil
		})

		require.NoError(t, err)
		require.Equal(t, []int{0}, attempts)
	})

	t.Run("retries until success", func(t *testing.T) {
		boom := errors.New("not yet")

		var attempts []int
		err := retries.DoUntil(context.Background(), 5, func(int) time.Duration {
			return time.Millisecond
		}, func(attempt int) error {
			attempts = append(attempts, attempt)
			if attempt < 2 {
				return boom
			}
			return nil
		})

		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2}, attempts)
	})

	t.Run("returns last error once exhausted", func(t *testing.T) {
		boom := errors.New("always down")

		var attempts int
		err := retries.DoUntil(context.Background(), 3, nil, func(int) error {
			attempts++
			return boom
		})

		require.Error(t, err)
		require.True(t, errors.IsAny(err, boom))
		require.Equal(t, 3, attempts)
	})

	t.Run("context ends backoff early", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		boom := errors.New("always down")

		err := retries.DoUntil(ctx, 5, func(int) time.Duration {
			return time.Second
		}, func(int) error {
			return boom
		})

		require.Error(t, err)
		require.Equal(t, context.DeadlineExceeded, err)
	})
}

func TestSleep(t *testing.T) {
	require.NoError(t, retries.Sleep(context.Background(), 0))

	started := time.Now()
	require.NoError(t, retries.Sleep(context.Background(), 20*time.Millisecond))
	require.True(t, time.Since(started) >= 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, retries.Sleep(ctx, time.Second))
}

func TestBackOffs(t *testing.T) {
	require.Equal(t, 2*time.Second, retries.Linear(2))
	require.Equal(t, 8*time.Second, retries.Exponential(3))

	require.True(t, retries.LinearJitter(1) > 0)
	require.True(t, retries.ExponentialJitter(2) > 0)
	require.True(t, retries.JitterDuration(3) > 0)
}

func TestLinearRanged(t *testing.T) {
	fixed := retries.LinearRanged(time.Second, time.Second)
	require.Equal(t, 3*time.Second, fixed(3))

	ranged := retries.LinearRanged(time.Second, 2*time.Second)
	for attempt := 1; attempt < 5; attempt++ {
		next := ranged(attempt)
		require.True(t, next >= time.Duration(attempt)*time.Second)
		require.True(t, next <= time.Duration(attempt)*2*time.Second)
	}
}

func TestRangedExponential(t *testing.T) {
	backoff := retries.RangedExponential(time.Second, 10*time.Second)

	require.Equal(t, 2*time.Second, backoff(1))
	require.Equal(t, 4*time.Second, backoff(2))
	require.Equal(t, 10*time.Second, backoff(20))
}

func TestGetRandomValueFromInterval(t *testing.T) {
	got := retries.GetRandomValueFromInterval(0.5, 0, 100*time.Millisecond)
	require.Equal(t, 50*time.Millisecond, got)
}
