package streamkit_test

import (
	"context"
	"testing"
	"time"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
)

func TestMap(t *testing.T) {
	source := streamkit.Map(streamkit.Of(1, 2, 3), func(value interface{}) interface{} {
		return value.(int) * 2
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{2, 4, 6}, values)
}

func TestFilter(t *testing.T) {
	source := streamkit.Filter(streamkit.Range(1, 6), func(value interface{}) bool {
		return value.(int)%2 == 0
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{2, 4, 6}, values)
}

func TestTransform(t *testing.T) {
	source := streamkit.Transform(streamkit.Of(1, 2), func(ctx context.Context, value interface{}, em streamkit.Emitter) error {
		if err := em.Emit(ctx, value); err != nil {
			return err
		}
		return em.Emit(ctx, value.(int)*10)
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{1, 10, 2, 20}, values)
}

func TestTake(t *testing.T) {
	var produced int
	source := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
		for i := 0; ; i++ {
			produced++
			if err := em.Emit(ctx, i); err != nil {
				return err
			}
		}
	})

	values, err := streamkit.CollectValues(context.Background(), streamkit.Take(source, 3))
	require.NoError(t, err)
	require.Equal(t, []interface{}{0, 1, 2}, values)
	require.Equal(t, 3, produced)

	values, err = streamkit.CollectValues(context.Background(), streamkit.Take(streamkit.Of(1), 0))
	require.NoError(t, err)
	require.Len(t, values, 0)
}

func TestBuffer(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.Buffer(sc, streamkit.Of(1, 2, 3, 4, 5), 2, streamkit.Suspend)

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{1, 2, 3, 4, 5}, values)
}

func TestConflate(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.Conflate(sc, streamkit.Of(0, 2, 4, 6, 8))

	var values []interface{}
	err := streamkit.Collect(context.Background(), source, func(value interface{}) error {
		values = append(values, value)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	require.NoError(t, err)
	require.NotEmpty(t, values)
	require.Equal(t, 8, values[len(values)-1])

	for i := 1; i < len(values); i++ {
		require.True(t, values[i-1].(int) < values[i].(int))
	}
}

func TestMerge(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.Merge(sc, streamkit.Of(1, 2, 3), streamkit.Of(4, 5, 6))

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Len(t, values, 6)

	counts := map[interface{}]int{}
	for _, value := range values {
		counts[value]++
	}
	for i := 1; i <= 6; i++ {
		require.Equal(t, 1, counts[i])
	}
}

func TestMergeFailure(t *testing.T) {
	boom := errors.New("left leg gone")

	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	// The merge only reaches terminal once every sibling has finished,
	// so an endless sibling proves the failure cancels it.
	endless := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
		for i := 0; ; i++ {
			if err := em.Emit(ctx, i); err != nil {
				return err
			}
		}
	})

	source := streamkit.Merge(sc, streamkit.Failed(boom), endless)

	err := streamkit.Drain(context.Background(), source)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))
}

func TestMergeInputsAreScopeChildren(t *testing.T) {
	boom := errors.New("right leg gone")

	sc := streamkit.NewScope(context.Background())

	source := streamkit.Merge(sc, streamkit.Failed(boom), streamkit.Of(1, 2, 3))

	err := streamkit.Drain(context.Background(), source)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))

	// The failing input ran as a tracked child, so the scope records
	// it's failure.
	sc.Kill()
	require.True(t, errors.IsAny(sc.Wait(), boom))
}

func TestMergeNothing(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	values, err := streamkit.CollectValues(context.Background(), streamkit.Merge(sc))
	require.NoError(t, err)
	require.Len(t, values, 0)
}

func TestRetry(t *testing.T) {
	t.Run("restarts failed production", func(t *testing.T) {
		boom := errors.New("flaky")

		var attempts int
		source := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
			attempts++
			if attempts <= 2 {
				return boom
			}
			return em.Emit(ctx, 7)
		})

		values, err := streamkit.CollectValues(context.Background(), streamkit.Retry(source, 5, nil))
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
		require.Equal(t, []interface{}{7}, values)
	})

	t.Run("returns last error once exhausted", func(t *testing.T) {
		boom := errors.New("always down")

		var attempts int
		source := streamkit.New(func(_ context.Context, _ streamkit.Emitter) error {
			attempts++
			return boom
		})

		err := streamkit.Drain(context.Background(), streamkit.Retry(source, 3, func(int) time.Duration {
			return time.Millisecond
		}))

		require.Error(t, err)
		require.True(t, errors.IsAny(err, boom))
		require.Equal(t, 3, attempts)
	})

	t.Run("never retries cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var attempts int
		source := streamkit.New(func(ctx context.Context, _ streamkit.Emitter) error {
			attempts++
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})

		err := streamkit.Drain(ctx, streamkit.Retry(source, 5, nil))
		require.Error(t, err)
		require.True(t, streamkit.IsCancellation(err))
		require.Equal(t, 1, attempts)
	})

	t.Run("never retries consumer errors", func(t *testing.T) {
		boom := errors.New("refused")

		var attempts int
		source := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
			attempts++
			return em.Emit(ctx, 1)
		})

		err := streamkit.Collect(context.Background(), streamkit.Retry(source, 5, nil), func(interface{}) error {
			return boom
		})

		require.Error(t, err)
		require.True(t, errors.IsAny(err, boom))
		require.Equal(t, 1, attempts)
	})

	t.Run("honors retry predicate", func(t *testing.T) {
		fatal := errors.New("fatal")

		var attempts int
		source := streamkit.New(func(_ context.Context, _ streamkit.Emitter) error {
			attempts++
			return fatal
		})

		err := streamkit.Drain(context.Background(), streamkit.RetryIf(source, 5, nil, func(err error) bool {
			return !errors.IsAny(err, fatal)
		}))

		require.Error(t, err)
		require.True(t, errors.IsAny(err, fatal))
		require.Equal(t, 1, attempts)
	})
}
