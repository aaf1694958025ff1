package streamkit_test

import (
	"context"
	"testing"
	"time"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
)

func TestChannelStreamDeliversInOrder(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		for i := 1; i <= 5; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
		}
		return nil
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{1, 2, 3, 4, 5}, values)
}

func TestChannelStreamRendezvous(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var sent streamkit.AtomicCounter
	source := streamkit.ChannelStream(sc, 0, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		for i := 1; i <= 3; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
			sent.Inc()
		}
		return nil
	})

	var values []interface{}
	err := streamkit.Collect(context.Background(), source, func(value interface{}) error {
		// Without a buffer the producer can never run ahead of the
		// collector: at most the send the collector just accepted has
		// returned.
		require.True(t, sent.Get() <= int64(value.(int)))
		values = append(values, value)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, []interface{}{1, 2, 3}, values)
	require.Equal(t, int64(3), sent.Get())
}

func TestChannelStreamUnboundedNeverSuspends(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	gate := make(chan struct{})
	var finished streamkit.AtomicBool

	source := streamkit.ChannelStream(sc, streamkit.UnboundedCapacity, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		for i := 1; i <= 100; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
		}
		finished.On()
		close(gate)
		return nil
	})

	var values []interface{}
	err := streamkit.Collect(context.Background(), source, func(value interface{}) error {
		<-gate
		require.True(t, finished.IsTrue())
		values = append(values, value)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, values, 100)
	require.Equal(t, 1, values[0])
	require.Equal(t, 100, values[99])
}

func TestChannelStreamConflated(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.ChannelStream(sc, 1, streamkit.DropOld, func(ctx context.Context, ch streamkit.Sender) error {
		for _, value := range []int{0, 2, 4, 6, 8} {
			if err := ch.Send(ctx, value); err != nil {
				return err
			}
		}
		return nil
	})

	var values []interface{}
	err := streamkit.Collect(context.Background(), source, func(value interface{}) error {
		values = append(values, value)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	require.NoError(t, err)
	require.NotEmpty(t, values)
	require.Equal(t, 8, values[len(values)-1])
}

func TestChannelStreamProducerError(t *testing.T) {
	boom := errors.New("pump broke")

	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		if err := ch.Send(ctx, 1); err != nil {
			return err
		}
		if err := ch.Send(ctx, 2); err != nil {
			return err
		}
		return boom
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))
	require.Equal(t, []interface{}{1, 2}, values)
}

func TestChannelStreamProducerPanic(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(_ context.Context, _ streamkit.Sender) error {
		panic("pump exploded")
	})

	err := streamkit.Drain(context.Background(), source)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrSourcePanic))
}

func TestChannelStreamCancelStopsProducer(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	producerExited := make(chan struct{})
	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		defer close(producerExited)

		if err := ch.Send(ctx, 1); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := streamkit.Collect(ctx, source, func(interface{}) error {
		cancel()
		return nil
	})

	require.Error(t, err)
	require.True(t, streamkit.IsCancellation(err))

	select {
	case <-producerExited:
	default:
		require.Fail(t, "collection reported terminal before the producer exited")
	}
}

func TestChannelStreamScopeKillEndsCollection(t *testing.T) {
	sc := streamkit.NewScope(context.Background())

	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		if err := ch.Send(ctx, 1); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	err := streamkit.Collect(context.Background(), source, func(interface{}) error {
		sc.Kill()
		return nil
	})

	require.Error(t, err)
	require.True(t, streamkit.IsCancellation(err))
	sc.Wait()
}

func TestChannelStreamRestartable(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	source := streamkit.ChannelStream(sc, 2, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		runs.Inc()
		return ch.Send(ctx, "tick")
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"tick"}, values)

	values, err = streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"tick"}, values)

	require.Equal(t, int64(2), runs.Get())
}

func TestChannelStreamSenderClose(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var rejected error
	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		if err := ch.Send(ctx, 1); err != nil {
			return err
		}

		ch.Close(nil)
		rejected = ch.Send(ctx, 2)
		return nil
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, []interface{}{1}, values)
	require.Error(t, rejected)
	require.True(t, errors.IsAny(rejected, streamkit.ErrQueueClosed))
}

func TestChannelStreamSenderCloseWithCause(t *testing.T) {
	boom := errors.New("upstream gone")

	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	source := streamkit.ChannelStream(sc, 4, streamkit.Suspend, func(ctx context.Context, ch streamkit.Sender) error {
		if err := ch.Send(ctx, 1); err != nil {
			return err
		}
		ch.Close(boom)
		return nil
	})

	values, err := streamkit.CollectValues(context.Background(), source)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))
	require.Equal(t, []interface{}{1}, values)
}
