package streamkit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/mocks"
)

func BenchmarkBoxChannel_SendRecv(b *testing.B) {
	b.ReportAllocs()

	q := streamkit.UnboundedBoxChannel(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Send(nil, i)
		q.Recv(nil)
	}
	b.StopTimer()
}

func BenchmarkBoxChannel_SendAndRecv(b *testing.B) {
	b.ReportAllocs()

	q := streamkit.UnboundedBoxChannel(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Send(nil, i)
	}

	for i := 0; i < b.N; i++ {
		q.Recv(nil)
	}
	b.StopTimer()
}

func TestBoxChannel_SendRecv(t *testing.T) {
	q := streamkit.UnboundedBoxChannel(nil)

	require.NoError(t, q.Send(nil, 1))
	require.NoError(t, q.Send(nil, 2))

	popped, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 1, popped)

	popped2, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 2, popped2)

	require.True(t, q.IsEmpty())
}

func TestBoxChannel_RecvWaits(t *testing.T) {
	var w sync.WaitGroup
	w.Add(1)

	q := streamkit.UnboundedBoxChannel(nil)
	require.True(t, q.IsEmpty())

	go func() {
		defer w.Done()

		value, err := q.Recv(nil)
		require.NoError(t, err)
		require.Equal(t, 1, value)
	}()

	require.NoError(t, q.Send(nil, 1))
	w.Wait()
}

func TestBoxChannel_RecvLoop(t *testing.T) {
	var w sync.WaitGroup
	w.Add(1)

	q := streamkit.UnboundedBoxChannel(nil)
	require.True(t, q.IsEmpty())

	go func() {
		defer w.Done()

		var c int
		for {
			if c >= 100 {
				require.True(t, q.IsEmpty())
				require.Equal(t, 100, c)
				return
			}

			_, err := q.Recv(nil)
			require.NoError(t, err)
			c++
		}
	}()

	for i := 100; i > 0; i-- {
		require.NoError(t, q.Send(nil, i))
	}

	w.Wait()
}

func TestBoxChannel_Empty(t *testing.T) {
	q := streamkit.UnboundedBoxChannel(nil)
	require.True(t, q.IsEmpty())
	require.NoError(t, q.Send(nil, 1))
	require.False(t, q.IsEmpty())
}

func TestBoundedBoxChannel_DropOldest(t *testing.T) {
	q := streamkit.BoundedBoxChannel(1, streamkit.DropOld, nil)
	require.True(t, q.IsEmpty())

	require.NoError(t, q.Send(nil, 1))
	require.Equal(t, q.Total(), 1)
	require.NoError(t, q.Send(nil, 2))
	require.Equal(t, q.Total(), 1)

	popped, err := q.Recv(nil)
	require.NoError(t, err)
	require.NotEqual(t, popped, 1)
	require.Equal(t, popped, 2)
}

func TestBoundedBoxChannel_DropNewest(t *testing.T) {
	q := streamkit.BoundedBoxChannel(1, streamkit.DropNew, nil)
	require.True(t, q.IsEmpty())

	require.NoError(t, q.Send(nil, 1))
	require.Equal(t, q.Total(), 1)
	require.NoError(t, q.Send(nil, 2))
	require.Equal(t, q.Total(), 1)

	popped, err := q.Recv(nil)
	require.NoError(t, err)
	require.NotEqual(t, popped, 2)
	require.Equal(t, popped, 1)
}

func TestBoundedBoxChannel_SuspendBlocksSender(t *testing.T) {
	q := streamkit.BoundedBoxChannel(1, streamkit.Suspend, nil)
	require.NoError(t, q.Send(nil, 1))

	var returned streamkit.AtomicBool
	done := make(chan struct{})

	go func() {
		defer close(done)
		require.NoError(t, q.Send(nil, 2))
		returned.On()
	}()

	<-time.After(50 * time.Millisecond)
	require.False(t, returned.IsTrue())

	popped, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 1, popped)

	<-done
	require.True(t, returned.IsTrue())

	popped2, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 2, popped2)
}

func TestRendezvousBoxChannel_Handoff(t *testing.T) {
	q := streamkit.RendezvousBoxChannel(nil)

	var returned streamkit.AtomicBool
	done := make(chan struct{})

	go func() {
		defer close(done)
		require.NoError(t, q.Send(nil, "v"))
		returned.On()
	}()

	<-time.After(50 * time.Millisecond)
	require.False(t, returned.IsTrue())

	value, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, "v", value)

	<-done
	require.True(t, returned.IsTrue())
}

func TestConflatedBoxChannel_LatestWins(t *testing.T) {
	q := streamkit.ConflatedBoxChannel(nil)

	for _, value := range []int{0, 2, 4, 6, 8} {
		require.NoError(t, q.Send(nil, value))
	}

	require.Equal(t, 1, q.Total())

	got, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 8, got)
}

func TestBoxChannel_TrySend(t *testing.T) {
	t.Run("fails on full suspend queue", func(t *testing.T) {
		q := streamkit.BoundedBoxChannel(1, streamkit.Suspend, nil)
		require.NoError(t, q.TrySend(1))

		err := q.TrySend(2)
		require.Error(t, err)
		require.True(t, errors.IsAny(err, streamkit.ErrQueueFull))
	})

	t.Run("evicts on full drop-oldest queue", func(t *testing.T) {
		q := streamkit.BoundedBoxChannel(1, streamkit.DropOld, nil)
		require.NoError(t, q.TrySend(1))
		require.NoError(t, q.TrySend(2))

		got, err := q.Recv(nil)
		require.NoError(t, err)
		require.Equal(t, 2, got)
	})

	t.Run("fails on rendezvous without receiver", func(t *testing.T) {
		q := streamkit.RendezvousBoxChannel(nil)

		err := q.TrySend(1)
		require.Error(t, err)
		require.True(t, errors.IsAny(err, streamkit.ErrQueueFull))
	})

	t.Run("succeeds on rendezvous with waiting receiver", func(t *testing.T) {
		q := streamkit.RendezvousBoxChannel(nil)

		done := make(chan interface{}, 1)
		go func() {
			value, err := q.Recv(nil)
			require.NoError(t, err)
			done <- value
		}()

		<-time.After(50 * time.Millisecond)
		require.NoError(t, q.TrySend("v"))
		require.Equal(t, "v", <-done)
	})
}

func TestBoxChannel_TryRecv(t *testing.T) {
	q := streamkit.UnboundedBoxChannel(nil)

	_, err := q.TryRecv()
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrQueueEmpty))

	require.NoError(t, q.Send(nil, 1))

	got, err := q.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 1, got)

	q.Close(nil)

	_, err = q.TryRecv()
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrQueueClosed))
}

func TestBoxChannel_Close(t *testing.T) {
	cause := errors.New("source failed")

	q := streamkit.UnboundedBoxChannel(nil)
	require.NoError(t, q.Send(nil, 1))
	require.NoError(t, q.Send(nil, 2))

	q.Close(cause)
	require.True(t, q.Closed())
	require.True(t, errors.IsAny(q.Cause(), cause))

	err := q.Send(nil, 3)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrQueueClosed))

	got, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 1, got)

	got2, err := q.Recv(nil)
	require.NoError(t, err)
	require.Equal(t, 2, got2)

	_, err = q.Recv(nil)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrQueueClosed))
}

func TestBoxChannel_CloseReleasesBlockedSender(t *testing.T) {
	q := streamkit.BoundedBoxChannel(1, streamkit.Suspend, nil)
	require.NoError(t, q.Send(nil, 1))

	done := make(chan error, 1)
	go func() {
		done <- q.Send(nil, 2)
	}()

	<-time.After(50 * time.Millisecond)
	q.Close(nil)

	err := <-done
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrQueueClosed))
}

func TestBoxChannel_RecvContextCancel(t *testing.T) {
	q := streamkit.UnboundedBoxChannel(nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Recv(ctx)
		done <- err
	}()

	<-time.After(50 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	require.True(t, streamkit.IsCancellation(err))
}

func TestBoxChannel_SendContextCancel(t *testing.T) {
	q := streamkit.BoundedBoxChannel(1, streamkit.Suspend, nil)
	require.NoError(t, q.Send(nil, 1))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Send(ctx, 2)
	}()

	<-time.After(50 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	require.True(t, streamkit.IsCancellation(err))
}

func TestBoxChannel_Invoker(t *testing.T) {
	invoker := new(mocks.CountingInvoker)

	q := streamkit.BoundedBoxChannel(1, streamkit.DropOld, invoker)
	require.NoError(t, q.Send(nil, 1))
	require.NoError(t, q.Send(nil, 2))

	_, err := q.Recv(nil)
	require.NoError(t, err)

	cause := errors.New("over")
	q.Close(cause)

	require.Equal(t, int64(2), invoker.Receives.Get())
	require.Equal(t, int64(1), invoker.Fulls.Get())
	require.Equal(t, int64(1), invoker.Drops.Get())
	require.Equal(t, int64(1), invoker.Closes.Get())
	require.True(t, errors.IsAny(invoker.Cause(), cause))
}
