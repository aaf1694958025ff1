package streamkit_test

import (
	"context"
	"testing"
	"time"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
)

func TestCallbackStreamDelivers(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var unregs streamkit.AtomicCounter
	senders := make(chan streamkit.Sender, 1)
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		senders <- ch
		return nil
	}, func() {
		unregs.Inc()
	})

	pushes := make(chan error, 1)
	go func() {
		sink := <-senders
		for _, value := range []interface{}{1, 2, 3} {
			if perr := sink.TrySend(value); perr != nil {
				pushes <- perr
				return
			}
		}
		sink.Close(nil)
		pushes <- nil
	}()

	values, err := streamkit.CollectValues(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, <-pushes)
	require.Equal(t, []interface{}{1, 2, 3}, values)
	require.Equal(t, int64(1), unregs.Get())
}

func TestCallbackStreamHoldsRegistrationOpen(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var unregs streamkit.AtomicCounter
	senders := make(chan streamkit.Sender, 1)
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		senders <- ch
		return ch.TrySend("live")
	}, func() {
		unregs.Inc()
	})

	got := make(chan interface{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- streamkit.Collect(context.Background(), s, func(value interface{}) error {
			got <- value
			return nil
		})
	}()

	select {
	case value := <-got:
		require.Equal(t, "live", value)
	case <-time.After(time.Second * 3):
		require.Fail(t, "callback value never delivered")
	}

	// The registration is held open until the source closes the sender.
	select {
	case <-done:
		require.Fail(t, "collection completed without the sender being closed")
	case <-time.After(time.Millisecond * 50):
	}

	sink := <-senders
	sink.Close(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second * 3):
		require.Fail(t, "collection never completed after sender close")
	}
	require.Equal(t, int64(1), unregs.Get())
}

func TestCallbackStreamCancelledCollection(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var unregs streamkit.AtomicCounter
	regged := make(chan struct{}, 1)
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		regged <- struct{}{}
		return nil
	}, func() {
		unregs.Inc()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- streamkit.Drain(ctx, s)
	}()

	select {
	case <-regged:
	case <-time.After(time.Second * 3):
		require.Fail(t, "source never registered")
	}

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, streamkit.IsCancellation(err))
	case <-time.After(time.Second * 3):
		require.Fail(t, "collection never returned after cancellation")
	}
	require.Equal(t, int64(1), unregs.Get())
}

func TestCallbackStreamRegisterFailure(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	boom := errors.New("register rejected")

	var unregs streamkit.AtomicCounter
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		return boom
	}, func() {
		unregs.Inc()
	})

	err := streamkit.Drain(context.Background(), s)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))

	// A registration which never happened owes the source no teardown.
	require.Equal(t, int64(0), unregs.Get())
}

func TestCallbackStreamCloseCause(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	boom := errors.New("source collapsed")

	var unregs streamkit.AtomicCounter
	senders := make(chan streamkit.Sender, 1)
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		senders <- ch
		return nil
	}, func() {
		unregs.Inc()
	})

	pushes := make(chan error, 1)
	go func() {
		sink := <-senders
		for _, value := range []interface{}{"a", "b"} {
			if perr := sink.TrySend(value); perr != nil {
				pushes <- perr
				return
			}
		}
		sink.Close(boom)
		pushes <- nil
	}()

	// Values sent before the close still arrive, then the cause surfaces.
	values, err := streamkit.CollectValues(context.Background(), s)
	require.NoError(t, <-pushes)
	require.Equal(t, []interface{}{"a", "b"}, values)
	require.Error(t, err)
	require.True(t, errors.IsAny(err, boom))
	require.Equal(t, int64(1), unregs.Get())
}

func TestCallbackStreamRestartable(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var regs streamkit.AtomicCounter
	var unregs streamkit.AtomicCounter
	s := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
		regs.Inc()
		if perr := ch.TrySend(regs.Get()); perr != nil {
			return perr
		}
		ch.Close(nil)
		return nil
	}, func() {
		unregs.Inc()
	})

	first, err := streamkit.CollectValues(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(1)}, first)

	second, err := streamkit.CollectValues(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(2)}, second)

	require.Equal(t, int64(2), regs.Get())
	require.Equal(t, int64(2), unregs.Get())
}
