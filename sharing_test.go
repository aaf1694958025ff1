package streamkit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
)

// feedSource returns a cold stream which reports every production start
// and stop on the giving channels and emits whatever the test pushes
// into feed, until it's collection context ends.
func feedSource(runs *streamkit.AtomicCounter, started chan struct{}, stopped chan struct{}, feed chan interface{}) streamkit.Stream {
	return streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
		runs.Inc()
		started <- struct{}{}
		defer func() {
			stopped <- struct{}{}
		}()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case value := <-feed:
				if err := em.Emit(ctx, value); err != nil {
					return err
				}
			}
		}
	})
}

func TestShareEagerly(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode:   streamkit.ShareEagerly,
		Replay: 2,
	})
	require.NoError(t, err)

	// Production begins with nobody subscribed.
	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "eager production never started")
	}
	require.Equal(t, int64(0), b.SubscriptionCount())

	feed <- "one"
	feed <- "two"

	values, err := streamkit.CollectValues(context.Background(), streamkit.Take(b, 2))
	require.NoError(t, err)
	require.Equal(t, []interface{}{"one", "two"}, values)
	require.Equal(t, int64(1), runs.Get())
}

func TestShareLazily(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode: streamkit.ShareLazily,
	})
	require.NoError(t, err)

	// No subscriber, no production.
	select {
	case <-started:
		require.Fail(t, "lazy production started before any subscriber")
	case <-time.After(time.Millisecond * 50):
	}

	first := make(chan interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		first <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "lazy production never started for the first subscriber")
	}

	feed <- 1
	require.NoError(t, <-fails)
	require.Equal(t, 1, <-first)

	// The first subscriber is gone; a lazily shared production keeps
	// running anyway.
	select {
	case <-stopped:
		require.Fail(t, "lazy production stopped on unsubscribe")
	case <-time.After(time.Millisecond * 50):
	}

	await, watch := watchCount(t, b)
	second := make(chan interface{}, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		second <- value
	}()

	await(1)
	watch.Stop()

	feed <- 2
	require.NoError(t, <-fails)
	require.Equal(t, 2, <-second)
	require.Equal(t, int64(1), runs.Get())
}

func TestShareWhileSubscribedStopsAndRestarts(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode: streamkit.ShareWhileSubscribed,
	})
	require.NoError(t, err)

	first := make(chan interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		first <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never started for the first subscriber")
	}

	feed <- "a"
	require.NoError(t, <-fails)
	require.Equal(t, "a", <-first)

	// Last subscriber left with a zero stop delay: the production must
	// be cancelled and fully waited out.
	select {
	case <-stopped:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production kept running after the last unsubscribe")
	}

	// A new subscriber restarts production from scratch.
	second := make(chan interface{}, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		second <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never restarted for a new subscriber")
	}

	feed <- "b"
	require.NoError(t, <-fails)
	require.Equal(t, "b", <-second)
	require.Equal(t, int64(2), runs.Get())
}

func TestShareWhileSubscribedStopDelay(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode:      streamkit.ShareWhileSubscribed,
		StopDelay: time.Millisecond * 300,
	})
	require.NoError(t, err)

	first := make(chan interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		first <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never started for the first subscriber")
	}

	feed <- 1
	require.NoError(t, <-fails)
	require.Equal(t, 1, <-first)

	// Resubscribing within the stop delay keeps the production alive.
	await, watch := watchCount(t, b)
	second := make(chan []interface{}, 1)
	go func() {
		got, ferr := streamkit.CollectValues(context.Background(), streamkit.Take(b, 2))
		fails <- ferr
		second <- got
	}()

	await(1)
	watch.Stop()

	feed <- 2

	// Well past the delay, the first production is still the one running.
	select {
	case <-stopped:
		require.Fail(t, "production stopped despite a resubscribe within the delay")
	case <-time.After(time.Millisecond * 500):
	}
	require.Equal(t, int64(1), runs.Get())

	feed <- 3
	require.NoError(t, <-fails)
	require.Equal(t, []interface{}{2, 3}, <-second)
}

func TestShareWhileSubscribedReplayExpiry(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode:         streamkit.ShareWhileSubscribed,
		Replay:       1,
		ReplayExpiry: time.Millisecond * 40,
	})
	require.NoError(t, err)

	resets := make(chan streamkit.ReplayReset, 1)
	watch := b.Watch(func(ev interface{}) {
		if rev, ok := ev.(streamkit.ReplayReset); ok {
			select {
			case resets <- rev:
			default:
			}
		}
	})
	defer watch.Stop()

	first := make(chan interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		first <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never started for the first subscriber")
	}

	feed <- "a"
	require.NoError(t, <-fails)
	require.Equal(t, "a", <-first)

	select {
	case <-stopped:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production kept running after the last unsubscribe")
	}

	// Once stopped, the replay buffer expires and is discarded.
	select {
	case <-resets:
	case <-time.After(time.Second * 3):
		require.Fail(t, "replay buffer never expired after stopping")
	}

	// The next subscriber sees none of the old values, only fresh ones.
	second := make(chan interface{}, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		second <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never restarted for a new subscriber")
	}

	feed <- "b"
	require.NoError(t, <-fails)
	require.Equal(t, "b", <-second)
}

func TestShareWhileSubscribedSurvivesSubscriberChurn(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	var runs streamkit.AtomicCounter
	started := make(chan struct{}, 64)
	stopped := make(chan struct{}, 64)
	feed := make(chan interface{})

	b, err := streamkit.ShareIn(feedSource(&runs, started, stopped, feed), sc, streamkit.ShareConfig{
		Mode: streamkit.ShareWhileSubscribed,
	})
	require.NoError(t, err)

	// One subscriber stays on for the whole test, so the production
	// must never stop regardless of how other subscribers churn.
	got := make(chan interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		value, ferr := streamkit.First(context.Background(), b)
		fails <- ferr
		got <- value
	}()

	select {
	case <-started:
	case <-time.After(time.Second * 3):
		require.Fail(t, "production never started for the first subscriber")
	}

	// Churn short-lived subscribers so their join and left
	// announcements race each other.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 40; j++ {
				cctx, cancel := context.WithCancel(context.Background())
				done := make(chan struct{})
				go func() {
					defer close(done)
					_ = streamkit.Drain(cctx, b)
				}()
				cancel()
				<-done
			}
		}()
	}
	wg.Wait()

	select {
	case <-stopped:
		require.Fail(t, "production stopped while a subscriber was live")
	case <-time.After(time.Millisecond * 50):
	}

	feed <- "after churn"
	require.NoError(t, <-fails)
	require.Equal(t, "after churn", <-got)
	require.Equal(t, int64(1), runs.Get())
}

func TestShareInDeadScope(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	sc.Kill()
	sc.Wait()

	_, err := streamkit.ShareIn(streamkit.Of(1), sc, streamkit.ShareConfig{})
	require.Error(t, err)
}
