package streamkit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gokit/streamkit"
)

func TestRoutineCollects(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	rec := make(chan interface{}, 3)
	source := streamkit.OnEach(streamkit.Of(1, 2, 3), func(_ context.Context, value interface{}) error {
		rec <- value
		return nil
	})

	rt, err := streamkit.LaunchIn(source, sc)
	assert.NoError(t, err)
	assert.NotEmpty(t, rt.ID())

	assert.NoError(t, rt.Wait())
	assert.NoError(t, rt.Err())

	assert.Equal(t, 1, <-rec)
	assert.Equal(t, 2, <-rec)
	assert.Equal(t, 3, <-rec)
}

func TestRoutineStop(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	started := make(chan struct{})
	source := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	rt, err := streamkit.LaunchIn(source, sc)
	assert.NoError(t, err)

	<-started
	assert.Error(t, rt.Stop().Wait())
	assert.True(t, streamkit.IsCancellation(rt.Err()))

	// Stopping one routine must not poison the scope.
	assert.NoError(t, sc.Wait())
}

func TestRoutineWatch(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	started := make(chan struct{})
	source := streamkit.New(func(ctx context.Context, em streamkit.Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	rt, err := streamkit.LaunchIn(source, sc)
	assert.NoError(t, err)

	<-started

	stopped := make(chan streamkit.RoutineStopped, 1)
	sub := rt.Watch(func(ev interface{}) {
		if sev, ok := ev.(streamkit.RoutineStopped); ok {
			select {
			case stopped <- sev:
			default:
			}
		}
	})
	defer sub.Stop()

	rt.Stop()

	select {
	case sev := <-stopped:
		assert.Equal(t, rt.ID(), sev.ID)
		assert.True(t, streamkit.IsCancellation(sev.Err))
	case <-time.After(time.Second * 3):
		assert.Fail(t, "routine stop event never arrived")
	}
}

func TestRoutineLaunchInDeadScope(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	sc.Kill()

	_, err := streamkit.LaunchIn(streamkit.Of(1), sc)
	assert.Error(t, err)
}
