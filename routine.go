package streamkit

import (
	"context"
	"sync"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
)

//***************************************************************************
// Routine
//***************************************************************************

var _ ErrWaiter = &Routine{}

// Routine implements a watchable handle over one background collection
// of a stream, publishing RoutineStarted and RoutineStopped events to
// watchers as the collection begins and reaches it's terminal state.
type Routine struct {
	id       xid.ID
	events   *Eventer
	canceler func()

	w  sync.WaitGroup
	cw sync.Mutex

	resolved bool
	err      error
}

// LaunchIn begins collecting the giving stream as a child task of the
// scope, returning a Routine for observing or stopping that collection
// alone. Emitted values are drained; attach OnEach or other decorators
// to the stream to act on them.
func LaunchIn(s Stream, sc *Scope) (*Routine, error) {
	var rt Routine
	rt.id = xid.New()
	rt.events = NewEventer()
	rt.w.Add(1)

	cctx, cancel := context.WithCancel(sc.Context())
	rt.canceler = cancel

	if _, lerr := sc.Launch(func(_ context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = errors.StackWrap(ErrChildPanic, "recovered: %+v", rec)
			}
			rt.resolve(err)
		}()

		rt.events.Publish(RoutineStarted{ID: rt.id.String()})
		return Drain(cctx, s)
	}); lerr != nil {
		cancel()
		return nil, lerr
	}

	return &rt, nil
}

// ID returns the unique id of giving routine.
func (rt *Routine) ID() string {
	return rt.id.String()
}

// Wait blocks till the underline collection has reached it's terminal
// state, returning the terminal error if any.
func (rt *Routine) Wait() error {
	rt.w.Wait()
	return rt.Err()
}

// Err returns the terminal error of the underline collection, if it has
// one yet.
func (rt *Routine) Err() error {
	rt.cw.Lock()
	err := rt.err
	rt.cw.Unlock()
	return err
}

// Stop cancels the underline collection, returning the routine itself
// as a waiter for it's full termination.
func (rt *Routine) Stop() ErrWaiter {
	rt.canceler()
	return rt
}

// Watch registers the giving function for the lifecycle events of the
// routine.
func (rt *Routine) Watch(fn Handler) Subscription {
	return rt.events.Subscribe(fn, nil)
}

func (rt *Routine) resolve(err error) {
	rt.cw.Lock()
	if rt.resolved {
		rt.cw.Unlock()
		return
	}
	rt.resolved = true
	rt.err = err
	rt.cw.Unlock()

	rt.w.Done()
	rt.events.Publish(RoutineStopped{ID: rt.id.String(), Err: err})
}
