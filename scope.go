package streamkit

import (
	"context"
	"sync"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
)

// errors ...
var (
	ErrScopeDone  = errors.New("scope has ended")
	ErrChildPanic = errors.New("scope child panicked")
)

//***************************************************************************
// Scope
//***************************************************************************

var _ ErrWaiter = &Scope{}

// Scope defines an execution region which runs procedures as tracked
// child tasks. Every child receives a context derived from the scope,
// cancelling the scope cancels all children, and Wait blocks till every
// child has finished. Channel-backed streams, broadcast producers and
// background routines all schedule their concurrent work through a
// Scope so no production ever outlives its owning region.
type Scope struct {
	id       xid.ID
	ctx      context.Context
	canceler func()

	waiter sync.WaitGroup

	fl   sync.Mutex
	ferr error
}

// NewScope returns a new instance of a Scope rooted in the giving
// context. A nil context roots the scope in the background context.
func NewScope(ctx context.Context) *Scope {
	if ctx == nil {
		ctx = context.Background()
	}

	var sc Scope
	sc.id = xid.New()
	sc.ctx, sc.canceler = context.WithCancel(ctx)
	return &sc
}

// ID returns the unique id of giving scope.
func (sc *Scope) ID() string {
	return sc.id.String()
}

// Context returns the underline context of giving scope.
func (sc *Scope) Context() context.Context {
	return sc.ctx
}

// Done returns the channel closed once giving scope is cancelled.
func (sc *Scope) Done() <-chan struct{} {
	return sc.ctx.Done()
}

// Kill cancels the scope, ending the context of every child task.
func (sc *Scope) Kill() {
	sc.canceler()
}

// Err returns the first non-cancellation error recorded from any child
// task.
func (sc *Scope) Err() error {
	sc.fl.Lock()
	err := sc.ferr
	sc.fl.Unlock()
	return err
}

// Wait blocks till every launched child has finished, returning the
// first non-cancellation error any child reported.
func (sc *Scope) Wait() error {
	sc.waiter.Wait()
	return sc.Err()
}

// Launch runs fn as a tracked child task of the scope, returning a Task
// handle for waiting on or stopping that child alone. It fails with
// ErrScopeDone once the scope has been cancelled.
func (sc *Scope) Launch(fn func(ctx context.Context) error) (*Task, error) {
	cctx, cancel := context.WithCancel(sc.ctx)
	return sc.run(cctx, cancel, fn)
}

// LaunchBound runs fn as a tracked child task whose context additionally
// ends when the giving context does, binding the child to both the scope
// and, typically, one collection.
func (sc *Scope) LaunchBound(bound context.Context, fn func(ctx context.Context) error) (*Task, error) {
	if bound == nil {
		return sc.Launch(fn)
	}

	cctx, cancel := joinedContext(sc.ctx, bound)
	return sc.run(cctx, cancel, fn)
}

func (sc *Scope) run(cctx context.Context, cancel func(), fn func(ctx context.Context) error) (*Task, error) {
	if err := sc.ctx.Err(); err != nil {
		cancel()
		return nil, errors.Wrap(ErrScopeDone, "launch rejected")
	}

	task := new(Task)
	task.canceler = cancel
	task.w.Add(1)
	sc.waiter.Add(1)

	go func() {
		defer sc.waiter.Done()

		var err error
		defer func() {
			if rec := recover(); rec != nil {
				err = errors.StackWrap(ErrChildPanic, "recovered: %+v", rec)
			}

			cancel()
			task.resolve(err)

			if err != nil && !IsCancellation(err) {
				sc.record(err)
			}
		}()

		err = fn(cctx)
	}()

	return task, nil
}

func (sc *Scope) record(err error) {
	sc.fl.Lock()
	if sc.ferr == nil {
		sc.ferr = err
	}
	sc.fl.Unlock()
}

//***************************************************************************
// Task
//***************************************************************************

var _ ErrWaiter = &Task{}

// Task represents one tracked child of a Scope.
type Task struct {
	canceler func()
	w        sync.WaitGroup
	cw       sync.Mutex
	err      error
}

// Stop cancels the context of giving task alone, leaving the rest of
// the scope running.
func (t *Task) Stop() {
	t.canceler()
}

// Err returns the terminal error of giving task, if it has one yet.
func (t *Task) Err() error {
	t.cw.Lock()
	err := t.err
	t.cw.Unlock()
	return err
}

// Wait blocks till the task has fully finished and returns it's
// terminal error.
func (t *Task) Wait() error {
	t.w.Wait()
	return t.Err()
}

func (t *Task) resolve(err error) {
	t.cw.Lock()
	t.err = err
	t.cw.Unlock()
	t.w.Done()
}
