package streamkit

import (
	"context"

	"github.com/gokit/errors"
)

// errors ...
var (
	ErrEmitterDone = errors.New("emitter is no longer active")
	ErrSourcePanic = errors.New("stream source panicked")
	ErrNoElements  = errors.New("stream produced no values")

	errStopCollection = errors.New("collection stopped early")
)

// IsCancellation returns true/false if the giving error is rooted in
// context cancellation or deadline expiry, regardless of how often it
// was wrapped on it's way up.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}

	switch errors.UnwrapDeep(err) {
	case context.Canceled, context.DeadlineExceeded:
		return true
	}
	return false
}

//***************************************************************************
// Cold Stream
//***************************************************************************

// New returns a new cold Stream from the giving producing procedure.
// Every collection runs the procedure from scratch with a fresh guarded
// emitter, so concurrent and repeated collections stay fully independent
// unless the procedure itself closes over outside state.
func New(source SourceFunc) Stream {
	return &coldStream{source: source}
}

// Of returns a cold Stream emitting the giving values in order.
func Of(values ...interface{}) Stream {
	return New(func(ctx context.Context, em Emitter) error {
		for _, value := range values {
			if err := em.Emit(ctx, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range returns a cold Stream emitting count integers beginning at
// start.
func Range(start int, count int) Stream {
	return New(func(ctx context.Context, em Emitter) error {
		for i := start; i < start+count; i++ {
			if err := em.Emit(ctx, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// Empty returns a cold Stream which completes without emitting.
func Empty() Stream {
	return New(func(_ context.Context, _ Emitter) error {
		return nil
	})
}

// Failed returns a cold Stream which terminates immediately with the
// giving error.
func Failed(err error) Stream {
	return New(func(_ context.Context, _ Emitter) error {
		return err
	})
}

// coldStream implements the Stream interface over an opaque producing
// procedure.
type coldStream struct {
	source SourceFunc
}

// Collect runs the producing procedure against the giving emitter,
// returning only once production has completed, failed or been
// cancelled. The emitter handed to the procedure checks the collection
// context before every delivery and refuses use once the collection has
// ended.
func (cs *coldStream) Collect(ctx context.Context, em Emitter) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	guard := new(guardEmitter)
	guard.em = em

	defer guard.done.On()
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.StackWrap(ErrSourcePanic, "recovered: %+v", rec)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return cs.source(ctx, guard)
}

// guardEmitter enforces the emitter contract for one collection: no
// delivery after the collection context ends and none once the
// collection itself has returned.
type guardEmitter struct {
	em   Emitter
	done AtomicBool
}

// Emit delivers the giving value to the collection consumer.
func (ge *guardEmitter) Emit(ctx context.Context, value interface{}) error {
	if ge.done.IsTrue() {
		return errors.Wrap(ErrEmitterDone, "emit after collection ended")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ge.em.Emit(ctx, value)
}

//***************************************************************************
// Terminal operations
//***************************************************************************

// Collect drives a full collection of the giving stream, handing every
// value to fn. It blocks until the stream reaches a terminal state and
// returns the terminal error, if any. Errors raised by fn itself
// propagate to the caller unchanged.
func Collect(ctx context.Context, s Stream, fn func(value interface{}) error) error {
	return s.Collect(ctx, EmitFunc(func(_ context.Context, value interface{}) error {
		return fn(value)
	}))
}

// CollectValues drives a full collection of the giving stream and
// returns every value emitted, in emission order.
func CollectValues(ctx context.Context, s Stream) ([]interface{}, error) {
	var values []interface{}
	err := Collect(ctx, s, func(value interface{}) error {
		values = append(values, value)
		return nil
	})
	return values, err
}

// Drain drives a full collection of the giving stream, discarding
// values.
func Drain(ctx context.Context, s Stream) error {
	return Collect(ctx, s, func(interface{}) error {
		return nil
	})
}

// First collects the giving stream until its first value arrives,
// stops production and returns that value. It fails with ErrNoElements
// when the stream completes without emitting.
func First(ctx context.Context, s Stream) (interface{}, error) {
	var got bool
	var first interface{}

	err := s.Collect(ctx, EmitFunc(func(_ context.Context, value interface{}) error {
		first = value
		got = true
		return errors.WrapOnly(errStopCollection)
	}))

	if err != nil && !errors.IsAny(err, errStopCollection) {
		return nil, err
	}
	if !got {
		return nil, errors.WrapOnly(ErrNoElements)
	}
	return first, nil
}
