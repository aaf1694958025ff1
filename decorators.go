package streamkit

import (
	"context"
)

//***************************************************************************
// Lifecycle Decorators
//***************************************************************************

// OnStart returns a new Stream whose collection runs the giving action
// exactly once before any inner production begins. The action may emit
// values of it's own, which are delivered ahead of the inner stream's
// values; an action error aborts the collection before the inner stream
// starts.
func OnStart(s Stream, action func(ctx context.Context, em Emitter) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		if err := action(ctx, em); err != nil {
			return err
		}
		return s.Collect(ctx, em)
	})
}

// OnEach returns a new Stream whose collection runs the giving action
// once per emitted value, between production and delivery. The action
// may block, delaying exactly that value and all following ones; an
// action error terminates the collection.
func OnEach(s Stream, action func(ctx context.Context, value interface{}) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		return s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			if err := action(ctx, value); err != nil {
				return err
			}
			return em.Emit(ctx, value)
		}))
	})
}

// OnCompletion returns a new Stream whose collection runs the giving
// action exactly once on any terminal state, receiving the terminal
// cause: nil for normal completion, the producing error, or the
// cancellation error. The action runs before the terminal is reported
// outward and may emit; when the inner collection already failed, that
// failure wins over any action error.
func OnCompletion(s Stream, action func(ctx context.Context, em Emitter, cause error) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		err := s.Collect(ctx, em)
		if aerr := action(ctx, em, err); err == nil {
			return aerr
		}
		return err
	})
}

// OnEmpty returns a new Stream whose collection runs the giving action
// if and only if the inner collection completed normally having emitted
// nothing. The action may emit replacement values before completion.
func OnEmpty(s Stream, action func(ctx context.Context, em Emitter) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		var seen bool
		err := s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			seen = true
			return em.Emit(ctx, value)
		}))
		if err != nil {
			return err
		}
		if !seen {
			return action(ctx, em)
		}
		return nil
	})
}

// Catch returns a new Stream which intercepts errors raised strictly
// upstream of it, handing them to the giving handler. The handler may
// emit replacement values and return nil, converting the failed
// collection into a successful one from this point down. Cancellation is
// never intercepted, and errors raised downstream (by later decorators
// or the terminal consumer) pass through untouched.
func Catch(s Stream, handler func(ctx context.Context, em Emitter, err error) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		err := s.Collect(ctx, markDownstream(em))
		if err == nil {
			return nil
		}
		if df, ok := err.(*downstreamFailure); ok {
			return df.err
		}
		if IsCancellation(err) {
			return err
		}
		return handler(ctx, em, err)
	})
}

// downstreamFailure tags an error as having originated on the consumer
// side of a Catch so the decorator re-raises it instead of handling it.
type downstreamFailure struct {
	err error
}

// Error implements the error interface.
func (d *downstreamFailure) Error() string {
	return d.err.Error()
}

// markDownstream wraps the giving emitter so every non-cancellation
// error it reports back into the producing side carries the downstream
// tag of this Catch layer.
func markDownstream(em Emitter) Emitter {
	return EmitFunc(func(ctx context.Context, value interface{}) error {
		err := em.Emit(ctx, value)
		if err == nil || IsCancellation(err) {
			return err
		}
		return &downstreamFailure{err: err}
	})
}
