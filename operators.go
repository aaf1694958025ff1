package streamkit

import (
	"context"
	"sync"

	"github.com/gokit/errors"
	"github.com/gokit/streamkit/retries"
)

// DefaultMergeBuffer is the queue capacity used to interleave merged
// streams which do not pick their own.
const DefaultMergeBuffer = 64

// Map returns a Stream emitting the result of applying fn to every value
// of the giving stream.
func Map(s Stream, fn func(value interface{}) interface{}) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		return s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			return em.Emit(ctx, fn(value))
		}))
	})
}

// Filter returns a Stream emitting only the values of the giving stream
// passing the giving predicate.
func Filter(s Stream, pred Predicate) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		return s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			if !pred(value) {
				return nil
			}
			return em.Emit(ctx, value)
		}))
	})
}

// Transform returns a Stream handing every value of the giving stream to
// fn together with the downstream emitter, letting fn emit zero or more
// values for each one received. A fn error ends the collection.
func Transform(s Stream, fn func(ctx context.Context, value interface{}, em Emitter) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		return s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			return fn(ctx, value, em)
		}))
	})
}

// Take returns a Stream emitting at most count values of the giving
// stream, ending the upstream production once the count is reached. A
// count below one yields the empty stream.
func Take(s Stream, count int) Stream {
	if count < 1 {
		return Empty()
	}

	return StreamFunc(func(ctx context.Context, em Emitter) error {
		var seen int
		err := s.Collect(ctx, EmitFunc(func(ctx context.Context, value interface{}) error {
			if err := em.Emit(ctx, value); err != nil {
				return err
			}

			seen++
			if seen >= count {
				return errors.WrapOnly(errStopCollection)
			}
			return nil
		}))

		if err != nil && !errors.IsAny(err, errStopCollection) {
			return err
		}
		return nil
	})
}

// Buffer returns a Stream running the giving stream's production as an
// independent child task of the scope, decoupled from the collector by a
// queue of giving capacity and overflow strategy.
func Buffer(sc *Scope, s Stream, capacity int, strategy Strategy) Stream {
	return ChannelStream(sc, capacity, strategy, func(ctx context.Context, ch Sender) error {
		return Collect(ctx, s, func(value interface{}) error {
			return ch.Send(ctx, value)
		})
	})
}

// Conflate returns a Stream which keeps only the latest value of the
// giving stream while the collector is busy, never blocking production.
func Conflate(sc *Scope, s Stream) Stream {
	return Buffer(sc, s, 1, DropOld)
}

// Merge returns a Stream interleaving the values of all giving streams
// in their arrival order. Production runs concurrently within the scope
// and the first stream to fail ends the rest.
func Merge(sc *Scope, streams ...Stream) Stream {
	return MergeWith(sc, DefaultMergeBuffer, streams...)
}

// MergeWith is Merge with the interleaving queue capacity under caller
// control.
func MergeWith(sc *Scope, capacity int, streams ...Stream) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		if len(streams) == 0 {
			return nil
		}
		if ctx == nil {
			ctx = context.Background()
		}

		queue := queueFor(capacity, Suspend, nil)

		mctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var once sync.Once
		var first error

		tasks := make([]*Task, 0, len(streams))
		for _, st := range streams {
			st := st
			task, lerr := sc.LaunchBound(mctx, func(pctx context.Context) error {
				cerr := Collect(pctx, st, func(value interface{}) error {
					return queue.Send(pctx, value)
				})
				if cerr != nil && !IsCancellation(cerr) {
					// The first failing input ends it's siblings.
					once.Do(func() {
						first = cerr
						cancel()
					})
				}
				return cerr
			})
			if lerr != nil {
				cancel()
				for _, started := range tasks {
					started.Wait()
				}
				return lerr
			}
			tasks = append(tasks, task)
		}

		go func() {
			var cause error
			for _, task := range tasks {
				if werr := task.Wait(); werr != nil && cause == nil {
					cause = werr
				}
			}
			if first != nil {
				cause = first
			}
			queue.Close(cause)
		}()

		var derr error
		for {
			value, rerr := queue.Recv(ctx)
			if rerr != nil {
				if errors.IsAny(rerr, ErrQueueClosed) {
					derr = queue.Cause()
				} else {
					derr = rerr
				}
				break
			}

			if eerr := em.Emit(ctx, value); eerr != nil {
				derr = eerr
				break
			}
		}

		// All producing collections must finish before the merge
		// reaches it's terminal state.
		if derr != nil {
			cancel()
		}
		<-queue.Closing()

		return derr
	})
}

// Retry returns a Stream restarting the giving stream's production from
// scratch when it fails, up to total attempts, sleeping per the giving
// backoff between attempts. Values emitted by failed attempts are
// re-emitted by the retry. Cancellation and errors raised by the
// collector itself are never retried.
func Retry(s Stream, total int, next retries.BackOff) Stream {
	return RetryIf(s, total, next, nil)
}

// RetryIf is Retry with the giving predicate deciding which production
// errors are worth another attempt.
func RetryIf(s Stream, total int, next retries.BackOff, shouldRetry func(error) bool) Stream {
	if total < 1 {
		total = 1
	}

	return StreamFunc(func(ctx context.Context, em Emitter) error {
		var last error
		for attempt := 0; attempt < total; attempt++ {
			if attempt > 0 && next != nil {
				if serr := retries.Sleep(ctx, next(attempt)); serr != nil {
					return serr
				}
			}

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
			if shouldRetry != nil && !shouldRetry(err) {
				return err
			}

			last = err
		}
		return last
	})
}
