package streamkit

import (
	"context"
	"sync"

	"github.com/gokit/errors"
)

// DefaultCallbackBuffer is the queue capacity granted to callback
// streams which do not pick their own.
const DefaultCallbackBuffer = 64

// CallbackStream returns a Stream fed by a callback-based source. On
// each collection register is called with the Sender which the source's
// callbacks must push values through, the registration is then held till
// the source closes the sender or the collection ends, after which
// unregister runs exactly once. A source which never closes it's sender
// keeps the stream open till the collection is cancelled.
func CallbackStream(sc *Scope, register func(ch Sender) error, unregister func()) Stream {
	return CallbackStreamWith(sc, DefaultCallbackBuffer, nil, register, unregister)
}

// CallbackStreamWith is CallbackStream with the queue capacity, overflow
// strategy and instrumentation under caller control.
func CallbackStreamWith(sc *Scope, capacity int, invoker QueueInvoker, register func(ch Sender) error, unregister func()) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		if ctx == nil {
			ctx = context.Background()
		}

		queue := queueFor(capacity, Suspend, invoker)

		var unreg sync.Once
		task, err := sc.LaunchBound(ctx, func(pctx context.Context) (perr error) {
			var registered bool
			defer func() {
				if rec := recover(); rec != nil {
					perr = errors.StackWrap(ErrSourcePanic, "recovered: %+v", rec)
				}
				// A failed register owes the source no teardown.
				if registered && unregister != nil {
					unreg.Do(unregister)
				}
				queue.Close(perr)
			}()

			if rerr := register(queue); rerr != nil {
				return rerr
			}
			registered = true

			select {
			case <-pctx.Done():
				return pctx.Err()
			case <-queue.Closing():
				return nil
			}
		})
		if err != nil {
			return err
		}

		return collectQueue(ctx, em, queue, task)
	})
}
