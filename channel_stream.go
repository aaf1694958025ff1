package streamkit

import (
	"context"

	"github.com/gokit/errors"
)

// UnboundedCapacity requests a channel stream queue with no upper bound,
// where sends always succeed without suspending.
const UnboundedCapacity = -1

// ChannelStream returns a Stream whose values are produced by an
// independently scheduled child task of the giving scope and ferried to
// the collector through a queue of giving capacity. A zero capacity
// creates a rendezvous queue where each send suspends till the collector
// takes the value, a positive capacity bounds the queue with the giving
// overflow strategy and UnboundedCapacity removes the bound entirely.
//
// The producer runs once per collection with a context ending when
// either the scope or the collection ends. Returning from the producer
// closes the queue with it's terminal error as cause, pending values
// are still delivered before the collection observes that cause.
func ChannelStream(sc *Scope, capacity int, strategy Strategy, producer func(ctx context.Context, ch Sender) error) Stream {
	return ChannelStreamWith(sc, capacity, strategy, nil, producer)
}

// ChannelStreamWith is ChannelStream with a QueueInvoker hooked into the
// underline queue for instrumentation of send, receive and drop activity.
func ChannelStreamWith(sc *Scope, capacity int, strategy Strategy, invoker QueueInvoker, producer func(ctx context.Context, ch Sender) error) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		if ctx == nil {
			ctx = context.Background()
		}

		queue := queueFor(capacity, strategy, invoker)
		task, err := sc.LaunchBound(ctx, func(pctx context.Context) (perr error) {
			defer func() {
				if rec := recover(); rec != nil {
					perr = errors.StackWrap(ErrSourcePanic, "recovered: %+v", rec)
				}
				queue.Close(perr)
			}()

			return producer(pctx, queue)
		})
		if err != nil {
			return err
		}

		return collectQueue(ctx, em, queue, task)
	})
}

// queueFor maps a requested capacity to the matching queue regime.
func queueFor(capacity int, strategy Strategy, invoker QueueInvoker) *BoxChannel {
	switch {
	case capacity < 0:
		return UnboundedBoxChannel(invoker)
	case capacity == 0:
		return RendezvousBoxChannel(invoker)
	default:
		return BoundedBoxChannel(capacity, strategy, invoker)
	}
}

// collectQueue drains the giving queue into the emitter until the queue
// closes or the collection dies, then stops the producing task and waits
// it out so the producer never outlives the collection terminal state.
func collectQueue(ctx context.Context, em Emitter, queue *BoxChannel, task *Task) error {
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

	if derr != nil {
		task.Stop()
	}

	terr := task.Wait()
	if derr != nil {
		return derr
	}
	if terr != nil && !IsCancellation(terr) {
		return terr
	}
	return nil
}
