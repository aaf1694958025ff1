package streamkit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gokit/errors"
)

// ErrQueueClosed is returned once a queue has been closed and, for
// receives, fully drained.
var ErrQueueClosed = errors.New("queue is closed")

// ErrQueueFull is returned by TrySend when the queue can not accept a
// value without blocking.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueEmpty is returned by TryRecv when the queue holds no value.
var ErrQueueEmpty = errors.New("queue is empty")

var nodePool = sync.Pool{New: func() interface{} {
	return new(node)
}}

// Strategy defines a int type to represent a giving overflow strategy.
type Strategy int

// constants.
const (
	Suspend Strategy = iota
	DropNew
	DropOld
)

type node struct {
	value interface{}
	taken bool
	next  *node
	prev  *node
}

var _ Sender = &BoxChannel{}

// BoxChannel defines a queue implementation safe for concurrent-use
// across go-routines, which provides the buffering half of a
// channel-backed stream. It supports four capacity regimes: rendezvous
// (capacity zero, a send completes only when a receive takes that exact
// value), bounded, unbounded and conflated (capacity one with DropOld).
// Once closed no further sends are accepted; buffered values remain
// receivable until drained, after which receives report ErrQueueClosed
// and any closing cause is available through Cause.
type BoxChannel struct {
	bm       sync.Mutex
	cond     *sync.Cond
	head     *node
	tail     *node
	capped   int
	total    int64
	recvs    int
	closed   bool
	cause    error
	done     chan struct{}
	strategy Strategy
	invoker  QueueInvoker
}

// BoundedBoxChannel returns a new instance of a bounded box channel.
// Values will be queued till capped is reached, after which the giving
// strategy decides whether the sender blocks, the incoming value is
// dropped or the oldest buffered value is evicted.
func BoundedBoxChannel(capped int, strategy Strategy, invoker QueueInvoker) *BoxChannel {
	if capped < 1 {
		capped = 1
	}

	bq := &BoxChannel{
		capped:   capped,
		strategy: strategy,
		invoker:  invoker,
		done:     make(chan struct{}),
	}
	bq.cond = sync.NewCond(&bq.bm)
	return bq
}

// UnboundedBoxChannel returns a new instance of a unbounded box channel.
// Values will be queued endlessly and sends never block.
func UnboundedBoxChannel(invoker QueueInvoker) *BoxChannel {
	bq := &BoxChannel{
		capped:  -1,
		invoker: invoker,
		done:    make(chan struct{}),
	}
	bq.cond = sync.NewCond(&bq.bm)
	return bq
}

// RendezvousBoxChannel returns a new instance of a box channel with no
// buffer at all: every send blocks until a receive arrives for that
// exact value.
func RendezvousBoxChannel(invoker QueueInvoker) *BoxChannel {
	bq := &BoxChannel{
		invoker: invoker,
		done:    make(chan struct{}),
	}
	bq.cond = sync.NewCond(&bq.bm)
	return bq
}

// ConflatedBoxChannel returns a new instance of a box channel holding
// only the latest sent value: sends never block, each new value evicts
// the currently buffered one.
func ConflatedBoxChannel(invoker QueueInvoker) *BoxChannel {
	return BoundedBoxChannel(1, DropOld, invoker)
}

// Send adds the giving value to the back of the queue, applying the
// channel's overflow policy when at capacity. Send blocks for rendezvous
// channels until the value is taken and for Suspend-strategy bounded
// channels until room frees up; the provided context aborts the wait.
//
// Send can be safely called from multiple goroutines.
func (bq *BoxChannel) Send(ctx context.Context, value interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	bq.bm.Lock()
	if bq.closed {
		bq.bm.Unlock()
		return errors.Wrap(ErrQueueClosed, "send on closed queue")
	}

	if bq.capped == 0 {
		return bq.sendHandoff(ctx, value)
	}

	if bq.capped > 0 && int(atomic.LoadInt64(&bq.total)) >= bq.capped {
		if bq.invoker != nil {
			bq.invoker.InvokedFull()
		}

		switch bq.strategy {
		case DropNew:
			bq.bm.Unlock()
			if bq.invoker != nil {
				bq.invoker.InvokedDropped(value)
			}
			return nil
		case DropOld:
			bq.dropHead()
		case Suspend:
			if err := bq.sleep(ctx, func() bool {
				return int(atomic.LoadInt64(&bq.total)) >= bq.capped && !bq.closed
			}); err != nil {
				bq.bm.Unlock()
				return err
			}
			if bq.closed {
				bq.bm.Unlock()
				return errors.Wrap(ErrQueueClosed, "send on closed queue")
			}
		}
	}

	bq.push(bq.getNode(value))
	bq.bm.Unlock()

	if bq.invoker != nil {
		bq.invoker.InvokedReceived(value)
	}

	bq.cond.Broadcast()
	return nil
}

// sendHandoff deposits the value for a rendezvous exchange and blocks
// until a receiver takes it. The channel mutex must be held on entry and
// is released before returning.
func (bq *BoxChannel) sendHandoff(ctx context.Context, value interface{}) error {
	n := &node{value: value}
	bq.push(n)
	bq.cond.Broadcast()

	if bq.invoker != nil {
		bq.invoker.InvokedReceived(value)
	}

	err := bq.sleep(ctx, func() bool {
		return !n.taken && !bq.closed
	})

	if n.taken {
		bq.bm.Unlock()
		return nil
	}

	bq.remove(n)
	closed := bq.closed
	bq.bm.Unlock()

	if bq.invoker != nil {
		bq.invoker.InvokedDropped(value)
	}

	if err != nil {
		return err
	}
	if closed {
		return errors.Wrap(ErrQueueClosed, "send on closed queue")
	}
	return nil
}

// TrySend performs the channel's send policy without ever blocking. On a
// rendezvous channel it succeeds only when a receiver is already
// waiting; on a full Suspend-strategy channel it fails with ErrQueueFull;
// drop strategies apply their eviction and succeed.
func (bq *BoxChannel) TrySend(value interface{}) error {
	bq.bm.Lock()
	if bq.closed {
		bq.bm.Unlock()
		return errors.Wrap(ErrQueueClosed, "send on closed queue")
	}

	if bq.capped == 0 {
		if bq.recvs <= int(atomic.LoadInt64(&bq.total)) {
			bq.bm.Unlock()
			return errors.Wrap(ErrQueueFull, "no waiting receiver")
		}

		bq.push(&node{value: value})
		bq.bm.Unlock()

		if bq.invoker != nil {
			bq.invoker.InvokedReceived(value)
		}

		bq.cond.Broadcast()
		return nil
	}

	if bq.capped > 0 && int(atomic.LoadInt64(&bq.total)) >= bq.capped {
		if bq.invoker != nil {
			bq.invoker.InvokedFull()
		}

		switch bq.strategy {
		case Suspend:
			bq.bm.Unlock()
			return errors.Wrap(ErrQueueFull, "queue at capacity")
		case DropNew:
			bq.bm.Unlock()
			if bq.invoker != nil {
				bq.invoker.InvokedDropped(value)
			}
			return nil
		case DropOld:
			bq.dropHead()
		}
	}

	bq.push(bq.getNode(value))
	bq.bm.Unlock()

	if bq.invoker != nil {
		bq.invoker.InvokedReceived(value)
	}

	bq.cond.Broadcast()
	return nil
}

// Recv removes and returns the value at the front of the queue, blocking
// while the queue is open and empty. Once the queue is closed and
// drained Recv reports ErrQueueClosed; the provided context aborts the
// wait.
//
// Recv can be safely called from multiple goroutines.
func (bq *BoxChannel) Recv(ctx context.Context) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	bq.bm.Lock()
	bq.recvs++
	err := bq.sleep(ctx, func() bool {
		return bq.head == nil && !bq.closed
	})
	bq.recvs--

	if err != nil {
		bq.bm.Unlock()
		return nil, err
	}

	if bq.head == nil {
		bq.bm.Unlock()
		if bq.invoker != nil {
			bq.invoker.InvokedEmpty()
		}
		return nil, errors.Wrap(ErrQueueClosed, "recv on closed queue")
	}

	value := bq.take()
	bq.bm.Unlock()

	bq.cond.Broadcast()
	return value, nil
}

// TryRecv removes and returns the value at the front of the queue
// without blocking, reporting ErrQueueEmpty when the open queue holds
// nothing and ErrQueueClosed once closed and drained.
func (bq *BoxChannel) TryRecv() (interface{}, error) {
	bq.bm.Lock()
	if bq.head == nil {
		closed := bq.closed
		bq.bm.Unlock()

		if bq.invoker != nil {
			bq.invoker.InvokedEmpty()
		}

		if closed {
			return nil, errors.Wrap(ErrQueueClosed, "recv on closed queue")
		}
		return nil, errors.Wrap(ErrQueueEmpty, "empty queue")
	}

	value := bq.take()
	bq.bm.Unlock()

	bq.cond.Broadcast()
	return value, nil
}

// Close seals the queue against further sends, recording the giving
// cause for retrieval through Cause. Buffered values remain receivable;
// blocked senders and, once drained, blocked receivers are released.
// Only the first close is recorded.
func (bq *BoxChannel) Close(cause error) {
	bq.bm.Lock()
	if bq.closed {
		bq.bm.Unlock()
		return
	}

	bq.closed = true
	bq.cause = cause
	close(bq.done)
	bq.bm.Unlock()

	if bq.invoker != nil {
		bq.invoker.InvokedClosed(cause)
	}

	bq.cond.Broadcast()
}

// Closing returns the channel closed once the queue has been closed.
func (bq *BoxChannel) Closing() <-chan struct{} {
	return bq.done
}

// Closed returns true/false if the queue has been closed.
func (bq *BoxChannel) Closed() bool {
	bq.bm.Lock()
	closed := bq.closed
	bq.bm.Unlock()
	return closed
}

// Cause returns the error the queue was closed with, if any.
func (bq *BoxChannel) Cause() error {
	bq.bm.Lock()
	cause := bq.cause
	bq.bm.Unlock()
	return cause
}

// Cap returns the queue capacity, -1 if unbounded.
func (bq *BoxChannel) Cap() int {
	return bq.capped
}

// Total returns total count of values pending within the queue.
func (bq *BoxChannel) Total() int {
	return int(atomic.LoadInt64(&bq.total))
}

// IsEmpty returns true/false if the queue is empty.
func (bq *BoxChannel) IsEmpty() bool {
	bq.bm.Lock()
	empty := bq.head == nil
	bq.bm.Unlock()
	return empty
}

// sleep blocks the calling goroutine on the channel condition until the
// giving predicate reports false or the context ends. The channel mutex
// must be held on entry and is held again on return.
func (bq *BoxChannel) sleep(ctx context.Context, pred func() bool) error {
	if !pred() {
		return nil
	}

	if ctx.Done() != nil {
		watch := make(chan struct{})
		defer close(watch)

		// The watcher takes the mutex before broadcasting so a wakeup
		// can not slip in between a predicate check and the wait park.
		go func() {
			select {
			case <-ctx.Done():
				bq.bm.Lock()
				bq.cond.Broadcast()
				bq.bm.Unlock()
			case <-watch:
			}
		}()
	}

	for pred() {
		if err := ctx.Err(); err != nil {
			return err
		}
		bq.cond.Wait()
	}
	return nil
}

func (bq *BoxChannel) getNode(value interface{}) *node {
	n := nodePool.Get().(*node)
	n.value = value
	n.taken = false
	return n
}

// push appends the node to the queue tail. Mutex must be held.
func (bq *BoxChannel) push(n *node) {
	atomic.AddInt64(&bq.total, 1)

	if bq.head == nil && bq.tail == nil {
		bq.head, bq.tail = n, n
		return
	}

	bq.tail.next = n
	n.prev = bq.tail
	bq.tail = n
}

// take unlinks the head node and returns its value, marking the node as
// taken for any rendezvous sender still holding it. Mutex must be held.
func (bq *BoxChannel) take() interface{} {
	head := bq.head
	atomic.AddInt64(&bq.total, -1)

	value := head.value
	head.taken = true

	bq.head = head.next
	if bq.head != nil {
		bq.head.prev = nil
	}
	if bq.tail == head {
		bq.tail = bq.head
	}

	head.next = nil
	head.prev = nil

	if bq.capped != 0 {
		head.value = nil
		nodePool.Put(head)
	}

	if bq.invoker != nil {
		bq.invoker.InvokedDispatched(value)
	}
	return value
}

// dropHead evicts the oldest buffered value to make room. Mutex must be
// held.
func (bq *BoxChannel) dropHead() {
	if bq.head == nil {
		return
	}

	dropped := bq.take()
	if bq.invoker != nil {
		bq.invoker.InvokedDropped(dropped)
	}
}

// remove unlinks the giving node if it has not already been taken.
// Mutex must be held.
func (bq *BoxChannel) remove(n *node) {
	if n.taken {
		return
	}

	atomic.AddInt64(&bq.total, -1)

	if n.prev != nil {
		n.prev.next = n.next
	} else if bq.head == n {
		bq.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if bq.tail == n {
		bq.tail = n.prev
	}

	n.next = nil
	n.prev = nil
}
