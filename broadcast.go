package streamkit

import (
	"context"
	"sync"
	"time"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
)

// errors ...
var (
	ErrBroadcastDone = errors.New("broadcast has ended")
	ErrScopeRequired = errors.New("scope required")
)

// DefaultSubscriberBuffer is the per-subscriber queue capacity used when
// a broadcast configuration does not pick it's own.
const DefaultSubscriberBuffer = 64

// BroadcastConfig defines configuration fields for a BroadcastStream.
type BroadcastConfig struct {
	// Replay is the count of most recent values retained for delivery to
	// new subscribers ahead of live values. Zero retains nothing.
	Replay int

	// Buffer is the queue capacity granted to each subscriber on top of
	// any replayed values.
	Buffer int

	// Strategy decides what happens when a subscriber queue is at
	// capacity: the emitter suspends, the incoming value is dropped or
	// the subscriber's oldest pending value is evicted.
	Strategy Strategy

	// ReplayTTL bounds the age of values handed to new subscribers from
	// the replay buffer. Zero keeps them eligible forever.
	ReplayTTL time.Duration

	// Log is for the logs generated by the broadcast.
	Log Logs
}

// init validates configuration and initializes defaults.
func (bc *BroadcastConfig) init() error {
	if bc.Replay < 0 {
		bc.Replay = 0
	}
	if bc.Buffer <= 0 {
		bc.Buffer = DefaultSubscriberBuffer
	}
	if bc.Log == nil {
		bc.Log = DrainLog{}
	}
	return nil
}

type replayed struct {
	value interface{}
	at    time.Time
}

type broadcastSub struct {
	id    xid.ID
	queue *BoxChannel
}

var (
	_ Emitter = &BroadcastStream{}
	_ Stream  = &BroadcastStream{}
)

// BroadcastStream implements a hot, multi-subscriber stream. Values
// emitted into it are fanned out to every current subscriber in emission
// order, the most recent values are retained in a replay buffer handed
// to new subscribers ahead of live values, and the subscriber count is
// observable. A broadcast never completes on it's own; it ends only when
// it's owning scope is cancelled, after which subscriptions terminate
// with ErrBroadcastDone.
//
// BroadcastStream implements both Emitter, for it's producing side, and
// Stream, so every collection of it is one subscription.
type BroadcastStream struct {
	id     xid.ID
	config BroadcastConfig
	scope  *Scope
	events *Eventer

	// el serializes whole emissions so every subscriber observes values
	// in the same order.
	el sync.Mutex

	count AtomicCounter

	ml     sync.Mutex
	closed bool
	subs   map[string]*broadcastSub
	replay []replayed
}

// NewBroadcastStream returns a new instance of a BroadcastStream bound
// to the giving scope.
func NewBroadcastStream(sc *Scope, config BroadcastConfig) (*BroadcastStream, error) {
	if sc == nil {
		return nil, errors.WrapOnly(ErrScopeRequired)
	}
	if err := config.init(); err != nil {
		return nil, err
	}

	b := &BroadcastStream{
		id:     xid.New(),
		config: config,
		scope:  sc,
		events: NewEventer(),
		subs:   map[string]*broadcastSub{},
	}

	waitTillRunned(func() {
		<-sc.Done()
		b.teardown()
	})

	return b, nil
}

// ID returns the unique id of giving broadcast.
func (b *BroadcastStream) ID() string {
	return b.id.String()
}

// Emit delivers the giving value to every current subscriber and records
// it in the replay buffer. With the Suspend strategy Emit blocks while
// any subscriber queue is at capacity, so one slow subscriber slows the
// emitter; drop strategies keep the emitter free-running instead.
func (b *BroadcastStream) Emit(ctx context.Context, value interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.el.Lock()
	defer b.el.Unlock()

	b.ml.Lock()
	if b.closed {
		b.ml.Unlock()
		return errors.Wrap(ErrBroadcastDone, "emit on ended broadcast")
	}

	if b.config.Replay > 0 {
		b.replay = append(b.replay, replayed{value: value, at: time.Now()})
		if len(b.replay) > b.config.Replay {
			n := copy(b.replay, b.replay[1:])
			b.replay[n] = replayed{}
			b.replay = b.replay[:n]
		}
	}

	targets := make([]*broadcastSub, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.ml.Unlock()

	for _, sub := range targets {
		if err := sub.queue.Send(ctx, value); err != nil {
			if errors.IsAny(err, ErrQueueClosed) {
				continue
			}
			return err
		}
	}
	return nil
}

// Collect subscribes to the broadcast, delivering retained replay values
// ahead of live ones, then live values in emission order until the
// collection context ends or the owning scope is cancelled.
func (b *BroadcastStream) Collect(ctx context.Context, em Emitter) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := b.subscribe()
	if err != nil {
		return err
	}
	defer b.unsubscribe(sub)

	for {
		value, rerr := sub.queue.Recv(ctx)
		if rerr != nil {
			if errors.IsAny(rerr, ErrQueueClosed) {
				return sub.queue.Cause()
			}
			return rerr
		}

		if eerr := em.Emit(ctx, value); eerr != nil {
			return eerr
		}
	}
}

// SubscriptionCount returns the current count of active subscribers.
func (b *BroadcastStream) SubscriptionCount() int64 {
	return b.count.Get()
}

// WatchSubscriptionCount registers the giving function to be called with
// the new subscriber count whenever a subscriber joins or leaves.
func (b *BroadcastStream) WatchSubscriptionCount(fn func(count int64)) Subscription {
	return b.events.Subscribe(func(ev interface{}) {
		switch sev := ev.(type) {
		case SubscriberJoined:
			fn(sev.Subscriptions)
		case SubscriberLeft:
			fn(sev.Subscriptions)
		}
	}, nil)
}

// Watch registers the giving function for all lifecycle events of the
// broadcast.
func (b *BroadcastStream) Watch(fn Handler) Subscription {
	return b.events.Subscribe(fn, nil)
}

// ResetReplay discards all values currently retained in the replay
// buffer, so later subscribers start from live values only.
func (b *BroadcastStream) ResetReplay() {
	b.ml.Lock()
	b.replay = nil
	b.ml.Unlock()

	b.events.Publish(ReplayReset{ID: b.id.String(), Time: time.Now()})
}

// subscribe snapshots the replay buffer into a fresh subscriber queue
// and joins the live set. The snapshot and the join are atomic against
// emissions, so a subscriber never misses nor doubly receives a value.
func (b *BroadcastStream) subscribe() (*broadcastSub, error) {
	b.ml.Lock()
	if b.closed {
		b.ml.Unlock()
		return nil, errors.Wrap(ErrBroadcastDone, "subscribe on ended broadcast")
	}

	now := time.Now()
	var snapshot []interface{}
	for _, re := range b.replay {
		if b.config.ReplayTTL > 0 && now.Sub(re.at) > b.config.ReplayTTL {
			continue
		}
		snapshot = append(snapshot, re.value)
	}

	sub := &broadcastSub{
		id:    xid.New(),
		queue: BoundedBoxChannel(b.config.Buffer+len(snapshot), b.config.Strategy, nil),
	}
	for _, value := range snapshot {
		if err := sub.queue.TrySend(value); err != nil {
			break
		}
	}

	b.subs[sub.id.String()] = sub
	b.count.Inc()
	total := b.count.Get()
	b.ml.Unlock()

	LogMsg("broadcast subscriber joined").
		String("broadcast", b.id.String()).
		String("sub", sub.id.String()).
		Int64("subscriptions", total).WriteDebug(b.config.Log)

	b.events.Publish(SubscriberJoined{ID: sub.id.String(), Subscriptions: total})
	return sub, nil
}

func (b *BroadcastStream) unsubscribe(sub *broadcastSub) {
	b.ml.Lock()
	if _, ok := b.subs[sub.id.String()]; !ok {
		b.ml.Unlock()
		return
	}

	delete(b.subs, sub.id.String())
	b.count.Dec()
	total := b.count.Get()
	b.ml.Unlock()

	sub.queue.Close(nil)

	LogMsg("broadcast subscriber left").
		String("broadcast", b.id.String()).
		String("sub", sub.id.String()).
		Int64("subscriptions", total).WriteDebug(b.config.Log)

	b.events.Publish(SubscriberLeft{ID: sub.id.String(), Subscriptions: total})
}

// teardown ends the broadcast once the owning scope is cancelled,
// terminating every active subscription with ErrBroadcastDone.
func (b *BroadcastStream) teardown() {
	b.ml.Lock()
	if b.closed {
		b.ml.Unlock()
		return
	}

	b.closed = true
	targets := make([]*broadcastSub, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.replay = nil
	b.ml.Unlock()

	for _, sub := range targets {
		sub.queue.Close(errors.WrapOnly(ErrBroadcastDone))
	}

	LogMsg("broadcast ended").
		String("broadcast", b.id.String()).WriteDebug(b.config.Log)
}
