package streamkit

import (
	"context"
	"time"
)

//***************************************************************************
// Header
//***************************************************************************

// Header defines a map type to hold meta information associated with
// values moving through a stream or a source adapter.
type Header map[string]string

// Get returns the associated value for giving key within the map.
func (m Header) Get(n string) string {
	return m[n]
}

// Map returns a map with contents of header.
func (m Header) Map() map[string]string {
	mv := make(map[string]string, len(m))
	for k, v := range m {
		mv[k] = v
	}
	return mv
}

// Len returns the length of records within the header.
func (m Header) Len() int {
	return len(m)
}

// Has returns true/false value if key is present.
func (m Header) Has(n string) bool {
	_, ok := m[n]
	return ok
}

//***************************************************************************
// Emitter
//***************************************************************************

// Emitter defines the capability handed to a producing procedure for
// delivering a single value to the consumer of one active collection.
// An Emitter belongs to exactly one collection and must not be retained
// or used once that collection has reached a terminal state.
type Emitter interface {
	Emit(ctx context.Context, value interface{}) error
}

// EmitFunc defines a function type which implements the Emitter
// interface, allowing closures to stand as value consumers.
type EmitFunc func(ctx context.Context, value interface{}) error

// Emit calls the underline function with provided arguments.
func (f EmitFunc) Emit(ctx context.Context, value interface{}) error {
	return f(ctx, value)
}

//***************************************************************************
// Stream
//***************************************************************************

// SourceFunc defines the producing procedure of a cold stream. It is
// handed an Emitter which it may invoke zero or more times, each call
// completing fully before the next value is produced. Returning a non-nil
// error terminates the collection with that error.
type SourceFunc func(ctx context.Context, em Emitter) error

// Stream defines a recipe to produce a sequence of values when collected.
// A cold Stream is immutable once constructed and restartable: every call
// to Collect re-runs production from scratch, independent of any other
// concurrent or previous collection.
type Stream interface {
	Collect(ctx context.Context, em Emitter) error
}

// StreamFunc defines a function type which implements the Stream
// interface.
type StreamFunc func(ctx context.Context, em Emitter) error

// Collect calls the underline function with provided arguments.
func (f StreamFunc) Collect(ctx context.Context, em Emitter) error {
	return f(ctx, em)
}

//***********************************
//  Sender
//***********************************

// Sender defines the push handle granted to the producing side of a
// channel-backed stream. Send applies the queue's overflow policy,
// possibly blocking; TrySend applies the same policy without blocking.
// Close seals the queue, with a nil cause marking normal completion and
// a non-nil cause surfacing to the draining consumer after buffered
// values are delivered.
type Sender interface {
	Send(ctx context.Context, value interface{}) error
	TrySend(value interface{}) error
	Close(cause error)
}

//***********************************
//  Subscription
//***********************************

// Subscription defines a method which exposes a single method
// to remove giving subscription.
type Subscription interface {
	Stop()
}

//***********************************
//  Waiter
//***********************************

// Waiter exposes a single method which blocks
// till a given condition is met.
type Waiter interface {
	Wait()
}

//***********************************
//  ErrWaiter
//***********************************

// ErrWaiter exposes a single method which blocks
// till a given condition is met or an error occurs that
// causes it to stop blocking and will return the error
// encountered.
type ErrWaiter interface {
	Wait() error
}

//***********************************
//  Watchable
//***********************************

// Watchable defines a in interface that exposes methods to add
// functions to be called on some status change of the implementing
// instance.
type Watchable interface {
	Watch(func(interface{})) Subscription
}

//***********************************
//  Events
//***********************************

// Handler defines a function type to be called for a published event.
type Handler func(interface{})

// Predicate defines a function type which filters published events,
// returning true for events the associated handler should receive.
type Predicate func(interface{}) bool

// EventStream defines an interface which exposes methods for publishing
// and subscribing to an internal event pipeline.
type EventStream interface {
	Publish(interface{})
	Subscribe(Handler, Predicate) Subscription
}

//***********************************
//  Invokers
//***********************************

// QueueInvoker defines an interface that exposes methods
// to signal status of a queue.
type QueueInvoker interface {
	InvokedFull()
	InvokedEmpty()
	InvokedClosed(cause error)
	InvokedDropped(value interface{})
	InvokedReceived(value interface{})
	InvokedDispatched(value interface{})
}

//***********************************
//  Stream System Messages
//***********************************

// SharingStarted is sent when a sharing state machine transitions its
// upstream producer into the running state.
type SharingStarted struct {
	ID   string
	Time time.Time
}

// SharingStopped is sent when a sharing state machine transitions its
// upstream producer into the stopped state.
type SharingStopped struct {
	ID   string
	Time time.Time
}

// ReplayReset is sent when a broadcast stream discards its replay
// buffer contents.
type ReplayReset struct {
	ID   string
	Time time.Time
}

// SubscriberJoined is sent when a new subscription joins a broadcast
// stream, carrying the subscription count after the join.
type SubscriberJoined struct {
	ID            string
	Subscriptions int64
}

// SubscriberLeft is sent when a subscription leaves a broadcast stream,
// carrying the subscription count after the leave.
type SubscriberLeft struct {
	ID            string
	Subscriptions int64
}

// RoutineStarted is sent when a background collection routine has begun
// collecting its stream.
type RoutineStarted struct {
	ID string
}

// RoutineStopped is sent when a background collection routine has
// reached a terminal state.
type RoutineStopped struct {
	ID  string
	Err error
}
