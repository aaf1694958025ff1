package mocks

import (
	"context"
	"sync"

	"github.com/gokit/streamkit"
)

//****************************************
// Test Emitter Implementation
//****************************************

// CollectingEmitter implements the streamkit.Emitter interface,
// retaining every value it receives.
type CollectingEmitter struct {
	// FailAfter makes Emit reject values once this many have been
	// retained. Zero never rejects.
	FailAfter int

	// Err is returned on rejection.
	Err error

	ml     sync.Mutex
	values []interface{}
}

func (ce *CollectingEmitter) Emit(_ context.Context, value interface{}) error {
	ce.ml.Lock()
	defer ce.ml.Unlock()

	if ce.FailAfter > 0 && len(ce.values) >= ce.FailAfter {
		return ce.Err
	}

	ce.values = append(ce.values, value)
	return nil
}

func (ce *CollectingEmitter) Values() []interface{} {
	ce.ml.Lock()
	defer ce.ml.Unlock()

	out := make([]interface{}, len(ce.values))
	copy(out, ce.values)
	return out
}

func (ce *CollectingEmitter) Len() int {
	ce.ml.Lock()
	defer ce.ml.Unlock()
	return len(ce.values)
}

//****************************************
// Test Logs Implementation
//****************************************

// EventLog implements the streamkit.Logs interface, retaining emitted
// log messages.
type EventLog struct {
	ml      sync.Mutex
	entries []string
}

func (el *EventLog) Emit(_ streamkit.Level, msg streamkit.LogMessage) {
	el.ml.Lock()
	el.entries = append(el.entries, msg.Message())
	el.ml.Unlock()
}

func (el *EventLog) Messages() []string {
	el.ml.Lock()
	defer el.ml.Unlock()

	out := make([]string, len(el.entries))
	copy(out, el.entries)
	return out
}

//****************************************
// Test QueueInvoker Implementation
//****************************************

// CountingInvoker implements the streamkit.QueueInvoker interface,
// counting queue activity.
type CountingInvoker struct {
	Fulls      streamkit.AtomicCounter
	Empties    streamkit.AtomicCounter
	Closes     streamkit.AtomicCounter
	Drops      streamkit.AtomicCounter
	Receives   streamkit.AtomicCounter
	Dispatches streamkit.AtomicCounter

	ml    sync.Mutex
	cause error
}

func (ci *CountingInvoker) InvokedFull() {
	ci.Fulls.Inc()
}

func (ci *CountingInvoker) InvokedEmpty() {
	ci.Empties.Inc()
}

func (ci *CountingInvoker) InvokedClosed(cause error) {
	ci.ml.Lock()
	ci.cause = cause
	ci.ml.Unlock()
	ci.Closes.Inc()
}

func (ci *CountingInvoker) InvokedDropped(interface{}) {
	ci.Drops.Inc()
}

func (ci *CountingInvoker) InvokedReceived(interface{}) {
	ci.Receives.Inc()
}

func (ci *CountingInvoker) InvokedDispatched(interface{}) {
	ci.Dispatches.Inc()
}

func (ci *CountingInvoker) Cause() error {
	ci.ml.Lock()
	defer ci.ml.Unlock()
	return ci.cause
}
