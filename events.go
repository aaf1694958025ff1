package streamkit

import "github.com/gokit/es"

var _ EventStream = &Eventer{}

// Eventer implements the EventStream interface by decorating the gokit
// es event implementation, carrying the lifecycle events of broadcasts,
// shared productions and routines to their watchers.
type Eventer struct {
	es es.EventStream
}

// NewEventer returns a instance of a Eventer.
func NewEventer() *Eventer {
	return &Eventer{es: es.New()}
}

// Publish delivers the giving event to all current subscribers.
func (e Eventer) Publish(m interface{}) {
	e.es.Publish(m)
}

// Subscribe adds a giving subscription using the provided handler and
// predicate, where a nil predicate admits every event.
func (e Eventer) Subscribe(handler Handler, predicate Predicate) Subscription {
	return e.es.Subscribe(func(m interface{}) {
		handler(m)
	}).WithPredicate(func(m interface{}) bool {
		if predicate == nil {
			return true
		}
		return predicate(m)
	})
}
