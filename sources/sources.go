package sources

import (
	"context"

	"github.com/gokit/errors"
	"github.com/gokit/xid"

	"github.com/gokit/streamkit"
)

const (
	// SubscriberTopicFormat defines the expected format for a subscriber group name, queue name can be formulated.
	SubscriberTopicFormat = "/streams/%s/project/%s/topics/%s/subscriber/%s"

	// QueueGroupSubscriberTopicFormat defines the expected format for a subscriber queue group name, queue name can be formulated.
	QueueGroupSubscriberTopicFormat = "/streams/%s/project/%s/topics/%s/subscriber/%s/%s"
)

var (
	// ErrNotSupported is returned when a giving feature or method has no implementation
	// support.
	ErrNotSupported = errors.New("method not supported")

	// ErrPublishingFailed is returned when a provider fails to accept a message
	// in time.
	ErrPublishingFailed = errors.New("failed to publish message")
)

// Message defines a single unit of delivery to or from an external
// stream provider: the topic it belongs to, a unique ref, the raw
// payload and it's headers.
type Message struct {
	Topic  string
	Ref    xid.ID
	Header streamkit.Header
	Data   []byte
}

// NewMessage returns a new instance of a Message for a giving topic and payload.
func NewMessage(topic string, data []byte) Message {
	return Message{
		Topic:  topic,
		Ref:    xid.New(),
		Data:   data,
		Header: streamkit.Header{},
	}
}

// Marshaler exposes a method to turn a message into a byte slice.
type Marshaler interface {
	Marshal(Message) ([]byte, error)
}

// Unmarshaler exposes a method to turn a byte slice into a message.
type Unmarshaler interface {
	Unmarshal([]byte) (Message, error)
}

//*********************************************************
//  SourceFactory
//*********************************************************

// SourceFactory defines an interface which embodies the methods exposed
// for the publishing and subscription of topics and their corresponding
// messages on some external stream provider.
type SourceFactory interface {
	PublisherFactory
	SubscriptionFactory
	QueueGroupSubscriptionFactory
}

//*****************************************************************************
// SourceFactoryImpl
//*****************************************************************************

// Subscription expects the implementer to provide methods to identify the topic,
// id and group/queueGroup name of giving subscription and a method to stop or end it.
type Subscription interface {
	streamkit.Subscription

	ID() string
	Topic() string
	Group() string
}

// PublisherHandler defines a function type which takes a giving topic,
// returning a new publisher with all related underline specific details
// added and instantiated.
type PublisherHandler func(string) (Publisher, error)

// SubscriberHandler defines a function type which takes a giving topic and
// subscriber id, returning a new subscription with all related underline
// specific details added and instantiated.
type SubscriberHandler func(topic string, id string, r Receiver) (Subscription, error)

// QueueGroupSubscriberHandler defines a function type which takes a giving topic,
// returning a new subscription for a giving queue group name.
type QueueGroupSubscriberHandler func(group string, topic string, id string, r Receiver) (Subscription, error)

// SourceFactoryImpl implements the SourceFactory interface, allowing providing
// custom generator functions which will returning appropriate Publishers and
// Subscribers for some underline platform.
type SourceFactoryImpl struct {
	Publishers            PublisherHandler
	Subscribers           SubscriberHandler
	QueueGroupSubscribers QueueGroupSubscriberHandler
}

// NewPublisher returns a new Publisher using the Publishers handler function provided.
func (p SourceFactoryImpl) NewPublisher(topic string) (Publisher, error) {
	if p.Publishers == nil {
		return nil, errors.Wrap(ErrNotSupported, "NewPublisher is not supported")
	}
	return p.Publishers(topic)
}

// NewSubscriber returns a new Subscription using the Subscribers handler function provided.
func (p SourceFactoryImpl) NewSubscriber(topic string, id string, r Receiver) (Subscription, error) {
	if p.Subscribers == nil {
		return nil, errors.Wrap(ErrNotSupported, "NewSubscriber is not supported")
	}
	return p.Subscribers(topic, id, r)
}

// NewQueueGroupSubscriber returns a new Subscription using the QueueGroupSubscribers handler function provided.
func (p SourceFactoryImpl) NewQueueGroupSubscriber(group string, topic string, id string, r Receiver) (Subscription, error) {
	if p.QueueGroupSubscribers == nil {
		return nil, errors.Wrap(ErrNotSupported, "NewQueueGroupSubscriber is not supported")
	}
	return p.QueueGroupSubscribers(group, topic, id, r)
}

//*********************************************************
//  PublisherFactory
//*********************************************************

// Publisher exposes methods for the publishing of a provided message.
type Publisher interface {
	Close() error
	Publish(Message) error
}

// PublisherFactory exposes a single method for the return of a
// giving publisher for a provided topic.
type PublisherFactory interface {
	NewPublisher(string) (Publisher, error)
}

//*********************************************************
//  SubscriptionFactory
//*********************************************************

// Action defines a giving response to be provided by the processing of
// a message by a Receiver function type.
type Action uint8

func (a Action) String() string {
	switch a {
	case ACK:
		return "ACK"
	case NACK:
		return "NACK"
	case NOPN:
		return "NOPN"
	}
	return "UNKNOWN"
}

// constants of action types
const (
	// ACK is for acknowledging a message received.
	ACK Action = 1 << iota

	// NACK is to not acknowledge or reject a message received.
	NACK

	// NOPN is to request a severe action as dictated by the implementation
	// detail as a action to a giving response/request.
	NOPN
)

// Receiver defines a function type to be used for processing of an incoming message.
type Receiver func(Message) (Action, error)

// SubscriptionFactory exposes a given method for the creation of a subscription.
type SubscriptionFactory interface {
	NewSubscriber(topic string, id string, r Receiver) (Subscription, error)
}

// QueueGroupSubscriptionFactory exposes a given method for the creation of a subscription.
type QueueGroupSubscriptionFactory interface {
	NewQueueGroupSubscriber(string, string, string, Receiver) (Subscription, error)
}

//*********************************************************
//  Stream Bridges
//*********************************************************

// StreamTopic returns a streamkit.Stream of Message values delivered to
// the giving topic. Every collection opens it's own subscription under a
// fresh id and closes it once the collection ends, so the returned
// stream stays cold and restartable. Messages pushed into the stream are
// acknowledged once queued; a full queue reports NACK to the provider.
func StreamTopic(sc *streamkit.Scope, factory SubscriptionFactory, topic string) streamkit.Stream {
	return streamkit.StreamFunc(func(ctx context.Context, em streamkit.Emitter) error {
		var sub Subscription

		source := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
			created, err := factory.NewSubscriber(topic, xid.New().String(), func(msg Message) (Action, error) {
				if serr := ch.TrySend(msg); serr != nil {
					if errors.IsAny(serr, streamkit.ErrQueueClosed) {
						return NOPN, serr
					}
					return NACK, serr
				}
				return ACK, nil
			})
			if err != nil {
				return err
			}

			sub = created
			return nil
		}, func() {
			if sub != nil {
				sub.Stop()
			}
		})

		return source.Collect(ctx, em)
	})
}

// StreamQueueTopic is StreamTopic for queue group subscriptions, where
// the provider spreads each message across the group members instead of
// delivering to all of them.
func StreamQueueTopic(sc *streamkit.Scope, factory QueueGroupSubscriptionFactory, group string, topic string) streamkit.Stream {
	return streamkit.StreamFunc(func(ctx context.Context, em streamkit.Emitter) error {
		var sub Subscription

		source := streamkit.CallbackStream(sc, func(ch streamkit.Sender) error {
			created, err := factory.NewQueueGroupSubscriber(group, topic, xid.New().String(), func(msg Message) (Action, error) {
				if serr := ch.TrySend(msg); serr != nil {
					if errors.IsAny(serr, streamkit.ErrQueueClosed) {
						return NOPN, serr
					}
					return NACK, serr
				}
				return ACK, nil
			})
			if err != nil {
				return err
			}

			sub = created
			return nil
		}, func() {
			if sub != nil {
				sub.Stop()
			}
		})

		return source.Collect(ctx, em)
	})
}

// PublishStream collects the giving stream, publishing every Message it
// emits through the giving publisher. Values which are not Message fail
// the collection.
func PublishStream(ctx context.Context, pub Publisher, s streamkit.Stream) error {
	return streamkit.Collect(ctx, s, func(value interface{}) error {
		msg, ok := value.(Message)
		if !ok {
			return errors.New("stream emitted %T, expected sources.Message", value)
		}
		return pub.Publish(msg)
	})
}

//*********************************************************
//  Error Types
//*********************************************************

// MarshalingError to be used for errors corresponding with marshaling of data.
type MarshalingError struct {
	Topic string
	Err   error
	Data  interface{}
}

// Message implements the streamkit.LogMessage interface.
func (m MarshalingError) Message() string {
	return m.Err.Error()
}

// UnmarshalingError is to be used for errors relating to deserialization of
// serialized data.
type UnmarshalingError struct {
	Topic string
	Err   error
	Data  interface{}
}

// Message implements the streamkit.LogMessage interface.
func (m UnmarshalingError) Message() string {
	return m.Err.Error()
}

// OpError is to be used for errors related to provider operations.
type OpError struct {
	Topic string
	Err   error
}

// Message implements the streamkit.LogMessage interface.
func (m OpError) Message() string {
	return m.Err.Error()
}

// PublishError is to be used for errors related to publishing giving data.
type PublishError struct {
	Topic string
	Err   error
	Data  interface{}
}

// Message implements the streamkit.LogMessage interface.
func (m PublishError) Message() string {
	return m.Err.Error()
}

// MessageHandlingError is to be used for errors related to handling received messages.
type MessageHandlingError struct {
	Topic string
	Err   error
	Data  interface{}
}

// Message implements the streamkit.LogMessage interface.
func (m MessageHandlingError) Message() string {
	return m.Err.Error()
}

// SubscriptionError defines a giving error struct for subscription error.
type SubscriptionError struct {
	Topic string
	Err   error
}

// Message implements the streamkit.LogMessage interface.
func (m SubscriptionError) Message() string {
	return m.Err.Error()
}

// DesubscriptionError defines a giving error struct for subscription error.
type DesubscriptionError struct {
	Topic string
	Err   error
}

// Message implements the streamkit.LogMessage interface.
func (m DesubscriptionError) Message() string {
	return m.Err.Error()
}
