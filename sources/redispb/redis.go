package redispb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	redis "github.com/go-redis/redis"
	"github.com/gokit/errors"
	"github.com/gokit/xid"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/encoders"
)

// ErrBusyPublisher is returned when publisher fails to send a giving message.
var ErrBusyPublisher = errors.New("publisher busy, try again")

//*****************************************************************************
// SourceFactory
//*****************************************************************************

// PublisherHandler defines a function type which takes a giving PublisherSubscriberFactory
// and a given topic, returning a new publisher with all related underline specific
// details added and instantiated.
type PublisherHandler func(*PublisherSubscriberFactory, string) (sources.Publisher, error)

// SubscriberHandler defines a function type which takes a giving PublisherSubscriberFactory
// and a given topic, returning a new subscription with all related underline specific
// details added and instantiated.
type SubscriberHandler func(*PublisherSubscriberFactory, string, string, sources.Receiver) (sources.Subscription, error)

// SourceFactoryGenerator returns a function which taken a PublisherSubscriberFactory returning
// a factory for generating publishers and subscribers.
type SourceFactoryGenerator func(factory *PublisherSubscriberFactory) sources.SourceFactory

// SourceFactory provides a partial function for the generation of a sources.SourceFactory
// using the SourceFactoryGenerator function. Redis pubsub has no queue group
// notion, so group subscriptions are not provided.
func SourceFactory(publishers PublisherHandler, subscribers SubscriberHandler) SourceFactoryGenerator {
	return func(factory *PublisherSubscriberFactory) sources.SourceFactory {
		var impl sources.SourceFactoryImpl
		if publishers != nil {
			impl.Publishers = func(topic string) (sources.Publisher, error) {
				return publishers(factory, topic)
			}
		}
		if subscribers != nil {
			impl.Subscribers = func(topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
				return subscribers(factory, topic, id, receiver)
			}
		}
		return impl
	}
}

//*****************************************************************************
// Publisher Subscriber Factory
//*****************************************************************************

// Config provides a config struct for instantiating a PublisherSubscriberFactory type.
type Config struct {
	ProjectID   string
	Log         streamkit.Logs
	Host        *redis.Options
	Marshaler   sources.Marshaler
	Unmarshaler sources.Unmarshaler

	// MessageDeliveryTimeout is the timeout to wait before response
	// from the underline message broker before timeout.
	MessageDeliveryTimeout time.Duration
}

func (c *Config) init() error {
	if c.Log == nil {
		c.Log = streamkit.DrainLog{}
	}
	if c.Host == nil {
		return errors.New("Config.Host must be provided")
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = encoders.JSONUnmarshaler{}
	}
	if c.Marshaler == nil {
		c.Marshaler = encoders.JSONMarshaler{}
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 5 * time.Second
	}
	if c.ProjectID == "" {
		c.ProjectID = "streamkit"
	}
	return nil
}

// PublisherSubscriberFactory implements a redis Publisher factory which handles
// creation of publishers for topic publishing and management.
type PublisherSubscriberFactory struct {
	id       xid.ID
	config   Config
	waiter   sync.WaitGroup
	client   *redis.Client
	ctx      context.Context
	canceler func()

	pl   sync.RWMutex
	pubs map[string]*Publisher

	sl   sync.RWMutex
	subs map[string]*Subscription
}

// NewPublisherSubscriberFactory returns a new instance of publisher subscriber factory.
func NewPublisherSubscriberFactory(ctx context.Context, config Config) (*PublisherSubscriberFactory, error) {
	if err := config.init(); err != nil {
		return nil, err
	}

	var pb PublisherSubscriberFactory
	pb.id = xid.New()
	pb.config = config
	pb.pubs = map[string]*Publisher{}
	pb.subs = map[string]*Subscription{}
	pb.ctx, pb.canceler = context.WithCancel(ctx)

	// create redis client
	client := redis.NewClient(pb.config.Host)

	streamkit.LogMsg("Creating redis connection").
		String("url", pb.config.Host.Addr).WriteDebug(config.Log)

	// verify that redis server is working with ping-pong.
	status := client.Ping()
	if err := status.Err(); err != nil {
		return nil, errors.Wrap(err, "Failed to connect successfully redis client")
	}

	streamkit.LogMsg("Created redis connection").
		String("url", pb.config.Host.Addr).WriteDebug(config.Log)

	pb.client = client
	return &pb, nil
}

// Wait blocks till all generated publishers close and have being reclaimed.
func (pf *PublisherSubscriberFactory) Wait() {
	pf.waiter.Wait()
}

// Close closes giving factory and all previously created publishers.
func (pf *PublisherSubscriberFactory) Close() error {
	pf.canceler()
	pf.waiter.Wait()
	return pf.client.Close()
}

// Subscribe returns a new subscription on the giving topic which will be used for
// processing messages arriving on it's channel from redis. Every call creates it's
// own independent subscription.
func (pf *PublisherSubscriberFactory) Subscribe(topic string, id string, receiver sources.Receiver) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var subid = fmt.Sprintf(sources.SubscriberTopicFormat, "redis", pf.config.ProjectID, topic, id)

	streamkit.LogMsg("Subscribing to redis topic").
		String("url", pf.config.Host.Addr).
		String("topic", topic).
		String("id", subid).
		Write(streamkit.DEBUG, pf.config.Log)

	var sub Subscription
	sub.id = subid
	sub.topic = topic
	sub.factory = pf
	sub.client = pf.client
	sub.receiver = receiver
	sub.config = &pf.config
	sub.ctx, sub.canceler = context.WithCancel(pf.ctx)

	if err := sub.init(); err != nil {
		streamkit.LogMsg(err.Error()).
			String("topic", topic).
			String("host", pf.config.Host.Addr).
			Write(streamkit.ERROR, pf.config.Log)
		return nil, err
	}

	pf.sl.Lock()
	pf.subs[sub.id] = &sub
	pf.sl.Unlock()

	streamkit.LogMsg("Subscribed to redis topic").
		String("topic", topic).
		String("url", pf.config.Host.Addr).
		String("id", subid).Write(streamkit.DEBUG, pf.config.Log)

	return &sub, nil
}

// Publisher returns giving publisher for giving topic, creating a new publisher
// each time to publish into the topic's channel.
func (pf *PublisherSubscriberFactory) Publisher(topic string) (*Publisher, error) {
	streamkit.LogMsg("Creating new publisher to redis topic").
		String("topic", topic).
		String("url", pf.config.Host.Addr).
		Write(streamkit.DEBUG, pf.config.Log)

	pub := NewPublisher(pf.ctx, &pf.config, topic, pf.client)
	pf.waiter.Add(1)
	go func() {
		defer pf.waiter.Done()
		pub.run()
	}()

	streamkit.LogMsg("Created new publisher to redis topic").
		String("topic", topic).
		String("url", pf.config.Host.Addr).
		Write(streamkit.DEBUG, pf.config.Log)

	return pub, nil
}

func (pf *PublisherSubscriberFactory) rmSubscription(sb *Subscription) {
	pf.sl.Lock()
	delete(pf.subs, sb.id)
	pf.sl.Unlock()
}

//*****************************************************************************
// Publisher
//*****************************************************************************

// Publisher implements the topic publishing provider for the redis
// layer.
type Publisher struct {
	topic    string
	config   *Config
	canceler func()
	actions  chan func()
	sink     *redis.Client
	ctx      context.Context
}

// NewPublisher returns a new instance of a Publisher.
func NewPublisher(ctx context.Context, cfg *Config, topic string, sink *redis.Client) *Publisher {
	pctx, canceler := context.WithCancel(ctx)
	return &Publisher{
		config:   cfg,
		ctx:      pctx,
		canceler: canceler,
		sink:     sink,
		topic:    topic,
		actions:  make(chan func(), 0),
	}
}

// Close closes giving publisher.
func (p *Publisher) Close() error {
	p.canceler()
	return nil
}

// Publish attempts to publish giving message into provided topic publisher returning an
// error for failed attempt.
func (p *Publisher) Publish(msg sources.Message) error {
	errs := make(chan error, 1)
	action := func() {
		msg.Topic = p.topic

		marshaled, err := p.config.Marshaler.Marshal(msg)
		if err != nil {
			err = errors.Wrap(err, "Failed to marshal incoming message: %+q", msg.Ref)
			p.config.Log.Emit(streamkit.ERROR, sources.MarshalingError{Err: err, Topic: p.topic, Data: msg})

			errs <- err
			return
		}

		streamkit.LogMsg("Sending new message to topic").
			String("topic", p.topic).
			String("url", p.config.Host.Addr).
			QBytes("message", marshaled).
			Write(streamkit.DEBUG, p.config.Log)

		status := p.sink.Publish(p.topic, marshaled)
		if err := status.Err(); err != nil {
			err = errors.Wrap(err, "Failed to publish message")
			p.config.Log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Data: marshaled, Topic: p.topic})

			errs <- err
			return
		}

		streamkit.LogMsg("Sent message to topic").
			String("topic", p.topic).
			String("url", p.config.Host.Addr).
			QBytes("message", marshaled).
			Write(streamkit.DEBUG, p.config.Log)

		errs <- nil
	}

	select {
	case p.actions <- action:
		return <-errs
	case <-time.After(p.config.MessageDeliveryTimeout):
		return errors.WrapOnly(ErrBusyPublisher)
	}
}

// run runs the publishing loop blocking till giving publisher is
// stopped/closed.
func (p *Publisher) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case action := <-p.actions:
			action()
		}
	}
}

//*****************************************************************************
// Subscription
//*****************************************************************************

// Subscription implements a subscriber of a giving topic which is being subscribed to.
// It implements the sources.Subscription interface.
type Subscription struct {
	id       string
	topic    string
	canceler func()
	config   *Config
	waiter   errgroup.Group
	client   *redis.Client
	sub      *redis.PubSub
	ctx      context.Context
	receiver sources.Receiver
	factory  *PublisherSubscriberFactory
}

// Topic returns the topic name of giving subscription.
func (s *Subscription) Topic() string {
	return s.topic
}

// Group returns the group or queue group name of giving subscription.
func (s *Subscription) Group() string {
	return ""
}

// ID returns the identification of giving subscription used for durability if supported.
func (s *Subscription) ID() string {
	return s.id
}

// Stop ends giving subscription and it's operation in listening to given topic,
// blocking till the receive loop has fully ended.
func (s *Subscription) Stop() {
	s.canceler()
	s.waiter.Wait()
}

func (s *Subscription) handle(msg *redis.Message) {
	payload := []byte(msg.Payload)
	decoded, err := s.config.Unmarshaler.Unmarshal(payload)
	if err != nil {
		err = errors.Wrap(err, "Failed to unmarshal message")
		s.config.Log.Emit(streamkit.ERROR, sources.UnmarshalingError{Err: err, Topic: s.topic, Data: payload})
		return
	}

	decoded.Topic = msg.Channel
	if _, err := s.receiver(decoded); err != nil {
		err = errors.Wrap(err, "Failed to process message")
		s.config.Log.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: err, Topic: s.topic, Data: payload})
	}
}

func (s *Subscription) init() error {
	s.sub = s.client.Subscribe(s.topic)
	if err := s.sub.Ping(); err != nil {
		return err
	}
	if err := s.sub.Subscribe(s.topic); err != nil {
		return err
	}

	s.waiter.Go(s.run)

	// BUG: It seems we need to give redis a second to prepare,
	// else messages may not be received or be unstable.
	s.awaitReadiness()

	return nil
}

func (s *Subscription) awaitReadiness() {
	<-time.After(1 * time.Millisecond)
}

func (s *Subscription) stopSub() error {
	defer s.factory.rmSubscription(s)

	if err := s.sub.Unsubscribe(s.topic); err != nil {
		err = errors.Wrap(err, "Failed to unsubscribe from topic")
		s.config.Log.Emit(streamkit.ERROR, sources.DesubscriptionError{Err: err, Topic: s.topic})
		return err
	}
	return nil
}

func (s *Subscription) run() error {
	receiver := s.sub.Channel()
	closer := s.ctx.Done()

	for {
		select {
		case <-closer:
			return s.stopSub()
		case msg, ok := <-receiver:
			if !ok {
				return s.stopSub()
			}

			s.handle(msg)
		}
	}
}
