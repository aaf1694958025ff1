package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/nats-io/go-nats"

	"github.com/gokit/errors"
	"github.com/gokit/xid"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/encoders"
)

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

// QueueGroupSubscriberHandler defines a function type which takes a giving
// PublisherSubscriberFactory with a queue group name and topic, returning a new
// subscription spread across the group.
type QueueGroupSubscriberHandler func(*PublisherSubscriberFactory, string, string, string, sources.Receiver) (sources.Subscription, error)

// SourceFactoryGenerator returns a function which taken a PublisherSubscriberFactory returning
// a factory for generating publishers and subscribers.
type SourceFactoryGenerator func(factory *PublisherSubscriberFactory) sources.SourceFactory

// SourceFactory provides a partial function for the generation of a sources.SourceFactory
// using the SourceFactoryGenerator function.
func SourceFactory(publishers PublisherHandler, subscribers SubscriberHandler, groupSubscribers QueueGroupSubscriberHandler) SourceFactoryGenerator {
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
		if groupSubscribers != nil {
			impl.QueueGroupSubscribers = func(group string, topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
				return groupSubscribers(factory, group, topic, id, receiver)
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
	URL                    string
	ProjectID              string
	MessageDeliveryTimeout time.Duration
	Options                []pubsub.Option
	Marshaler              sources.Marshaler
	Unmarshaler            sources.Unmarshaler
	Log                    streamkit.Logs
}

func (c *Config) init() error {
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 1 * time.Second
	}
	if c.Log == nil {
		c.Log = streamkit.DrainLog{}
	}
	if c.ProjectID == "" {
		c.ProjectID = "streamkit"
	}
	if c.Marshaler == nil {
		c.Marshaler = encoders.JSONMarshaler{}
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = encoders.JSONUnmarshaler{}
	}
	return nil
}

// PublisherSubscriberFactory implements a NATS stream provider which handles
// creation of publishers and subscriptions for topic publishing and consumption.
type PublisherSubscriberFactory struct {
	id     xid.ID
	config Config
	waiter sync.WaitGroup

	ctx      context.Context
	canceler func()

	c    *pubsub.Conn
	pl   sync.RWMutex
	pubs map[string]*Publisher

	sl   sync.RWMutex
	subs map[string]*Subscription
}

// NewPublisherSubscriberFactory returns a new instance of publisher subscriber factory.
func NewPublisherSubscriberFactory(ctx context.Context, config Config) (*PublisherSubscriberFactory, error) {
	if err := config.init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize Config instance")
	}

	var pb PublisherSubscriberFactory
	pb.id = xid.New()
	pb.config = config
	pb.pubs = map[string]*Publisher{}
	pb.subs = map[string]*Subscription{}
	pb.ctx, pb.canceler = context.WithCancel(ctx)

	streamkit.LogMsg("Initiating NATS client connection").
		String("url", config.URL).WriteDebug(config.Log)

	client, err := pubsub.Connect(pb.config.URL, pb.config.Options...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create nats client")
	}

	streamkit.LogMsg("Checking NATS client connection status").
		Bool("connected", client.IsConnected()).
		String("url", config.URL).WriteDebug(config.Log)

	pb.c = client
	return &pb, nil
}

// Wait blocks till all generated publishers close and have being reclaimed.
func (pf *PublisherSubscriberFactory) Wait() {
	pf.waiter.Wait()
}

// Close closes giving factory and all previously created publishers and
// subscriptions.
func (pf *PublisherSubscriberFactory) Close() error {
	streamkit.LogMsg("Closing PublisherSubscriberFactory").WriteDebug(pf.config.Log)
	pf.canceler()
	pf.waiter.Wait()
	err := pf.c.Drain()
	pf.c.Close()
	streamkit.LogMsg("Closed PublisherSubscriberFactory").WriteDebug(pf.config.Log)
	return err
}

// Subscribe returns a new subscription on the giving topic which will be used for
// processing messages arriving on it from the NATS provider. Every call creates
// it's own independent subscription, so each one receives every message of the
// topic.
//
// The id argument is optional and can be left empty.
func (pf *PublisherSubscriberFactory) Subscribe(topic string, id string, receiver sources.Receiver) (*Subscription, error) {
	return pf.createSubscription(topic, "", id, receiver)
}

// QueueSubscribe returns a new subscription within the giving queue group for the
// giving topic, where the provider spreads each message across members of the
// group instead of delivering to all of them.
func (pf *PublisherSubscriberFactory) QueueSubscribe(group string, topic string, id string, receiver sources.Receiver) (*Subscription, error) {
	if group == "" {
		return nil, errors.New("group can not be empty")
	}
	return pf.createSubscription(topic, group, id, receiver)
}

func (pf *PublisherSubscriberFactory) createSubscription(topic string, group string, id string, receiver sources.Receiver) (*Subscription, error) {
	if id == "" {
		id = xid.New().String()
	}

	var sub Subscription
	sub.topic = topic
	sub.group = group
	sub.client = pf.c
	sub.factory = pf
	sub.log = pf.config.Log
	sub.receiver = receiver
	sub.m = pf.config.Unmarshaler

	if group == "" {
		sub.id = fmt.Sprintf(sources.SubscriberTopicFormat, "nats", pf.config.ProjectID, topic, id)
	} else {
		sub.id = fmt.Sprintf(sources.QueueGroupSubscriberTopicFormat, "nats", pf.config.ProjectID, topic, group, id)
	}

	sub.ctx, sub.canceler = context.WithCancel(pf.ctx)
	if err := sub.init(); err != nil {
		return nil, errors.Wrap(err, "Failed to create subscription")
	}

	pf.sl.Lock()
	pf.subs[sub.id] = &sub
	pf.sl.Unlock()

	return &sub, nil
}

// Publisher returns giving publisher for giving topic, if a publisher already
// exists for the topic then that is returned, else a new publisher is created
// for topic and returned.
func (pf *PublisherSubscriberFactory) Publisher(topic string) (*Publisher, error) {
	if pm, ok := pf.getPublisher(topic); ok {
		return pm, nil
	}

	pub := NewPublisher(pf.ctx, pf, topic, pf.c, &pf.config)
	pf.addPublisher(pub)

	pf.waiter.Add(1)
	go func() {
		defer pf.waiter.Done()
		pub.Wait()
	}()

	return pub, nil
}

func (pf *PublisherSubscriberFactory) rmPublisher(pb *Publisher) {
	pf.pl.Lock()
	delete(pf.pubs, pb.topic)
	pf.pl.Unlock()
}

func (pf *PublisherSubscriberFactory) addPublisher(pb *Publisher) {
	pf.pl.Lock()
	pf.pubs[pb.topic] = pb
	pf.pl.Unlock()
}

func (pf *PublisherSubscriberFactory) getPublisher(topic string) (*Publisher, bool) {
	pf.pl.RLock()
	defer pf.pl.RUnlock()
	pm, ok := pf.pubs[topic]
	return pm, ok
}

func (pf *PublisherSubscriberFactory) rmSubscription(sb *Subscription) {
	pf.sl.Lock()
	delete(pf.subs, sb.id)
	pf.sl.Unlock()
}

//*****************************************************************************
// Publisher
//*****************************************************************************

// Publisher implements the topic publishing provider for the NATS layer.
type Publisher struct {
	topic    string
	canceler func()
	waiter   sync.WaitGroup
	actions  chan func()
	cfg      *Config
	sink     *pubsub.Conn
	log      streamkit.Logs
	ctx      context.Context
	m        sources.Marshaler
	factory  *PublisherSubscriberFactory
}

// NewPublisher returns a new instance of a Publisher.
func NewPublisher(ctx context.Context, factory *PublisherSubscriberFactory, topic string, sink *pubsub.Conn, config *Config) *Publisher {
	pctx, canc := context.WithCancel(ctx)
	pm := &Publisher{
		cfg:      config,
		ctx:      pctx,
		canceler: canc,
		sink:     sink,
		topic:    topic,
		factory:  factory,
		log:      config.Log,
		m:        config.Marshaler,
		actions:  make(chan func(), 0),
	}

	pm.waiter.Add(1)
	go pm.run()

	return pm
}

// Wait blocks till the publisher's run loop has fully ended.
func (p *Publisher) Wait() {
	p.waiter.Wait()
}

// Close closes giving publisher.
func (p *Publisher) Close() error {
	streamkit.LogMsg("Closing publisher").
		String("topic", p.topic).WriteDebug(p.log)
	p.canceler()
	p.waiter.Wait()
	return nil
}

// Publish attempts to publish giving message into provided topic publisher returning an
// error for failed attempt.
func (p *Publisher) Publish(msg sources.Message) error {
	errs := make(chan error, 1)
	action := func() {
		msg.Topic = p.topic

		marshaled, err := p.m.Marshal(msg)
		if err != nil {
			err = errors.Wrap(err, "Failed to marshal incoming message: %+q", msg.Ref)
			p.log.Emit(streamkit.ERROR, sources.MarshalingError{Err: err, Topic: p.topic, Data: msg})
			errs <- err
			return
		}

		streamkit.LogMsg("Delivery message to topic").
			String("topic", p.topic).QBytes("data", marshaled).WriteDebug(p.log)

		if pubErr := p.sink.Publish(p.topic, marshaled); pubErr != nil {
			p.log.Emit(streamkit.ERROR, sources.PublishError{Err: errors.WrapOnly(pubErr), Data: marshaled, Topic: p.topic})
			errs <- pubErr
			return
		}

		errs <- nil
		streamkit.LogMsg("Published new msg to topic").
			String("topic", p.topic).WriteDebug(p.log)
	}

	select {
	case p.actions <- action:
		return <-errs
	case <-time.After(p.cfg.MessageDeliveryTimeout):
		err := errors.Wrap(sources.ErrPublishingFailed, "Topic %q", p.topic)
		p.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: p.topic})
		return err
	}
}

// run runs the publishing loop blocking till giving publisher is
// stopped/closed.
func (p *Publisher) run() {
	defer func() {
		p.factory.rmPublisher(p)
		p.waiter.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			streamkit.LogMsg("Publisher routine is closing").
				String("topic", p.topic).WriteDebug(p.log)
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
	group    string
	canceler func()
	client   *pubsub.Conn
	ctx      context.Context
	log      streamkit.Logs
	m        sources.Unmarshaler
	sub      *pubsub.Subscription
	receiver sources.Receiver
	factory  *PublisherSubscriberFactory
}

// ID returns the giving identification name for giving subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the topic name of giving subscription.
func (s *Subscription) Topic() string {
	return s.topic
}

// Group returns the queue group of giving subscription, if any.
func (s *Subscription) Group() string {
	return s.group
}

// Stop ends giving subscription and it's operation in listening to given topic.
func (s *Subscription) Stop() {
	s.canceler()
}

func (s *Subscription) handle(msg *pubsub.Msg) {
	decoded, err := s.m.Unmarshal(msg.Data)
	if err != nil {
		s.log.Emit(streamkit.ERROR, sources.UnmarshalingError{Err: errors.WrapOnly(err), Topic: s.topic, Data: msg.Data})
		return
	}

	decoded.Topic = msg.Subject
	if _, err := s.receiver(decoded); err != nil {
		s.log.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: errors.WrapOnly(err), Topic: s.topic, Data: msg.Data})
	}
}

func (s *Subscription) init() error {
	var sub *pubsub.Subscription
	var err error

	if s.group != "" {
		sub, err = s.client.QueueSubscribe(s.topic, s.group, s.handle)
	} else {
		sub, err = s.client.Subscribe(s.topic, s.handle)
	}
	if err != nil {
		return err
	}

	s.sub = sub
	go s.run()
	return nil
}

func (s *Subscription) run() {
	<-s.ctx.Done()
	defer s.factory.rmSubscription(s)

	if err := s.sub.Unsubscribe(); err != nil {
		s.log.Emit(streamkit.ERROR, sources.DesubscriptionError{Err: errors.WrapOnly(err), Topic: s.topic})
	}
}
