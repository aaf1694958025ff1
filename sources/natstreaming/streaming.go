package natstreaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/go-nats"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
	pubsub "github.com/nats-io/go-nats-streaming"

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
type SubscriberHandler func(p *PublisherSubscriberFactory, topic string, id string, r sources.Receiver) (sources.Subscription, error)

// QueueGroupSubscriberHandler defines a function type which will return a subscription for a queue group.
type QueueGroupSubscriberHandler func(p *PublisherSubscriberFactory, group string, topic string, id string, r sources.Receiver) (sources.Subscription, error)

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
			impl.QueueGroupSubscribers = func(group string, topic string, id string, r sources.Receiver) (sources.Subscription, error) {
				return groupSubscribers(factory, group, topic, id, r)
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
	ClusterID              string
	ProjectID              string
	MessageDeliveryTimeout time.Duration
	Log                    streamkit.Logs
	Options                []pubsub.Option
	Marshaler              sources.Marshaler
	Unmarshaler            sources.Unmarshaler
	DefaultConn            *nats.Conn
}

func (c *Config) init() error {
	if c.Log == nil {
		c.Log = streamkit.DrainLog{}
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 1 * time.Second
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

// PublisherSubscriberFactory implements a NATS Streaming provider which handles
// creation of publishers and durable subscriptions for topic publishing and
// consumption.
type PublisherSubscriberFactory struct {
	id     xid.ID
	config Config
	waiter sync.WaitGroup

	ctx      context.Context
	canceler func()

	c    pubsub.Conn
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

	var ops []pubsub.Option

	if config.DefaultConn != nil {
		ops = append(ops, pubsub.NatsConn(config.DefaultConn))
	}

	if config.DefaultConn == nil && config.URL != "" {
		ops = append(ops, pubsub.NatsURL(config.URL))
	}

	ops = append(ops, pb.config.Options...)

	streamkit.LogMsg("Initiating NATS Streaming client connection").
		String("url", pb.config.URL).WriteDebug(config.Log)

	client, err := pubsub.Connect(pb.config.ClusterID, pb.id.String(), ops...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create nats-streaming client")
	}

	streamkit.LogMsg("Requesting NATS Streaming client connection status").
		Bool("isConnected", client.NatsConn().IsConnected()).
		String("url", pb.config.URL).WriteDebug(config.Log)

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
	pf.canceler()
	pf.waiter.Wait()
	return pf.c.Close()
}

// QueueSubscribe returns a new subscription within the giving queue group for the
// giving topic, where the provider spreads each message across members of the group.
// The subscription is durable under it's formatted id, so a member rejoining under
// the same id resumes from where it stopped.
func (pf *PublisherSubscriberFactory) QueueSubscribe(group string, topic string, id string, receiver sources.Receiver, ops []pubsub.SubscriptionOption) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if group == "" {
		return nil, errors.New("group value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var sub Subscription
	sub.ops = ops
	sub.group = group
	sub.queue = true
	sub.topic = topic
	sub.client = pf.c
	sub.factory = pf
	sub.log = pf.config.Log
	sub.receiver = receiver
	sub.m = pf.config.Unmarshaler
	sub.id = fmt.Sprintf(sources.QueueGroupSubscriberTopicFormat, "nats-streaming", pf.config.ProjectID, topic, group, id)
	sub.ctx, sub.canceler = context.WithCancel(pf.ctx)

	if err := sub.init(); err != nil {
		return nil, errors.Wrap(err, "Failed to create subscription")
	}

	pf.sl.Lock()
	pf.subs[sub.id] = &sub
	pf.sl.Unlock()

	return &sub, nil
}

// Subscribe returns a new subscription on the giving topic which will be used for
// processing messages arriving on it from the NATS Streaming provider. Every call
// creates it's own independent subscription durable under it's formatted id.
func (pf *PublisherSubscriberFactory) Subscribe(topic string, id string, receiver sources.Receiver, ops []pubsub.SubscriptionOption) (*Subscription, error) {
	if id == "" {
		id = xid.New().String()
	}

	var sub Subscription
	sub.ops = ops
	sub.topic = topic
	sub.client = pf.c
	sub.factory = pf
	sub.log = pf.config.Log
	sub.receiver = receiver
	sub.m = pf.config.Unmarshaler
	sub.id = fmt.Sprintf(sources.SubscriberTopicFormat, "nats-streaming", pf.config.ProjectID, topic, id)
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

// Publisher implements the topic publishing provider for the NATS Streaming
// layer.
type Publisher struct {
	topic    string
	canceler func()
	actions  chan func()
	waiter   sync.WaitGroup
	sink     pubsub.Conn
	cfg      *Config
	ctx      context.Context
	m        sources.Marshaler
	log      streamkit.Logs
	factory  *PublisherSubscriberFactory
}

// NewPublisher returns a new instance of a Publisher.
func NewPublisher(ctx context.Context, factory *PublisherSubscriberFactory, topic string, sink pubsub.Conn, config *Config) *Publisher {
	pctx, canceler := context.WithCancel(ctx)
	pm := &Publisher{
		ctx:      pctx,
		canceler: canceler,
		sink:     sink,
		topic:    topic,
		factory:  factory,
		cfg:      config,
		log:      config.Log,
		m:        config.Marshaler,
		actions:  make(chan func(), 0),
	}

	pm.waiter.Add(1)
	go pm.run()
	return pm
}

// Close closes giving publisher.
func (p *Publisher) Close() error {
	p.canceler()
	p.waiter.Wait()
	return nil
}

// Wait blocks till the publisher is closed.
func (p *Publisher) Wait() {
	p.waiter.Wait()
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

		streamkit.LogMsg("Delivering message to topic").
			String("topic", p.topic).QBytes("data", marshaled).WriteDebug(p.log)

		pubErr := p.sink.Publish(p.topic, marshaled)
		if pubErr != nil {
			p.log.Emit(streamkit.ERROR, sources.PublishError{Err: errors.WrapOnly(pubErr), Data: marshaled, Topic: p.topic})
		}

		errs <- pubErr
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
	queue    bool
	canceler func()
	ctx      context.Context
	client   pubsub.Conn
	log      streamkit.Logs
	ops      []pubsub.SubscriptionOption
	m        sources.Unmarshaler
	sub      pubsub.Subscription
	receiver sources.Receiver
	factory  *PublisherSubscriberFactory
}

// Topic returns the topic name of giving subscription.
func (s *Subscription) Topic() string {
	return s.topic
}

// Group returns the group or queue group name of giving subscription.
func (s *Subscription) Group() string {
	return s.group
}

// ID returns the identification of giving subscription used for durability if supported.
func (s *Subscription) ID() string {
	return s.id
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
	action, err := s.receiver(decoded)
	if err != nil {
		s.log.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: errors.WrapOnly(err), Topic: s.topic, Data: msg.Data})
	}

	switch action {
	case sources.ACK:
		if err := msg.Ack(); err != nil {
			s.log.Emit(streamkit.ERROR, sources.OpError{Err: errors.WrapOnly(err), Topic: s.topic})
		}
	case sources.NACK:
		return
	default:
		return
	}
}

func (s *Subscription) init() error {
	ops := append(s.ops, pubsub.DurableName(s.id), pubsub.SetManualAckMode())

	var err error
	var sub pubsub.Subscription
	if s.queue {
		sub, err = s.client.QueueSubscribe(s.topic, s.group, s.handle, ops...)
	} else {
		sub, err = s.client.Subscribe(s.topic, s.handle, ops...)
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

	// Close instead of Unsubscribe leaves the durable state behind on
	// the cluster, letting the same id resume later.
	if err := s.sub.Close(); err != nil {
		s.log.Emit(streamkit.ERROR, sources.DesubscriptionError{Err: errors.WrapOnly(err), Topic: s.topic})
	}
}
