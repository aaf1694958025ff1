package segments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
	segment "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

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
type QueueGroupSubscriberHandler func(p *PublisherSubscriberFactory, topic string, group string, id string, r sources.Receiver) (sources.Subscription, error)

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
				return groupSubscribers(factory, topic, group, id, r)
			}
		}
		return impl
	}
}

//*****************************************************************************
// Marshalers and Unmarshalers
//*****************************************************************************

var (
	_ Marshaler   = &MarshalerWrapper{}
	_ Unmarshaler = &UnmarshalerWrapper{}
)

// Marshaler defines a interface exposing method to transform a sources.Message
// into a kafka message.
type Marshaler interface {
	Marshal(message sources.Message) (segment.Message, error)
}

// Unmarshaler defines an interface who's implementer exposes said method to
// transform a kafka message into a sources Message.
type Unmarshaler interface {
	Unmarshal(segment.Message) (sources.Message, error)
}

// MarshalerWrapper implements the Marshaler interface.
type MarshalerWrapper struct {
	Codec sources.Marshaler
}

// Marshal implements the Marshaler interface.
func (kc MarshalerWrapper) Marshal(message sources.Message) (segment.Message, error) {
	var newMessage segment.Message
	data, err := kc.Codec.Marshal(message)
	if err != nil {
		return newMessage, err
	}

	newMessage.Key = message.Ref.Bytes()
	newMessage.Value = data
	return newMessage, nil
}

// UnmarshalerWrapper implements the Unmarshaler interface.
type UnmarshalerWrapper struct {
	Codec sources.Unmarshaler
}

// Unmarshal implements the Unmarshaler interface.
func (kc UnmarshalerWrapper) Unmarshal(message segment.Message) (sources.Message, error) {
	msg, err := kc.Codec.Unmarshal(message.Value)
	if err != nil {
		return msg, err
	}

	msg.Topic = message.Topic
	if string(message.Key) != msg.Ref.String() {
		return msg, errors.New("Kafka message ID does not matched message ref")
	}

	return msg, nil
}

//*****************************************************************************
// Config
//*****************************************************************************

// Config provides a config struct for instantiating a PublisherSubscriberFactory type.
type Config struct {
	Brokers                []string
	ProjectID              string
	MinMessageSize         uint64
	MaxMessageSize         uint64
	AutoCommit             bool
	MessageDeliveryTimeout time.Duration
	Marshaler              Marshaler
	Unmarshaler            Unmarshaler
	Log                    streamkit.Logs
	Dialer                 *segment.Dialer
	Balancer               segment.Balancer
	Compression            segment.CompressionCodec

	// WriterConfigOverride can be provided to set default
	// configuration values for which will be used for creating writers.
	WriterConfigOverride *segment.WriterConfig

	// ReaderConfigOverride can be provided to set default
	// configuration values for which will be used for creating readers.
	ReaderConfigOverride *segment.ReaderConfig
}

func (c *Config) init() {
	if c.Log == nil {
		c.Log = streamkit.DrainLog{}
	}
	if c.ProjectID == "" {
		c.ProjectID = "streamkit"
	}
	if c.Balancer == nil {
		c.Balancer = &segment.LeastBytes{}
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = UnmarshalerWrapper{Codec: encoders.JSONUnmarshaler{}}
	}
	if c.Marshaler == nil {
		c.Marshaler = MarshalerWrapper{Codec: encoders.JSONMarshaler{}}
	}
	if c.MinMessageSize == 0 {
		c.MinMessageSize = 10e3
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 10e6
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 1 * time.Second
	}
}

// PublisherSubscriberFactory implements a kafka Publisher and Subscriber factory
// ontop of the segmentio kafka client which handles creation of publishers
// and subscriptions for topic publishing and consumption.
type PublisherSubscriberFactory struct {
	id     xid.ID
	config Config
	waiter sync.WaitGroup

	ctx      context.Context
	canceler func()

	pl   sync.RWMutex
	pubs map[string]*Publisher

	sl   sync.RWMutex
	subs map[string]*Subscription
}

// NewPublisherSubscriberFactory returns a new instance of publisher factory.
func NewPublisherSubscriberFactory(ctx context.Context, config Config) (*PublisherSubscriberFactory, error) {
	config.init()

	var pb PublisherSubscriberFactory
	pb.id = xid.New()
	pb.config = config
	pb.pubs = map[string]*Publisher{}
	pb.subs = map[string]*Subscription{}
	pb.ctx, pb.canceler = context.WithCancel(ctx)
	return &pb, nil
}

// Wait blocks till all generated publishers close and have being reclaimed.
func (pf *PublisherSubscriberFactory) Wait() {
	pf.waiter.Wait()
}

// Close closes giving publisher factory and all previous created publishers.
func (pf *PublisherSubscriberFactory) Close() error {
	pf.canceler()
	pf.waiter.Wait()
	return nil
}

// QueueSubscribe returns a new subscription for a giving topic in a given queue group which
// will be used for processing messages for giving topic. The group name becomes the kafka
// consumer group id, so members of the same group share messages between them.
func (pf *PublisherSubscriberFactory) QueueSubscribe(topic string, grp string, id string, receiver sources.Receiver) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if grp == "" {
		return nil, errors.New("grp value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var sub Subscription
	sub.group = grp
	sub.queue = true
	sub.topic = topic
	sub.factory = pf
	sub.config = &pf.config
	sub.log = pf.config.Log
	sub.receiver = receiver
	sub.m = pf.config.Unmarshaler
	sub.id = fmt.Sprintf(sources.QueueGroupSubscriberTopicFormat, "kafka/segmentio", pf.config.ProjectID, grp, topic, id)
	sub.ctx, sub.canceler = context.WithCancel(pf.ctx)

	if err := sub.init(); err != nil {
		return nil, errors.Wrap(err, "Failed to create subscription")
	}

	pf.sl.Lock()
	pf.subs[sub.id] = &sub
	pf.sl.Unlock()

	return &sub, nil
}

// Subscribe returns a new subscription for a giving topic which will be used for processing
// messages for giving topic. Every subscription reads the topic independently without
// a consumer group.
func (pf *PublisherSubscriberFactory) Subscribe(topic string, id string, receiver sources.Receiver) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var sub Subscription
	sub.topic = topic
	sub.factory = pf
	sub.config = &pf.config
	sub.log = pf.config.Log
	sub.receiver = receiver
	sub.m = pf.config.Unmarshaler
	sub.id = fmt.Sprintf(sources.SubscriberTopicFormat, "kafka/segmentio", pf.config.ProjectID, topic, id)

	sub.ctx, sub.canceler = context.WithCancel(pf.ctx)
	if err := sub.init(); err != nil {
		return nil, errors.Wrap(err, "Failed to create subscription")
	}

	pf.sl.Lock()
	pf.subs[sub.id] = &sub
	pf.sl.Unlock()

	return &sub, nil
}

// Publisher returns giving publisher for giving topic, returning an existing publisher
// if giving topic already has one, else creating a new publisher for topic.
func (pf *PublisherSubscriberFactory) Publisher(topic string) (*Publisher, error) {
	if pm, ok := pf.getPublisher(topic); ok {
		return pm, nil
	}

	var wconfig segment.WriterConfig

	if pf.config.WriterConfigOverride != nil {
		wconfig = *pf.config.WriterConfigOverride
	}

	wconfig.Topic = topic
	wconfig.Brokers = pf.config.Brokers

	if pf.config.Dialer != nil {
		wconfig.Dialer = pf.config.Dialer
	}

	if pf.config.Balancer != nil {
		wconfig.Balancer = pf.config.Balancer
	}

	if pf.config.Compression != nil {
		wconfig.CompressionCodec = pf.config.Compression
	}

	pctx, canceler := context.WithCancel(pf.ctx)
	pm := &Publisher{
		factory:  pf,
		ctx:      pctx,
		canceler: canceler,
		topic:    topic,
		cfg:      &pf.config,
		log:      pf.config.Log,
		m:        pf.config.Marshaler,
		actions:  make(chan func(), 0),
		writer:   segment.NewWriter(wconfig),
	}

	pm.waiter.Add(1)
	go pm.run()

	pf.addPublisher(pm)

	pf.waiter.Add(1)
	go func() {
		defer pf.waiter.Done()
		pm.Wait()
	}()

	return pm, nil
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

// Publisher implements the topic publishing provider ontop of the
// segmentio kafka writer.
type Publisher struct {
	topic    string
	canceler func()
	cfg      *Config
	m        Marshaler
	actions  chan func()
	waiter   sync.WaitGroup
	writer   *segment.Writer
	ctx      context.Context
	log      streamkit.Logs
	factory  *PublisherSubscriberFactory
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
			String("topic", p.topic).
			QBytes("message", marshaled.Value).
			WriteDebug(p.log)

		pubErr := p.writer.WriteMessages(p.ctx, marshaled)
		if pubErr != nil {
			p.log.Emit(streamkit.ERROR, sources.PublishError{Err: pubErr, Topic: p.topic, Data: marshaled.Value})
		}

		errs <- pubErr
		if pubErr == nil {
			streamkit.LogMsg("Published message to topic").
				String("topic", p.topic).
				WriteDebug(p.log)
		}
	}

	select {
	case p.actions <- action:
		return <-errs
	case <-time.After(p.cfg.MessageDeliveryTimeout):
		streamkit.LogMsg("Failed to deliver message to topic").
			String("topic", p.topic).
			WriteError(p.log)
		return errors.Wrap(sources.ErrPublishingFailed, "Topic %q", p.topic)
	}
}

// run initializes publishing loop blocking till giving publisher is
// stopped/closed or faces an occurred error.
func (p *Publisher) run() {
	defer func() {
		p.factory.rmPublisher(p)
		p.waiter.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			streamkit.LogMsg("Publisher routine is closing").
				String("topic", p.topic).
				WriteDebug(p.log)
			return
		case action := <-p.actions:
			action()
		}
	}
}

//*****************************************************************************
// Subscriber
//*****************************************************************************

// Subscription implements a subscriber of a giving topic which is being subscribe to
// for. It implements the sources.Subscription interface.
type Subscription struct {
	id       string
	topic    string
	group    string
	queue    bool
	config   *Config
	canceler func()
	ctx      context.Context
	reader   *segment.Reader
	log      streamkit.Logs
	m        Unmarshaler
	errg     errgroup.Group
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

// Error returns any error which was the cause for the stopping of
// subscription, it will block till subscription ends to get error if
// not done, so use carefully.
func (s *Subscription) Error() error {
	return s.errg.Wait()
}

// Stop ends giving subscription and it's operation in listening to given topic.
func (s *Subscription) Stop() {
	s.canceler()
	s.errg.Wait()
}

func (s *Subscription) handle(msg segment.Message) {
	decoded, err := s.m.Unmarshal(msg)
	if err != nil {
		s.log.Emit(streamkit.ERROR, sources.UnmarshalingError{Err: err, Topic: s.topic, Data: msg.Value})
		return
	}

	action, err := s.receiver(decoded)
	if err != nil {
		s.log.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: err, Topic: s.topic, Data: msg.Value})
	}

	switch action {
	case sources.ACK:
		if s.config.AutoCommit {
			return
		}
		if err := s.reader.CommitMessages(s.ctx, msg); err != nil {
			err = errors.Wrap(err, "Failed to commit message offset")
			s.log.Emit(streamkit.ERROR, sources.OpError{Err: err, Topic: s.topic})
		}
	case sources.NACK:
		return
	default:
		return
	}
}

func (s *Subscription) init() error {
	var rconfig segment.ReaderConfig

	if s.config.ReaderConfigOverride != nil {
		rconfig = *s.config.ReaderConfigOverride
	}

	rconfig.Topic = s.topic
	rconfig.Brokers = s.config.Brokers
	rconfig.MaxBytes = int(s.config.MaxMessageSize)
	rconfig.MinBytes = int(s.config.MinMessageSize)

	if s.queue {
		rconfig.GroupID = s.group
	}

	var reader = segment.NewReader(rconfig)
	s.reader = reader
	s.errg.Go(s.readLoop)
	s.errg.Go(s.awaitClose)

	return nil
}

// awaitClose waits till the subscription context is ended, closing the
// underline reader which in turn unblocks the read loop.
func (s *Subscription) awaitClose() error {
	<-s.ctx.Done()
	defer s.factory.rmSubscription(s)

	if err := s.reader.Close(); err != nil {
		err = errors.Wrap(err, "Failed to close kafka reader")
		s.log.Emit(streamkit.ERROR, sources.OpError{Err: err, Topic: s.topic})
		return err
	}
	return nil
}

func (s *Subscription) readLoop() error {
	var err error
	var m segment.Message

	// ReadMessage commits offsets automatically when a group id is set, so
	// manual commit flows must fetch instead and commit on acknowledgment.
	var autoCommit = s.config.AutoCommit

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if autoCommit {
			m, err = s.reader.ReadMessage(s.ctx)
		} else {
			m, err = s.reader.FetchMessage(s.ctx)
		}

		if err != nil {
			return err
		}

		s.handle(m)
	}
}
