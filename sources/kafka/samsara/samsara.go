// Package samsara implements a kafka source provider ontop of the Shopify sarama library which provides a performant
// kafka client and publishing foundation.
package samsara

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/gokit/errors"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/encoders"
)

const (
	idParam = "kafkaMessageID"
)

var (
	_ Marshaler   = &MarshalerWrapper{}
	_ Unmarshaler = &UnmarshalerWrapper{}
)

// Marshaler defines a interface exposing method to transform a sources.Message
// into a kafka producer message.
type Marshaler interface {
	Marshal(message sources.Message) (sarama.ProducerMessage, error)
}

// Unmarshaler defines an interface who's implementer exposes said method to
// transform a kafka consumer message into a sources Message.
type Unmarshaler interface {
	Unmarshal(*sarama.ConsumerMessage) (sources.Message, error)
}

// Partitioner takes giving message returning appropriate
// partition key to be used for kafka message.
type Partitioner func(sources.Message) string

// MarshalerWrapper implements the Marshaler interface.
type MarshalerWrapper struct {
	Codec       sources.Marshaler
	Partitioner Partitioner
}

// Marshal implements the Marshaler interface.
func (kc MarshalerWrapper) Marshal(message sources.Message) (sarama.ProducerMessage, error) {
	var newMessage sarama.ProducerMessage

	if message.Header.Has(idParam) {
		return newMessage, errors.New("key %q can not be used as it internally used for kafka message tracking", idParam)
	}

	data, err := kc.Codec.Marshal(message)
	if err != nil {
		return newMessage, err
	}

	attrs := make([]sarama.RecordHeader, 0, message.Header.Len()+1)
	attrs = append(attrs, sarama.RecordHeader{
		Key:   []byte(idParam),
		Value: message.Ref.Bytes(),
	})

	for k, v := range message.Header {
		attrs = append(attrs, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	if kc.Partitioner != nil {
		newMessage.Key = sarama.ByteEncoder(kc.Partitioner(message))
	}

	newMessage.Topic = message.Topic
	newMessage.Headers = attrs
	newMessage.Value = sarama.ByteEncoder(data)
	return newMessage, nil
}

// UnmarshalerWrapper implements the Unmarshaler interface.
type UnmarshalerWrapper struct {
	Codec sources.Unmarshaler
}

// Unmarshal implements the Unmarshaler interface.
func (kc UnmarshalerWrapper) Unmarshal(message *sarama.ConsumerMessage) (sources.Message, error) {
	msg, err := kc.Codec.Unmarshal(message.Value)
	if err != nil {
		return msg, err
	}

	msg.Topic = message.Topic
	if msg.Header == nil {
		msg.Header = streamkit.Header{}
	}

	// confirm tracking header matches decoded message ref.
	for _, v := range message.Headers {
		var tm = string(v.Key)
		switch tm {
		case idParam:
			if string(v.Value) != msg.Ref.String() {
				return msg, errors.New("Kafka message ID does not matched message ref")
			}
		default:
			if !msg.Header.Has(tm) {
				msg.Header[tm] = string(v.Value)
			}
		}
	}

	return msg, nil
}

//****************************************************************************
// Kafka Config
//****************************************************************************

// Config defines configuration fields for use with a PublisherConsumerFactory.
type Config struct {
	Brokers     []string
	ProjectID   string
	Marshaler   Marshaler
	Unmarshaler Unmarshaler
	Version     sarama.KafkaVersion
	Log         streamkit.Logs

	// LogConsumerErrors flags if the errors from the consumer being used for
	// all created consumers should be logged using provided logger.
	LogConsumerErrors bool

	// MessageDeliveryTimeout is the timeout to wait before response
	// from the underline message broker before timeout.
	MessageDeliveryTimeout time.Duration

	// ConsumerOverrides is the Sarama.Config to be used for consumers.
	ConsumerOverrides *sarama.Config

	// ProducerOverrides is the Sarama.Config to be used for producers to override the default.
	ProducerOverrides *sarama.Config

	// How long after Nack message should be redelivered.
	NackResendSleep time.Duration

	// How long about unsuccessful reconnecting next reconnect will occur.
	ReconnectRetrySleep time.Duration
}

func (c *Config) init() error {
	if len(c.Brokers) == 0 {
		return errors.New("missing brokers")
	}

	if c.Log == nil {
		c.Log = streamkit.DrainLog{}
	}
	if c.ProjectID == "" {
		c.ProjectID = "streamkit"
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = &UnmarshalerWrapper{Codec: encoders.JSONUnmarshaler{}}
	}
	if c.Marshaler == nil {
		c.Marshaler = &MarshalerWrapper{Codec: encoders.JSONMarshaler{}}
	}
	if c.NackResendSleep <= 0 {
		c.NackResendSleep = time.Millisecond * 100
	}
	if c.ReconnectRetrySleep <= 0 {
		c.ReconnectRetrySleep = time.Second
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = time.Second * 2
	}
	if c.Version.String() == "" {
		c.Version = sarama.V0_10_0_0
	}
	return nil
}

//*****************************************************************************
// SourceFactory
//*****************************************************************************

// PublisherHandler defines a function type which takes a giving PublisherConsumerFactory
// and a given topic, returning a new publisher with all related underline specific
// details added and instantiated.
type PublisherHandler func(*PublisherConsumerFactory, string) (sources.Publisher, error)

// SubscriberHandler defines a function type which takes a giving PublisherConsumerFactory
// and a given topic, returning a new subscription with all related underline specific
// details added and instantiated.
type SubscriberHandler func(factory *PublisherConsumerFactory, topic string, id string, r sources.Receiver) (sources.Subscription, error)

// QueueGroupSubscriberHandler defines a function type which returns a subscription for a giving topic and group using a
// provided id as durable name for subscription.
type QueueGroupSubscriberHandler func(factory *PublisherConsumerFactory, topic string, group string, id string, r sources.Receiver) (sources.Subscription, error)

// SourceFactoryGenerator returns a function which taken a PublisherConsumerFactory returning
// a factory for generating publishers and subscribers.
type SourceFactoryGenerator func(*PublisherConsumerFactory) sources.SourceFactory

// SourceFactory provides a partial function for the generation of a sources.SourceFactory
// using the SourceFactoryGenerator function.
func SourceFactory(publishers PublisherHandler, subscribers SubscriberHandler, groupSubscribers QueueGroupSubscriberHandler) SourceFactoryGenerator {
	return func(factory *PublisherConsumerFactory) sources.SourceFactory {
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

//****************************************************************************
// Kafka Consumer
//****************************************************************************

// SaramaConsumingClient implements the message consuming logic for handling a giving incoming
// kafka client created using the provided server broker list and optional consumer group.
type SaramaConsumingClient struct {
	id            string
	topic         string
	consumerGroup string
	config        *Config
	canceller     func()
	waiter        sync.WaitGroup
	receiver      sources.Receiver
	logs          streamkit.Logs
	kafkaConfig   *sarama.Config
	ctx           context.Context
}

// NewSaramaConsumingClient returns a new instance of a SaramaConsumingClient
// for a giving topic and optional consumer group name.
func NewSaramaConsumingClient(parentCtx context.Context, config *Config, kafkaConfig *sarama.Config, topic string, cGroupName string, id string, receiver sources.Receiver) *SaramaConsumingClient {
	childCtx, canceler := context.WithCancel(parentCtx)
	return &SaramaConsumingClient{
		id:            id,
		topic:         topic,
		config:        config,
		receiver:      receiver,
		ctx:           childCtx,
		canceller:     canceler,
		logs:          config.Log,
		kafkaConfig:   kafkaConfig,
		consumerGroup: cGroupName,
	}
}

// Wait blocks till giving consumer client closes.
func (sm *SaramaConsumingClient) Wait() {
	sm.waiter.Wait()
}

// Stop ends and closes subscription, cleaning up all
// generated goroutines and ending it's operation.
func (sm *SaramaConsumingClient) Stop() {
	sm.canceller()
	sm.waiter.Wait()
}

// Topic returns the topic name of giving subscription.
func (sm *SaramaConsumingClient) Topic() string {
	return sm.topic
}

// Group returns the group or queue group name of giving subscription.
func (sm *SaramaConsumingClient) Group() string {
	return sm.consumerGroup
}

// ID returns the identification of giving subscription used for durability if supported.
func (sm *SaramaConsumingClient) ID() string {
	return sm.id
}

// Consume begins listening for new incoming message from provided stream.
func (sm *SaramaConsumingClient) Consume() error {
	client, err := sarama.NewClient(sm.config.Brokers, sm.kafkaConfig)
	if err != nil {
		err = errors.Wrap(err, "Failed to create sarama client for topic %q", sm.topic)
		streamkit.LogMsg(err.Error()).
			String("topic", sm.topic).
			String("consumer_group", sm.consumerGroup).
			WriteError(sm.logs)
		return err
	}

	if sm.consumerGroup != "" {
		return sm.consumeByGroup(client)
	}
	return sm.consumeByPartitions(client)
}

func (sm *SaramaConsumingClient) consumeByPartitions(client sarama.Client) error {
	partitionConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		err = errors.Wrap(err, "Failed to create partition consumer for topic %q", sm.topic)
		streamkit.LogMsg(err.Error()).
			String("topic", sm.topic).
			WriteError(sm.logs)
		return err
	}

	partitions, err := partitionConsumer.Partitions(sm.topic)
	if err != nil {
		err = errors.Wrap(err, "Failed to get partition lists for topic %q from client", sm.topic)
		streamkit.LogMsg(err.Error()).
			String("topic", sm.topic).
			WriteError(sm.logs)
		return err
	}

	for _, partition := range partitions {
		ptConsumer, err := partitionConsumer.ConsumePartition(sm.topic, partition, sm.kafkaConfig.Consumer.Offsets.Initial)
		if err != nil {
			err = errors.Wrap(err, "Failed to create partition consumer for topic %q from client", sm.topic)
			streamkit.LogMsg(err.Error()).
				String("topic", sm.topic).
				Int64("partition", int64(partition)).
				WriteError(sm.logs)
			return err
		}

		sm.consumePartitionConsumer(ptConsumer)
	}

	return nil
}

func (sm *SaramaConsumingClient) consumeByGroup(client sarama.Client) error {
	group, err := sarama.NewConsumerGroupFromClient(sm.consumerGroup, client)
	if err != nil {
		err = errors.Wrap(err, "Failed to create group consumer for topic %q", sm.topic)
		streamkit.LogMsg(err.Error()).
			String("topic", sm.topic).
			String("consumer_group", sm.consumerGroup).
			WriteError(sm.logs)
		return err
	}

	if sm.kafkaConfig.Consumer.Return.Errors && sm.config.LogConsumerErrors {
		sm.waiter.Add(1)
		go sm.logConsumerErrors(group.Errors())
	}

	sm.consumeGroupConsumer(group)
	return nil
}

func (sm *SaramaConsumingClient) consumeGroupConsumer(consumer sarama.ConsumerGroup) {
	sm.waiter.Add(1)
	go func() {
		defer sm.waiter.Done()

		var groupConsumer groupConsumptionHandler
		groupConsumer.client = sm
		if err := consumer.Consume(sm.ctx, []string{sm.topic}, groupConsumer); err != nil {
			err = errors.Wrap(err, "Failed during message consumption for topic %q", sm.topic)
			streamkit.LogMsg(err.Error()).
				String("topic", sm.topic).
				String("consumer_group", sm.consumerGroup).
				WriteError(sm.logs)
		}

		if err := consumer.Close(); err != nil {
			err = errors.Wrap(err, "Failed closing group consumer for topic %q", sm.topic)
			streamkit.LogMsg(err.Error()).
				String("topic", sm.topic).
				String("consumer_group", sm.consumerGroup).
				WriteError(sm.logs)
		}
	}()
}

func (sm *SaramaConsumingClient) consumePartitionConsumer(consumer sarama.PartitionConsumer) {
	sm.waiter.Add(1)
	go func() {
		defer func() {
			if err := consumer.Close(); err != nil {
				err = errors.Wrap(err, "Failed closing partition consumer for topic %q", sm.topic)
				streamkit.LogMsg(err.Error()).
					String("topic", sm.topic).
					WriteError(sm.logs)
			}

			sm.waiter.Done()
		}()

		if sm.kafkaConfig.Consumer.Return.Errors && sm.config.LogConsumerErrors {
			sm.waiter.Add(1)
			go sm.logConsumerErrorsFromMessages(consumer.Errors())
		}

		messages := consumer.Messages()
		for {
			select {
			case <-sm.ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				// if we fail to consume message, immediately stop.
				if err := sm.handleMessage(msg, nil); err != nil {
					err = errors.Wrap(err, "Failed to consume message for topic %q from client", sm.topic)
					streamkit.LogMsg(err.Error()).
						String("topic", sm.topic).
						WriteError(sm.logs)
					return
				}
			}
		}
	}()
}

func (sm *SaramaConsumingClient) handleMessage(msg *sarama.ConsumerMessage, sess sarama.ConsumerGroupSession) error {
	streamkit.LogMsg("Received new message").
		String("topic", sm.topic).
		Int64("message.offset", msg.Offset).
		String("consumer_group", sm.consumerGroup).
		Int64("message.partition", int64(msg.Partition)).
		WriteDebug(sm.logs)

	envMsg, err := sm.config.Unmarshaler.Unmarshal(msg)
	if err != nil {
		err = errors.Wrap(err, "Failed to unmarshal *sarama.ConsumerMessage for topic %q", sm.topic)
		sm.logs.Emit(streamkit.ERROR, sources.UnmarshalingError{Err: err, Topic: sm.topic, Data: msg.Value})
		return err
	}

	action, err := sm.receiver(envMsg)
	if err != nil {
		err = errors.Wrap(err, "Failed to process message for topic %q", sm.topic)
		sm.logs.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: err, Topic: sm.topic, Data: msg.Value})
		return err
	}

	switch action {
	case sources.NACK:
		time.Sleep(sm.config.NackResendSleep)
	case sources.ACK:
		if sess != nil {
			sess.MarkMessage(msg, "")
		}
	case sources.NOPN:
		return errors.New("message receiver for topic %q opted out of consumption", sm.topic)
	}

	return nil
}

func (sm *SaramaConsumingClient) logConsumerErrors(errs <-chan error) {
	defer sm.waiter.Done()
	for err := range errs {
		streamkit.LogMsg("SARAMA_CONSUMER_ERROR: " + err.Error()).
			String("topic", sm.topic).
			String("consumer_group", sm.consumerGroup).
			WriteError(sm.logs)
	}
}

func (sm *SaramaConsumingClient) logConsumerErrorsFromMessages(errs <-chan *sarama.ConsumerError) {
	defer sm.waiter.Done()
	for err := range errs {
		streamkit.LogMsg("SARAMA_CONSUMER_ERROR: " + err.Err.Error()).
			String("topic", err.Topic).
			Int64("partition", int64(err.Partition)).
			WriteError(sm.logs)
	}
}

type groupConsumptionHandler struct {
	client *SaramaConsumingClient
}

func (groupConsumptionHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (groupConsumptionHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h groupConsumptionHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	messages := claim.Messages()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			// if we fail to consume message, immediately stop.
			if err := h.client.handleMessage(msg, sess); err != nil {
				return err
			}
		case <-h.client.ctx.Done():
			return nil
		}
	}
}

//****************************************************************************
// Kafka Publishers
//****************************************************************************

// AsyncPublisher implements a customized wrapper around the kafka AsyncProducer,
// delivering messages to designated topics.
//
// The publisher is created to run with the time-life of it's context, once
// the passed in parent context expires, closes or get's cancelled. It
// will also self close.
type AsyncPublisher struct {
	topic       string
	config      *Config
	log         streamkit.Logs
	waiter      sync.WaitGroup
	context     context.Context
	canceler    func()
	kafkaConfig *sarama.Config
	producer    sarama.AsyncProducer
}

// NewAsyncPublisher returns a new instance of AsyncPublisher that uses an asynchronous kafka producer.
func NewAsyncPublisher(ctx context.Context, config *Config, kafkaConfig *sarama.Config, topic string) (*AsyncPublisher, error) {
	var kap AsyncPublisher
	kap.topic = topic
	kap.config = config
	kap.log = config.Log
	kap.kafkaConfig = kafkaConfig

	rctx, can := context.WithCancel(ctx)
	kap.context = rctx
	kap.canceler = can

	streamkit.LogMsg("Creating new publisher").
		String("topic", topic).WriteDebug(config.Log)

	producer, err := sarama.NewAsyncProducer(config.Brokers, kap.kafkaConfig)
	if err != nil {
		err = errors.Wrap(err, "Failed to create new Producer")
		streamkit.LogMsg(err.Error()).
			String("topic", topic).WriteError(kap.log)
		return nil, err
	}

	streamkit.LogMsg("Created producer for topic").
		String("topic", topic).WriteDebug(kap.log)

	kap.producer = producer

	// block until the context get's closed.
	kap.waiter.Add(1)
	go kap.blockUntil()

	return &kap, nil
}

// Close attempts to close giving underline producer.
func (ka *AsyncPublisher) Close() error {
	ka.canceler()
	ka.waiter.Wait()
	return nil
}

// Wait blocks till the producer get's closed.
func (ka *AsyncPublisher) Wait() {
	ka.waiter.Wait()
}

// Publish sends giving message to given topic.
func (ka *AsyncPublisher) Publish(msg sources.Message) error {
	msg.Topic = ka.topic
	encoded, err := ka.config.Marshaler.Marshal(msg)
	if err != nil {
		err = errors.Wrap(err, "Failed to marshal incoming message")
		ka.log.Emit(streamkit.ERROR, sources.MarshalingError{Err: err, Topic: ka.topic, Data: msg})
		return err
	}

	streamkit.LogMsg("publishing new message").
		String("topic", ka.topic).WriteDebug(ka.log)

	errChan := ka.producer.Errors()
	sendingChan := ka.producer.Input()
	successChan := ka.producer.Successes()

	select {
	case sendingChan <- &encoded:
		select {
		case <-successChan:
			streamkit.LogMsg("published new message").
				String("topic", ka.topic).WriteDebug(ka.log)
		case perr := <-errChan:
			err = errors.Wrap(perr.Err, "failed to deliver message to topic")
			ka.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: ka.topic})
			return err
		}
	case <-time.After(ka.config.MessageDeliveryTimeout):
		err := errors.WrapOnly(sources.ErrPublishingFailed)
		streamkit.LogMsg("timeout: failed to send message").
			String("topic", ka.topic).WriteError(ka.log)
		return err
	}

	return nil
}

func (ka *AsyncPublisher) blockUntil() {
	defer ka.waiter.Done()
	<-ka.context.Done()
	if err := ka.producer.Close(); err != nil {
		err = errors.Wrap(err, "Failed to close kafka producer")
		streamkit.LogMsg(err.Error()).WriteError(ka.log)
	}
}

// SyncPublisher implements a customized wrapper around the kafka SyncProducer,
// delivering messages to designated topics.
//
// The publisher is created to run with the time-life of it's context, once
// the passed in parent context expires, closes or get's cancelled. It
// will also self close.
type SyncPublisher struct {
	topic       string
	config      *Config
	log         streamkit.Logs
	waiter      sync.WaitGroup
	context     context.Context
	canceler    func()
	kafkaConfig *sarama.Config
	producer    sarama.SyncProducer
}

// NewSyncPublisher returns a new instance of SyncPublisher that uses a synchronous kafka producer.
func NewSyncPublisher(ctx context.Context, config *Config, kafkaConfig *sarama.Config, topic string) (*SyncPublisher, error) {
	var kap SyncPublisher
	kap.topic = topic
	kap.config = config
	kap.log = config.Log
	kap.kafkaConfig = kafkaConfig

	rctx, can := context.WithCancel(ctx)
	kap.context = rctx
	kap.canceler = can

	streamkit.LogMsg("Creating new publisher").
		String("topic", topic).WriteDebug(config.Log)

	producer, err := sarama.NewSyncProducer(config.Brokers, kap.kafkaConfig)
	if err != nil {
		err = errors.Wrap(err, "Failed to create new Producer")
		streamkit.LogMsg(err.Error()).
			String("topic", topic).WriteError(kap.log)
		return nil, err
	}

	streamkit.LogMsg("Created producer for topic").
		String("topic", topic).WriteDebug(kap.log)

	kap.producer = producer

	// block until the context get's closed.
	kap.waiter.Add(1)
	go kap.blockUntil()

	return &kap, nil
}

// Close attempts to close giving underline producer.
func (ka *SyncPublisher) Close() error {
	ka.canceler()
	ka.waiter.Wait()
	return nil
}

// Wait blocks till the producer get's closed.
func (ka *SyncPublisher) Wait() {
	ka.waiter.Wait()
}

// Publish sends giving message to given topic.
func (ka *SyncPublisher) Publish(msg sources.Message) error {
	msg.Topic = ka.topic
	encoded, err := ka.config.Marshaler.Marshal(msg)
	if err != nil {
		err = errors.Wrap(err, "Failed to marshal incoming message")
		ka.log.Emit(streamkit.ERROR, sources.MarshalingError{Err: err, Topic: ka.topic, Data: msg})
		return err
	}

	streamkit.LogMsg("publishing new message").
		String("topic", ka.topic).WriteDebug(ka.log)

	if _, _, err = ka.producer.SendMessage(&encoded); err != nil {
		err = errors.Wrap(err, "failed to send message to producer")
		ka.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: ka.topic})
		return err
	}

	streamkit.LogMsg("published new message").
		String("topic", ka.topic).WriteDebug(ka.log)
	return nil
}

func (ka *SyncPublisher) blockUntil() {
	defer ka.waiter.Done()
	<-ka.context.Done()
	if err := ka.producer.Close(); err != nil {
		err = errors.Wrap(err, "Failed to close kafka producer")
		streamkit.LogMsg(err.Error()).WriteError(ka.log)
	}
}

//****************************************************************************
// Kafka PublisherConsumerFactory
//****************************************************************************

// PublisherConsumerFactory implements a central factory for creating publishers or consumers for
// topics for a underline kafka infrastructure.
type PublisherConsumerFactory struct {
	config Config

	waiter       sync.WaitGroup
	rootContext  context.Context
	rootCanceler func()
}

// NewPublisherConsumerFactory returns a new instance of a PublisherConsumerFactory.
func NewPublisherConsumerFactory(ctx context.Context, config Config) (*PublisherConsumerFactory, error) {
	if err := config.init(); err != nil {
		return nil, err
	}
	rctx, cano := context.WithCancel(ctx)
	return &PublisherConsumerFactory{
		config:       config,
		rootContext:  rctx,
		rootCanceler: cano,
	}, nil
}

// Wait blocks till all consumers generated by giving factory are closed.
func (ka *PublisherConsumerFactory) Wait() {
	ka.waiter.Wait()
}

// Close closes all Consumers generated by consumer factory.
func (ka *PublisherConsumerFactory) Close() error {
	ka.rootCanceler()
	ka.waiter.Wait()
	return nil
}

// NewPublisher returns a new Publisher for a giving topic.
func (ka *PublisherConsumerFactory) NewPublisher(topic string, userOverrides *sarama.Config) (*SyncPublisher, error) {
	if userOverrides == nil && ka.config.ProducerOverrides != nil {
		userOverrides = ka.config.ProducerOverrides
	}
	if userOverrides == nil {
		userOverrides = generateProducerConfig(&ka.config)
	}
	return NewSyncPublisher(ka.rootContext, &ka.config, userOverrides, topic)
}

// NewAsyncPublisher returns a new Publisher for a giving topic using an async publisher.
func (ka *PublisherConsumerFactory) NewAsyncPublisher(topic string, userOverrides *sarama.Config) (*AsyncPublisher, error) {
	if userOverrides == nil && ka.config.ProducerOverrides != nil {
		userOverrides = ka.config.ProducerOverrides
	}
	if userOverrides == nil {
		userOverrides = generateProducerConfig(&ka.config)
	}
	return NewAsyncPublisher(ka.rootContext, &ka.config, userOverrides, topic)
}

// NewConsumer return a new consumer for a giving topic to be used for sarama.
func (ka *PublisherConsumerFactory) NewConsumer(topic string, id string, receiver sources.Receiver, userOverrides *sarama.Config) (*SaramaConsumingClient, error) {
	return ka.NewGroupConsumer(topic, "", id, receiver, userOverrides)
}

// NewGroupConsumer return a new consumer for a giving topic to be used for sarama under a giving consuming group name using
// provided id and overrides configuration if provided.
func (ka *PublisherConsumerFactory) NewGroupConsumer(topic string, group string, id string, receiver sources.Receiver, userOverrides *sarama.Config) (*SaramaConsumingClient, error) {
	if ka.config.ConsumerOverrides != nil && userOverrides == nil {
		userOverrides = ka.config.ConsumerOverrides
	}

	if userOverrides == nil {
		userOverrides = generateConsumerConfig(&ka.config)
	}

	consumer := NewSaramaConsumingClient(ka.rootContext, &ka.config, userOverrides, topic, group, id, receiver)

	var errRes = make(chan error, 1)
	var co = consumerContract{consumer: consumer}

	ka.waiter.Add(1)
	go func() {
		defer ka.waiter.Done()
		co.Consume(errRes)
	}()

	if err := <-errRes; err != nil {
		return nil, err
	}

	return consumer, nil
}

type consumerContract struct {
	retries  int
	consumer *SaramaConsumingClient
}

// Consume implements reconnect logic for a giving SaramaConsumingClient.
func (cc *consumerContract) Consume(errs chan error) {
	// we must first attempt a initial connection and return on error.
	if err := cc.consumer.Consume(); err != nil {
		errs <- err
		return
	}

	errs <- nil

	for {
		cc.consumer.Wait()

		select {
		case <-cc.consumer.ctx.Done():
			return
		default:
		}

		cc.retries++
		time.Sleep(cc.consumer.config.ReconnectRetrySleep * time.Duration(cc.retries))

		if err := cc.consumer.Consume(); err != nil {
			continue
		}

		cc.retries = 0
	}
}

//****************************************************************************
// internal functions
//****************************************************************************

func generateConsumerConfig(config *Config) *sarama.Config {
	sconfig := sarama.NewConfig()
	sconfig.Version = config.Version
	sconfig.ClientID = config.ProjectID
	sconfig.Consumer.Return.Errors = true
	return sconfig
}

func generateProducerConfig(config *Config) *sarama.Config {
	sconfig := sarama.NewConfig()
	sconfig.Producer.Retry.Max = 10
	sconfig.Version = config.Version
	sconfig.ClientID = config.ProjectID
	sconfig.Producer.Return.Successes = true
	sconfig.Metadata.Retry.Backoff = time.Second * 2
	return sconfig
}
