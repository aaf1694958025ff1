//go:build cgo
// +build cgo

// Package librdkafka implements a kafka source provider ontop of the confluent kafka-go library which heavily relies on
// cgo and the c librdkafka library. It's less performant that compared to the pure go version samsara, implemented by
// shopify but still is very able.
package librdkafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/gokit/errors"
	"github.com/gokit/xid"

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
// into a kafka message.
type Marshaler interface {
	Marshal(message sources.Message) (kafka.Message, error)
}

// Unmarshaler defines an interface who's implementer exposes said method to
// transform a kafka message into a sources Message.
type Unmarshaler interface {
	Unmarshal(*kafka.Message) (sources.Message, error)
}

// MarshalerWrapper implements the Marshaler interface.
type MarshalerWrapper struct {
	Codec sources.Marshaler

	// Partitioner takes giving message returning appropriate
	// partition key to be used for kafka message.
	Partitioner func(sources.Message) string
}

// Marshal implements the Marshaler interface.
func (kc MarshalerWrapper) Marshal(message sources.Message) (kafka.Message, error) {
	if message.Header.Has(idParam) {
		return kafka.Message{}, errors.New("key %q can not be used as it internally used for kafka message tracking", idParam)
	}

	data, err := kc.Codec.Marshal(message)
	if err != nil {
		return kafka.Message{}, err
	}

	attrs := make([]kafka.Header, 0, message.Header.Len()+1)
	attrs = append(attrs, kafka.Header{Key: idParam, Value: message.Ref.Bytes()})

	for k, v := range message.Header {
		attrs = append(attrs, kafka.Header{Key: k, Value: []byte(v)})
	}

	var key []byte
	if kc.Partitioner != nil {
		key = []byte(kc.Partitioner(message))
	}

	return kafka.Message{
		Key:     key,
		Headers: attrs,
		Value:   data,
		TopicPartition: kafka.TopicPartition{
			Topic:     &message.Topic,
			Partition: kafka.PartitionAny,
		},
	}, nil
}

// UnmarshalerWrapper implements the Unmarshaler interface.
type UnmarshalerWrapper struct {
	Codec sources.Unmarshaler
}

// Unmarshal implements the Unmarshaler interface.
func (kc UnmarshalerWrapper) Unmarshal(message *kafka.Message) (sources.Message, error) {
	msg, err := kc.Codec.Unmarshal(message.Value)
	if err != nil {
		return msg, err
	}

	if message.TopicPartition.Topic != nil {
		msg.Topic = *message.TopicPartition.Topic
	}

	if msg.Header == nil {
		msg.Header = streamkit.Header{}
	}

	// confirm tracking header matches decoded message ref.
	for _, v := range message.Headers {
		switch v.Key {
		case idParam:
			if string(v.Value) != msg.Ref.String() {
				return msg, errors.New("Kafka message ID does not matched message ref")
			}
		default:
			if !msg.Header.Has(v.Key) {
				msg.Header[v.Key] = string(v.Value)
			}
		}
	}

	return msg, nil
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
type SubscriberHandler func(*PublisherConsumerFactory, string, string, sources.Receiver) (sources.Subscription, error)

// GroupSubscriberHandler defines a function returning a subscription to a topic for a giving queue group.
type GroupSubscriberHandler func(*PublisherConsumerFactory, string, string, string, sources.Receiver) (sources.Subscription, error)

// SourceFactoryGenerator returns a function which taken a PublisherConsumerFactory returning
// a factory for generating publishers and subscribers.
type SourceFactoryGenerator func(*PublisherConsumerFactory) sources.SourceFactory

// SourceFactory provides a partial function for the generation of a sources.SourceFactory
// using the SourceFactoryGenerator function.
func SourceFactory(publishers PublisherHandler, subscribers SubscriberHandler, groupSubscribers GroupSubscriberHandler) SourceFactoryGenerator {
	return func(pbs *PublisherConsumerFactory) sources.SourceFactory {
		var factory sources.SourceFactoryImpl
		if publishers != nil {
			factory.Publishers = func(topic string) (sources.Publisher, error) {
				return publishers(pbs, topic)
			}
		}
		if subscribers != nil {
			factory.Subscribers = func(topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
				return subscribers(pbs, topic, id, receiver)
			}
		}
		if groupSubscribers != nil {
			factory.QueueGroupSubscribers = func(group string, topic string, id string, r sources.Receiver) (sources.Subscription, error) {
				return groupSubscribers(pbs, topic, group, id, r)
			}
		}
		return factory
	}
}

//****************************************************************************
// Kafka ConsumerFactory
//****************************************************************************

// Config defines configuration fields for use with a PublisherConsumerFactory.
type Config struct {
	Brokers              []string
	NoConsumerGroup      bool
	ProjectID            string
	AutoOffsetReset      string
	DefaultConsumerGroup string

	// Marshaler provides the marshaler to be used for serializing messages through the
	// delivery mechanism.
	Marshaler Marshaler

	// Unmarshaler provides the underline unmarshaler to be used for deserializing messages
	// through the delivery mechanism.
	Unmarshaler Unmarshaler

	// Log provides the logging provider for delivery operational logs.
	Log streamkit.Logs

	// PollingTime is the time to be used for polling the underline driver for messages.
	PollingTime time.Duration

	// MessageDeliveryTimeout is the timeout to wait before response
	// from the underline message broker before timeout.
	MessageDeliveryTimeout time.Duration

	// ConsumerOverrides is the kafka.ConfigMap to be used for consumers.
	ConsumerOverrides kafka.ConfigMap

	// ProducerOverrides is the kafka.ConfigMap to be used for producers to override the default.
	ProducerOverrides kafka.ConfigMap
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
		c.Unmarshaler = UnmarshalerWrapper{Codec: encoders.JSONUnmarshaler{}}
	}
	if c.Marshaler == nil {
		c.Marshaler = MarshalerWrapper{Codec: encoders.JSONMarshaler{}}
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 2 * time.Second
	}
	if c.PollingTime <= 0 {
		c.PollingTime = time.Second
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "latest"
	}
	if c.DefaultConsumerGroup == "" {
		c.NoConsumerGroup = true
	}
	return nil
}

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
func (ka *PublisherConsumerFactory) NewPublisher(topic string, userOverrides *kafka.ConfigMap) (*Publisher, error) {
	base, err := generateProducerConfig(&ka.config)
	if err != nil {
		return nil, err
	}

	if userOverrides != nil {
		if err := mergeConfluentConfigs(&base, userOverrides); err != nil {
			return nil, err
		}
	}

	return NewPublisher(ka.rootContext, &ka.config, base, topic)
}

// NewGroupConsumer return a new consumer for a giving topic within a giving group to be used for kafka.
func (ka *PublisherConsumerFactory) NewGroupConsumer(topic string, group string, id string, receiver sources.Receiver) (*Consumer, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if group == "" {
		return nil, errors.New("group value can not be empty")
	}

	return ka.startConsumer(topic, group, id, receiver)
}

// NewConsumer return a new consumer for a giving topic to be used for kafka.
func (ka *PublisherConsumerFactory) NewConsumer(topic string, id string, receiver sources.Receiver) (*Consumer, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	return ka.startConsumer(topic, "", id, receiver)
}

func (ka *PublisherConsumerFactory) startConsumer(topic string, group string, id string, receiver sources.Receiver) (*Consumer, error) {
	consumer, err := NewConsumer(ka.rootContext, &ka.config, group, id, topic, receiver)
	if err != nil {
		return nil, err
	}

	if err := consumer.Consume(); err != nil {
		return nil, err
	}

	ka.waiter.Add(1)
	go func() {
		defer ka.waiter.Done()
		consumer.Wait()
	}()

	return consumer, nil
}

//****************************************************************************
// Kafka Consumer
//****************************************************************************

// Consumer implements a Kafka message subscription consumer.
type Consumer struct {
	id          string
	topic       string
	group       string
	store       bool
	config      *Config
	kafkaConfig *kafka.ConfigMap

	waiter   sync.WaitGroup
	consumer *kafka.Consumer
	receiver sources.Receiver

	log      streamkit.Logs
	context  context.Context
	canceler func()
}

// NewConsumer returns a new instance of a Consumer.
func NewConsumer(ctx context.Context, config *Config, group string, id string, topic string, receiver sources.Receiver) (*Consumer, error) {
	if group == "" && config.DefaultConsumerGroup != "" {
		group = config.DefaultConsumerGroup
	}

	if id == "" {
		id = xid.New().String()
	}

	var subid = fmt.Sprintf(sources.SubscriberTopicFormat, "librdkafka/kafka", config.ProjectID, topic, id)
	if group == "" {
		group = subid
	}

	kafkaConfig, err := generateConsumerConfig(group, config)
	if err != nil {
		err = errors.WrapOnly(err)
		streamkit.LogMsg(err.Error()).
			String("topic", topic).
			String("group", group).
			WriteError(config.Log)
		return nil, err
	}

	kconsumer, err := kafka.NewConsumer(&kafkaConfig)
	if err != nil {
		err = errors.WrapOnly(err)
		streamkit.LogMsg(err.Error()).
			String("topic", topic).
			String("group", group).
			WriteError(config.Log)
		return nil, err
	}

	rctx, can := context.WithCancel(ctx)

	return &Consumer{
		id:          subid,
		group:       group,
		config:      config,
		topic:       topic,
		receiver:    receiver,
		log:         config.Log,
		store:       !config.NoConsumerGroup,
		kafkaConfig: &kafkaConfig,
		consumer:    kconsumer,
		context:     rctx,
		canceler:    can,
	}, nil
}

// Consume initializes giving consumer for message consumption
// from underline kafka consumer.
func (c *Consumer) Consume() error {
	if err := c.consumer.Subscribe(c.topic, nil); err != nil {
		err = errors.Wrap(err, "Failed to subscribe to topic %q", c.topic)
		c.log.Emit(streamkit.ERROR, sources.SubscriptionError{Err: err, Topic: c.topic})
		return err
	}

	c.waiter.Add(1)
	go c.run()
	return nil
}

// Topic returns the topic name of giving subscription.
func (c *Consumer) Topic() string {
	return c.topic
}

// Group returns the group or queue group name of giving subscription.
func (c *Consumer) Group() string {
	return c.group
}

// ID returns the identification of giving subscription used for durability if supported.
func (c *Consumer) ID() string {
	return c.id
}

// Stop stops the giving consumer, ending all consuming operations.
func (c *Consumer) Stop() {
	c.canceler()
	c.waiter.Wait()
}

// Wait blocks till the consumer is closed.
func (c *Consumer) Wait() {
	c.waiter.Wait()
}

func (c *Consumer) close() {
	if err := c.consumer.Close(); err != nil {
		err = errors.Wrap(err, "Failed to close consumer adequately for topic %q", c.topic)
		c.log.Emit(streamkit.ERROR, sources.OpError{Err: err, Topic: c.topic})
	}
}

func (c *Consumer) run() {
	defer c.waiter.Done()

	ms := int(c.config.PollingTime / time.Millisecond)

	for {
		select {
		case <-c.context.Done():
			c.close()
			return
		default:
			if event := c.consumer.Poll(ms); event != nil {
				switch tm := event.(type) {
				case *kafka.Message:
					// close consumer if returned error is unacceptable.
					if err := c.handleIncomingMessage(tm); err != nil {
						c.close()
						return
					}
				case kafka.PartitionEOF:
				case kafka.OffsetsCommitted:
				default:
				}
			}
		}
	}
}

func (c *Consumer) handleIncomingMessage(msg *kafka.Message) error {
	if msg.TopicPartition.Error != nil {
		err := errors.WrapOnly(msg.TopicPartition.Error)
		c.log.Emit(streamkit.ERROR, sources.OpError{Err: err, Topic: c.topic})
		return c.rollback(msg)
	}

	rec, err := c.config.Unmarshaler.Unmarshal(msg)
	if err != nil {
		err = errors.WrapOnly(err)
		c.log.Emit(streamkit.ERROR, sources.UnmarshalingError{Err: err, Topic: c.topic, Data: msg.Value})
		return err
	}

	streamkit.LogMsg("received new message").
		String("topic", c.topic).
		String("group", c.group).
		WriteDebug(c.log)

	action, err := c.receiver(rec)
	if err != nil {
		err = errors.WrapOnly(err)
		c.log.Emit(streamkit.ERROR, sources.MessageHandlingError{Err: err, Topic: c.topic, Data: msg.Value})
	}

	switch action {
	case sources.ACK:
		if !c.store {
			return nil
		}

		if _, serr := c.consumer.StoreOffsets([]kafka.TopicPartition{msg.TopicPartition}); serr != nil {
			serr = errors.Wrap(serr, "Failed to set new message offset for topic %q", c.topic)
			c.log.Emit(streamkit.ERROR, sources.OpError{Err: serr, Topic: c.topic})
			return serr
		}
	case sources.NACK:
		return c.rollback(msg)
	case sources.NOPN:
		return errors.New("message receiver for topic %q opted out of consumption", c.topic)
	}

	streamkit.LogMsg("consumed new message").
		String("topic", c.topic).
		String("group", c.group).
		WriteDebug(c.log)

	return nil
}

func (c *Consumer) rollback(msg *kafka.Message) error {
	if err := c.consumer.Seek(msg.TopicPartition, 1000*60); err != nil {
		err = errors.Wrap(err, "Failed to rollback message")
		c.log.Emit(streamkit.ERROR, sources.OpError{Err: err, Topic: c.topic})
		return err
	}
	return nil
}

//****************************************************************************
// Kafka Publisher
//****************************************************************************

// Publisher implements a customized wrapper around the kafka producer,
// delivering messages to designated topics.
//
// The publisher is created to run with the time-life of it's context, once
// the passed in parent context expires, closes or get's cancelled. It
// will also self close.
type Publisher struct {
	topic       string
	config      *Config
	log         streamkit.Logs
	waiter      sync.WaitGroup
	context     context.Context
	canceler    func()
	kafkaConfig *kafka.ConfigMap
	producer    *kafka.Producer
}

// NewPublisher returns a new instance of Publisher.
func NewPublisher(ctx context.Context, config *Config, kafkaConfig kafka.ConfigMap, topic string) (*Publisher, error) {
	var kap Publisher
	kap.topic = topic
	kap.config = config
	kap.log = config.Log
	kap.kafkaConfig = &kafkaConfig

	rctx, can := context.WithCancel(ctx)
	kap.context = rctx
	kap.canceler = can

	streamkit.LogMsg("Creating new publisher").
		String("topic", topic).WriteDebug(config.Log)

	producer, err := kafka.NewProducer(kap.kafkaConfig)
	if err != nil {
		err = errors.Wrap(err, "Failed to create new Producer")
		streamkit.LogMsg(err.Error()).
			String("topic", topic).WriteError(kap.log)
		return nil, err
	}

	streamkit.LogMsg("Created producer for topic").
		String("topic", topic).
		String("addr", producer.String()).
		WriteDebug(kap.log)

	kap.producer = producer

	// block until the context get's closed.
	kap.waiter.Add(1)
	go kap.blockUntil()

	return &kap, nil
}

// Close attempts to close giving underline producer.
func (ka *Publisher) Close() error {
	ka.canceler()
	ka.waiter.Wait()
	return nil
}

// Wait blocks till the producer get's closed.
func (ka *Publisher) Wait() {
	ka.waiter.Wait()
}

// Publish sends giving message to given topic.
func (ka *Publisher) Publish(msg sources.Message) error {
	msg.Topic = ka.topic
	encoded, err := ka.config.Marshaler.Marshal(msg)
	if err != nil {
		err = errors.Wrap(err, "Failed to marshal incoming message")
		ka.log.Emit(streamkit.ERROR, sources.MarshalingError{Err: err, Topic: ka.topic, Data: msg})
		return err
	}

	streamkit.LogMsg("publishing new message").
		String("topic", ka.topic).WriteDebug(ka.log)

	res := make(chan kafka.Event)
	if err := ka.producer.Produce(&encoded, res); err != nil {
		err = errors.Wrap(err, "failed to send message to producer")
		ka.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: ka.topic, Data: encoded.Value})
		return err
	}

	var event kafka.Event

	select {
	case event = <-res:
	case <-time.After(ka.config.MessageDeliveryTimeout):
		err := errors.Wrap(sources.ErrPublishingFailed, "timeout: failed to receive response on event channel")
		streamkit.LogMsg(err.Error()).
			String("topic", ka.topic).WriteError(ka.log)
		return err
	}

	kmessage, ok := event.(*kafka.Message)
	if !ok {
		err = errors.New("failed to receive *kafka.Message as event response")
		ka.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: ka.topic, Data: encoded.Value})
		return err
	}

	if kmessage.TopicPartition.Error != nil {
		err = errors.Wrap(kmessage.TopicPartition.Error, "failed to deliver message to kafka topic")
		ka.log.Emit(streamkit.ERROR, sources.PublishError{Err: err, Topic: ka.topic, Data: encoded.Value})
		return err
	}

	streamkit.LogMsg("published new message").
		String("topic", ka.topic).WriteDebug(ka.log)
	return nil
}

func (ka *Publisher) blockUntil() {
	defer ka.waiter.Done()
	<-ka.context.Done()
	ka.producer.Close()
}

//****************************************************************************
// internal functions
//****************************************************************************

func generateConsumerConfig(id string, config *Config) (kafka.ConfigMap, error) {
	kconfig := kafka.ConfigMap{
		"debug":                ",",
		"session.timeout.ms":   6000,
		"auto.offset.reset":    config.AutoOffsetReset,
		"default.topic.config": kafka.ConfigMap{"auto.offset.reset": config.AutoOffsetReset},
	}

	if !config.NoConsumerGroup {
		kconfig.SetKey("group.id", id)
		kconfig.SetKey("enable.auto.commit", true)

		// to achieve at-least-once delivery we store offsets after processing of the message
		kconfig.SetKey("enable.auto.offset.store", false)
	} else {
		// this group will be not committed, setting just for api requirements
		kconfig.SetKey("group.id", "no_group_"+xid.New().String())
		kconfig.SetKey("enable.auto.commit", false)
	}

	if err := mergeConfluentConfigs(&kconfig, &config.ConsumerOverrides); err != nil {
		return kconfig, err
	}

	kconfig["bootstrap.servers"] = strings.Join(config.Brokers, ",")

	return kconfig, nil
}

func generateProducerConfig(config *Config) (kafka.ConfigMap, error) {
	konfig := kafka.ConfigMap{
		"debug":                        ",",
		"queue.buffering.max.messages": 10000000,
		"queue.buffering.max.kbytes":   2097151,
	}

	if err := mergeConfluentConfigs(&konfig, &config.ProducerOverrides); err != nil {
		return konfig, err
	}

	konfig["bootstrap.servers"] = strings.Join(config.Brokers, ",")

	return konfig, nil
}

func mergeConfluentConfigs(baseConfig *kafka.ConfigMap, valuesToSet *kafka.ConfigMap) error {
	for key, value := range *valuesToSet {
		if err := baseConfig.SetKey(key, value); err != nil {
			return errors.Wrap(err, "cannot overwrite config value for %s", key)
		}
	}

	return nil
}
