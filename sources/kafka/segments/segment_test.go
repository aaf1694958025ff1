package segments_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit/internal"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/internal/benches"
	"github.com/gokit/streamkit/sources/kafka/segments"
)

func TestSegmentioKafka(t *testing.T) {
	addr := os.Getenv("STREAMKIT_KAFKA_ADDR")
	if addr == "" {
		t.Skip("set STREAMKIT_KAFKA_ADDR to the address of a running kafka broker")
	}

	publishers, err := segments.NewPublisherSubscriberFactory(context.Background(), segments.Config{
		Brokers:   []string{addr},
		ProjectID: "streamkit_test",
		Log:       internal.TLog{},
	})

	require.NoError(t, err)
	require.NotNil(t, publishers)

	defer publishers.Close()

	factory := segments.SourceFactory(func(factory *segments.PublisherSubscriberFactory, topic string) (sources.Publisher, error) {
		return factory.Publisher(topic)
	}, func(factory *segments.PublisherSubscriberFactory, topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
		return factory.Subscribe(topic, id, receiver)
	}, func(factory *segments.PublisherSubscriberFactory, topic string, grp string, id string, receiver sources.Receiver) (sources.Subscription, error) {
		return factory.QueueSubscribe(topic, grp, id, receiver)
	})(publishers)

	benches.SourceFactoryTestSuite(t, factory)
}
