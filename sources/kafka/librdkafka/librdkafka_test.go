//go:build cgo
// +build cgo

package librdkafka_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit/internal"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/internal/benches"
	"github.com/gokit/streamkit/sources/kafka/librdkafka"
)

func TestConfluentKafka(t *testing.T) {
	addr := os.Getenv("STREAMKIT_KAFKA_ADDR")
	if addr == "" {
		t.Skip("set STREAMKIT_KAFKA_ADDR to the address of a running kafka broker")
	}

	publishers, err := librdkafka.NewPublisherConsumerFactory(context.Background(), librdkafka.Config{
		Brokers:   []string{addr},
		ProjectID: "streamkit_test",
		Log:       internal.TLog{},
	})

	require.NoError(t, err)
	require.NotNil(t, publishers)

	defer publishers.Close()

	factory := librdkafka.SourceFactory(func(factory *librdkafka.PublisherConsumerFactory, topic string) (sources.Publisher, error) {
		return factory.NewPublisher(topic, nil)
	}, func(factory *librdkafka.PublisherConsumerFactory, topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
		return factory.NewConsumer(topic, id, receiver)
	}, func(factory *librdkafka.PublisherConsumerFactory, topic string, grp string, id string, receiver sources.Receiver) (sources.Subscription, error) {
		return factory.NewGroupConsumer(topic, grp, id, receiver)
	})(publishers)

	benches.SourceFactoryTestSuite(t, factory)
}
