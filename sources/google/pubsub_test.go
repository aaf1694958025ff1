package google_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit/internal"
	"github.com/gokit/streamkit/sources"
	"github.com/gokit/streamkit/sources/google"
	"github.com/gokit/streamkit/sources/internal/benches"
)

func TestGooglePubSub(t *testing.T) {
	if os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		t.Skip("set PUBSUB_EMULATOR_HOST to the address of a running pubsub emulator")
	}

	gpub, err := google.NewPublisherSubscriberFactory(context.Background(), google.Config{
		ProjectID:          "streamkit-test",
		CreateMissingTopic: true,
		Log:                internal.TLog{},
	})

	require.NoError(t, err)
	require.NotNil(t, gpub)

	defer gpub.Close()

	factory := google.SourceFactory(func(factory *google.PublisherSubscriberFactory, topic string) (sources.Publisher, error) {
		return factory.Publisher(topic, nil)
	}, func(factory *google.PublisherSubscriberFactory, topic string, id string, receiver sources.Receiver) (sources.Subscription, error) {
		return factory.Subscribe(topic, id, nil, receiver)
	})(gpub)

	benches.SourceFactoryTestSuite(t, factory)
}
