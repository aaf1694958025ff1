package benches

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/sources"
)

//**************************************************************************
// Tests Publishers and Subscribers
//**************************************************************************

// SourceFactoryTestSuite verifies the giving behaviour of a giving provider of a sources.SourceFactory.
func SourceFactoryTestSuite(t *testing.T, factory sources.SourceFactory) {
	t.Run("Publish Message Only", func(t *testing.T) {
		testMessagePublishing(t, factory)
	})

	t.Run("Publish and Subscribe", func(t *testing.T) {
		testMessagePublishingAndSubscription(t, factory)
	})

	t.Run("Publish and Collect Stream", func(t *testing.T) {
		testTopicStreaming(t, factory)
	})
}

func testMessagePublishing(t *testing.T, factory sources.PublisherFactory) {
	pub, err := factory.NewPublisher("rats")
	require.NoError(t, err)
	require.NotNil(t, pub)

	require.NoError(t, pub.Publish(sources.NewMessage("rats", []byte("300"))))
	require.NoError(t, pub.Close())
}

func testMessagePublishingAndSubscription(t *testing.T, factory sources.SourceFactory) {
	pub, err := factory.NewPublisher("rats")
	require.NoError(t, err)
	require.NotNil(t, pub)

	rec := make(chan sources.Message, 1)
	sub, err := factory.NewSubscriber("rats", "my-group", func(message sources.Message) (sources.Action, error) {
		select {
		case rec <- message:
		default:
		}
		return sources.ACK, nil
	})

	require.NoError(t, err)
	require.NotNil(t, sub)

	defer sub.Stop()

	deadline := time.After(time.Minute)
	for {
		require.NoError(t, pub.Publish(sources.NewMessage("rats", []byte("300"))))

		select {
		case msg := <-rec:
			require.Equal(t, "rats", msg.Topic)
			require.NotNil(t, msg.Data)
			require.Equal(t, []byte("300"), msg.Data)
			require.NoError(t, pub.Close())
			return
		case <-deadline:
			require.Fail(t, "Should have successfully received published message")
			return
		case <-time.After(time.Second * 2):
		}
	}
}

func testTopicStreaming(t *testing.T, factory sources.SourceFactory) {
	pub, err := factory.NewPublisher("rats")
	require.NoError(t, err)
	require.NotNil(t, pub)

	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	rec := make(chan sources.Message, 1)
	source := streamkit.OnEach(sources.StreamTopic(sc, factory, "rats"), func(ctx context.Context, value interface{}) error {
		if msg, ok := value.(sources.Message); ok {
			select {
			case rec <- msg:
			default:
			}
		}
		return nil
	})

	rt, err := streamkit.LaunchIn(source, sc)
	require.NoError(t, err)
	defer rt.Stop()

	deadline := time.After(time.Minute)
	for {
		require.NoError(t, pub.Publish(sources.NewMessage("rats", []byte("300"))))

		select {
		case msg := <-rec:
			require.Equal(t, "rats", msg.Topic)
			require.Equal(t, []byte("300"), msg.Data)
			require.NoError(t, pub.Close())
			return
		case <-deadline:
			require.Fail(t, "Should have successfully received streamed message")
			return
		case <-time.After(time.Second * 2):
		}
	}
}
