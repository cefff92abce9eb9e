package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/transporttest"
)

func testConfig() *transporttest.Config {
	return &transporttest.Config{
		Provider:           TransportName,
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaConsumerGroup: "relay-group",
		KafkaClientID:      "relayflow-test",
	}
}

func stubFactories(t *testing.T) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
	assert.Equal(t, transport.PolicyAcknowledge, caps.Policy())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.NotNil(t, cfg.Marshaler)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "relayflow-test", cfg.OverwriteSaramaConfig.ClientID)
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "relay-group", cfg.ConsumerGroup)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
			return sub, nil
		}

		tr, err := Build(context.Background(), testConfig(), watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), testConfig(), watermill.NopLogger{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), testConfig(), watermill.NopLogger{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	key, err := PartitionKey("file-uploaded", msg)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", key)

	msg.Metadata.Set(PartitionKeyMetadata, "entry-42")
	key, err = PartitionKey("file-uploaded", msg)
	require.NoError(t, err)
	assert.Equal(t, "entry-42", key)
}

func TestSaramaConfigs(t *testing.T) {
	pub := PublisherSaramaConfig("")
	assert.Equal(t, sarama.WaitForAll, pub.Producer.RequiredAcks)
	assert.True(t, pub.Producer.Return.Successes)
	assert.Equal(t, dialTimeout, pub.Net.DialTimeout)

	sub := SubscriberSaramaConfig("client")
	assert.Equal(t, "client", sub.ClientID)
	assert.Equal(t, sarama.OffsetOldest, sub.Consumer.Offsets.Initial)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.Failure
	}{
		{"sasl", sarama.ErrSASLAuthenticationFailed, transport.FailureAuth},
		{"topic authorization", fmt.Errorf("produce: %w", sarama.ErrTopicAuthorizationFailed), transport.FailureAuth},
		{"out of brokers", sarama.ErrOutOfBrokers, transport.FailureConnection},
		{"closed client", sarama.ErrClosedClient, transport.FailureClosed},
		{"timed out", sarama.ErrRequestTimedOut, transport.FailureTimeout},
		{"too large", sarama.ErrMessageSizeTooLarge, transport.FailureSerialization},
		{"other", errors.New("boom"), transport.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
