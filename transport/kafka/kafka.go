// Package kafka provides the partitioned log transport for relayflow.
//
// Messages are keyed with the partition_key metadata entry so every event of
// one file entry lands on the same partition and keeps its order.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PartitionKeyMetadata is the metadata entry used as the Kafka message key.
const PartitionKeyMetadata = "partition_key"

const (
	dialTimeout      = 10 * time.Second
	producerTimeout  = 10 * time.Second
	producerMaxRetry = 3
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg.GetKafkaClientID()),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: SubscriberSaramaConfig(cfg.GetKafkaClientID()),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close())
	}

	logger.Info("Kafka transport ready", watermill.LogFields{
		"brokers":        len(brokers),
		"consumer_group": cfg.GetKafkaConsumerGroup(),
	})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// PartitionKey returns the key a message is partitioned by. Messages without a
// partition key fall back to their UUID and spread across partitions.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(PartitionKeyMetadata); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// PublisherSaramaConfig returns a synchronous producer config with bounded
// dial and produce timeouts so an unreachable cluster surfaces as an error.
func PublisherSaramaConfig(clientID string) *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	applyClientID(c, clientID)
	c.Net.DialTimeout = dialTimeout
	c.Producer.Timeout = producerTimeout
	c.Producer.Retry.Max = producerMaxRetry
	c.Producer.RequiredAcks = sarama.WaitForAll
	return c
}

// SubscriberSaramaConfig returns a consumer group config that starts new
// groups at the oldest offset so nothing sent before the first subscribe is lost.
func SubscriberSaramaConfig(clientID string) *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	applyClientID(c, clientID)
	c.Net.DialTimeout = dialTimeout
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	return c
}

// Classify maps sarama errors onto transport failures.
func Classify(err error) transport.Failure {
	switch {
	case errors.Is(err, sarama.ErrSASLAuthenticationFailed),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrClusterAuthorizationFailed),
		errors.Is(err, sarama.ErrGroupAuthorizationFailed):
		return transport.FailureAuth
	case errors.Is(err, sarama.ErrClosedClient):
		return transport.FailureClosed
	case errors.Is(err, sarama.ErrRequestTimedOut):
		return transport.FailureTimeout
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrBrokerNotAvailable),
		errors.Is(err, sarama.ErrLeaderNotAvailable):
		return transport.FailureConnection
	case errors.Is(err, sarama.ErrMessageSizeTooLarge):
		return transport.FailureSerialization
	}
	return transport.FailureUnknown
}

func applyClientID(c *sarama.Config, clientID string) {
	if clientID != "" {
		c.ClientID = clientID
	}
}
