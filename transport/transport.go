// Package transport defines the contract every relayflow broker adapter
// implements. Each adapter (rabbitmq, kafka, aws, nats, channel) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// Both halves share the broker connection owned by the adapter.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Classify maps broker specific errors onto the shared Failure vocabulary.
	// Nil falls back to ClassifyCommon.
	Classify Classifier

	// Release frees what both halves share, such as the broker connection.
	// It runs after the publisher and subscriber are closed.
	Release func() error
}

// Close releases both halves of the transport. Errors are joined so a failing
// publisher does not leak the subscriber.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Release != nil {
		if err := t.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Classifier returns the Failure category for an error returned by the broker.
type Classifier func(err error) Failure

// ClassifyError applies the transport classifier, falling back to the
// broker-agnostic rules.
func (t Transport) ClassifyError(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if t.Classify != nil {
		if f := t.Classify(err); f != FailureUnknown {
			return f
		}
	}
	return ClassifyCommon(err)
}

// Builder is the function signature for creating a transport from config.
// Building a transport connects to the broker, so a failing Builder means the
// broker is unreachable or rejected the configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetProvider returns the name of the selected transport.
	GetProvider() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQExchange() string
	GetRabbitMQExchangeType() string
	// GetRabbitMQBindings maps queue names to the routing key they are bound with.
	GetRabbitMQBindings() map[string]string
	GetRabbitMQPrefetchCount() int

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetKafkaClientID() string

	// AWS (shared by sqs and sns)
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
	// GetSNSSubscriptionQueues maps SNS topic names to the SQS queue subscribed to them.
	GetSNSSubscriptionQueues() map[string]string

	// NATS
	GetNATSURL() string
	GetNATSQueueGroup() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
