// Package rabbitmq provides the exchange/queue transport for relayflow.
//
// Publishers send to a single named exchange using the publish topic as the
// routing key. Subscribers consume a queue named after the subscribe topic,
// declared durable and bound to the exchange with the routing key configured
// for that queue. Build declares every configured queue and binding, so
// messages sent before the first subscription are queued.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultExchangeType is used when configuration leaves the exchange type empty.
const DefaultExchangeType = "direct"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// ConnectionCloser allows overriding how a connection is released when a build fails.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials the broker and creates a publisher and subscriber sharing the connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	amqpConfig := NewConfig(cfg)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.GetRabbitMQURL(),
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, closeConnection(conn))
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close(), closeConnection(conn))
	}

	// Publishing only declares the exchange, so unbound routing keys would be dropped.
	if err := transport.InitializeSubscriptions(ctx, subscriber, transport.RouteTopics(cfg.GetRabbitMQBindings())); err != nil {
		return transport.Transport{}, errors.Join(err, subscriber.Close(), publisher.Close(), closeConnection(conn))
	}

	logger.Info("RabbitMQ transport ready", watermill.LogFields{
		"exchange":      cfg.GetRabbitMQExchange(),
		"exchange_type": exchangeType(cfg),
		"queues":        len(cfg.GetRabbitMQBindings()),
	})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
		Release: func() error {
			return closeConnection(conn)
		},
	}, nil
}

// NewConfig builds the durable exchange/queue topology for cfg.
func NewConfig(cfg transport.Config) amqp.Config {
	exchange := cfg.GetRabbitMQExchange()
	bindings := cfg.GetRabbitMQBindings()

	amqpConfig := amqp.NewDurablePubSubConfig(
		cfg.GetRabbitMQURL(),
		amqp.GenerateQueueNameTopicName,
	)
	amqpConfig.Exchange.GenerateName = func(string) string {
		return exchange
	}
	amqpConfig.Exchange.Type = exchangeType(cfg)
	amqpConfig.QueueBind.GenerateRoutingKey = func(queue string) string {
		return RoutingKeyFor(bindings, queue)
	}
	amqpConfig.Publish.GenerateRoutingKey = func(routingKey string) string {
		return routingKey
	}
	if prefetch := cfg.GetRabbitMQPrefetchCount(); prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = prefetch
	}
	return amqpConfig
}

// RoutingKeyFor returns the routing key queue is bound with. Queues without an
// explicit binding use their own name.
func RoutingKeyFor(bindings map[string]string, queue string) string {
	if key, ok := bindings[queue]; ok && key != "" {
		return key
	}
	return queue
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Classify maps AMQP protocol errors onto transport failures.
func Classify(err error) transport.Failure {
	if errors.Is(err, amqp091.ErrClosed) {
		return transport.FailureClosed
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp091.AccessRefused:
			return transport.FailureAuth
		case amqp091.ConnectionForced, amqp091.ChannelError, amqp091.ResourceError, amqp091.FrameError:
			return transport.FailureConnection
		}
	}
	return transport.FailureUnknown
}

func exchangeType(cfg transport.Config) string {
	if t := cfg.GetRabbitMQExchangeType(); t != "" {
		return t
	}
	return DefaultExchangeType
}

func closeConnection(conn *amqp.ConnectionWrapper) error {
	if conn == nil {
		return nil
	}
	return ConnectionCloser(conn)
}
