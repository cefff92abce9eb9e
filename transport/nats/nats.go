// Package nats provides a NATS JetStream transport for relayflow.
//
// Streams are provisioned per subject on first use and consumers are durable,
// so a relay that restarts resumes where its queue group left off.
package nats

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// DefaultQueueGroup is used when configuration leaves the queue group empty.
const DefaultQueueGroup = "relayflow"

const (
	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
	maxReconnects  = 10
	ackWaitTimeout = 30 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	group := queueGroup(cfg)
	marshaler := &nats.NATSMarshaler{}
	options := ConnectOptions(group)

	jetStream := nats.JetStreamConfig{
		AutoProvision: true,
		DurablePrefix: group,
	}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: group,
			SubscribersCount: 1,
			AckWaitTimeout:   ackWaitTimeout,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close())
	}

	logger.Info("NATS transport ready", watermill.LogFields{"queue_group": group})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// ConnectOptions returns the connection options shared by publisher and subscriber.
func ConnectOptions(name string) []nc.Option {
	return []nc.Option{
		nc.Name(name),
		nc.Timeout(connectTimeout),
		nc.RetryOnFailedConnect(false),
		nc.MaxReconnects(maxReconnects),
		nc.ReconnectWait(reconnectWait),
	}
}

// Classify maps nats.go errors onto transport failures.
func Classify(err error) transport.Failure {
	switch {
	case errors.Is(err, nc.ErrAuthorization), errors.Is(err, nc.ErrAuthExpired):
		return transport.FailureAuth
	case strings.Contains(strings.ToLower(err.Error()), "permissions violation"):
		// the server reports these as a plain -ERR string
		return transport.FailureAuth
	case errors.Is(err, nc.ErrConnectionClosed), errors.Is(err, nc.ErrConnectionDraining):
		return transport.FailureClosed
	case errors.Is(err, nc.ErrTimeout):
		return transport.FailureTimeout
	case errors.Is(err, nc.ErrNoServers), errors.Is(err, nc.ErrDisconnected), errors.Is(err, nc.ErrStaleConnection):
		return transport.FailureConnection
	case errors.Is(err, nc.ErrMaxPayload):
		return transport.FailureSerialization
	}
	return transport.FailureUnknown
}

func queueGroup(cfg transport.Config) string {
	if g := cfg.GetNATSQueueGroup(); g != "" {
		return g
	}
	return DefaultQueueGroup
}
