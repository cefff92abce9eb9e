// Package channel provides an in-memory Go channel transport for relayflow.
// This transport is useful for testing and local development; messages do not
// survive a restart.
package channel

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// outputBuffer lets a publisher run ahead of a busy callback without blocking.
const outputBuffer = 64

// config keeps every published message so a subscriber that arrives late
// still receives it. Every new subscription replays the whole topic, and
// messages live for the lifetime of the process.
var config = gochannel.Config{OutputChannelBuffer: outputBuffer, Persistent: true}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Messages published before a
// subscription starts are replayed to it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(config, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
		Classify:   classify,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

func classify(err error) transport.Failure {
	if strings.Contains(err.Error(), "Pub/Sub closed") {
		return transport.FailureClosed
	}
	return transport.FailureUnknown
}
