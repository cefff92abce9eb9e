package transport

// CallbackPolicy declares what a receiver does with a message whose callback failed.
type CallbackPolicy string

const (
	// PolicyRedeliver negatively acknowledges the message so the broker delivers it again
	// (requeue, visibility timeout expiry, or nak depending on the broker).
	PolicyRedeliver CallbackPolicy = "redeliver"

	// PolicyAcknowledge acknowledges the message anyway and relies on logging.
	// Used where a redelivery would block the rest of the stream.
	PolicyAcknowledge CallbackPolicy = "acknowledge"
)

// Valid reports whether p is one of the known policies.
func (p CallbackPolicy) Valid() bool {
	return p == PolicyRedeliver || p == PolicyAcknowledge
}

// Capabilities describes the delivery semantics of a transport backend.
type Capabilities struct {
	// Name is the provider name the transport is registered under.
	Name string

	// DisplayName is the human readable broker name used in notifications.
	DisplayName string

	// SupportsOrdering indicates the transport preserves order within a queue or partition.
	SupportsOrdering bool

	// SupportsPartitioning indicates records are keyed and ordered per partition.
	SupportsPartitioning bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsTracing indicates the transport carries metadata headers end to end.
	SupportsTracing bool

	// Durable indicates messages survive a process restart.
	Durable bool

	// DefaultCallbackPolicy is applied when configuration does not override it.
	DefaultCallbackPolicy CallbackPolicy

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Policy returns the callback policy, falling back to redelivery for transports
// that did not declare one.
func (c Capabilities) Policy() CallbackPolicy {
	if c.DefaultCallbackPolicy.Valid() {
		return c.DefaultCallbackPolicy
	}
	return PolicyRedeliver
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		DisplayName:           "Channel",
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		DefaultCallbackPolicy: PolicyRedeliver,
	}

	// RabbitMQCapabilities for the exchange/queue broker.
	RabbitMQCapabilities = Capabilities{
		Name:                  "rabbitmq",
		DisplayName:           "RabbitMQ",
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		Durable:               true,
		DefaultCallbackPolicy: PolicyRedeliver,
	}

	// KafkaCapabilities for the partitioned log broker. A nacked record would
	// stall its whole partition, so failures are acknowledged and logged.
	KafkaCapabilities = Capabilities{
		Name:                  "kafka",
		DisplayName:           "Kafka",
		SupportsOrdering:      true,
		SupportsPartitioning:  true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		Durable:               true,
		DefaultCallbackPolicy: PolicyAcknowledge,
		MaxMessageSize:        1048576, // Default 1MB
	}

	// SQSCapabilities for the managed point-to-point queue.
	SQSCapabilities = Capabilities{
		Name:                  "sqs",
		DisplayName:           "SQS",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		Durable:               true,
		DefaultCallbackPolicy: PolicyRedeliver,
		MaxMessageSize:        262144, // 256KB
	}

	// SNSCapabilities for the managed topic that fans out into subscription queues.
	SNSCapabilities = Capabilities{
		Name:                  "sns",
		DisplayName:           "SNS",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		Durable:               true,
		DefaultCallbackPolicy: PolicyRedeliver,
		MaxMessageSize:        262144, // 256KB
	}

	// NATSCapabilities for NATS JetStream.
	NATSCapabilities = Capabilities{
		Name:                  "nats",
		DisplayName:           "NATS",
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTracing:       true,
		Durable:               true,
		DefaultCallbackPolicy: PolicyRedeliver,
		MaxMessageSize:        1048576, // Default 1MB
	}
)
