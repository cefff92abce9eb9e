package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallbackPolicy_Valid(t *testing.T) {
	assert.True(t, PolicyRedeliver.Valid())
	assert.True(t, PolicyAcknowledge.Valid())
	assert.False(t, CallbackPolicy("").Valid())
	assert.False(t, CallbackPolicy("drop").Valid())
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		expected bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"neither", Capabilities{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		RabbitMQCapabilities,
		KafkaCapabilities,
		SQSCapabilities,
		SNSCapabilities,
		NATSCapabilities,
	}
	for _, caps := range all {
		t.Run(caps.Name, func(t *testing.T) {
			assert.NotEmpty(t, caps.DisplayName)
			assert.True(t, caps.SupportsReliableDelivery())
			assert.True(t, caps.DefaultCallbackPolicy.Valid())
		})
	}

	// A nacked Kafka record blocks its partition.
	assert.Equal(t, PolicyAcknowledge, KafkaCapabilities.Policy())
	assert.Equal(t, PolicyRedeliver, SQSCapabilities.Policy())
	assert.Equal(t, PolicyRedeliver, RabbitMQCapabilities.Policy())
	assert.True(t, KafkaCapabilities.SupportsPartitioning)
	assert.False(t, ChannelCapabilities.Durable)
}
