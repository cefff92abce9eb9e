package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

var codec = sonic.ConfigStd

// ErrUndecodable marks a message that can never be turned into an envelope.
var ErrUndecodable = errors.New("relayflow: undecodable message")

type wireEnvelope[T Payload] struct {
	MessageID     string    `json:"messageId"`
	Kind          Kind      `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Payload       T         `json:"payload"`
}

// Encode serialises env into a Watermill message whose UUID is the envelope's
// message id.
func Encode[T Payload](env Envelope[T]) (*message.Message, error) {
	body, err := codec.Marshal(wireEnvelope[T]{
		MessageID:     env.messageID,
		Kind:          env.Kind(),
		CorrelationID: env.correlationID,
		OccurredAt:    env.occurredAt,
		Payload:       env.payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind(), err)
	}

	msg := message.NewMessage(env.messageID, body)
	msg.Metadata.Set(MetadataCorrelationID, env.correlationID)
	msg.Metadata.Set(MetadataEventKind, string(env.Kind()))
	msg.Metadata.Set(MetadataPartitionKey, env.payload.PartitionKey())
	msg.Metadata.Set(MetadataContentType, ContentTypeJSON)
	return msg, nil
}

// Decode parses msg into an envelope of T. Every failure wraps ErrUndecodable.
func Decode[T Payload](msg *message.Message) (Envelope[T], error) {
	var wire wireEnvelope[T]
	if err := codec.Unmarshal(msg.Payload, &wire); err != nil {
		return Envelope[T]{}, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	want := KindOf[T]()
	if wire.Kind == "" {
		wire.Kind = Kind(msg.Metadata.Get(MetadataEventKind))
	}
	if wire.Kind != want {
		return Envelope[T]{}, fmt.Errorf("%w: %w: got %q, want %q", ErrUndecodable, errspkg.ErrEnvelopeKindMismatch, wire.Kind, want)
	}

	env := Envelope[T]{
		payload:       wire.Payload,
		correlationID: wire.CorrelationID,
		messageID:     wire.MessageID,
		occurredAt:    wire.OccurredAt,
	}
	if env.correlationID == "" {
		env.correlationID = msg.Metadata.Get(MetadataCorrelationID)
	}
	if env.messageID == "" {
		env.messageID = msg.UUID
	}
	if err := env.Validate(); err != nil {
		return Envelope[T]{}, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return env, nil
}
