// Package envelope defines the domain events exchanged through a provider and
// the envelope that carries them together with a correlation id.
package envelope

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
)

// Kind identifies a payload variant on the wire.
type Kind string

const (
	KindFileUploaded Kind = "file-uploaded"
	KindFileDeleted  Kind = "file-deleted"
)

var displayNames = map[Kind]string{
	KindFileUploaded: "File Uploaded",
	KindFileDeleted:  "File Deleted",
}

// DisplayName returns the human readable name used in status notifications.
func (k Kind) DisplayName() string {
	if name, ok := displayNames[k]; ok {
		return name
	}
	return string(k)
}

// Kinds lists every payload kind, in a stable order.
func Kinds() []Kind {
	return []Kind{KindFileUploaded, KindFileDeleted}
}

// Payload is implemented by every domain event. Implementations are value
// types so an envelope cannot be mutated after construction.
type Payload interface {
	EventKind() Kind
	PartitionKey() string
	Validate() error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// FileUploadedEvent announces that a file entry has been stored.
type FileUploadedEvent struct {
	FileEntryID string `json:"fileEntryId" validate:"required"`
}

func (FileUploadedEvent) EventKind() Kind        { return KindFileUploaded }
func (e FileUploadedEvent) PartitionKey() string { return e.FileEntryID }
func (e FileUploadedEvent) Validate() error      { return validatePayload(e) }

// FileDeletedEvent announces that a file entry has been removed.
type FileDeletedEvent struct {
	FileEntryID string `json:"fileEntryId" validate:"required"`
}

func (FileDeletedEvent) EventKind() Kind        { return KindFileDeleted }
func (e FileDeletedEvent) PartitionKey() string { return e.FileEntryID }
func (e FileDeletedEvent) Validate() error      { return validatePayload(e) }

func validatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %w", errspkg.ErrPayloadRequired, p.EventKind(), err)
	}
	return nil
}

// KindOf returns the kind carried by payloads of type T.
func KindOf[T Payload]() Kind {
	var zero T
	return zero.EventKind()
}

// Envelope pairs a payload with the correlation id of the operation that
// produced it. The zero value is not valid; use New.
type Envelope[T Payload] struct {
	payload       T
	correlationID string
	messageID     string
	occurredAt    time.Time
}

// New builds an envelope, rejecting an empty correlation id or an invalid payload.
func New[T Payload](payload T, correlationID string) (Envelope[T], error) {
	env := Envelope[T]{
		payload:       payload,
		correlationID: correlationID,
		messageID:     idspkg.CreateULID(),
		occurredAt:    time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope[T]{}, err
	}
	return env, nil
}

// NewWithGeneratedCorrelation builds an envelope with a freshly minted correlation id.
func NewWithGeneratedCorrelation[T Payload](payload T) (Envelope[T], error) {
	return New(payload, idspkg.NewCorrelationID())
}

func (e Envelope[T]) Payload() T            { return e.payload }
func (e Envelope[T]) CorrelationID() string { return e.correlationID }
func (e Envelope[T]) MessageID() string     { return e.messageID }
func (e Envelope[T]) OccurredAt() time.Time { return e.occurredAt }
func (e Envelope[T]) Kind() Kind            { return e.payload.EventKind() }

// Validate checks the correlation id and the payload.
func (e Envelope[T]) Validate() error {
	if e.correlationID == "" {
		return errspkg.ErrCorrelationIDRequired
	}
	return e.payload.Validate()
}
