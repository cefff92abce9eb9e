// Package messaging implements the typed send and receive primitives on top of
// a watermill publisher and subscriber pair.
package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/transport"
)

// DefaultSendTimeout bounds a publish when no timeout is configured.
const DefaultSendTimeout = 10 * time.Second

// Sender publishes envelopes of one event kind.
type Sender[T envelope.Payload] interface {
	Send(ctx context.Context, env envelope.Envelope[T]) error
}

// SenderOptions configure a PublisherSender.
type SenderOptions struct {
	// Provider is the provider name used in errors, logs and metrics.
	Provider string
	// Topic is the destination handed to the publisher.
	Topic string
	// Timeout bounds a single publish. Zero uses DefaultSendTimeout.
	Timeout  time.Duration
	Classify transport.Classifier
	Logger   loggingpkg.ServiceLogger
	Metrics  *Metrics
}

// PublisherSender is a Sender backed by a watermill publisher.
type PublisherSender[T envelope.Payload] struct {
	publisher message.Publisher
	opts      SenderOptions
	kind      envelope.Kind
	closed    atomic.Bool
}

// NewSender creates a sender publishing to opts.Topic.
func NewSender[T envelope.Payload](publisher message.Publisher, opts SenderOptions) *PublisherSender[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Nop()
	}
	return &PublisherSender[T]{publisher: publisher, opts: opts, kind: envelope.KindOf[T]()}
}

// Topic returns the destination the sender publishes to.
func (s *PublisherSender[T]) Topic() string { return s.opts.Topic }

// Send publishes env and returns once the broker accepted it. Every failure is
// returned as a *errors.SendError carrying the failure kind.
func (s *PublisherSender[T]) Send(ctx context.Context, env envelope.Envelope[T]) error {
	if s.closed.Load() {
		return s.fail(transport.FailureClosed, errspkg.ErrSenderClosed)
	}
	if err := env.Validate(); err != nil {
		return s.fail(transport.FailureSerialization, err)
	}
	msg, err := envelope.Encode(env)
	if err != nil {
		return s.fail(transport.FailureSerialization, err)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "relayflow.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", s.opts.Provider),
		attribute.String("messaging.destination.name", s.opts.Topic),
		attribute.String("messaging.message.id", msg.UUID),
		attribute.String("relayflow.correlation_id", env.CorrelationID()),
	)

	msg.SetContext(ctx)
	injectTrace(msg)

	if err := s.publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.opts.Metrics.RecordSend(s.opts.Provider, string(s.kind), OutcomeSent)
	s.opts.Logger.Debug("Message sent", loggingpkg.LogFields{
		"provider":       s.opts.Provider,
		"topic":          s.opts.Topic,
		"message_uuid":   msg.UUID,
		"correlation_id": env.CorrelationID(),
	})
	return nil
}

func (s *PublisherSender[T]) publish(ctx context.Context, msg *message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	// Publish has no context parameter, so it runs aside and is abandoned on timeout.
	done := make(chan error, 1)
	go func() {
		done <- s.publisher.Publish(s.opts.Topic, msg)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		return s.fail(s.classify(err), err)
	case <-ctx.Done():
		return s.fail(transport.FailureTimeout, ctx.Err())
	}
}

func (s *PublisherSender[T]) classify(err error) transport.Failure {
	t := transport.Transport{Classify: s.opts.Classify}
	switch f := t.ClassifyError(err); f {
	case transport.FailureUnknown, transport.FailureNone:
		// anything the broker rejected without a recognisable cause
		return transport.FailureConnection
	default:
		return f
	}
}

func (s *PublisherSender[T]) fail(kind transport.Failure, err error) error {
	s.opts.Metrics.RecordSend(s.opts.Provider, string(s.kind), OutcomeFailed)
	sendErr := &errspkg.SendError{
		Provider:    s.opts.Provider,
		Destination: s.opts.Topic,
		Kind:        kind,
		Err:         err,
	}
	s.opts.Logger.Error("Failed to send message", sendErr, loggingpkg.LogFields{
		"provider": s.opts.Provider,
		"topic":    s.opts.Topic,
		"failure":  string(kind),
	})
	return sendErr
}

// Close makes every further Send fail with a closed failure. The underlying
// publisher is owned by the provider bindings and is not closed here.
func (s *PublisherSender[T]) Close() error {
	s.closed.Store(true)
	return nil
}

// IsSendFailure reports whether err is a SendError of the given kind.
func IsSendFailure(err error, kind transport.Failure) bool {
	var sendErr *errspkg.SendError
	return errors.As(err, &sendErr) && sendErr.Kind == kind
}
