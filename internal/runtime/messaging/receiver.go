package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/transport"
)

// Callback handles one decoded envelope. A returned error, or a panic, is
// handled according to the receiver's callback policy.
type Callback[T envelope.Payload] func(ctx context.Context, env envelope.Envelope[T]) error

// Receiver delivers envelopes of one event kind to a callback.
type Receiver[T envelope.Payload] interface {
	Receive(ctx context.Context, cb Callback[T]) (*Subscription, error)
}

// ReceiverOptions configure a SubscriberReceiver.
type ReceiverOptions struct {
	// Provider is the provider name used in errors, logs and metrics.
	Provider string
	// Topic is the source handed to the subscriber.
	Topic string
	// Policy decides what happens to a message whose callback failed.
	Policy transport.CallbackPolicy
	// Classify lets the receiver stop resubscribing once the transport is closed.
	Classify transport.Classifier
	Logger   loggingpkg.ServiceLogger
	Metrics  *Metrics
	// Middlewares replace DefaultMiddlewares when set.
	Middlewares []message.HandlerMiddleware
	// ReconnectBackOff builds the backoff used to resubscribe after the
	// subscription was dropped. Nil uses an exponential backoff.
	ReconnectBackOff func() backoff.BackOff
}

// SubscriberReceiver is a Receiver backed by a watermill subscriber. Messages
// are handled one at a time, in delivery order.
type SubscriberReceiver[T envelope.Payload] struct {
	subscriber message.Subscriber
	opts       ReceiverOptions
	kind       envelope.Kind

	mu     sync.Mutex
	active *Subscription
}

// NewReceiver creates a receiver consuming from opts.Topic.
func NewReceiver[T envelope.Payload](subscriber message.Subscriber, opts ReceiverOptions) *SubscriberReceiver[T] {
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Nop()
	}
	if !opts.Policy.Valid() {
		opts.Policy = transport.PolicyRedeliver
	}
	if opts.Middlewares == nil {
		opts.Middlewares = DefaultMiddlewares(opts.Provider, opts.Topic, opts.Logger, opts.Metrics)
	}
	if opts.ReconnectBackOff == nil {
		opts.ReconnectBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &SubscriberReceiver[T]{subscriber: subscriber, opts: opts, kind: envelope.KindOf[T]()}
}

// Topic returns the source the receiver consumes from.
func (r *SubscriberReceiver[T]) Topic() string { return r.opts.Topic }

// Policy returns the callback policy in effect.
func (r *SubscriberReceiver[T]) Policy() transport.CallbackPolicy { return r.opts.Policy }

// Receive subscribes and starts delivering envelopes to cb in the background.
// The initial subscription is made before Receive returns; later drops are
// retried with backoff until ctx is done or the subscription is stopped.
// A receiver has at most one live subscription.
func (r *SubscriberReceiver[T]) Receive(ctx context.Context, cb Callback[T]) (*Subscription, error) {
	if cb == nil {
		return nil, errspkg.ErrCallbackRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, errspkg.ErrAlreadySubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := r.subscriber.Subscribe(subCtx, r.opts.Topic)
	if err != nil {
		cancel()
		return nil, &errspkg.ReceiveTransportError{
			Provider: r.opts.Provider,
			Source:   r.opts.Topic,
			Attempt:  1,
			Err:      err,
		}
	}

	sub := &Subscription{topic: r.opts.Topic, cancel: cancel, done: make(chan struct{})}
	r.active = sub

	handler := Chain(r.handlerFor(cb), r.opts.Middlewares...)
	go func() {
		defer close(sub.done)
		defer r.release(sub)
		r.run(subCtx, messages, handler)
	}()

	r.opts.Logger.Info("Subscribed", loggingpkg.LogFields{
		"provider": r.opts.Provider,
		"topic":    r.opts.Topic,
		"policy":   string(r.opts.Policy),
	})
	return sub, nil
}

func (r *SubscriberReceiver[T]) release(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == sub {
		r.active = nil
	}
}

func (r *SubscriberReceiver[T]) run(ctx context.Context, messages <-chan *message.Message, handler message.HandlerFunc) {
	for {
		r.consume(ctx, messages, handler)
		if ctx.Err() != nil {
			return
		}

		r.opts.Logger.Error("Subscription dropped, resubscribing", &errspkg.ReceiveTransportError{
			Provider: r.opts.Provider,
			Source:   r.opts.Topic,
			Err:      errors.New("delivery channel closed"),
		}, loggingpkg.LogFields{"provider": r.opts.Provider, "topic": r.opts.Topic})

		var err error
		messages, err = r.resubscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.opts.Logger.Error("Giving up on subscription", err, loggingpkg.LogFields{
					"provider": r.opts.Provider,
					"topic":    r.opts.Topic,
				})
			}
			return
		}
		r.opts.Metrics.RecordResubscribe(r.opts.Provider, r.opts.Topic)
	}
}

func (r *SubscriberReceiver[T]) resubscribe(ctx context.Context) (<-chan *message.Message, error) {
	attempt := 0
	operation := func() (<-chan *message.Message, error) {
		attempt++
		messages, err := r.subscriber.Subscribe(ctx, r.opts.Topic)
		if err != nil {
			recvErr := &errspkg.ReceiveTransportError{
				Provider: r.opts.Provider,
				Source:   r.opts.Topic,
				Attempt:  attempt,
				Err:      err,
			}
			if (transport.Transport{Classify: r.opts.Classify}).ClassifyError(err) == transport.FailureClosed {
				return nil, backoff.Permanent(recvErr)
			}
			return nil, recvErr
		}
		return messages, nil
	}
	notify := func(err error, next time.Duration) {
		r.opts.Logger.Error("Resubscribe failed", err, loggingpkg.LogFields{
			"provider": r.opts.Provider,
			"topic":    r.opts.Topic,
			"retry_in": next.String(),
		})
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.opts.ReconnectBackOff()),
		backoff.WithNotify(notify),
		backoff.WithMaxElapsedTime(0),
	)
}

func (r *SubscriberReceiver[T]) consume(ctx context.Context, messages <-chan *message.Message, handler message.HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.handle(ctx, msg, handler)
		}
	}
}

func (r *SubscriberReceiver[T]) handlerFor(cb Callback[T]) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		env, err := envelope.Decode[T](msg)
		if err != nil {
			return nil, err
		}
		return nil, cb(msg.Context(), env)
	}
}

func (r *SubscriberReceiver[T]) handle(ctx context.Context, msg *message.Message, handler message.HandlerFunc) {
	msg.SetContext(ctx)
	event := string(r.kind)

	_, err := handler(msg)
	if err == nil {
		msg.Ack()
		r.opts.Metrics.RecordReceive(r.opts.Provider, event, OutcomeAcked)
		return
	}

	fields := loggingpkg.LogFields{
		"provider":     r.opts.Provider,
		"topic":        r.opts.Topic,
		"message_uuid": msg.UUID,
	}

	if errors.Is(err, envelope.ErrUndecodable) {
		// a redelivery would fail the same way
		r.opts.Logger.Error("Dropping undecodable message", err, fields)
		msg.Ack()
		r.opts.Metrics.RecordReceive(r.opts.Provider, event, OutcomeUndecodable)
		return
	}

	cbErr := &errspkg.CallbackError{
		Provider:      r.opts.Provider,
		Source:        r.opts.Topic,
		MessageID:     msg.UUID,
		CorrelationID: msg.Metadata.Get(envelope.MetadataCorrelationID),
		Policy:        r.opts.Policy,
		Err:           err,
	}
	fields["correlation_id"] = cbErr.CorrelationID
	fields["policy"] = string(r.opts.Policy)

	switch r.opts.Policy {
	case transport.PolicyAcknowledge:
		r.opts.Logger.Error("Callback failed, acknowledging message", cbErr, fields)
		msg.Ack()
		r.opts.Metrics.RecordReceive(r.opts.Provider, event, OutcomeAckedOnError)
	default:
		r.opts.Logger.Error("Callback failed, requesting redelivery", cbErr, fields)
		msg.Nack()
		r.opts.Metrics.RecordReceive(r.opts.Provider, event, OutcomeRedelivered)
	}
}

// Subscription is a running receive loop.
type Subscription struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Topic returns the source the subscription consumes from.
func (s *Subscription) Topic() string { return s.topic }

// Done is closed once the receive loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Stop ends the receive loop and waits for an in-flight callback to return.
func (s *Subscription) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %q: %w", s.topic, ctx.Err())
	}
}
