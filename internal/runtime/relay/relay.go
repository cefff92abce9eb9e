// Package relay consumes received file events and forwards a status
// notification for each of them. Notification failures never stop consumption.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/messaging"
	"github.com/drblury/relayflow/internal/runtime/provider"
)

// DefaultStopTimeout bounds how long Run waits for in-flight callbacks on shutdown.
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by Run on a relay that already ran.
var ErrAlreadyStarted = errors.New("relayflow: relay already started")

// State is the lifecycle state of a relay.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune a Relay.
type Options struct {
	// Provider is the broker name shown in notification subjects.
	Provider    string
	Logger      loggingpkg.ServiceLogger
	Metrics     *messaging.Metrics
	StopTimeout time.Duration
}

// Relay owns one subscription per event kind.
type Relay struct {
	uploads  messaging.Receiver[envelope.FileUploadedEvent]
	deletes  messaging.Receiver[envelope.FileDeletedEvent]
	notifier Notifier
	opts     Options

	started  atomic.Bool
	state    atomic.Int32
	inFlight atomic.Int32
}

// New creates a relay over the two receivers.
func New(
	uploads messaging.Receiver[envelope.FileUploadedEvent],
	deletes messaging.Receiver[envelope.FileDeletedEvent],
	notifier Notifier,
	opts Options,
) (*Relay, error) {
	if notifier == nil {
		return nil, errspkg.ErrNotifierRequired
	}
	if uploads == nil || deletes == nil {
		return nil, fmt.Errorf("%w: relay needs a receiver for every event kind", errspkg.ErrBindingNotFound)
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Nop()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Relay{uploads: uploads, deletes: deletes, notifier: notifier, opts: opts}, nil
}

// FromBindings creates a relay over the receivers of an opened provider.
func FromBindings(b *provider.Bindings, notifier Notifier, opts Options) (*Relay, error) {
	uploads, err := provider.ReceiverFor[envelope.FileUploadedEvent](b)
	if err != nil {
		return nil, err
	}
	deletes, err := provider.ReceiverFor[envelope.FileDeletedEvent](b)
	if err != nil {
		return nil, err
	}
	if opts.Provider == "" {
		opts.Provider = b.Provider().DisplayName()
	}
	return New(uploads, deletes, notifier, opts)
}

// State reports where the relay is in its lifecycle.
func (r *Relay) State() State {
	s := State(r.state.Load())
	if s == StateSubscribed && r.inFlight.Load() > 0 {
		return StateProcessing
	}
	return s
}

// Run subscribes to every event kind and relays until ctx is done. It returns
// an error if subscribing fails or a subscription ends on its own.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer r.state.Store(int32(StateStopped))

	var subs []*messaging.Subscription
	defer func() { r.stop(subs) }()

	upSub, err := r.uploads.Receive(ctx, relayCallback[envelope.FileUploadedEvent](r))
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", envelope.KindFileUploaded, err)
	}
	subs = append(subs, upSub)

	delSub, err := r.deletes.Receive(ctx, relayCallback[envelope.FileDeletedEvent](r))
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", envelope.KindFileDeleted, err)
	}
	subs = append(subs, delSub)
	r.state.Store(int32(StateSubscribed))

	r.opts.Logger.Info("Relay started", loggingpkg.LogFields{
		"provider": r.opts.Provider,
		"notifier": r.notifier.Endpoint(),
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-sub.Done():
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relayflow: subscription %q ended unexpectedly", sub.Topic())
			}
		})
	}
	err = g.Wait()

	r.opts.Logger.Info("Relay stopping", loggingpkg.LogFields{"provider": r.opts.Provider})
	return err
}

func (r *Relay) stop(subs []*messaging.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(func() error { return sub.Stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		r.opts.Logger.Error("Relay did not stop cleanly", err, loggingpkg.LogFields{"provider": r.opts.Provider})
	}
}

func relayCallback[T envelope.Payload](r *Relay) messaging.Callback[T] {
	return func(ctx context.Context, env envelope.Envelope[T]) error {
		r.inFlight.Add(1)
		defer r.inFlight.Add(-1)
		r.forward(ctx, NewNotification(r.opts.Provider, env.Kind(), env.CorrelationID()))
		return nil
	}
}

// forward notifies and swallows the failure so the message is acknowledged.
func (r *Relay) forward(ctx context.Context, n Notification) {
	event := string(n.EventKind)
	if err := r.notifier.Notify(ctx, n); err != nil {
		notifyErr := &errspkg.RelayNotificationError{
			Endpoint:      r.notifier.Endpoint(),
			EventKind:     event,
			CorrelationID: n.CorrelationID,
			Err:           err,
		}
		r.opts.Logger.Error("Relay notification failed", notifyErr, loggingpkg.LogFields{
			"provider":       r.opts.Provider,
			"event_kind":     event,
			"correlation_id": n.CorrelationID,
		})
		r.opts.Metrics.RecordNotification(r.opts.Provider, event, messaging.OutcomeFailed)
		return
	}

	r.opts.Metrics.RecordNotification(r.opts.Provider, event, messaging.OutcomeSent)
	r.opts.Logger.Debug("Relay notification sent", loggingpkg.LogFields{
		"provider":       r.opts.Provider,
		"subject":        n.Subject,
		"correlation_id": n.CorrelationID,
	})
}
