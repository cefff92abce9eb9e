package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/messaging"
	"github.com/drblury/relayflow/transport"
)

// Bindings hold the sender and receiver of every event kind. They are built
// once by Open and read-only afterwards.
type Bindings struct {
	provider  *Provider
	transport transport.Transport
	senders   map[envelope.Kind]any
	receivers map[envelope.Kind]any
	closers   []func() error

	closeOnce sync.Once
	closeErr  error
}

// Provider returns the provider the bindings were opened for.
func (b *Bindings) Provider() *Provider { return b.provider }

// SenderFor returns the sender bound to T's event kind.
func SenderFor[T envelope.Payload](b *Bindings) (messaging.Sender[T], error) {
	kind := envelope.KindOf[T]()
	if s, ok := b.senders[kind].(messaging.Sender[T]); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: sender for %s", errspkg.ErrBindingNotFound, kind)
}

// ReceiverFor returns the receiver bound to T's event kind.
func ReceiverFor[T envelope.Payload](b *Bindings) (messaging.Receiver[T], error) {
	kind := envelope.KindOf[T]()
	if r, ok := b.receivers[kind].(messaging.Receiver[T]); ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: receiver for %s", errspkg.ErrBindingNotFound, kind)
}

// Close stops every sender and releases the broker connection. Subscriptions
// should be stopped first; their delivery channels close with the transport.
func (b *Bindings) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		for _, c := range b.closers {
			errs = append(errs, c())
		}
		errs = append(errs, b.transport.Close())
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
