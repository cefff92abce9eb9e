package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Guard makes both halves of tr report ErrTransportClosed once the transport
// starts closing. Broker libraries answer with their own ad hoc errors after
// Close, which receivers would otherwise mistake for a dropped connection.
func Guard(tr Transport) Transport {
	closed := &atomic.Bool{}
	shared := tr.Publisher != nil && any(tr.Publisher) == any(tr.Subscriber)
	if tr.Subscriber != nil {
		tr.Subscriber = &guardedSubscriber{inner: tr.Subscriber, closed: closed}
	}
	if tr.Publisher != nil {
		tr.Publisher = &guardedPublisher{inner: tr.Publisher, closed: closed, shared: shared}
	}
	return tr
}

type guardedSubscriber struct {
	inner  message.Subscriber
	closed *atomic.Bool
}

func (g *guardedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if g.closed.Load() {
		return nil, ErrTransportClosed
	}
	messages, err := g.inner.Subscribe(ctx, topic)
	if err != nil && g.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return messages, err
}

func (g *guardedSubscriber) Close() error {
	g.closed.Store(true)
	return g.inner.Close()
}

type guardedPublisher struct {
	inner  message.Publisher
	closed *atomic.Bool
	// shared is set when the publisher is the subscriber, which closes it.
	shared bool
}

func (g *guardedPublisher) Publish(topic string, messages ...*message.Message) error {
	if g.closed.Load() {
		return ErrTransportClosed
	}
	err := g.inner.Publish(topic, messages...)
	if err != nil && g.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return err
}

func (g *guardedPublisher) Close() error {
	g.closed.Store(true)
	if g.shared {
		return nil
	}
	return g.inner.Close()
}
