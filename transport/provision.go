package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ThreeDotsLabs/watermill/message"
)

type contextSubscribeInitializer interface {
	SubscribeInitializeWithContext(ctx context.Context, topic string) error
}

type topicCreator interface {
	CreateTopic(ctx context.Context, topic string) (string, error)
}

// RouteTopics returns the keys of a route map in a stable order.
func RouteTopics(routes map[string]string) []string {
	return slices.Sorted(maps.Keys(routes))
}

// CreateTopics creates every topic on publishers that support it, such as the
// SNS publisher. Other publishers are left alone.
func CreateTopics(ctx context.Context, pub message.Publisher, topics []string) error {
	creator, ok := pub.(topicCreator)
	if !ok {
		return nil
	}
	for _, topic := range topics {
		if _, err := creator.CreateTopic(ctx, topic); err != nil {
			return fmt.Errorf("create topic %q: %w", topic, err)
		}
	}
	return nil
}

// InitializeSubscriptions declares the consuming side of every topic up front,
// so messages published before the first Subscribe are retained by the broker.
// Subscribers without an initializer are left alone.
func InitializeSubscriptions(ctx context.Context, sub message.Subscriber, topics []string) error {
	for _, topic := range topics {
		var err error
		switch s := sub.(type) {
		case contextSubscribeInitializer:
			err = s.SubscribeInitializeWithContext(ctx, topic)
		case message.SubscribeInitializer:
			err = s.SubscribeInitialize(topic)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("initialize subscription %q: %w", topic, err)
		}
	}
	return nil
}
