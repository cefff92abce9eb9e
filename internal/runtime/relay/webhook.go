package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
)

// WebhookPublisherFactory allows overriding the publisher creation for testing.
var WebhookPublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return watermillhttp.NewPublisher(config, logger)
}

// WebhookNotifier POSTs every notification as JSON to <endpoint>/<method>.
type WebhookNotifier struct {
	url       string
	publisher message.Publisher
}

// NewWebhookNotifier creates a webhook notifier. Connections are not reused
// between notifications.
func NewWebhookNotifier(endpoint, method string, timeout time.Duration, logger watermill.LoggerAdapter) (*WebhookNotifier, error) {
	method, timeout = withDefaults(method, timeout)
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	publisher, err := WebhookPublisherFactory(watermillhttp.PublisherConfig{
		MarshalMessageFunc: marshalNotification,
		Client:             client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create webhook publisher: %w", err)
	}

	return &WebhookNotifier{
		url:       strings.TrimRight(endpoint, "/") + "/" + method,
		publisher: publisher,
	}, nil
}

func (w *WebhookNotifier) Endpoint() string { return w.url }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := codec.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.SetContext(ctx)
	return w.publisher.Publish(w.url, msg)
}

// Close releases the underlying publisher.
func (w *WebhookNotifier) Close() error {
	return w.publisher.Close()
}

func marshalNotification(url string, msg *message.Message) (*http.Request, error) {
	req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(watermillhttp.HeaderUUID, msg.UUID)
	return req, nil
}
