package relay

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// DefaultMethod is the hub method invoked when none is configured.
const DefaultMethod = "SendTaskStatus"

// DefaultTimeout bounds one notification when none is configured.
const DefaultTimeout = 10 * time.Second

var codec = sonic.ConfigStd

// Notification is the status update forwarded for one received envelope.
type Notification struct {
	Provider      string        `json:"provider"`
	EventKind     envelope.Kind `json:"eventKind"`
	CorrelationID string        `json:"correlationId"`
	// Subject reads "<provider> - <event>", e.g. "RabbitMQ - File Uploaded".
	Subject string `json:"subject"`
}

// NewNotification builds the notification for an envelope received from provider.
func NewNotification(provider string, kind envelope.Kind, correlationID string) Notification {
	return Notification{
		Provider:      provider,
		EventKind:     kind,
		CorrelationID: correlationID,
		Subject:       fmt.Sprintf("%s - %s", provider, kind.DisplayName()),
	}
}

// Notifier delivers notifications to the downstream notification server.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	// Endpoint identifies the destination in errors and logs.
	Endpoint() string
}

// NewNotifier builds the notifier selected by cfg.Transport.
func NewNotifier(cfg configpkg.NotificationServerConfig) (Notifier, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errspkg.NewConfigurationError("", errspkg.ErrNotifierRequired, "notificationserver.endpoint")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errspkg.NewConfigurationError("", err, "notificationserver.endpoint")
	}

	switch cfg.Transport {
	case configpkg.NotifyWebhook:
		return NewWebhookNotifier(cfg.Endpoint, cfg.Method, cfg.Timeout, nil)
	case configpkg.NotifyWebSocket, "":
		return NewWebSocketNotifier(cfg.Endpoint, cfg.Method, cfg.Timeout), nil
	}
	return nil, errspkg.NewConfigurationError("",
		fmt.Errorf("unknown notification transport %q", cfg.Transport), "notificationserver.transport")
}

// CloseNotifier releases n when it holds resources, as a WebhookNotifier does.
func CloseNotifier(n Notifier) error {
	if c, ok := n.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func withDefaults(method string, timeout time.Duration) (string, time.Duration) {
	if method == "" {
		method = DefaultMethod
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return method, timeout
}
