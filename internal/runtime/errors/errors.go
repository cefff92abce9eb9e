package errors

import (
	sterrors "errors"
	"fmt"
	"strings"

	"github.com/drblury/relayflow/transport"
)

var (
	ErrNoProviderEnabled        = sterrors.New("relayflow: no message broker provider enabled")
	ErrMultipleProvidersEnabled = sterrors.New("relayflow: more than one message broker provider enabled")
	ErrProviderMismatch         = sterrors.New("relayflow: selected provider is not the enabled provider")
	ErrUnknownProvider          = sterrors.New("relayflow: unknown message broker provider")
	ErrIncompleteProvider       = sterrors.New("relayflow: provider configuration is incomplete")
	ErrProviderUnreachable      = sterrors.New("relayflow: provider unreachable")
	ErrCorrelationIDRequired    = sterrors.New("relayflow: correlation id is required")
	ErrPayloadRequired          = sterrors.New("relayflow: event payload is required")
	ErrEnvelopeKindMismatch     = sterrors.New("relayflow: envelope kind does not match payload type")
	ErrSenderClosed             = sterrors.New("relayflow: sender is closed")
	ErrCallbackRequired         = sterrors.New("relayflow: callback is required")
	ErrNotifierRequired         = sterrors.New("relayflow: notifier is required")
	ErrBindingNotFound          = sterrors.New("relayflow: no binding for event kind")
	ErrAlreadySubscribed        = sterrors.New("relayflow: receiver already has an active subscription")
)

// ConfigurationError reports a provider configuration that cannot be started.
type ConfigurationError struct {
	Provider string
	Fields   []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("relayflow: invalid configuration")
	if e.Provider != "" {
		fmt.Fprintf(&b, " for provider %q", e.Provider)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields: %s)", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err for provider. It returns nil when err is nil.
func NewConfigurationError(provider string, err error, fields ...string) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Provider: provider, Fields: fields, Err: err}
}

// SendError is returned by a sender when a publish did not complete.
type SendError struct {
	Provider    string
	Destination string
	Kind        transport.Failure
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("relayflow: send to %s %q failed (%s): %v", e.Provider, e.Destination, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveTransportError reports a subscription that failed or was dropped by the broker.
type ReceiveTransportError struct {
	Provider string
	Source   string
	Attempt  int
	Err      error
}

func (e *ReceiveTransportError) Error() string {
	return fmt.Sprintf("relayflow: receive from %s %q failed (attempt %d): %v", e.Provider, e.Source, e.Attempt, e.Err)
}

func (e *ReceiveTransportError) Unwrap() error { return e.Err }

// CallbackError reports a callback that returned an error or panicked.
type CallbackError struct {
	Provider      string
	Source        string
	MessageID     string
	CorrelationID string
	Policy        transport.CallbackPolicy
	Err           error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("relayflow: callback for message %s from %s %q failed (policy %s): %v",
		e.MessageID, e.Provider, e.Source, e.Policy, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// RelayNotificationError reports a notification the relay could not deliver.
type RelayNotificationError struct {
	Endpoint      string
	EventKind     string
	CorrelationID string
	Err           error
}

func (e *RelayNotificationError) Error() string {
	return fmt.Sprintf("relayflow: notify %s about %s (correlation %s) failed: %v",
		e.Endpoint, e.EventKind, e.CorrelationID, e.Err)
}

func (e *RelayNotificationError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return sterrors.As(err, &cfgErr)
}

// SendFailure returns the failure kind carried by a SendError in err's chain.
func SendFailure(err error) (transport.Failure, bool) {
	var sendErr *SendError
	if sterrors.As(err, &sendErr) {
		return sendErr.Kind, true
	}
	return transport.FailureNone, false
}
