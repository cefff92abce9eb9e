package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/drblury/relayflow/transport"
)

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrNoProviderEnabled,
		ErrMultipleProvidersEnabled,
		ErrProviderMismatch,
		ErrUnknownProvider,
		ErrIncompleteProvider,
		ErrProviderUnreachable,
		ErrCorrelationIDRequired,
		ErrPayloadRequired,
		ErrEnvelopeKindMismatch,
		ErrSenderClosed,
		ErrCallbackRequired,
		ErrNotifierRequired,
		ErrBindingNotFound,
		ErrAlreadySubscribed,
	}
	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "relayflow: ") {
			t.Errorf("sentinel %q is missing the relayflow prefix", err)
		}
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("rabbitmq", ErrIncompleteProvider, "hostname", "username")

	want := `relayflow: invalid configuration for provider "rabbitmq" (fields: hostname, username): relayflow: provider configuration is incomplete`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrIncompleteProvider) {
		t.Error("errors.Is should match the wrapped sentinel")
	}
	if !IsConfiguration(fmt.Errorf("startup: %w", err)) {
		t.Error("IsConfiguration should see through wrapping")
	}
}

func TestNewConfigurationErrorNil(t *testing.T) {
	if err := NewConfigurationError("kafka", nil); err != nil {
		t.Errorf("NewConfigurationError(nil) = %v, want nil", err)
	}
}

func TestConfigurationErrorWithoutProvider(t *testing.T) {
	err := &ConfigurationError{Err: ErrNoProviderEnabled}
	want := "relayflow: invalid configuration: relayflow: no message broker provider enabled"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSendError(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("publish: %w", &SendError{
		Provider:    "rabbitmq",
		Destination: "file.uploaded",
		Kind:        transport.FailureConnection,
		Err:         inner,
	})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should match the wrapped cause")
	}
	kind, ok := SendFailure(err)
	if !ok || kind != transport.FailureConnection {
		t.Errorf("SendFailure() = %q, %v", kind, ok)
	}
	if _, ok := SendFailure(inner); ok {
		t.Error("SendFailure should not match a plain error")
	}
	if !strings.Contains(err.Error(), `rabbitmq "file.uploaded"`) {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestReceiveAndCallbackErrorsUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := []error{
		&ReceiveTransportError{Provider: "kafka", Source: "file-uploaded", Attempt: 2, Err: inner},
		&CallbackError{Provider: "sqs", Source: "file-deleted", MessageID: "m1", Policy: transport.PolicyRedeliver, Err: inner},
		&RelayNotificationError{Endpoint: "ws://localhost/hub", EventKind: "file-uploaded", CorrelationID: "c1", Err: inner},
	}
	for _, err := range wrapped {
		if !errors.Is(err, inner) {
			t.Errorf("%T should unwrap to its cause", err)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Errorf("%T message %q should include the cause", err, err.Error())
		}
	}
}
