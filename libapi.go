package relayflow

import (
	"context"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/messaging"
	"github.com/drblury/relayflow/internal/runtime/provider"
	"github.com/drblury/relayflow/internal/runtime/relay"
	"github.com/drblury/relayflow/transport"
)

type (
	Config                   = configpkg.Config
	LoadOptions              = configpkg.LoadOptions
	MessageBrokerConfig      = configpkg.MessageBrokerConfig
	NotificationServerConfig = configpkg.NotificationServerConfig

	Payload             = envelope.Payload
	Kind                = envelope.Kind
	FileUploadedEvent   = envelope.FileUploadedEvent
	FileDeletedEvent    = envelope.FileDeletedEvent
	Envelope[T Payload] = envelope.Envelope[T]

	Sender[T Payload]   = messaging.Sender[T]
	Receiver[T Payload] = messaging.Receiver[T]
	Callback[T Payload] = messaging.Callback[T]
	Subscription        = messaging.Subscription
	Metrics             = messaging.Metrics

	Provider     = provider.Provider
	Bindings     = provider.Bindings
	OpenOptions  = provider.OpenOptions
	Relay        = relay.Relay
	RelayOptions = relay.Options
	RelayState   = relay.State
	Notifier     = relay.Notifier
	Notification = relay.Notification

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error taxonomy
	ConfigurationError     = errspkg.ConfigurationError
	SendError              = errspkg.SendError
	ReceiveTransportError  = errspkg.ReceiveTransportError
	CallbackError          = errspkg.CallbackError
	RelayNotificationError = errspkg.RelayNotificationError

	// Transport contract
	TransportBuilder    = transport.Builder
	TransportConfig     = transport.Config
	TransportRegistry   = transport.Registry
	Capabilities        = transport.Capabilities
	CallbackPolicy      = transport.CallbackPolicy
	Failure             = transport.Failure
	TransportClassifier = transport.Classifier
)

var (
	LoadConfig         = configpkg.Load
	SelectProvider     = provider.Select
	SelectProviderFrom = provider.SelectFrom
	IsNoProvider       = provider.IsNoProvider
	NewRelay           = relay.FromBindings
	NewNotifier        = relay.NewNotifier
	CloseNotifier      = relay.CloseNotifier
	NewMetrics         = messaging.NewMetrics

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogger            = loggingpkg.NewLogger

	NewCorrelationID = idspkg.NewCorrelationID
	CreateULID       = idspkg.CreateULID

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.RegisterWithCapabilities

	IsConfigurationError = errspkg.IsConfiguration
	SendFailure          = errspkg.SendFailure

	ErrNoProviderEnabled        = errspkg.ErrNoProviderEnabled
	ErrMultipleProvidersEnabled = errspkg.ErrMultipleProvidersEnabled
	ErrProviderMismatch         = errspkg.ErrProviderMismatch
	ErrUnknownProvider          = errspkg.ErrUnknownProvider
	ErrIncompleteProvider       = errspkg.ErrIncompleteProvider
	ErrProviderUnreachable      = errspkg.ErrProviderUnreachable
	ErrCorrelationIDRequired    = errspkg.ErrCorrelationIDRequired
	ErrPayloadRequired          = errspkg.ErrPayloadRequired
	ErrSenderClosed             = errspkg.ErrSenderClosed
	ErrAlreadySubscribed        = errspkg.ErrAlreadySubscribed
	ErrBindingNotFound          = errspkg.ErrBindingNotFound
)

const (
	KindFileUploaded = envelope.KindFileUploaded
	KindFileDeleted  = envelope.KindFileDeleted

	PolicyRedeliver   = transport.PolicyRedeliver
	PolicyAcknowledge = transport.PolicyAcknowledge

	FailureConnection    = transport.FailureConnection
	FailureAuth          = transport.FailureAuth
	FailureSerialization = transport.FailureSerialization
	FailureTimeout       = transport.FailureTimeout
	FailureClosed        = transport.FailureClosed
)

// Relay lifecycle states.
const (
	RelayIdle       = relay.StateIdle
	RelaySubscribed = relay.StateSubscribed
	RelayProcessing = relay.StateProcessing
	RelayStopped    = relay.StateStopped
)

// NewEnvelope wraps payload with the caller's correlation id.
func NewEnvelope[T Payload](payload T, correlationID string) (Envelope[T], error) {
	return envelope.New(payload, correlationID)
}

// NewEnvelopeWithGeneratedCorrelation wraps payload with a fresh correlation id.
func NewEnvelopeWithGeneratedCorrelation[T Payload](payload T) (Envelope[T], error) {
	return envelope.NewWithGeneratedCorrelation(payload)
}

// SenderFor returns the sender bound to T's event kind.
func SenderFor[T Payload](b *Bindings) (Sender[T], error) {
	return provider.SenderFor[T](b)
}

// ReceiverFor returns the receiver bound to T's event kind.
func ReceiverFor[T Payload](b *Bindings) (Receiver[T], error) {
	return provider.ReceiverFor[T](b)
}

// Open selects the enabled provider in cfg and connects it.
func Open(ctx context.Context, cfg MessageBrokerConfig, logger ServiceLogger, opts OpenOptions) (*Bindings, error) {
	p, err := provider.SelectFrom(cfg, opts.Registry)
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, logger, opts)
}
