// Package provider selects the single enabled message broker and binds a
// sender and a receiver for every event kind to its transport.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/messaging"
	"github.com/drblury/relayflow/transport"

	// every built-in adapter registers itself with the default registry
	_ "github.com/drblury/relayflow/transport/transports"
)

// DefaultOpenAttempts is the number of connection attempts made by Open.
const DefaultOpenAttempts = 3

// Route is the broker address used for one event kind.
type Route struct {
	Publish   string
	Subscribe string
}

// Provider is the outcome of a successful selection. It holds no connection.
type Provider struct {
	Name         string
	Capabilities transport.Capabilities
	Policy       transport.CallbackPolicy
	SendTimeout  time.Duration
	Routes       map[envelope.Kind]Route

	config   configpkg.MessageBrokerConfig
	registry *transport.Registry
}

// DisplayName returns the broker name used in relay notifications.
func (p *Provider) DisplayName() string {
	if p.Capabilities.DisplayName != "" {
		return p.Capabilities.DisplayName
	}
	return p.Name
}

// Select chooses the single enabled provider and checks its record. It does
// no I/O; every failure is a *errors.ConfigurationError. Capabilities come
// from transport.DefaultRegistry.
func Select(cfg configpkg.MessageBrokerConfig) (*Provider, error) {
	return SelectFrom(cfg, nil)
}

// SelectFrom is Select with capabilities taken from registry. A nil registry
// means transport.DefaultRegistry.
func SelectFrom(cfg configpkg.MessageBrokerConfig, registry *transport.Registry) (*Provider, error) {
	if registry == nil {
		registry = transport.DefaultRegistry
	}

	selector := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if selector != "" && !slices.Contains(configpkg.Providers(), selector) {
		return nil, errspkg.NewConfigurationError(selector, errspkg.ErrUnknownProvider, "messagebroker.provider")
	}

	enabled := cfg.EnabledProviders()
	switch len(enabled) {
	case 0:
		return nil, errspkg.NewConfigurationError(selector, errspkg.ErrNoProviderEnabled)
	case 1:
	default:
		fields := make([]string, 0, len(enabled))
		for _, name := range enabled {
			fields = append(fields, "messagebroker."+name+".enabled")
		}
		return nil, errspkg.NewConfigurationError(selector, errspkg.ErrMultipleProvidersEnabled, fields...)
	}

	name := enabled[0]
	if selector != "" && selector != name {
		return nil, errspkg.NewConfigurationError(selector,
			fmt.Errorf("%w: selector names %q but %q is enabled", errspkg.ErrProviderMismatch, selector, name),
			"messagebroker.provider")
	}

	if fields, err := cfg.ValidateProvider(name); err != nil {
		keys := make([]string, 0, len(fields))
		for _, f := range fields {
			if strings.HasPrefix(f, "aws.") {
				keys = append(keys, "messagebroker."+f)
				continue
			}
			keys = append(keys, "messagebroker."+name+"."+f)
		}
		return nil, errspkg.NewConfigurationError(name, fmt.Errorf("%w: %w", errspkg.ErrIncompleteProvider, err), keys...)
	}

	caps := registry.GetCapabilities(name)

	routes := make(map[envelope.Kind]Route, len(envelope.Kinds()))
	for _, kind := range envelope.Kinds() {
		publish, subscribe := cfg.Route(name, kind)
		routes[kind] = Route{Publish: publish, Subscribe: subscribe}
	}

	cfg.Provider = name
	return &Provider{
		Name:         name,
		Capabilities: caps,
		Policy:       callbackPolicy(cfg, name, caps),
		SendTimeout:  cfg.SendTimeout,
		Routes:       routes,
		config:       cfg,
		registry:     registry,
	}, nil
}

func callbackPolicy(cfg configpkg.MessageBrokerConfig, name string, caps transport.Capabilities) transport.CallbackPolicy {
	if opts, _ := cfg.Options(name); opts.OnCallbackError != "" {
		return transport.CallbackPolicy(opts.OnCallbackError)
	}
	return caps.Policy()
}

// builtBy returns p as seen by registry. Capabilities and the default policy
// follow the registry that builds the transport.
func (p *Provider) builtBy(registry *transport.Registry) *Provider {
	if registry == p.registry {
		return p
	}
	resolved := *p
	resolved.registry = registry
	resolved.Capabilities = registry.GetCapabilities(p.Name)
	resolved.Policy = callbackPolicy(p.config, p.Name, resolved.Capabilities)
	return &resolved
}

// IsNoProvider reports whether err means no provider was configured at all.
// Hosts that embed relayflow optionally treat this as "messaging disabled".
func IsNoProvider(err error) bool {
	return errors.Is(err, errspkg.ErrNoProviderEnabled)
}

// OpenOptions tune Open.
type OpenOptions struct {
	// Registry builds the transport and supplies its capabilities. It defaults
	// to the registry the provider was selected from.
	Registry *transport.Registry
	Metrics  *messaging.Metrics
	// Attempts defaults to DefaultOpenAttempts.
	Attempts uint
	// BackOff builds the delay between attempts. Nil uses an exponential backoff.
	BackOff func() backoff.BackOff
	// ReconnectBackOff is handed to every receiver.
	ReconnectBackOff func() backoff.BackOff
}

// Open connects the provider's transport and binds a sender and a receiver for
// every event kind.
func (p *Provider) Open(ctx context.Context, logger loggingpkg.ServiceLogger, opts OpenOptions) (*Bindings, error) {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	if opts.Registry == nil {
		opts.Registry = p.registry
	}
	if opts.Registry == nil {
		opts.Registry = transport.DefaultRegistry
	}
	p = p.builtBy(opts.Registry)
	if opts.Attempts == 0 {
		opts.Attempts = DefaultOpenAttempts
	}
	var bo backoff.BackOff = backoff.NewExponentialBackOff()
	if opts.BackOff != nil {
		bo = opts.BackOff()
	}

	logger = logger.With(loggingpkg.LogFields{"provider": p.Name})
	wmLogger := loggingpkg.NewWatermillAdapter(logger)

	tr, err := backoff.Retry(ctx, func() (transport.Transport, error) {
		return opts.Registry.Build(ctx, p.config, wmLogger)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(opts.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("Broker connection failed, retrying", loggingpkg.LogFields{
				"error":    err.Error(),
				"retry_in": next.String(),
			})
		}),
	)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", errspkg.ErrProviderUnreachable, p.Name, err)
		logger.Error("Broker unreachable", err, loggingpkg.LogFields{"attempts": opts.Attempts})
		return nil, err
	}

	b := &Bindings{
		provider:  p,
		transport: tr,
		senders:   make(map[envelope.Kind]any),
		receivers: make(map[envelope.Kind]any),
	}
	bind[envelope.FileUploadedEvent](b, logger, opts)
	bind[envelope.FileDeletedEvent](b, logger, opts)

	logger.Info("Message broker ready", loggingpkg.LogFields{
		"policy": string(p.Policy),
		"routes": p.Routes,
	})
	return b, nil
}

func bind[T envelope.Payload](b *Bindings, logger loggingpkg.ServiceLogger, opts OpenOptions) {
	kind := envelope.KindOf[T]()
	route := b.provider.Routes[kind]

	sender := messaging.NewSender[T](b.transport.Publisher, messaging.SenderOptions{
		Provider: b.provider.Name,
		Topic:    route.Publish,
		Timeout:  b.provider.SendTimeout,
		Classify: b.transport.ClassifyError,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	b.senders[kind] = sender
	b.closers = append(b.closers, sender.Close)

	b.receivers[kind] = messaging.NewReceiver[T](b.transport.Subscriber, messaging.ReceiverOptions{
		Provider:         b.provider.Name,
		Topic:            route.Subscribe,
		Policy:           b.provider.Policy,
		Classify:         b.transport.ClassifyError,
		Logger:           logger,
		Metrics:          opts.Metrics,
		ReconnectBackOff: opts.ReconnectBackOff,
	})
}
