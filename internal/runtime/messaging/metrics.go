package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relayflow"

// Outcomes recorded on the sent and received counters.
const (
	OutcomeSent         = "sent"
	OutcomeFailed       = "failed"
	OutcomeAcked        = "acked"
	OutcomeRedelivered  = "redelivered"
	OutcomeAckedOnError = "acked_on_error"
	OutcomeUndecodable  = "undecodable"
)

// Metrics exposes Prometheus collectors for the send, receive and relay paths.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registerer prometheus.Registerer

	sent             *prometheus.CounterVec
	received         *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	resubscribes     *prometheus.CounterVec
	notifications    *prometheus.CounterVec

	once sync.Once
	err  error
}

// NewMetrics creates the collectors. Register must be called before they are exported.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Total number of envelopes handed to the broker, by outcome.",
		}, []string{"provider", "event", "outcome"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Total number of deliveries processed by receivers, by outcome.",
		}, []string{"provider", "event", "outcome"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "callback_duration_seconds",
			Help:      "Time spent in receive callbacks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resubscribes_total",
			Help:      "Total number of subscriptions re-established after the broker dropped them.",
		}, []string{"provider", "source"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "notifications_total",
			Help:      "Total number of relay notifications, by outcome.",
		}, []string{"provider", "event", "outcome"}),
	}
}

// Register registers the collectors. Collectors already registered by another
// Metrics instance are reused, so calling Register twice is safe.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		var errs []error
		var err error
		if m.sent, err = register(m.registerer, m.sent); err != nil {
			errs = append(errs, err)
		}
		if m.received, err = register(m.registerer, m.received); err != nil {
			errs = append(errs, err)
		}
		if m.callbackDuration, err = register(m.registerer, m.callbackDuration); err != nil {
			errs = append(errs, err)
		}
		if m.resubscribes, err = register(m.registerer, m.resubscribes); err != nil {
			errs = append(errs, err)
		}
		if m.notifications, err = register(m.registerer, m.notifications); err != nil {
			errs = append(errs, err)
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordSend counts one send attempt.
func (m *Metrics) RecordSend(provider, event, outcome string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(provider, event, outcome).Inc()
}

// RecordReceive counts one processed delivery.
func (m *Metrics) RecordReceive(provider, event, outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(provider, event, outcome).Inc()
}

// ObserveCallback records how long a callback ran.
func (m *Metrics) ObserveCallback(provider, event string, d time.Duration) {
	if m == nil {
		return
	}
	m.callbackDuration.WithLabelValues(provider, event).Observe(d.Seconds())
}

// RecordResubscribe counts a subscription re-established after a drop.
func (m *Metrics) RecordResubscribe(provider, source string) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(provider, source).Inc()
}

// RecordNotification counts one relay notification attempt.
func (m *Metrics) RecordNotification(provider, event, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(provider, event, outcome).Inc()
}
