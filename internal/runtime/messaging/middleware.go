package messaging

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/relayflow"

// DefaultMiddlewares returns the chain every receiver wraps around its callback.
// The recoverer is innermost so a panicking callback still closes its span and
// is timed and logged like any other failure.
func DefaultMiddlewares(provider, source string, logger loggingpkg.ServiceLogger, metrics *Metrics) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		TracerMiddleware(provider, source),
		LogMessagesMiddleware(logger),
		MetricsMiddleware(provider, metrics),
		middleware.Recoverer,
	}
}

// Chain applies middlewares so that the first one is the outermost.
func Chain(h message.HandlerFunc, middlewares ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

// TracerMiddleware continues the trace propagated in the message metadata and
// wraps the handler in a span.
func TracerMiddleware(provider, source string) message.HandlerMiddleware {
	tracer := otel.Tracer(tracerName)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
			ctx, span := tracer.Start(ctx, "relayflow.receive", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(
				attribute.String("messaging.system", provider),
				attribute.String("messaging.source.name", source),
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("relayflow.correlation_id", msg.Metadata.Get(envelope.MetadataCorrelationID)),
			)
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

// LogMessagesMiddleware logs every delivery at debug level. Payloads are not
// logged; the identifiers are enough to follow a message.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"correlation_id": msg.Metadata.Get(envelope.MetadataCorrelationID),
				"event_kind":     msg.Metadata.Get(envelope.MetadataEventKind),
			})
			return h(msg)
		}
	}
}

// MetricsMiddleware observes the handler duration.
func MetricsMiddleware(provider string, metrics *Metrics) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)
			metrics.ObserveCallback(provider, msg.Metadata.Get(envelope.MetadataEventKind), time.Since(start))
			return msgs, err
		}
	}
}

func injectTrace(msg *message.Message) {
	otel.GetTextMapPropagator().Inject(msg.Context(), propagation.MapCarrier(msg.Metadata))
}
