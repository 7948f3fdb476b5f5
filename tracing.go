package rabbitstore

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AMQPPropagator carries W3C trace context and baggage across AMQP message
// headers, so a consumer can continue the trace a producer started.
var AMQPPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// AMQPHeader adapts an amqp.Table to the TextMapCarrier interface.
type AMQPHeader amqp.Table

// Get implements propagation.TextMapCarrier.
func (h AMQPHeader) Get(key string) string {
	if v, ok := h[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set implements propagation.TextMapCarrier.
func (h AMQPHeader) Set(key, value string) {
	h[key] = value
}

// Keys implements propagation.TextMapCarrier.
func (h AMQPHeader) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// injectTraceContext writes the active trace context from ctx into the
// message headers, allocating the table when needed.
func injectTraceContext(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	AMQPPropagator.Inject(ctx, AMQPHeader(headers))
	return headers
}

// ExtractTraceContext returns ctx enriched with the trace context carried in
// the delivery's headers. Consume handlers can use it to parent their spans
// on the producer's trace.
func ExtractTraceContext(ctx context.Context, d amqp.Delivery) context.Context {
	return AMQPPropagator.Extract(ctx, AMQPHeader(d.Headers))
}

// SpanContextFromDelivery extracts the remote span context of the producer,
// if the delivery carried one.
func SpanContextFromDelivery(d amqp.Delivery) trace.SpanContext {
	ctx := ExtractTraceContext(context.Background(), d)
	return trace.SpanContextFromContext(ctx)
}
