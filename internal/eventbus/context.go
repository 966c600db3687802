package eventbus

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

type handlerKey struct{}

type dispatcherKey struct{}

// WithCorrelation returns a context whose publishes are correlated with id.
// Handlers receive such a context for correlated envelopes, so events
// published in response inherit the user turn automatically.
func WithCorrelation(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext returns the correlation id carried by ctx, or uuid.Nil.
func CorrelationFromContext(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	if id, ok := ctx.Value(correlationKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// SubscriptionFromContext reports which subscription's handler is running
// with ctx, if any.
func SubscriptionFromContext(ctx context.Context) (SubscriptionID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(handlerKey{}).(SubscriptionID)
	return id, ok
}

func onDispatcher(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(dispatcherKey{}).(bool)
	return v
}

func spanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
