package eventbus

import (
	"context"
)

// On subscribes a handler that receives the concrete payload type T. The
// discriminator filter is derived from T, so mismatched payloads never reach
// the handler.
func On[T Event](bus *Bus, handler func(ctx context.Context, env Envelope, event T), opts ...SubscriptionOption) SubscriptionID {
	if bus == nil || handler == nil {
		return 0
	}
	var zero T
	return bus.Subscribe([]EventType{zero.EventType()}, func(ctx context.Context, env Envelope) {
		event, ok := env.Event.(T)
		if !ok {
			return
		}
		handler(ctx, env, event)
	}, opts...)
}

// OnCustom subscribes to Custom events whose Type equals customType.
func OnCustom(bus *Bus, customType string, handler func(ctx context.Context, env Envelope, event Custom), opts ...SubscriptionOption) SubscriptionID {
	return On(bus, func(ctx context.Context, env Envelope, event Custom) {
		if event.Type == customType {
			handler(ctx, env, event)
		}
	}, opts...)
}

// Emit publishes event on p, ignoring a nil publisher. Components hold a
// Publisher that may be absent in tests and tools.
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	p.Publish(ctx, event)
}
