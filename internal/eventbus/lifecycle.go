package eventbus

import (
	"context"
	"sync"
)

// SubscriptionGroup tracks subscriptions that should be revoked together.
type SubscriptionGroup struct {
	mu   sync.Mutex
	bus  *Bus
	subs []SubscriptionID
}

// Add registers subscriptions of bus for bulk removal. Zero ids (returned
// for a nil or closed bus) are ignored.
func (g *SubscriptionGroup) Add(bus *Bus, ids ...SubscriptionID) {
	if g == nil || bus == nil || len(ids) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.bus = bus
	for _, id := range ids {
		if id != 0 {
			g.subs = append(g.subs, id)
		}
	}
}

// Len returns the number of tracked subscriptions.
func (g *SubscriptionGroup) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// CloseAll unsubscribes all tracked subscriptions and clears the group.
func (g *SubscriptionGroup) CloseAll(ctx context.Context) {
	if g == nil {
		return
	}

	g.mu.Lock()
	bus, subs := g.bus, g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, id := range subs {
		bus.Unsubscribe(ctx, id)
	}
}

// ServiceLifecycle centralises common component plumbing:
// start context, track subscriptions, run workers, and wait for shutdown.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// Start initialises the service context using the provided parent context.
// The context is detached from the parent's cancellation so a short-lived
// start context does not tear the service down.
func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
}

// Context returns the active service context.
func (l *ServiceLifecycle) Context() context.Context {
	if l.ctx == nil {
		return context.Background()
	}
	return l.ctx
}

// Subscribe registers handler on bus and tracks the subscription for Stop.
func (l *ServiceLifecycle) Subscribe(bus *Bus, types []EventType, handler Handler, opts ...SubscriptionOption) SubscriptionID {
	id := bus.Subscribe(types, handler, opts...)
	l.subs.Add(bus, id)
	return id
}

// Go runs a worker goroutine tracked by the lifecycle wait group.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.Context())
}

// Stop cancels the service context and revokes tracked subscriptions.
func (l *ServiceLifecycle) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	l.subs.CloseAll(ctx)
}

// Wait blocks until all lifecycle workers complete or ctx is done.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	return WaitForWorkers(ctx, &l.wg)
}

// Shutdown combines Stop and Wait for convenience.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop(ctx)
	return l.Wait(ctx)
}

// WaitForWorkers waits for the provided wait group or returns when ctx is done.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
