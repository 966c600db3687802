package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by lifecycle calls on a bus that was closed.
	ErrClosed = errors.New("eventbus: bus closed")
	// ErrNotRunning is reported by HealthCheck while the dispatcher is stopped.
	ErrNotRunning = errors.New("eventbus: dispatcher not running")
)

// SubscriptionID identifies a subscription. IDs are issued monotonically and
// are the only way to revoke a subscription.
type SubscriptionID uint64

// Handler consumes envelopes. The context carries the envelope correlation
// and identifies the running subscription.
type Handler func(ctx context.Context, env Envelope)

// Publisher is the sender-side capability handed to components. It never
// exposes the subscription table.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	PublishWithCorrelation(ctx context.Context, event Event, correlationID uuid.UUID)
}

// Metrics is a point-in-time copy of bus counters.
type Metrics struct {
	PublishTotal   uint64
	DeliveredTotal uint64
	DroppedTotal   uint64
	PanicTotal     uint64
	QueueDepth     int
	Subscribers    int
}

// Bus delivers published envelopes to every matching subscription. A single
// dispatcher goroutine drains the ingest queue; handlers run on it unless the
// subscription asked for its own queue.
type Bus struct {
	logger         *zap.Logger
	capacity       int
	strategy       Backpressure
	panicThreshold int
	panicWindow    time.Duration

	ingest  chan Envelope
	notices chan Envelope

	pubMu  sync.Mutex
	seq    atomic.Uint64
	lastTS int64

	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64

	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	closing chan struct{}
	closed  atomic.Bool

	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	publishTotal   atomic.Uint64
	deliveredTotal atomic.Uint64
	droppedTotal   atomic.Uint64
	panicTotal     atomic.Uint64
}

// New constructs a bus. The dispatcher does not run until Start is called;
// envelopes published before that are buffered subject to backpressure.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:         zap.NewNop(),
		capacity:       defaultCapacity,
		strategy:       DropOldest,
		panicThreshold: defaultPanicThreshold,
		panicWindow:    defaultPanicWindow,
		closing:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(bus)
	}
	bus.ingest = make(chan Envelope, bus.capacity)
	bus.notices = make(chan Envelope, defaultNoticeBuffer)
	bus.handlerCtx, bus.handlerCancel = context.WithCancel(context.Background())
	return bus
}

// WithLogger overrides the logger used for drop and panic reports.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.Named("eventbus")
		}
	}
}

// Name implements runtime.Component.
func (b *Bus) Name() string { return "eventbus" }

// Start launches the dispatcher goroutine. Starting a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.stopCh, b.done)
	return nil
}

// Stop drains envelopes already queued, then halts the dispatcher.
// Subscriptions survive and the bus may be started again.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifeMu.Lock()
	if !b.running {
		b.lifeMu.Unlock()
		return nil
	}
	b.running = false
	stopCh, done := b.stopCh, b.done
	b.lifeMu.Unlock()

	close(stopCh)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher, removes every subscription and waits for
// per-subscription goroutines to exit. Later publishes are discarded.
func (b *Bus) Close() {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.closing)
	_ = b.Stop(context.Background())

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.removed.Store(true)
		if sub.queue != nil {
			sub.queue.close(true)
		}
	}
	for _, sub := range subs {
		if sub.queue != nil {
			<-sub.queue.done
		}
	}
	b.handlerCancel()
}

// IsRunning reports whether the dispatcher goroutine is active.
func (b *Bus) IsRunning() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.running
}

// HealthCheck fails when the dispatcher is not running.
func (b *Bus) HealthCheck(context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// Publish wraps event in an envelope and queues it for dispatch. It never
// fails the caller: under backpressure the configured strategy decides which
// envelope is dropped. Correlation and span ids are taken from ctx.
// If b is nil the call is a no-op.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	b.publish(ctx, event, CorrelationFromContext(ctx))
}

// PublishWithCorrelation is like Publish with an explicit correlation id.
func (b *Bus) PublishWithCorrelation(ctx context.Context, event Event, correlationID uuid.UUID) {
	if b == nil {
		return
	}
	b.publish(ctx, event, correlationID)
}

func (b *Bus) publish(ctx context.Context, event Event, correlationID uuid.UUID) {
	if event == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		b.droppedTotal.Add(1)
		return
	}
	b.publishTotal.Add(1)
	span := spanIDFromContext(ctx)

	// A handler blocking on its own dispatcher would never wake up, so
	// publishes from inline handlers never wait.
	if b.strategy == Block && !onDispatcher(ctx) {
		b.pubMu.Lock()
		env := b.stampLocked(event, correlationID, span)
		select {
		case b.ingest <- env:
			b.pubMu.Unlock()
			return
		default:
		}
		b.pubMu.Unlock()

		select {
		case b.ingest <- env:
		case <-ctx.Done():
			b.recordDrop(env, "publisher-cancelled", 0)
		case <-b.closing:
			b.droppedTotal.Add(1)
		}
		return
	}

	b.pubMu.Lock()
	env := b.stampLocked(event, correlationID, span)
	var (
		dropped Envelope
		reason  string
	)
	select {
	case b.ingest <- env:
	default:
		if b.strategy == DropOldest {
			select {
			case dropped = <-b.ingest:
				reason = "drop-oldest"
			default:
			}
			select {
			case b.ingest <- env:
			default:
				dropped, reason = env, "drop-current"
			}
		} else {
			dropped, reason = env, "drop-newest"
		}
	}
	b.pubMu.Unlock()

	if reason != "" {
		b.recordDrop(dropped, reason, 0)
	}
}

// stampLocked assigns identity and a strictly increasing timestamp.
// Callers hold pubMu.
func (b *Bus) stampLocked(event Event, correlationID uuid.UUID, span string) Envelope {
	ts := time.Now().UnixMicro()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Envelope{
		ID:            id,
		Timestamp:     ts,
		CorrelationID: correlationID,
		SpanID:        span,
		Event:         event,
		seq:           b.seq.Add(1),
	}
}

// recordDrop accounts for a lost envelope and emits a queue_overflow notice.
// Notices travel on a side channel so they never consume ingest capacity;
// a lost notice is only logged.
func (b *Bus) recordDrop(env Envelope, reason string, owner SubscriptionID) {
	count := b.droppedTotal.Add(1)
	b.logger.Warn("dropped event",
		zap.String("type", string(env.Type())),
		zap.String("reason", reason),
		zap.Uint64("subscription", uint64(owner)),
		zap.Uint64("dropped_total", count))

	if notice, ok := env.Event.(Custom); ok && notice.Type == CustomQueueOverflow {
		return
	}
	data := map[string]any{
		"dropped_id":   env.ID.String(),
		"dropped_type": string(env.Type()),
		"reason":       reason,
	}
	if owner != 0 {
		data["subscription_id"] = uint64(owner)
	}
	b.emitNotice(Custom{Type: CustomQueueOverflow, Data: data}, env.CorrelationID, owner)
}

func (b *Bus) emitNotice(event Event, correlationID uuid.UUID, exclude SubscriptionID) {
	if b.closed.Load() {
		return
	}
	// Stamp and enqueue under pubMu so the notice queue stays in stamp order.
	b.pubMu.Lock()
	env := b.stampLocked(event, correlationID, "")
	env.exclude = exclude
	var full bool
	select {
	case b.notices <- env:
	default:
		full = true
	}
	b.pubMu.Unlock()

	if full {
		b.logger.Warn("notice queue full, notice discarded", zap.String("type", string(env.Type())))
	}
}

// Subscribe registers handler for the given discriminators; an empty list
// subscribes to everything. The subscription only observes envelopes
// published after Subscribe returns.
func (b *Bus) Subscribe(types []EventType, handler Handler, opts ...SubscriptionOption) SubscriptionID {
	if b == nil || handler == nil || b.closed.Load() {
		return 0
	}
	cfg := subscriptionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &subscription{
		id:      SubscriptionID(b.nextID.Add(1)),
		name:    cfg.name,
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	if cfg.queueDepth > 0 {
		sub.queue = newOverflowBuffer(cfg.queueDepth)
		go sub.queue.drainLoop(func(env Envelope) { b.invoke(sub, env, false) })
	}

	b.mu.Lock()
	sub.since = b.seq.Load()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.Uint64("subscription", uint64(sub.id)),
		zap.String("name", sub.name),
		zap.Strings("types", sortedTypes(sub.types)),
		zap.Int("queue_depth", cfg.queueDepth))
	return sub.id
}

// Unsubscribe removes a subscription. It is idempotent and returns whether
// the subscription existed. A handler call already in flight completes
// before Unsubscribe returns, except when a handler unsubscribes itself.
func (b *Bus) Unsubscribe(ctx context.Context, id SubscriptionID) bool {
	if b == nil {
		return false
	}
	sub := b.detach(id)
	if sub == nil {
		return false
	}
	if sub.queue != nil {
		sub.queue.close(true)
	}

	if self, ok := SubscriptionFromContext(ctx); ok && self == id {
		return true
	}
	// Wait for an in-flight handler call.
	sub.mu.Lock()
	sub.mu.Unlock()
	if sub.queue != nil {
		<-sub.queue.done
	}
	return true
}

func (b *Bus) detach(id SubscriptionID) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			sub.removed.Store(true)
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return sub
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	if b == nil {
		return Metrics{}
	}
	return Metrics{
		PublishTotal:   b.publishTotal.Load(),
		DeliveredTotal: b.deliveredTotal.Load(),
		DroppedTotal:   b.droppedTotal.Load(),
		PanicTotal:     b.panicTotal.Load(),
		QueueDepth:     len(b.ingest),
		Subscribers:    b.SubscriberCount(),
	}
}

// heads holds at most one envelope taken from each queue so the dispatcher
// can deliver ingest envelopes and notices in stamp order.
type heads struct {
	ingest, notice       Envelope
	hasIngest, hasNotice bool
}

// next returns the held envelope with the lowest sequence number.
func (h *heads) next() (Envelope, bool) {
	switch {
	case h.hasIngest && (!h.hasNotice || h.ingest.seq < h.notice.seq):
		h.hasIngest = false
		return h.ingest, true
	case h.hasNotice:
		h.hasNotice = false
		return h.notice, true
	}
	return Envelope{}, false
}

// fill tops up the empty slots without blocking. Both queues are filled in
// stamp order, so anything stamped before a held envelope is already queued
// when that envelope was taken; the notice queue is polled again after the
// ingest queue for that reason.
func (b *Bus) fill(h *heads) {
	b.pollNotice(h)
	if !h.hasIngest {
		select {
		case h.ingest = <-b.ingest:
			h.hasIngest = true
		default:
		}
	}
	b.pollNotice(h)
}

func (b *Bus) pollNotice(h *heads) {
	if h.hasNotice {
		return
	}
	select {
	case h.notice = <-b.notices:
		h.hasNotice = true
	default:
	}
}

func (b *Bus) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var h heads
	for {
		select {
		case <-stop:
			b.drain(&h)
			return
		default:
		}

		b.fill(&h)
		if env, ok := h.next(); ok {
			b.dispatch(env)
			continue
		}

		select {
		case h.ingest = <-b.ingest:
			h.hasIngest = true
		case h.notice = <-b.notices:
			h.hasNotice = true
		case <-stop:
			b.drain(&h)
			return
		}
	}
}

// drain dispatches whatever is queued at stop time.
func (b *Bus) drain(h *heads) {
	for {
		b.fill(h)
		env, ok := h.next()
		if !ok {
			return
		}
		b.dispatch(env)
	}
}

func (b *Bus) snapshot() []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, len(b.subs))
	copy(out, b.subs)
	return out
}

func (b *Bus) dispatch(env Envelope) {
	for _, sub := range b.snapshot() {
		if !sub.accepts(env) {
			continue
		}
		if sub.queue != nil {
			if evicted, ok := sub.queue.push(env); ok {
				b.recordDrop(evicted, "subscriber-queue-full", sub.id)
			}
			continue
		}
		b.invoke(sub, env, true)
	}
}

func (b *Bus) invoke(sub *subscription, env Envelope, inline bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.removed.Load() {
		return
	}

	ctx := context.WithValue(b.handlerCtx, handlerKey{}, sub.id)
	if inline {
		ctx = context.WithValue(ctx, dispatcherKey{}, true)
	}
	if env.HasCorrelation() {
		ctx = WithCorrelation(ctx, env.CorrelationID)
	}

	defer func() {
		if r := recover(); r != nil {
			b.handlePanic(sub, env, r)
		}
	}()
	sub.handler(ctx, env)
	b.deliveredTotal.Add(1)
}

// handlePanic runs with sub.mu held.
func (b *Bus) handlePanic(sub *subscription, env Envelope, recovered any) {
	b.panicTotal.Add(1)
	message := fmt.Sprintf("handler panic on %s: %v", env.Type(), recovered)
	b.logger.Error("subscription handler panicked",
		zap.Uint64("subscription", uint64(sub.id)),
		zap.String("name", sub.name),
		zap.String("type", string(env.Type())),
		zap.Any("panic", recovered))
	b.emitNotice(Error{Source: "eventbus", Message: message, SubscriptionID: sub.id}, env.CorrelationID, sub.id)

	if !sub.recordPanic(time.Now(), b.panicThreshold, b.panicWindow) {
		return
	}
	if b.detach(sub.id) == nil {
		return
	}
	if sub.queue != nil {
		sub.queue.close(true)
	}
	b.logger.Warn("subscription removed after repeated panics",
		zap.Uint64("subscription", uint64(sub.id)),
		zap.String("name", sub.name))
	b.emitNotice(Error{
		Source:         "eventbus",
		Message:        fmt.Sprintf("subscription %d removed after more than %d panics within %s", sub.id, b.panicThreshold, b.panicWindow),
		SubscriptionID: sub.id,
	}, uuid.Nil, sub.id)
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	queueDepth int
	name       string
}

// WithQueueDepth gives the subscription its own bounded queue drained by a
// dedicated goroutine. Zero (the default) runs the handler on the dispatcher.
func WithQueueDepth(depth int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if depth > 0 {
			cfg.queueDepth = depth
		}
	}
}

// WithName records a human friendly identifier used in logs.
func WithName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

type subscription struct {
	id      SubscriptionID
	name    string
	types   map[EventType]struct{}
	handler Handler
	since   uint64
	queue   *overflowBuffer

	// mu is held for the duration of every handler call.
	mu      sync.Mutex
	removed atomic.Bool
	panics  []time.Time
}

func (s *subscription) accepts(env Envelope) bool {
	if s.removed.Load() || env.seq <= s.since || env.exclude == s.id {
		return false
	}
	if s.types == nil {
		return true
	}
	_, ok := s.types[env.Type()]
	return ok
}

// recordPanic reports whether the panic count within window exceeds threshold.
// Callers hold s.mu.
func (s *subscription) recordPanic(now time.Time, threshold int, window time.Duration) bool {
	cutoff := now.Add(-window)
	kept := s.panics[:0]
	for _, at := range s.panics {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.panics = append(kept, now)
	return len(s.panics) > threshold
}

// sortedTypes returns the discriminators of a subscription filter for logs.
func sortedTypes(types map[EventType]struct{}) []string {
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
