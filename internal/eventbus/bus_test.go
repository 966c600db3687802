package eventbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

const waitTimeout = 2 * time.Second

func startedBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()
	bus := New(opts...)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func collector(size int) (chan Envelope, Handler) {
	ch := make(chan Envelope, size)
	return ch, func(_ context.Context, env Envelope) { ch <- env }
}

func receive(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func expectNone(t *testing.T, ch <-chan Envelope, wait time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %s", env.Type())
	case <-time.After(wait):
	}
}

func customType(env Envelope) string {
	if c, ok := env.Event.(Custom); ok {
		return c.Type
	}
	return ""
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := startedBus(t)

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), Custom{Type: "noop"})
	}
	if got := bus.Metrics().PublishTotal; got != 10 {
		t.Fatalf("expected 10 publishes, got %d", got)
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), Custom{Type: "x"})
	if id := bus.Subscribe(nil, func(context.Context, Envelope) {}); id != 0 {
		t.Fatalf("expected zero id from nil bus, got %d", id)
	}
	if bus.Unsubscribe(context.Background(), 1) {
		t.Fatal("expected unsubscribe on nil bus to report false")
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	bus := startedBus(t)
	ch, handler := collector(256)
	bus.Subscribe(nil, handler)

	const n = 200
	for i := 0; i < n; i++ {
		bus.Publish(context.Background(), ActionRetry{ActionID: "a", Attempt: i})
	}

	var prev Envelope
	for i := 0; i < n; i++ {
		env := receive(t, ch)
		retry, ok := env.Event.(ActionRetry)
		if !ok || retry.Attempt != i {
			t.Fatalf("expected attempt %d, got %#v", i, env.Event)
		}
		if i > 0 {
			if env.Timestamp <= prev.Timestamp {
				t.Fatalf("timestamps not strictly increasing: %d then %d", prev.Timestamp, env.Timestamp)
			}
			if bytes.Compare(prev.ID[:], env.ID[:]) >= 0 {
				t.Fatalf("ids not increasing: %s then %s", prev.ID, env.ID)
			}
		}
		prev = env
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := startedBus(t)
	wakeCh, wakeHandler := collector(4)
	allCh, allHandler := collector(4)
	bus.Subscribe([]EventType{TypeWakeWordDetected}, wakeHandler)
	bus.Subscribe(nil, allHandler)

	bus.Publish(context.Background(), AudioCaptured{SampleRate: 16000})
	bus.Publish(context.Background(), WakeWordDetected{Word: "jarvis", Confidence: 0.9})

	if env := receive(t, wakeCh); env.Type() != TypeWakeWordDetected {
		t.Fatalf("expected wake word, got %s", env.Type())
	}
	expectNone(t, wakeCh, 50*time.Millisecond)

	if first, second := receive(t, allCh), receive(t, allCh); first.Type() != TypeAudioCaptured || second.Type() != TypeWakeWordDetected {
		t.Fatalf("wildcard saw %s, %s", first.Type(), second.Type())
	}
}

func TestSubscriptionSkipsEarlierEnvelopes(t *testing.T) {
	bus := New()
	t.Cleanup(bus.Close)

	bus.Publish(context.Background(), Custom{Type: "before"})
	ch, handler := collector(4)
	bus.Subscribe(nil, handler)
	bus.Publish(context.Background(), Custom{Type: "after"})

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if env := receive(t, ch); customType(env) != "after" {
		t.Fatalf("expected only the later envelope, got %q", customType(env))
	}
	expectNone(t, ch, 50*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := startedBus(t)
	id := bus.Subscribe(nil, func(context.Context, Envelope) {})

	if !bus.Unsubscribe(context.Background(), id) {
		t.Fatal("expected first unsubscribe to succeed")
	}
	if bus.Unsubscribe(context.Background(), id) {
		t.Fatal("expected second unsubscribe to be a no-op")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestUnsubscribeWaitsForInFlightHandler(t *testing.T) {
	bus := startedBus(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	id := bus.Subscribe(nil, func(context.Context, Envelope) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	bus.Publish(context.Background(), Custom{Type: "slow"})
	<-entered

	returned := make(chan struct{})
	go func() {
		bus.Unsubscribe(context.Background(), id)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("unsubscribe returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatal("unsubscribe did not return after the handler finished")
	}

	ch, handler := collector(1)
	bus.Subscribe(nil, handler)
	bus.Publish(context.Background(), Custom{Type: "later"})
	receive(t, ch)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected removed handler to stay silent, got %d calls", got)
	}
}

func TestHandlerCanUnsubscribeItself(t *testing.T) {
	bus := startedBus(t)

	done := make(chan bool, 1)
	bus.Subscribe(nil, func(ctx context.Context, _ Envelope) {
		id, ok := SubscriptionFromContext(ctx)
		if !ok {
			done <- false
			return
		}
		done <- bus.Unsubscribe(ctx, id)
	})

	bus.Publish(context.Background(), Custom{Type: "once"})
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("self unsubscribe failed")
		}
	case <-time.After(waitTimeout):
		t.Fatal("self unsubscribe deadlocked")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestDropOldestBeforeStart(t *testing.T) {
	bus := New(WithCapacity(2), WithBackpressure(DropOldest))
	t.Cleanup(bus.Close)
	ch, handler := collector(8)
	bus.Subscribe(nil, handler)

	for _, name := range []string{"e1", "e2", "e3"} {
		bus.Publish(context.Background(), Custom{Type: name})
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var delivered []string
	overflows := 0
	for i := 0; i < 3; i++ {
		env := receive(t, ch)
		if customType(env) == CustomQueueOverflow {
			overflows++
			data := env.Event.(Custom).Data
			if data["reason"] != "drop-oldest" || data["dropped_type"] != string(TypeCustom) {
				t.Fatalf("unexpected overflow payload %v", data)
			}
			continue
		}
		delivered = append(delivered, customType(env))
	}
	expectNone(t, ch, 50*time.Millisecond)

	if overflows != 1 {
		t.Fatalf("expected one overflow notice, got %d", overflows)
	}
	if len(delivered) != 2 || delivered[0] != "e2" || delivered[1] != "e3" {
		t.Fatalf("expected e2,e3 got %v", delivered)
	}
	if got := bus.Metrics().DroppedTotal; got != 1 {
		t.Fatalf("expected one drop, got %d", got)
	}
}

func TestDropNewestKeepsQueuedEnvelopes(t *testing.T) {
	bus := New(WithCapacity(1), WithBackpressure(DropNewest))
	t.Cleanup(bus.Close)
	ch, handler := collector(4)
	bus.Subscribe(nil, handler)

	bus.Publish(context.Background(), Custom{Type: "kept"})
	bus.Publish(context.Background(), Custom{Type: "lost"})
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var kept, overflow bool
	for i := 0; i < 2; i++ {
		env := receive(t, ch)
		switch customType(env) {
		case "kept":
			kept = true
		case CustomQueueOverflow:
			overflow = env.Event.(Custom).Data["reason"] == "drop-newest"
		default:
			t.Fatalf("unexpected envelope %q", customType(env))
		}
	}
	if !kept || !overflow {
		t.Fatalf("kept=%v overflow=%v", kept, overflow)
	}
}

func TestOverflowNoticeFollowsEarlierEnvelopes(t *testing.T) {
	for run := 0; run < 200; run++ {
		bus := New(WithCapacity(2), WithBackpressure(DropNewest))
		ch, handler := collector(8)
		bus.Subscribe(nil, handler)

		for _, name := range []string{"a", "b", "c"} {
			bus.Publish(context.Background(), Custom{Type: name})
		}
		if err := bus.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}

		var got []string
		var last int64
		for i := 0; i < 3; i++ {
			env := receive(t, ch)
			if env.Timestamp <= last {
				t.Fatalf("run %d: timestamp went backwards at %q (%d <= %d)", run, customType(env), env.Timestamp, last)
			}
			last = env.Timestamp
			got = append(got, customType(env))
		}
		bus.Close()

		if got[0] != "a" || got[1] != "b" || got[2] != CustomQueueOverflow {
			t.Fatalf("run %d: expected a,b,overflow got %v", run, got)
		}
	}
}

func TestBlockWaitsForCapacity(t *testing.T) {
	bus := New(WithCapacity(1), WithBackpressure(Block))
	t.Cleanup(bus.Close)
	ch, handler := collector(4)
	bus.Subscribe(nil, handler)

	bus.Publish(context.Background(), Custom{Type: "first"})

	published := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Custom{Type: "second"})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-published:
	case <-time.After(waitTimeout):
		t.Fatal("blocked publish never completed")
	}
	if a, b := receive(t, ch), receive(t, ch); customType(a) != "first" || customType(b) != "second" {
		t.Fatalf("unexpected order %q, %q", customType(a), customType(b))
	}
}

func TestBlockHonoursPublisherContext(t *testing.T) {
	bus := New(WithCapacity(1), WithBackpressure(Block))
	t.Cleanup(bus.Close)

	bus.Publish(context.Background(), Custom{Type: "fill"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	bus.Publish(ctx, Custom{Type: "late"})

	if got := bus.Metrics().DroppedTotal; got != 1 {
		t.Fatalf("expected cancelled publish to be dropped, got %d", got)
	}
}

func TestHandlerPanicIsReportedAndSubscriptionRemoved(t *testing.T) {
	bus := startedBus(t, WithPanicThreshold(2, time.Minute))

	errCh, errHandler := collector(8)
	bus.Subscribe([]EventType{TypeError}, errHandler)

	var sawError atomic.Bool
	panicky := bus.Subscribe(nil, func(_ context.Context, env Envelope) {
		if env.Type() == TypeError {
			sawError.Store(true)
			return
		}
		panic("boom")
	})

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), Custom{Type: "trigger"})
	}

	for i := 0; i < 4; i++ {
		env := receive(t, errCh)
		report := env.Event.(Error)
		if report.SubscriptionID != panicky || report.Source != "eventbus" {
			t.Fatalf("unexpected error report %+v", report)
		}
	}

	if n := bus.SubscriberCount(); n != 1 {
		t.Fatalf("expected panicking subscription removed, %d left", n)
	}
	if sawError.Load() {
		t.Fatal("panic report was delivered to the panicking subscription")
	}
	if got := bus.Metrics().PanicTotal; got != 3 {
		t.Fatalf("expected 3 panics, got %d", got)
	}
}

func TestQueuedSubscriptionPreservesOrder(t *testing.T) {
	bus := startedBus(t)
	ch, handler := collector(128)
	bus.Subscribe([]EventType{TypeActionRetry}, handler, WithQueueDepth(128), WithName("ordered"))

	for i := 0; i < 100; i++ {
		bus.Publish(context.Background(), ActionRetry{Attempt: i})
	}
	for i := 0; i < 100; i++ {
		if got := receive(t, ch).Event.(ActionRetry).Attempt; got != i {
			t.Fatalf("expected attempt %d, got %d", i, got)
		}
	}
}

func TestQueuedSubscriptionOverflowSkipsOwner(t *testing.T) {
	bus := startedBus(t)

	release := make(chan struct{})
	var ownerSawOverflow atomic.Bool
	owner := bus.Subscribe(nil, func(_ context.Context, env Envelope) {
		if customType(env) == CustomQueueOverflow {
			ownerSawOverflow.Store(true)
			return
		}
		<-release
	}, WithQueueDepth(1))

	overflowCh := make(chan Envelope, 8)
	OnCustom(bus, CustomQueueOverflow, func(_ context.Context, env Envelope, _ Custom) {
		overflowCh <- env
	})

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), Custom{Type: "work"})
	}

	env := receive(t, overflowCh)
	data := env.Event.(Custom).Data
	if data["subscription_id"] != uint64(owner) || data["reason"] != "subscriber-queue-full" {
		t.Fatalf("unexpected overflow payload %v", data)
	}
	close(release)

	// Let the owner drain before checking it never saw its own notice.
	bus.Unsubscribe(context.Background(), owner)
	if ownerSawOverflow.Load() {
		t.Fatal("overflow notice was delivered to the overflowing subscription")
	}
}

func TestHandlersInheritCorrelation(t *testing.T) {
	bus := startedBus(t)

	On(bus, func(ctx context.Context, _ Envelope, ev WakeWordDetected) {
		bus.Publish(ctx, TranscriptionProduced{Text: "open chrome", Final: true})
	})
	ch := make(chan Envelope, 1)
	On(bus, func(_ context.Context, env Envelope, _ TranscriptionProduced) {
		ch <- env
	})

	turn := uuid.New()
	bus.PublishWithCorrelation(context.Background(), WakeWordDetected{Word: "hey"}, turn)

	if env := receive(t, ch); env.CorrelationID != turn {
		t.Fatalf("expected correlation %s, got %s", turn, env.CorrelationID)
	}
}

func TestPublishFromContextCorrelation(t *testing.T) {
	bus := startedBus(t)
	ch, handler := collector(1)
	bus.Subscribe(nil, handler)

	turn := uuid.New()
	bus.Publish(WithCorrelation(context.Background(), turn), Custom{Type: "x"})

	env := receive(t, ch)
	if !env.HasCorrelation() || env.CorrelationID != turn {
		t.Fatalf("expected correlation %s, got %s", turn, env.CorrelationID)
	}
}

func TestStopDrainsAndRestarts(t *testing.T) {
	bus := New()
	t.Cleanup(bus.Close)
	var count atomic.Int32
	bus.Subscribe(nil, func(context.Context, Envelope) { count.Add(1) })

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), Custom{Type: "queued"})
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := count.Load(); got != 5 {
		t.Fatalf("expected queued envelopes drained on stop, got %d", got)
	}
	if err := bus.HealthCheck(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := bus.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy bus, got %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	bus.Subscribe(nil, func(context.Context, Envelope) {}, WithQueueDepth(4))
	bus.Close()
	bus.Close()

	if err := bus.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if id := bus.Subscribe(nil, func(context.Context, Envelope) {}); id != 0 {
		t.Fatalf("expected zero id after close, got %d", id)
	}
	bus.Publish(context.Background(), Custom{Type: "ignored"})
	if got := bus.Metrics().DroppedTotal; got != 1 {
		t.Fatalf("expected publish after close to count as dropped, got %d", got)
	}
}

func TestConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	bus := startedBus(t, WithCapacity(64), WithBackpressure(Block))

	var mu sync.Mutex
	last := map[string]int{}
	violations := 0
	var wg sync.WaitGroup
	wg.Add(400)
	bus.Subscribe([]EventType{TypeActionRetry}, func(_ context.Context, env Envelope) {
		defer wg.Done()
		ev := env.Event.(ActionRetry)
		mu.Lock()
		if prev, ok := last[ev.ActionID]; ok && ev.Attempt <= prev {
			violations++
		}
		last[ev.ActionID] = ev.Attempt
		mu.Unlock()
	})

	for _, publisher := range []string{"a", "b", "c", "d"} {
		go func(name string) {
			for i := 0; i < 100; i++ {
				bus.Publish(context.Background(), ActionRetry{ActionID: name, Attempt: i})
			}
		}(publisher)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := WaitForWorkers(ctx, &wg); err != nil {
		t.Fatalf("not all envelopes delivered: %v", err)
	}
	if violations != 0 {
		t.Fatalf("observed %d ordering violations", violations)
	}
}
