package narration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const eventTimeout = 2 * time.Second

type harness struct {
	bus    *eventbus.Bus
	synth  *MockSynthesizer
	svc    *Service
	events chan eventbus.Event
}

func newHarness(t *testing.T, utterance time.Duration, opts ...Option) *harness {
	t.Helper()
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)

	h := &harness{
		bus:    bus,
		synth:  NewMockSynthesizer(utterance),
		events: make(chan eventbus.Event, 64),
	}
	bus.Subscribe([]eventbus.EventType{
		eventbus.TypeNarrationStarted,
		eventbus.TypeNarrationCompleted,
		eventbus.TypeNarrationInterrupted,
	}, func(_ context.Context, env eventbus.Envelope) {
		h.events <- env.Event
	})

	h.svc = New(h.synth, append([]Option{WithBus(bus)}, opts...)...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, h.svc.Stop(context.Background()))
	})
}

func (h *harness) next(t *testing.T) eventbus.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for narration event")
	}
	return nil
}

func (h *harness) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(wait):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, eventTimeout, 5*time.Millisecond)
}

func TestPreemptionByHigherPriority(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.start(t)

	h.svc.Say(KindInfo, "status")
	started := h.next(t).(eventbus.NarrationStarted)
	require.Equal(t, string(KindInfo), started.Kind)

	h.svc.Say(KindCritical, "alert")

	interrupted := h.next(t).(eventbus.NarrationInterrupted)
	require.Equal(t, ReasonPreempted, interrupted.Reason)
	require.Equal(t, started.ID, interrupted.ID)

	critical := h.next(t).(eventbus.NarrationStarted)
	require.Equal(t, string(KindCritical), critical.Kind)
	require.Equal(t, "alert", critical.Text)

	completed := h.next(t).(eventbus.NarrationCompleted)
	require.True(t, completed.Success)
	require.Equal(t, critical.ID, completed.ID)

	h.none(t, 100*time.Millisecond)
	stats := h.svc.Stats()
	require.EqualValues(t, 2, stats.TotalUtterances)
	require.EqualValues(t, 1, stats.TotalInterrupted)
}

func TestEqualPriorityDoesNotPreempt(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.start(t)

	h.svc.Say(KindInfo, "first")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	h.svc.Say(KindReading, "second")

	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
	require.Equal(t, "second", h.next(t).(eventbus.NarrationStarted).Text)
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
}

func TestCoalescingKeepsLatestMessage(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)

	for _, text := range []string{"processing 0%", "processing 20%", "processing 40%", "processing 60%", "processing 80%"} {
		h.svc.Enqueue(Message{Kind: KindInfo, Text: text, CoalesceKey: "progress"})
		require.LessOrEqual(t, h.svc.QueueLen(), 1)
	}
	h.start(t)

	started := h.next(t).(eventbus.NarrationStarted)
	require.Equal(t, "processing 80%", started.Text)
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
	h.none(t, 50*time.Millisecond)

	stats := h.svc.Stats()
	require.EqualValues(t, 4, stats.TotalCoalesced)
	require.EqualValues(t, 5, stats.TotalQueued)
}

func TestIdleQueueDequeuesByPriority(t *testing.T) {
	h := newHarness(t, time.Millisecond)

	h.svc.Say(KindBackground, "background")
	h.svc.Say(KindInfo, "info")
	h.svc.Say(KindPrompt, "prompt")
	h.svc.Say(KindCritical, "critical")
	h.start(t)

	var order []string
	for len(order) < 4 {
		if ev, ok := h.next(t).(eventbus.NarrationStarted); ok {
			order = append(order, ev.Text)
		}
	}
	require.Equal(t, []string{"critical", "prompt", "info", "background"}, order)
}

func TestDisabledOutputDiscardsButCounts(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.svc.Disable()
	h.svc.Disable()
	require.False(t, h.svc.Enabled())
	h.start(t)

	for i := 0; i < 3; i++ {
		h.svc.Say(KindInfo, "muted")
	}
	eventually(t, func() bool { return h.svc.Stats().TotalDiscarded == 3 })
	require.EqualValues(t, 3, h.svc.Stats().TotalQueued)
	require.EqualValues(t, 0, h.svc.Stats().TotalUtterances)
	require.NoError(t, h.svc.SpeakImmediate(context.Background(), "ignored", false))
	require.Empty(t, h.synth.Spoken())
	h.none(t, 50*time.Millisecond)

	h.svc.Enable()
	h.svc.Enable()
	h.svc.Say(KindInfo, "audible")
	require.Equal(t, "audible", h.next(t).(eventbus.NarrationStarted).Text)
}

func TestCancelBeforeSpeaking(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.start(t)

	h.svc.Say(KindInfo, "first")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	later := h.svc.Say(KindBackground, "never")
	later.Cancel()

	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
	cancelled := h.next(t).(eventbus.NarrationInterrupted)
	require.Equal(t, later.ID(), cancelled.ID)
	require.Equal(t, ReasonCancelled, cancelled.Reason)
	h.none(t, 50*time.Millisecond)
	require.EqualValues(t, 1, h.svc.Stats().TotalCancelled)
}

func TestCancelBetweenDrainAndTake(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMockSynthesizer(0))

	queued := svc.Say(KindCritical, "late cancel")
	svc.drainCancellations(ctx)
	queued.Cancel()

	msg, cur, outcome := svc.take(ctx)
	require.Equal(t, takeCancelled, outcome)
	require.Nil(t, cur)
	require.Equal(t, queued.ID(), msg.ID)
	require.Empty(t, svc.cancels)

	taken := svc.Say(KindInfo, "just taken")
	_, cur, outcome = svc.take(ctx)
	require.Equal(t, takeSpeak, outcome)
	defer cur.abort()
	taken.Cancel()
	require.Equal(t, ReasonCancelled, cur.reason)
	require.Error(t, cur.ctx.Err())
	require.False(t, svc.Interrupt())
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[uint64][]string
}

func (r *outcomeRecorder) Publish(_ context.Context, event eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := event.(type) {
	case eventbus.NarrationCompleted:
		r.outcomes[ev.ID] = append(r.outcomes[ev.ID], "completed")
	case eventbus.NarrationInterrupted:
		r.outcomes[ev.ID] = append(r.outcomes[ev.ID], ev.Reason)
	}
}

func (r *outcomeRecorder) PublishWithCorrelation(ctx context.Context, event eventbus.Event, _ uuid.UUID) {
	r.Publish(ctx, event)
}

func (r *outcomeRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func TestCancelStressSettlesEveryMessageOnce(t *testing.T) {
	const n = 2000
	rec := &outcomeRecorder{outcomes: make(map[uint64][]string)}
	svc := New(NewMockSynthesizer(0), WithPublisher(rec))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, svc.Stop(context.Background())) })

	for i := 0; i < n; i++ {
		svc.Say(KindInfo, "x").Cancel()
	}
	eventually(t, func() bool { return rec.len() == n })

	completed := 0
	rec.mu.Lock()
	for id, got := range rec.outcomes {
		require.Len(t, got, 1, "message %d settled more than once", id)
		if got[0] == "completed" {
			completed++
			continue
		}
		require.Equal(t, ReasonCancelled, got[0])
	}
	rec.mu.Unlock()

	stats := svc.Stats()
	require.EqualValues(t, n, stats.TotalCancelled+stats.TotalInterrupted+uint64(completed))
	require.EqualValues(t, stats.TotalUtterances, stats.TotalInterrupted+uint64(completed))
}

func TestExplicitPriorityOverridesKindDefault(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.start(t)

	h.svc.Say(KindReading, "chapter one")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))

	// Info at an explicit priority of zero must not pre-empt Reading.
	h.svc.Enqueue(Message{Kind: KindInfo, Text: "quiet", Priority: 0, HasPriority: true})
	h.svc.Enqueue(Message{Kind: KindBackground, Text: "boosted", Priority: 2, HasPriority: true})

	require.Equal(t, ReasonPreempted, h.next(t).(eventbus.NarrationInterrupted).Reason)
	require.Equal(t, "boosted", h.next(t).(eventbus.NarrationStarted).Text)
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
	require.Equal(t, "quiet", h.next(t).(eventbus.NarrationStarted).Text)
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
}

func TestCancelRespectsInterruptibility(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.start(t)

	critical := h.svc.Say(KindCritical, "must finish")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	critical.Cancel()
	require.False(t, h.svc.Interrupt())
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)

	info := h.svc.Say(KindInfo, "can stop")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	info.Cancel()
	require.Equal(t, ReasonCancelled, h.next(t).(eventbus.NarrationInterrupted).Reason)
}

func TestInterruptAndStopAll(t *testing.T) {
	h := newHarness(t, time.Second)
	h.start(t)

	h.svc.Say(KindReading, "chapter one")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	require.True(t, h.svc.Interrupt())
	require.Equal(t, ReasonInterrupted, h.next(t).(eventbus.NarrationInterrupted).Reason)

	h.svc.Say(KindError, "disk full")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	h.svc.Say(KindError, "queued")
	h.svc.StopAll()

	var reasons []string
	for i := 0; i < 2; i++ {
		reasons = append(reasons, h.next(t).(eventbus.NarrationInterrupted).Reason)
	}
	require.Equal(t, []string{ReasonStopped, ReasonStopped}, reasons)
	require.Zero(t, h.svc.QueueLen())
}

func TestSynthesizerFailureIsReported(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.start(t)
	h.synth.FailWith(errors.New("engine down"))

	h.svc.Say(KindInfo, "hello")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	completed := h.next(t).(eventbus.NarrationCompleted)
	require.False(t, completed.Success)
	require.Equal(t, "engine down", completed.Err)
	require.EqualValues(t, 1, h.svc.Stats().TotalErrors)

	h.synth.FailWith(nil)
	h.svc.Say(KindInfo, "recovered")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
}

func TestTerminalEscapesAreStripped(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.start(t)

	h.svc.Say(KindReading, "\x1b[1;31mbuild failed\x1b[0m\t(3 errors)\n")
	started := h.next(t).(eventbus.NarrationStarted)
	require.Equal(t, "build failed (3 errors)", started.Text)
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)

	spoken := h.synth.Spoken()
	require.Len(t, spoken, 1)
	require.Equal(t, "build failed (3 errors)", spoken[0].Text)
}

func TestBargeInHook(t *testing.T) {
	settings := DefaultSettings()
	settings.BargeIn = true
	h := newHarness(t, time.Second, WithSettings(settings), WithBargeInHook(func(ev eventbus.WakeWordDetected) bool {
		return ev.Confidence >= 0.5
	}))
	h.start(t)

	h.svc.Say(KindInfo, "long answer")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))

	h.bus.Publish(context.Background(), eventbus.WakeWordDetected{Word: "hey", Confidence: 0.2})
	h.none(t, 50*time.Millisecond)

	h.bus.Publish(context.Background(), eventbus.WakeWordDetected{Word: "hey", Confidence: 0.9})
	require.Equal(t, ReasonBargeIn, h.next(t).(eventbus.NarrationInterrupted).Reason)
}

func TestBargeInDefaultHookIsNoop(t *testing.T) {
	settings := DefaultSettings()
	settings.BargeIn = true
	h := newHarness(t, 100*time.Millisecond, WithSettings(settings))
	h.start(t)

	h.svc.Say(KindInfo, "answer")
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	h.bus.Publish(context.Background(), eventbus.WakeWordDetected{Word: "hey", Confidence: 1})
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)
}

func TestMarkupMessageAppliesEmphasis(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.start(t)

	h.svc.Enqueue(Message{Kind: KindInfo, IsMarkup: true, Text: `<speak>Hello <break time="5ms"/><emphasis>world</emphasis></speak>`})
	require.IsType(t, eventbus.NarrationStarted{}, h.next(t))
	require.True(t, h.next(t).(eventbus.NarrationCompleted).Success)

	spoken := h.synth.Spoken()
	require.Len(t, spoken, 2)
	require.Equal(t, "Hello", spoken[0].Text)
	require.Equal(t, "world", spoken[1].Text)
	base := DefaultVoice.Apply(DefaultPolicy()[KindInfo])
	require.InDelta(t, base.Rate*emphasisRate, spoken[1].Voice.Rate, 1e-9)
	require.InDelta(t, base.Pitch*emphasisPitch, spoken[1].Voice.Pitch, 1e-9)
	require.InDelta(t, base.Rate, h.synth.Current().Rate, 1e-9)
}

func TestProfileAppliedPerKind(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.start(t)

	h.svc.Say(KindBackground, "quiet")
	h.next(t)
	h.next(t)

	spoken := h.synth.Spoken()
	require.Len(t, spoken, 1)
	want := DefaultVoice.Apply(DefaultPolicy()[KindBackground])
	require.InDelta(t, want.Volume, spoken[0].Voice.Volume, 1e-9)
}

type recordingEarcons struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEarcons) PlayEarcon(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return nil
}

type countingDucker struct {
	mu              sync.Mutex
	ducks, restores int
}

func (d *countingDucker) Duck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ducks++
	return nil
}

func (d *countingDucker) Restore(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restores++
	return nil
}

func TestSpeakImmediateUsesEarconsAndDucking(t *testing.T) {
	earcons := &recordingEarcons{}
	ducker := &countingDucker{}
	h := newHarness(t, time.Millisecond, WithEarconPlayer(earcons), WithDucker(ducker))

	// Disabled by settings: no cues.
	require.NoError(t, h.svc.SpeakImmediate(context.Background(), "one", false))
	require.Empty(t, earcons.names)

	settings := DefaultSettings()
	settings.EarconsEnabled = true
	settings.DuckSystemAudio = true
	h.svc.ApplyConfig(settings)
	require.NoError(t, h.svc.SpeakImmediate(context.Background(), "two", false))

	require.Equal(t, []string{"alert"}, earcons.names)
	require.Equal(t, 1, ducker.ducks)
	require.Equal(t, 1, ducker.restores)
	require.Len(t, h.synth.Spoken(), 2)
	require.EqualValues(t, 2, h.svc.Stats().TotalUtterances)
}

func TestServiceLifecycle(t *testing.T) {
	svc := New(nil)
	require.ErrorIs(t, svc.Start(context.Background()), ErrNoSynthesizer)

	svc = New(NewNullSynthesizer(nil))
	require.ErrorIs(t, svc.HealthCheck(context.Background()), ErrNotRunning)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	require.True(t, svc.IsRunning())
	require.NoError(t, svc.HealthCheck(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.False(t, svc.IsRunning())
}

func TestNewEngine(t *testing.T) {
	synth, err := NewEngine("mock", EngineOptions{Config: map[string]any{"duration_ms": 5}})
	require.NoError(t, err)
	mock := synth.(*MockSynthesizer)
	require.Equal(t, 5*time.Millisecond, mock.duration)

	_, err = NewEngine("null", EngineOptions{})
	require.NoError(t, err)

	_, err = NewEngine("festival", EngineOptions{})
	require.Error(t, err)
	require.Contains(t, Engines(), "mock")
}
