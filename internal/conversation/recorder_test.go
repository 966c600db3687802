package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/voice/slots"
)

func startRecorder(t *testing.T, store *Store, opts ...RecorderOption) (*eventbus.Bus, *Recorder) {
	t.Helper()
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)

	rec := NewRecorder(store, bus, opts...)
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(func() { _ = rec.Stop(context.Background()) })
	return bus, rec
}

func parsed(input string) eventbus.CommandParsed {
	return eventbus.CommandParsed{
		Input:      input,
		Intent:     "LaunchApp",
		Entities:   map[string]slots.Entity{slots.App: slots.AppRef("chrome")},
		Confidence: 0.93,
	}
}

func TestRecorderClosesTurnOnActionCompleted(t *testing.T) {
	store := NewStore()
	bus, rec := startRecorder(t, store)
	ctx := context.Background()

	corr := uuid.New()
	bus.PublishWithCorrelation(ctx, parsed("open chrome"), corr)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Name: "launch_app", Success: true, Message: "done"}, corr)

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, rec.Pending())

	entry, ok := store.LastAction()
	require.True(t, ok)
	require.Equal(t, "open chrome", entry.UserInput)
	require.Equal(t, "LaunchApp", entry.Intent)
	require.True(t, entry.Success)
	require.InDelta(t, 0.93, entry.Confidence, 1e-9)
	require.Equal(t, ActionResult{Tag: "action", Message: "done", Data: map[string]string{"action": "launch_app", "action_id": "a1"}}, entry.Result)

	got, ok := store.ResolveReference("app")
	require.True(t, ok)
	require.Equal(t, slots.AppRef("chrome"), got)
}

func TestRecorderWaitsForPlanCompletion(t *testing.T) {
	store := NewStore()
	bus, rec := startRecorder(t, store)
	ctx := context.Background()

	corr := uuid.New()
	bus.PublishWithCorrelation(ctx, parsed("open chrome and mail"), corr)
	bus.PublishWithCorrelation(ctx, eventbus.PlanStarted{PlanID: "p1", Steps: 2}, corr)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Name: "launch_app", Success: true}, corr)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a2", Name: "launch_app", Success: false}, corr)
	bus.PublishWithCorrelation(ctx, eventbus.PlanCompleted{PlanID: "p1", Success: false, Duration: time.Second}, corr)

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, rec.Pending())

	entry, _ := store.LastAction()
	require.Equal(t, "plan", entry.Result.Tag)
	require.Equal(t, "p1", entry.Result.Data["plan_id"])
	require.False(t, entry.Success)
}

func TestRecorderIgnoresUncorrelatedAndUnmatched(t *testing.T) {
	store := NewStore()
	bus, rec := startRecorder(t, store)
	ctx := context.Background()

	bus.Publish(ctx, parsed("open chrome"))
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Success: true}, uuid.New())

	corr := uuid.New()
	bus.PublishWithCorrelation(ctx, parsed("open mail"), corr)
	require.Eventually(t, func() bool { return rec.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, store.Len())
}

func TestRecorderPurgesStaleTurns(t *testing.T) {
	store := NewStore()
	bus, rec := startRecorder(t, store, WithPendingTTL(time.Hour))

	bus.PublishWithCorrelation(context.Background(), parsed("open chrome"), uuid.New())
	require.Eventually(t, func() bool { return rec.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.Zero(t, rec.purge())
	rec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Equal(t, 1, rec.purge())
	require.Zero(t, rec.Pending())
}

func TestRecorderTinyTTLPurgesOnTick(t *testing.T) {
	store := NewStore()
	bus, rec := startRecorder(t, store, WithPendingTTL(time.Nanosecond))
	require.Equal(t, minPurgeInterval, rec.purgeInterval())

	delivered := bus.Metrics().DeliveredTotal
	bus.PublishWithCorrelation(context.Background(), parsed("open chrome"), uuid.New())
	require.Eventually(t, func() bool {
		return bus.Metrics().DeliveredTotal > delivered && rec.Pending() == 0
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, store.Len())
}

func TestRecorderPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)
	ctx := context.Background()

	store := NewStore()
	rec := NewRecorder(store, bus, WithSavePath(path))
	require.NoError(t, rec.Start(ctx))
	require.True(t, rec.IsRunning())
	require.NoError(t, rec.HealthCheck(ctx))

	corr := uuid.New()
	bus.PublishWithCorrelation(ctx, parsed("open chrome"), corr)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Name: "launch_app", Success: true}, corr)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, rec.Stop(ctx))
	require.False(t, rec.IsRunning())
	require.Error(t, rec.HealthCheck(ctx))
	require.NoError(t, rec.Stop(ctx))

	restored := NewStore()
	next := NewRecorder(restored, bus, WithSavePath(path))
	require.NoError(t, next.Start(ctx))
	t.Cleanup(func() { _ = next.Stop(ctx) })
	require.Equal(t, 1, restored.Len())
}

func TestRecorderRequiresStoreAndBus(t *testing.T) {
	require.Error(t, NewRecorder(nil, nil).Start(context.Background()))
}
