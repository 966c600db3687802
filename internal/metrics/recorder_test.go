package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

func startRecorder(t *testing.T, opts ...RecorderOption) (*eventbus.Bus, *Collector, *Recorder) {
	t.Helper()
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)

	collector := NewCollector()
	rec := NewRecorder(collector, bus, opts...)
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(func() { _ = rec.Stop(context.Background()) })
	return bus, collector, rec
}

func TestRecorderCountsCommandOutcomes(t *testing.T) {
	counter := NewEventCounter()
	bus, collector, _ := startRecorder(t, WithEventCounter(counter))
	ctx := context.Background()

	ok := uuid.New()
	bus.PublishWithCorrelation(ctx, eventbus.CommandParsed{Input: "open chrome", Latency: 4 * time.Millisecond}, ok)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Success: true, Duration: 10 * time.Millisecond}, ok)

	planned := uuid.New()
	bus.PublishWithCorrelation(ctx, eventbus.CommandParsed{Input: "tidy desktop", Latency: 6 * time.Millisecond}, planned)
	bus.PublishWithCorrelation(ctx, eventbus.PlanStarted{PlanID: "p1", Steps: 2}, planned)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a2", Success: true, Duration: 20 * time.Millisecond}, planned)
	bus.PublishWithCorrelation(ctx, eventbus.PlanCompleted{PlanID: "p1", Success: false}, planned)

	bus.Publish(ctx, eventbus.WakeWordDetected{Word: "computer", Confidence: 0.5})
	bus.Publish(ctx, eventbus.TranscriptionProduced{Text: "partial", Latency: time.Second})
	bus.Publish(ctx, eventbus.TranscriptionProduced{Text: "open chrome", Final: true, Latency: 80 * time.Millisecond})

	require.Eventually(t, func() bool { return collector.Samples(PhaseSpeechToText) == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, uint64(2), collector.CommandsProcessed())
	require.Equal(t, uint64(1), collector.CommandsSucceeded())
	require.Equal(t, uint64(1), collector.CommandsFailed())
	require.Equal(t, uint64(1), collector.WakeWords())
	require.InDelta(t, 5.0, collector.AverageMillis(PhaseParsing), 1e-9)
	require.InDelta(t, 15.0, collector.AverageMillis(PhaseExecution), 1e-9)
	require.InDelta(t, 80.0, collector.AverageMillis(PhaseSpeechToText), 1e-9)
	require.Equal(t, uint64(2), collector.Samples(PhaseTotal))

	counts := counter.Snapshot()
	require.Equal(t, uint64(2), counts[eventbus.TypeCommandParsed])
	require.Equal(t, uint64(2), counts[eventbus.TypeTranscriptionProduced])
}

func TestRecorderPublishesSnapshots(t *testing.T) {
	bus, collector, _ := startRecorder(t, WithSnapshotInterval(10*time.Millisecond))
	collector.RecordCommandProcessed()
	collector.RecordCommandSuccess()

	got := make(chan eventbus.MetricsSnapshot, 1)
	id := eventbus.On(bus, func(_ context.Context, _ eventbus.Envelope, ev eventbus.MetricsSnapshot) {
		select {
		case got <- ev:
		default:
		}
	})
	t.Cleanup(func() { bus.Unsubscribe(context.Background(), id) })

	select {
	case snap := <-got:
		require.Equal(t, uint64(1), snap.CommandsProcessed)
		require.InDelta(t, 100.0, snap.SuccessRate, 1e-9)
		require.Contains(t, snap.AverageMillis, string(PhaseTotal))
	case <-time.After(time.Second):
		t.Fatal("no metrics snapshot published")
	}
}

func TestRecorderLifecycle(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	ctx := context.Background()

	rec := NewRecorder(NewCollector(), bus)
	require.Equal(t, "metrics", rec.Name())
	require.Error(t, rec.HealthCheck(ctx))
	require.NoError(t, rec.Start(ctx))
	require.NoError(t, rec.Start(ctx))
	require.True(t, rec.IsRunning())
	require.NoError(t, rec.HealthCheck(ctx))
	require.Equal(t, 1, bus.SubscriberCount())

	require.NoError(t, rec.Stop(ctx))
	require.NoError(t, rec.Stop(ctx))
	require.False(t, rec.IsRunning())
	require.Zero(t, bus.SubscriberCount())

	require.Error(t, NewRecorder(nil, bus).Start(ctx))
}

func TestRecorderPurgesAbandonedCommands(t *testing.T) {
	bus, _, rec := startRecorder(t)
	pending := func() int {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.open)
	}

	bus.PublishWithCorrelation(context.Background(), eventbus.CommandParsed{Input: "open chrome"}, uuid.New())
	require.Eventually(t, func() bool { return pending() == 1 }, time.Second, 5*time.Millisecond)

	rec.purge(time.Now().Add(-time.Hour))
	require.Equal(t, 1, pending())
	rec.purge(time.Now().Add(time.Hour))
	require.Zero(t, pending())
}
