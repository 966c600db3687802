package journal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

func TestRecorderJournalsBusTraffic(t *testing.T) {
	j := openJournal(t)
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Close)

	rec := NewRecorder(j, bus, WithRetention(time.Hour))
	ctx := context.Background()
	require.NoError(t, rec.Start(ctx))
	t.Cleanup(func() { _ = rec.Stop(ctx) })
	require.NoError(t, rec.HealthCheck(ctx))

	turn := uuid.New()
	bus.PublishWithCorrelation(ctx, eventbus.CommandParsed{Input: "open chrome"}, turn)
	bus.PublishWithCorrelation(ctx, eventbus.ActionCompleted{ActionID: "a1", Success: true}, turn)
	bus.Publish(ctx, eventbus.WakeWordDetected{Word: "computer"})

	require.Eventually(t, func() bool {
		n, err := j.Count(ctx)
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := j.ByCorrelation(ctx, turn)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, eventbus.TypeCommandParsed, recs[0].Type)
	require.Equal(t, eventbus.TypeActionCompleted, recs[1].Type)
}

func TestRecorderLifecycle(t *testing.T) {
	j := openJournal(t)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	ctx := context.Background()

	rec := NewRecorder(j, bus)
	require.Equal(t, "journal", rec.Name())
	require.Error(t, rec.HealthCheck(ctx))
	require.NoError(t, rec.Start(ctx))
	require.Equal(t, 1, bus.SubscriberCount())
	require.NoError(t, rec.Stop(ctx))
	require.NoError(t, rec.Stop(ctx))
	require.False(t, rec.IsRunning())
	require.Zero(t, bus.SubscriberCount())

	require.Error(t, NewRecorder(nil, bus).Start(ctx))
}

func TestRecorderPrune(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, j.Append(ctx, envelope(now.Add(-3*time.Hour).UnixMicro(), uuid.Nil, eventbus.Custom{Type: "old"})))

	rec := NewRecorder(j, eventbus.New(), WithRetention(time.Hour))
	rec.prune(ctx, now)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
