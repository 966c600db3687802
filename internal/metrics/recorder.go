package metrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const (
	recorderQueue  = 512
	commandTimeout = 5 * time.Minute
	purgeInterval  = time.Minute
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger.Named("metrics")
		}
	}
}

// WithSnapshotInterval publishes a MetricsSnapshot event every interval.
// Zero disables snapshots.
func WithSnapshotInterval(interval time.Duration) RecorderOption {
	return func(r *Recorder) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithEventCounter counts every envelope seen by the recorder.
func WithEventCounter(counter *EventCounter) RecorderOption {
	return func(r *Recorder) {
		r.counter = counter
	}
}

type openCommand struct {
	at      time.Time
	planned bool
}

// Recorder feeds a Collector from bus traffic. A CommandParsed event counts a
// processed command; its outcome is the matching ActionCompleted, or the
// PlanCompleted when the command started a plan.
type Recorder struct {
	collector *Collector
	counter   *EventCounter
	bus       *eventbus.Bus
	logger    *zap.Logger
	interval  time.Duration

	lifecycle eventbus.ServiceLifecycle
	running   atomic.Bool

	mu   sync.Mutex
	open map[uuid.UUID]*openCommand
}

// NewRecorder builds a recorder feeding collector from bus.
func NewRecorder(collector *Collector, bus *eventbus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		collector: collector,
		bus:       bus,
		logger:    zap.NewNop(),
		open:      make(map[uuid.UUID]*openCommand),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Name() string    { return "metrics" }
func (r *Recorder) IsRunning() bool { return r.running.Load() }

// Start subscribes to every event type.
func (r *Recorder) Start(ctx context.Context) error {
	if r.collector == nil || r.bus == nil {
		return fmt.Errorf("metrics: recorder requires a collector and a bus")
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	r.lifecycle.Start(ctx)
	r.lifecycle.Subscribe(r.bus, nil, r.handle,
		eventbus.WithQueueDepth(recorderQueue), eventbus.WithName("metrics.recorder"))
	r.lifecycle.Go(r.loop)
	return nil
}

// Stop unsubscribes and stops the snapshot loop.
func (r *Recorder) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := r.lifecycle.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}

func (r *Recorder) HealthCheck(context.Context) error {
	if !r.IsRunning() {
		return fmt.Errorf("metrics: recorder not running")
	}
	return nil
}

func (r *Recorder) handle(_ context.Context, env eventbus.Envelope) {
	if r.counter != nil {
		r.counter.Observe(env.Type())
	}

	switch ev := env.Event.(type) {
	case eventbus.AudioCaptured:
		r.collector.RecordLatency(PhaseAudioCapture, ev.Duration)

	case eventbus.WakeWordDetected:
		r.collector.RecordWakeWord(float64(ev.Confidence))

	case eventbus.TranscriptionProduced:
		if ev.Final {
			r.collector.RecordLatency(PhaseSpeechToText, ev.Latency)
		}

	case eventbus.CommandParsed:
		r.collector.RecordCommandProcessed()
		r.collector.RecordLatency(PhaseParsing, ev.Latency)
		if env.HasCorrelation() {
			r.mu.Lock()
			r.open[env.CorrelationID] = &openCommand{at: env.Time()}
			r.mu.Unlock()
		}

	case eventbus.PlanStarted:
		r.mu.Lock()
		if cmd, ok := r.open[env.CorrelationID]; ok {
			cmd.planned = true
		}
		r.mu.Unlock()

	case eventbus.ActionCompleted:
		r.collector.RecordLatency(PhaseExecution, ev.Duration)
		r.finish(env, false, ev.Success)

	case eventbus.PlanCompleted:
		r.finish(env, true, ev.Success)
	}
}

func (r *Recorder) finish(env eventbus.Envelope, plan, success bool) {
	if !env.HasCorrelation() {
		return
	}
	r.mu.Lock()
	cmd, ok := r.open[env.CorrelationID]
	if ok && cmd.planned == plan {
		delete(r.open, env.CorrelationID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if success {
		r.collector.RecordCommandSuccess()
	} else {
		r.collector.RecordCommandFailure()
	}
	r.collector.RecordLatency(PhaseTotal, env.Time().Sub(cmd.at))
}

func (r *Recorder) loop(ctx context.Context) {
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	var snapshots <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		snapshots = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots:
			r.publishSnapshot(ctx)
		case now := <-purge.C:
			r.purge(now.Add(-commandTimeout))
		}
	}
}

func (r *Recorder) publishSnapshot(ctx context.Context) {
	snap := r.collector.Snapshot()
	avg := make(map[string]float64, len(snap.AverageMillis))
	for phase, ms := range snap.AverageMillis {
		avg[string(phase)] = ms
	}
	r.logger.Debug("publishing snapshot",
		zap.Uint64("processed", snap.CommandsProcessed),
		zap.Float64("success_rate", snap.SuccessRate))
	r.bus.Publish(ctx, eventbus.MetricsSnapshot{
		CommandsProcessed: snap.CommandsProcessed,
		CommandsSucceeded: snap.CommandsSucceeded,
		CommandsFailed:    snap.CommandsFailed,
		WakeWords:         snap.WakeWords,
		SuccessRate:       snap.SuccessRate,
		AverageMillis:     avg,
	})
}

func (r *Recorder) purge(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for corr, cmd := range r.open {
		if cmd.at.Before(cutoff) {
			delete(r.open, corr)
		}
	}
}
