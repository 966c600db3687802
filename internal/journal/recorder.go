package journal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const (
	recorderQueue = 256
	pruneInterval = time.Hour
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger.Named("journal")
		}
	}
}

// WithRetention prunes records older than d once an hour. Zero keeps
// everything.
func WithRetention(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.retention = d
		}
	}
}

// Recorder writes every bus envelope to a Journal from its own queue, so
// slow disk writes never stall the dispatcher.
type Recorder struct {
	journal   *Journal
	bus       *eventbus.Bus
	logger    *zap.Logger
	retention time.Duration

	lifecycle eventbus.ServiceLifecycle
	running   atomic.Bool
	failures  atomic.Uint64
}

// NewRecorder builds a recorder writing bus traffic into j.
func NewRecorder(j *Journal, bus *eventbus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{journal: j, bus: bus, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Name() string { return "journal" }

func (r *Recorder) Start(ctx context.Context) error {
	if r.journal == nil || r.bus == nil {
		return fmt.Errorf("journal: recorder requires a journal and a bus")
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	r.lifecycle.Start(ctx)
	r.lifecycle.Subscribe(r.bus, nil, r.handle,
		eventbus.WithQueueDepth(recorderQueue), eventbus.WithName("journal.recorder"))
	if r.retention > 0 {
		r.lifecycle.Go(r.pruneLoop)
	}
	r.logger.Info("journal recording", zap.String("path", r.journal.Path()))
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := r.lifecycle.Shutdown(ctx); err != nil {
		return fmt.Errorf("journal: shutdown: %w", err)
	}
	return nil
}

func (r *Recorder) IsRunning() bool { return r.running.Load() }

// HealthCheck fails while stopped or when the most recent writes failed.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if !r.IsRunning() {
		return fmt.Errorf("journal: recorder not running")
	}
	if n := r.failures.Load(); n > 0 {
		return fmt.Errorf("journal: %d consecutive write failures", n)
	}
	return r.journal.db.PingContext(ctx)
}

func (r *Recorder) handle(ctx context.Context, env eventbus.Envelope) {
	if err := r.journal.Append(ctx, env); err != nil {
		// Error events about our own failures would be journaled again.
		if r.failures.Add(1) == 1 {
			r.logger.Warn("journal write failed", zap.Error(err))
		}
		return
	}
	r.failures.Store(0)
}

func (r *Recorder) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.prune(ctx, now)
		}
	}
}

func (r *Recorder) prune(ctx context.Context, now time.Time) {
	n, err := r.journal.Prune(ctx, now.Add(-r.retention))
	if err != nil {
		r.logger.Warn("journal prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug("journal pruned", zap.Int64("records", n))
	}
}
