package conversation

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
	defaultPendingTTL = 2 * time.Minute
	minPurgeInterval  = 10 * time.Millisecond
	recorderQueue     = 128
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSavePath loads the store from path on start and saves it on stop.
func WithSavePath(path string) RecorderOption {
	return func(r *Recorder) {
		r.savePath = path
	}
}

// WithPendingTTL sets how long a parsed command waits for its outcome before
// it is discarded.
func WithPendingTTL(ttl time.Duration) RecorderOption {
	return func(r *Recorder) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRecorderLogger overrides the default logger.
func WithRecorderLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger.Named("conversation.recorder")
		}
	}
}

type pendingTurn struct {
	command eventbus.CommandParsed
	at      time.Time
	planned bool
}

// Recorder turns bus traffic into store entries. A CommandParsed event opens
// a turn keyed by its correlation id; the matching ActionCompleted closes it,
// or PlanCompleted when the turn started a plan.
type Recorder struct {
	store    *Store
	bus      *eventbus.Bus
	savePath string
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	lifecycle eventbus.ServiceLifecycle
	running   atomic.Bool

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingTurn
}

// NewRecorder builds a recorder feeding store from bus.
func NewRecorder(store *Store, bus *eventbus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		bus:     bus,
		ttl:     defaultPendingTTL,
		logger:  zap.NewNop(),
		now:     time.Now,
		pending: make(map[uuid.UUID]*pendingTurn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements runtime.Component.
func (r *Recorder) Name() string { return "conversation" }

// Start loads persisted context and subscribes to command outcomes.
func (r *Recorder) Start(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return fmt.Errorf("conversation: recorder requires a store and a bus")
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	if r.savePath != "" {
		if err := r.store.Load(r.savePath); err != nil && !IsNotExist(err) {
			r.logger.Warn("starting with empty context", zap.Error(err))
		}
	}

	r.lifecycle.Start(ctx)
	r.lifecycle.Subscribe(r.bus, []eventbus.EventType{
		eventbus.TypeCommandParsed,
		eventbus.TypePlanStarted,
		eventbus.TypePlanCompleted,
		eventbus.TypeActionCompleted,
	}, r.handle, eventbus.WithQueueDepth(recorderQueue), eventbus.WithName("conversation.recorder"))
	r.lifecycle.Go(r.purgeLoop)
	return nil
}

// Stop unsubscribes and saves the store.
func (r *Recorder) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := r.lifecycle.Shutdown(ctx); err != nil {
		return fmt.Errorf("conversation: shutdown: %w", err)
	}
	if r.savePath != "" {
		return r.store.Save(r.savePath)
	}
	return nil
}

// IsRunning reports whether the recorder is subscribed.
func (r *Recorder) IsRunning() bool { return r.running.Load() }

// HealthCheck fails while the recorder is stopped.
func (r *Recorder) HealthCheck(context.Context) error {
	if !r.IsRunning() {
		return fmt.Errorf("conversation: recorder not running")
	}
	return nil
}

// Pending returns the number of turns waiting for an outcome.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) handle(_ context.Context, env eventbus.Envelope) {
	if !env.HasCorrelation() {
		r.logger.Debug("ignoring uncorrelated event", zap.String("type", string(env.Type())))
		return
	}
	corr := env.CorrelationID

	switch ev := env.Event.(type) {
	case eventbus.CommandParsed:
		r.mu.Lock()
		r.pending[corr] = &pendingTurn{command: ev, at: env.Time()}
		r.mu.Unlock()

	case eventbus.PlanStarted:
		r.mu.Lock()
		if turn, ok := r.pending[corr]; ok {
			turn.planned = true
		}
		r.mu.Unlock()

	case eventbus.ActionCompleted:
		turn := r.take(corr, false)
		if turn == nil {
			return
		}
		r.record(turn, ActionResult{
			Tag:     "action",
			Message: ev.Message,
			Data:    map[string]string{"action": ev.Name, "action_id": ev.ActionID},
		}, ev.Success)

	case eventbus.PlanCompleted:
		turn := r.take(corr, true)
		if turn == nil {
			return
		}
		r.record(turn, ActionResult{
			Tag:  "plan",
			Data: map[string]string{"plan_id": ev.PlanID, "duration": ev.Duration.String()},
		}, ev.Success)
	}
}

// take removes the pending turn for corr. Action completions do not close a
// turn that started a plan.
func (r *Recorder) take(corr uuid.UUID, plan bool) *pendingTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	turn, ok := r.pending[corr]
	if !ok || turn.planned != plan {
		return nil
	}
	delete(r.pending, corr)
	return turn
}

func (r *Recorder) record(turn *pendingTurn, result ActionResult, success bool) {
	r.store.Add(Entry{
		Timestamp:  turn.at,
		UserInput:  turn.command.Input,
		Intent:     turn.command.Intent,
		Entities:   turn.command.Entities,
		Result:     result,
		Success:    success,
		Confidence: turn.command.Confidence,
	})
}

// purgeInterval is half the TTL, bounded below so tiny TTLs do not spin.
func (r *Recorder) purgeInterval() time.Duration {
	return max(r.ttl/2, minPurgeInterval)
}

func (r *Recorder) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.purgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.purge(); n > 0 {
				r.logger.Debug("purged unanswered commands", zap.Int("count", n))
			}
		}
	}
}

// purge drops turns that waited longer than the TTL.
func (r *Recorder) purge() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for corr, turn := range r.pending {
		if turn.at.Before(cutoff) {
			delete(r.pending, corr)
			n++
		}
	}
	return n
}
