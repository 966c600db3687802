package narration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/sanitize"
)

// maxUtteranceRunes caps plain text handed to the engine.
const maxUtteranceRunes = 4096

var (
	// ErrNoSynthesizer is returned when the service was built without an engine.
	ErrNoSynthesizer = errors.New("narration: synthesizer required")
	// ErrNotRunning is reported by HealthCheck while the worker is stopped.
	ErrNotRunning = errors.New("narration: worker not running")
)

// Interruption reasons carried by NarrationInterrupted.
const (
	ReasonPreempted   = "preempted"
	ReasonCancelled   = "cancelled"
	ReasonInterrupted = "interrupted"
	ReasonStopped     = "stopped"
	ReasonBargeIn     = "barge_in"
)

// Settings are the runtime-adjustable output options.
type Settings struct {
	Voice           Voice
	Policy          Policy
	BargeIn         bool
	DuckSystemAudio bool
	EarconsEnabled  bool
}

// DefaultSettings returns the base voice with the default policy.
func DefaultSettings() Settings {
	return Settings{Voice: DefaultVoice, Policy: DefaultPolicy()}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	TotalUtterances  uint64
	TotalInterrupted uint64
	TotalErrors      uint64
	TotalQueued      uint64
	TotalCoalesced   uint64
	TotalCancelled   uint64
	TotalDiscarded   uint64
}

// BargeInHook decides whether a detected wake word interrupts narration.
type BargeInHook func(eventbus.WakeWordDetected) bool

// Option configures the Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.Named("narration")
		}
	}
}

// WithPublisher sets where narration events are published.
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithBus publishes narration events on bus and listens for wake words when
// barge-in is enabled.
func WithBus(bus *eventbus.Bus) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
			s.publisher = bus
		}
	}
}

// WithSettings sets the initial output settings.
func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = normalizeSettings(settings)
	}
}

// WithBargeInHook installs the barge-in decision. The default never interrupts.
func WithBargeInHook(hook BargeInHook) Option {
	return func(s *Service) {
		if hook != nil {
			s.bargeInHook = hook
		}
	}
}

// WithEarconPlayer enables earcon playback when settings allow it.
func WithEarconPlayer(player EarconPlayer) Option {
	return func(s *Service) {
		s.earcons = player
	}
}

// WithDucker enables system audio ducking when settings allow it.
func WithDucker(d Ducker) Option {
	return func(s *Service) {
		s.ducker = d
	}
}

// Handle identifies an enqueued message and cancels it.
type Handle struct {
	id  uint64
	svc *Service
}

// ID returns the message id.
func (h Handle) ID() uint64 { return h.id }

// Cancel drops the message before it is spoken. If it is already speaking it
// is aborted only when its kind is interruptible.
func (h Handle) Cancel() {
	if h.svc != nil && h.id != 0 {
		h.svc.cancel(h.id)
	}
}

type inflight struct {
	msg    Message
	ctx    context.Context
	abort  context.CancelFunc
	reason string
}

// Service serialises voice output from many producers through one worker.
type Service struct {
	synth       Synthesizer
	logger      *zap.Logger
	publisher   eventbus.Publisher
	bus         *eventbus.Bus
	bargeInHook BargeInHook
	earcons     EarconPlayer
	ducker      Ducker

	queue   *queue
	nextID  atomic.Uint64
	wake    chan struct{}
	enabled atomic.Bool
	running atomic.Bool

	// synthMu is held for the duration of every utterance.
	synthMu sync.Mutex

	mu       sync.Mutex
	settings Settings
	current  *inflight
	cancels  []uint64

	lifecycle eventbus.ServiceLifecycle

	utterances  atomic.Uint64
	interrupted atomic.Uint64
	errorsTotal atomic.Uint64
	queued      atomic.Uint64
	coalesced   atomic.Uint64
	cancelled   atomic.Uint64
	discarded   atomic.Uint64
}

// New constructs an enabled output pipeline around synth.
func New(synth Synthesizer, opts ...Option) *Service {
	s := &Service{
		synth:       synth,
		logger:      zap.NewNop(),
		bargeInHook: func(eventbus.WakeWordDetected) bool { return false },
		queue:       newQueue(),
		wake:        make(chan struct{}, 1),
		settings:    DefaultSettings(),
	}
	s.enabled.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeSettings(settings Settings) Settings {
	if settings.Policy == nil {
		settings.Policy = DefaultPolicy()
	} else {
		settings.Policy = DefaultPolicy().Merge(settings.Policy)
	}
	if settings.Voice.Rate <= 0 {
		settings.Voice.Rate = DefaultVoice.Rate
	}
	if settings.Voice.Pitch <= 0 {
		settings.Voice.Pitch = DefaultVoice.Pitch
	}
	if settings.Voice.Volume <= 0 {
		settings.Voice.Volume = DefaultVoice.Volume
	}
	return settings
}

// Name implements runtime.Component.
func (s *Service) Name() string { return "narration" }

// Start launches the worker and, with barge-in enabled, the wake word listener.
func (s *Service) Start(ctx context.Context) error {
	if s.synth == nil {
		return ErrNoSynthesizer
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.lifecycle.Start(ctx)
	if s.bus != nil {
		s.lifecycle.Subscribe(s.bus, []eventbus.EventType{eventbus.TypeWakeWordDetected}, s.onWakeWord,
			eventbus.WithName("narration.barge_in"))
	}
	s.lifecycle.Go(s.worker)
	s.logger.Info("narration started")
	return nil
}

// Stop aborts output, clears the queue and waits for the worker.
func (s *Service) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.StopAll()
	if err := s.lifecycle.Shutdown(ctx); err != nil {
		return fmt.Errorf("narration: shutdown: %w", err)
	}
	s.logger.Info("narration stopped")
	return nil
}

// IsRunning reports whether the worker is active.
func (s *Service) IsRunning() bool { return s.running.Load() }

// HealthCheck fails when the worker is not running.
func (s *Service) HealthCheck(context.Context) error {
	if s.synth == nil {
		return ErrNoSynthesizer
	}
	if !s.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// Enqueue schedules msg and returns its cancellation handle. The message id
// is assigned here. A queued message with the same coalesce key is replaced.
// A message of strictly higher priority pre-empts an interruptible message
// that is speaking.
func (s *Service) Enqueue(msg Message) Handle {
	if !msg.Kind.Valid() {
		msg.Kind = KindInfo
	}
	if !msg.HasPriority {
		msg.Priority = msg.Kind.Priority()
	}
	msg.Text = cleanText(msg.Text, msg.IsMarkup)
	msg.ID = s.nextID.Add(1)

	replaced := s.queue.push(msg)
	s.queued.Add(1)
	if replaced != nil {
		s.coalesced.Add(1)
		s.logger.Debug("message coalesced",
			zap.Uint64("replaced", replaced.ID),
			zap.Uint64("id", msg.ID),
			zap.String("key", msg.CoalesceKey))
	}

	s.mu.Lock()
	if cur := s.current; cur != nil && cur.reason == "" &&
		msg.Priority > cur.msg.Priority && cur.msg.Kind.Interruptible() {
		s.abortLocked(ReasonPreempted)
	}
	s.mu.Unlock()

	s.signal()
	return Handle{id: msg.ID, svc: s}
}

// Say enqueues text of the given kind.
func (s *Service) Say(kind Kind, text string) Handle {
	return s.Enqueue(Message{Kind: kind, Text: text})
}

// SpeakImmediate bypasses the queue and speaks text now, waiting for any
// utterance in progress. It is a no-op while output is disabled.
func (s *Service) SpeakImmediate(ctx context.Context, text string, isMarkup bool) error {
	if s.synth == nil {
		return ErrNoSynthesizer
	}
	if !s.enabled.Load() {
		return nil
	}
	text = cleanText(text, isMarkup)
	msg := Message{
		ID:       s.nextID.Add(1),
		Text:     text,
		Kind:     KindCritical,
		Priority: KindCritical.Priority(),
		IsMarkup: isMarkup,
	}
	eventbus.Emit(ctx, s.publisher, eventbus.NarrationStarted{ID: msg.ID, Kind: string(msg.Kind), Text: text})
	s.utterances.Add(1)

	s.synthMu.Lock()
	err := s.render(ctx, msg)
	s.synthMu.Unlock()

	s.report(ctx, msg, "", err)
	if err != nil {
		return fmt.Errorf("narration: speak immediate: %w", err)
	}
	return nil
}

// Interrupt aborts the utterance in progress when its kind is interruptible.
func (s *Service) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current
	if cur == nil || cur.reason != "" || !cur.msg.Kind.Interruptible() {
		return false
	}
	s.abortLocked(ReasonInterrupted)
	return true
}

// StopAll clears the queue and aborts the current utterance regardless of
// its kind.
func (s *Service) StopAll() {
	ctx := s.lifecycle.Context()
	for _, msg := range s.queue.clear() {
		s.cancelled.Add(1)
		eventbus.Emit(ctx, s.publisher, eventbus.NarrationInterrupted{ID: msg.ID, Kind: string(msg.Kind), Reason: ReasonStopped})
	}
	s.mu.Lock()
	if s.current != nil && s.current.reason == "" {
		s.abortLocked(ReasonStopped)
	}
	s.mu.Unlock()
}

// Enable turns output on.
func (s *Service) Enable() {
	if s.enabled.CompareAndSwap(false, true) {
		s.logger.Info("output enabled")
	}
}

// Disable turns output off. Queued messages are drained and discarded.
func (s *Service) Disable() {
	if s.enabled.CompareAndSwap(true, false) {
		s.logger.Info("output disabled")
		s.signal()
	}
}

// Enabled reports whether output is on.
func (s *Service) Enabled() bool { return s.enabled.Load() }

// QueueLen returns the number of queued messages.
func (s *Service) QueueLen() int { return s.queue.len() }

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		TotalUtterances:  s.utterances.Load(),
		TotalInterrupted: s.interrupted.Load(),
		TotalErrors:      s.errorsTotal.Load(),
		TotalQueued:      s.queued.Load(),
		TotalCoalesced:   s.coalesced.Load(),
		TotalCancelled:   s.cancelled.Load(),
		TotalDiscarded:   s.discarded.Load(),
	}
}

// Settings returns the active output settings.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// ApplyConfig replaces the output settings. It takes effect from the next
// utterance; the engine itself is fixed at construction.
func (s *Service) ApplyConfig(settings Settings) {
	settings = normalizeSettings(settings)
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.logger.Info("output settings applied",
		zap.Bool("barge_in", settings.BargeIn),
		zap.Bool("duck_system_audio", settings.DuckSystemAudio),
		zap.Bool("earcons_enabled", settings.EarconsEnabled))
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) cancel(id uint64) {
	s.mu.Lock()
	if cur := s.current; cur != nil && cur.msg.ID == id {
		if cur.reason == "" && cur.msg.Kind.Interruptible() {
			s.abortLocked(ReasonCancelled)
		}
		s.mu.Unlock()
		return
	}
	s.cancels = append(s.cancels, id)
	s.mu.Unlock()
	s.signal()
}

// abortLocked stops the in-flight utterance. Callers hold s.mu.
func (s *Service) abortLocked(reason string) {
	s.current.reason = reason
	s.current.abort()
	if err := s.synth.Stop(); err != nil {
		s.logger.Warn("synthesizer stop failed", zap.Error(err))
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		s.drainCancellations(ctx)

		msg, cur, outcome := s.take(ctx)
		switch outcome {
		case takeEmpty:
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
		case takeCancelled:
			s.cancelled.Add(1)
			eventbus.Emit(ctx, s.publisher, eventbus.NarrationInterrupted{ID: msg.ID, Kind: string(msg.Kind), Reason: ReasonCancelled})
		case takeDiscarded:
			s.discarded.Add(1)
			s.logger.Debug("output disabled, message discarded", zap.Uint64("id", msg.ID))
		case takeSpeak:
			s.speak(ctx, cur)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

type takeOutcome int

const (
	takeEmpty takeOutcome = iota
	takeCancelled
	takeDiscarded
	takeSpeak
)

// take pops the head of the queue and marks it in flight under s.mu, so a
// concurrent Cancel, Interrupt or pre-emption either finds the message
// queued or finds it current.
func (s *Service) take(ctx context.Context) (Message, *inflight, takeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.queue.pop()
	switch {
	case !ok:
		return Message{}, nil, takeEmpty
	case s.takeCancelLocked(msg.ID):
		return msg, nil, takeCancelled
	case !s.enabled.Load():
		return msg, nil, takeDiscarded
	}
	utterCtx, abort := context.WithCancel(ctx)
	s.current = &inflight{msg: msg, ctx: utterCtx, abort: abort}
	return msg, s.current, takeSpeak
}

// takeCancelLocked consumes a pending cancellation for id. Callers hold s.mu.
func (s *Service) takeCancelLocked(id uint64) bool {
	for i, pending := range s.cancels {
		if pending == id {
			s.cancels = append(s.cancels[:i], s.cancels[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) drainCancellations(ctx context.Context) {
	s.mu.Lock()
	ids := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, id := range ids {
		msg, ok := s.queue.remove(id)
		if !ok {
			continue
		}
		s.cancelled.Add(1)
		eventbus.Emit(ctx, s.publisher, eventbus.NarrationInterrupted{ID: msg.ID, Kind: string(msg.Kind), Reason: ReasonCancelled})
	}
}

// speak renders cur, which take already installed as s.current.
func (s *Service) speak(ctx context.Context, cur *inflight) {
	defer cur.abort()
	msg := cur.msg

	eventbus.Emit(ctx, s.publisher, eventbus.NarrationStarted{ID: msg.ID, Kind: string(msg.Kind), Text: msg.Text})
	s.utterances.Add(1)

	s.synthMu.Lock()
	err := s.render(cur.ctx, msg)
	s.synthMu.Unlock()

	s.mu.Lock()
	reason := cur.reason
	s.current = nil
	s.mu.Unlock()

	s.report(ctx, msg, reason, err)
}

// render speaks msg with its profile applied. Callers hold synthMu.
func (s *Service) render(ctx context.Context, msg Message) error {
	settings := s.Settings()
	profile := settings.Policy.Profile(msg.Kind)
	voice := settings.Voice.Apply(profile)
	if err := applyVoice(s.synth, voice); err != nil {
		s.logger.Warn("apply voice profile failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}

	if settings.DuckSystemAudio && s.ducker != nil {
		if err := s.ducker.Duck(ctx); err != nil {
			s.logger.Warn("duck system audio failed", zap.Error(err))
		} else {
			defer func() {
				if err := s.ducker.Restore(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("restore system audio failed", zap.Error(err))
				}
			}()
		}
	}
	earcons := settings.EarconsEnabled && s.earcons != nil
	if earcons && profile.PreEarcon != "" {
		if err := s.earcons.PlayEarcon(ctx, profile.PreEarcon); err != nil {
			s.logger.Debug("pre earcon failed", zap.String("earcon", profile.PreEarcon), zap.Error(err))
		}
	}

	allowBargeIn := settings.BargeIn && msg.Kind.Interruptible()
	var err error
	if msg.IsMarkup {
		err = s.synth.SpeakMarkup(ctx, msg.Text, allowBargeIn)
	} else {
		err = s.synth.Speak(ctx, msg.Text, allowBargeIn)
	}

	if err == nil && earcons && profile.PostEarcon != "" {
		if perr := s.earcons.PlayEarcon(ctx, profile.PostEarcon); perr != nil {
			s.logger.Debug("post earcon failed", zap.String("earcon", profile.PostEarcon), zap.Error(perr))
		}
	}
	return err
}

// report publishes the outcome of an utterance. It runs without synthMu so
// handlers may call back into the pipeline.
func (s *Service) report(ctx context.Context, msg Message, reason string, err error) {
	switch {
	case reason != "":
		s.interrupted.Add(1)
		eventbus.Emit(ctx, s.publisher, eventbus.NarrationInterrupted{ID: msg.ID, Kind: string(msg.Kind), Reason: reason})
	case err != nil:
		s.errorsTotal.Add(1)
		s.logger.Warn("synthesizer failed", zap.Uint64("id", msg.ID), zap.Error(err))
		eventbus.Emit(ctx, s.publisher, eventbus.NarrationCompleted{ID: msg.ID, Kind: string(msg.Kind), Success: false, Err: err.Error()})
	default:
		eventbus.Emit(ctx, s.publisher, eventbus.NarrationCompleted{ID: msg.ID, Kind: string(msg.Kind), Success: true})
	}
}

func (s *Service) onWakeWord(_ context.Context, env eventbus.Envelope) {
	ev, ok := env.Event.(eventbus.WakeWordDetected)
	if !ok || !s.Settings().BargeIn {
		return
	}
	if !s.bargeInHook(ev) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current; cur != nil && cur.reason == "" && cur.msg.Kind.Interruptible() {
		s.logger.Info("barge-in interrupted narration", zap.String("word", ev.Word))
		s.abortLocked(ReasonBargeIn)
	}
}

// cleanText strips terminal escape sequences. Markup is left otherwise
// untouched so its tags survive.
func cleanText(text string, isMarkup bool) string {
	if isMarkup {
		return sanitize.StripControlChars(text)
	}
	return sanitize.ForSpeech(text, maxUtteranceRunes)
}
