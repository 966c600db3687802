package narration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/sanitize"
)

const (
	defaultMockDuration = 500 * time.Millisecond
	defaultMockPerRune  = 0
	maxLoggedText       = 256
)

// EngineOptions configure a synthesizer engine built by NewEngine.
type EngineOptions struct {
	Logger *zap.Logger
	Config map[string]any
}

// EngineFactory constructs a synthesizer engine.
type EngineFactory func(opts EngineOptions) (Synthesizer, error)

var (
	enginesMu sync.RWMutex
	engines   = map[string]EngineFactory{}
)

func init() {
	RegisterEngine("null", func(opts EngineOptions) (Synthesizer, error) {
		return NewNullSynthesizer(opts.Logger), nil
	})
	RegisterEngine("mock", func(opts EngineOptions) (Synthesizer, error) {
		return newMockFromConfig(opts.Config), nil
	})
}

// RegisterEngine makes an engine available to NewEngine.
func RegisterEngine(name string, factory EngineFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = factory
}

// Engines returns the registered engine names.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	out := make([]string, 0, len(engines))
	for name := range engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewEngine builds the named engine.
func NewEngine(name string, opts EngineOptions) (Synthesizer, error) {
	enginesMu.RLock()
	factory, ok := engines[name]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("narration: unknown engine %q", name)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return factory(opts)
}

// voiceState tracks the settings an engine was given.
type voiceState struct {
	mu    sync.Mutex
	voice Voice
}

func (v *voiceState) SetVoice(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.voice.ID = id
	return nil
}

func (v *voiceState) SetRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("narration: invalid rate %v", rate)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.voice.Rate = rate
	return nil
}

func (v *voiceState) SetPitch(pitch float64) error {
	if pitch <= 0 {
		return fmt.Errorf("narration: invalid pitch %v", pitch)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.voice.Pitch = pitch
	return nil
}

func (v *voiceState) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("narration: volume %v out of range", volume)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.voice.Volume = volume
	return nil
}

// Current returns the settings last applied.
func (v *voiceState) Current() Voice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.voice
}

// NullSynthesizer logs utterances and completes immediately.
type NullSynthesizer struct {
	voiceState
	logger *zap.Logger
}

// NewNullSynthesizer returns an engine that only logs.
func NewNullSynthesizer(logger *zap.Logger) *NullSynthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NullSynthesizer{
		voiceState: voiceState{voice: DefaultVoice},
		logger:     logger.Named("tts.null"),
	}
}

func (n *NullSynthesizer) Speak(ctx context.Context, text string, _ bool) error {
	if err := ctx.Err(); err != nil {
		return ErrInterrupted
	}
	v := n.Current()
	n.logger.Info("speak", zap.String("text", sanitize.TruncateUTF8(text, maxLoggedText)), zap.Float64("rate", v.Rate), zap.Float64("volume", v.Volume))
	return nil
}

func (n *NullSynthesizer) SpeakMarkup(ctx context.Context, markup string, allowBargeIn bool) error {
	return n.Speak(ctx, StripMarkup(markup), allowBargeIn)
}

func (n *NullSynthesizer) Stop() error { return nil }

func (n *NullSynthesizer) Voices(context.Context) ([]VoiceInfo, error) {
	return []VoiceInfo{{ID: "null", Name: "Null", Language: "und"}}, nil
}

func (n *NullSynthesizer) IsSpeaking() bool { return false }

// MockUtterance is one call observed by MockSynthesizer.
type MockUtterance struct {
	Text        string
	Voice       Voice
	Interrupted bool
}

// MockSynthesizer simulates speech by waiting a fixed duration plus a
// per-rune delay. It honours Stop and context cancellation and records every
// utterance.
type MockSynthesizer struct {
	voiceState

	duration time.Duration
	perRune  time.Duration
	failWith error

	mu       sync.Mutex
	stopCh   chan struct{}
	speaking bool
	spoken   []MockUtterance
	started  chan string
}

// NewMockSynthesizer returns a mock that takes duration per utterance.
func NewMockSynthesizer(duration time.Duration) *MockSynthesizer {
	return &MockSynthesizer{
		voiceState: voiceState{voice: DefaultVoice},
		duration:   duration,
		started:    make(chan string, 64),
	}
}

func newMockFromConfig(cfg map[string]any) *MockSynthesizer {
	m := NewMockSynthesizer(durationConfig(cfg, "duration_ms", defaultMockDuration))
	m.perRune = durationConfig(cfg, "per_rune_ms", defaultMockPerRune)
	return m
}

// FailWith makes subsequent utterances fail with err; nil restores success.
func (m *MockSynthesizer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Started delivers the text of each utterance as it begins.
func (m *MockSynthesizer) Started() <-chan string { return m.started }

// Spoken returns the utterances observed so far.
func (m *MockSynthesizer) Spoken() []MockUtterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUtterance(nil), m.spoken...)
}

func (m *MockSynthesizer) Speak(ctx context.Context, text string, _ bool) error {
	stop := make(chan struct{})
	m.mu.Lock()
	failWith := m.failWith
	m.stopCh = stop
	m.speaking = true
	m.mu.Unlock()

	select {
	case m.started <- text:
	default:
	}

	wait := m.duration + time.Duration(utf8.RuneCountInString(text))*m.perRune
	timer := time.NewTimer(wait)
	defer timer.Stop()

	interrupted := false
	select {
	case <-timer.C:
	case <-stop:
		interrupted = true
	case <-ctx.Done():
		interrupted = true
	}

	m.mu.Lock()
	m.speaking = false
	m.stopCh = nil
	m.spoken = append(m.spoken, MockUtterance{Text: text, Voice: m.Current(), Interrupted: interrupted})
	m.mu.Unlock()

	if interrupted {
		return ErrInterrupted
	}
	return failWith
}

func (m *MockSynthesizer) SpeakMarkup(ctx context.Context, markup string, allowBargeIn bool) error {
	return RenderMarkup(ctx, m, m.Current(), markup, allowBargeIn)
}

func (m *MockSynthesizer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	return nil
}

func (m *MockSynthesizer) Voices(context.Context) ([]VoiceInfo, error) {
	return []VoiceInfo{
		{ID: "mock-a", Name: "Mock A", Language: "en-US"},
		{ID: "mock-b", Name: "Mock B", Language: "en-GB"},
	}, nil
}

func (m *MockSynthesizer) IsSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func durationConfig(cfg map[string]any, key string, def time.Duration) time.Duration {
	if cfg == nil {
		return def
	}
	if v, ok := cfg[key]; ok {
		switch value := v.(type) {
		case float64:
			return time.Duration(value * float64(time.Millisecond))
		case int:
			return time.Duration(value) * time.Millisecond
		case string:
			if d, err := time.ParseDuration(value); err == nil {
				return d
			}
		}
	}
	return def
}
