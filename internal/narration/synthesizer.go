package narration

import (
	"context"
	"errors"
	"time"
)

// ErrInterrupted is returned by a synthesizer whose utterance was aborted by Stop
// or by cancellation of the speak context.
var ErrInterrupted = errors.New("narration: utterance interrupted")

// VoiceInfo describes a voice offered by an engine.
type VoiceInfo struct {
	ID       string
	Name     string
	Language string
}

// Synthesizer is a text-to-speech engine. Speak and SpeakMarkup block until
// the utterance completes. Stop may be called from any goroutine and makes
// the in-flight call return ErrInterrupted.
type Synthesizer interface {
	Speak(ctx context.Context, text string, allowBargeIn bool) error
	SpeakMarkup(ctx context.Context, markup string, allowBargeIn bool) error
	Stop() error
	SetVoice(id string) error
	SetRate(rate float64) error
	SetPitch(pitch float64) error
	SetVolume(volume float64) error
	Voices(ctx context.Context) ([]VoiceInfo, error)
	IsSpeaking() bool
}

// EarconPlayer plays short cue sounds around utterances.
type EarconPlayer interface {
	PlayEarcon(ctx context.Context, name string) error
}

// Ducker lowers other system audio while narration is speaking.
type Ducker interface {
	Duck(ctx context.Context) error
	Restore(ctx context.Context) error
}

// applyVoice pushes voice settings to the engine, returning the first error.
func applyVoice(s Synthesizer, v Voice) error {
	if v.ID != "" {
		if err := s.SetVoice(v.ID); err != nil {
			return err
		}
	}
	if err := s.SetRate(v.Rate); err != nil {
		return err
	}
	if err := s.SetPitch(v.Pitch); err != nil {
		return err
	}
	return s.SetVolume(v.Volume)
}

// RenderMarkup speaks markup through an engine that only understands plain
// text: text chunks are spoken with emphasis applied on top of base, and
// breaks become pauses.
func RenderMarkup(ctx context.Context, s Synthesizer, base Voice, markup string, allowBargeIn bool) error {
	for _, chunk := range ParseMarkup(markup) {
		if chunk.IsBreak() {
			timer := time.NewTimer(chunk.Break)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ErrInterrupted
			case <-timer.C:
			}
			continue
		}
		if chunk.Emphasis {
			if err := s.SetRate(base.Rate * chunk.RateMul); err != nil {
				return err
			}
			if err := s.SetPitch(base.Pitch * chunk.PitchMul); err != nil {
				return err
			}
		}
		err := s.Speak(ctx, chunk.Text, allowBargeIn)
		if chunk.Emphasis {
			_ = s.SetRate(base.Rate)
			_ = s.SetPitch(base.Pitch)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
