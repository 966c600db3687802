package config

import (
	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/narration"
)

// BusOptions returns the bus options described by the event_bus section.
func (c Config) BusOptions() []eventbus.BusOption {
	opts := []eventbus.BusOption{}
	if c.EventBus.Capacity > 0 {
		opts = append(opts, eventbus.WithCapacity(c.EventBus.Capacity))
	}
	if strategy, err := eventbus.ParseBackpressure(c.EventBus.Backpressure); err == nil {
		opts = append(opts, eventbus.WithBackpressure(strategy))
	}
	return opts
}

// NarrationSettings converts the output section. Kinds without an override
// keep their built-in profile.
func (c Config) NarrationSettings() narration.Settings {
	policy := narration.DefaultPolicy()
	for name, pc := range c.Output.Policy {
		kind, err := narration.ParseKind(name)
		if err != nil {
			continue
		}
		profile := narration.VoiceProfile{
			VoiceID:    pc.VoiceID,
			Rate:       orOne(pc.Rate),
			Pitch:      orOne(pc.Pitch),
			Volume:     1,
			PreEarcon:  pc.PreEarcon,
			PostEarcon: pc.PostEarcon,
		}
		if pc.Volume != nil {
			profile.Volume = *pc.Volume
		}
		policy[kind] = profile
	}

	return narration.Settings{
		Voice: narration.Voice{
			ID:     c.Output.DefaultVoice,
			Rate:   c.Output.Rate,
			Pitch:  c.Output.Pitch,
			Volume: c.Output.Volume,
		},
		Policy:          policy,
		BargeIn:         c.Output.BargeIn,
		DuckSystemAudio: c.Output.DuckSystemAudio,
		EarconsEnabled:  c.Output.EarconsEnabled,
	}
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
