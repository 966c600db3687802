package narration

import (
	"fmt"
)

// VoiceProfile holds voice engine settings for one kind. Rate, Pitch and
// Volume are multipliers applied to the base voice settings.
type VoiceProfile struct {
	VoiceID    string
	Rate       float64
	Pitch      float64
	Volume     float64
	PreEarcon  string
	PostEarcon string
}

// Policy maps every kind to its voice profile.
type Policy map[Kind]VoiceProfile

var neutralProfile = VoiceProfile{Rate: 1, Pitch: 1, Volume: 1}

// DefaultPolicy returns the built-in profiles: alerts louder and slower,
// reading slower and background quieter.
func DefaultPolicy() Policy {
	return Policy{
		KindCritical:     {Rate: 0.9, Pitch: 1, Volume: 1.25, PreEarcon: "alert"},
		KindError:        {Rate: 1, Pitch: 0.95, Volume: 1.1, PreEarcon: "error"},
		KindPrompt:       {Rate: 1, Pitch: 1, Volume: 1, PostEarcon: "listen"},
		KindConfirmation: {Rate: 1, Pitch: 1, Volume: 1, PreEarcon: "confirm"},
		KindReading:      {Rate: 0.9, Pitch: 1, Volume: 1},
		KindInfo:         {Rate: 1, Pitch: 1, Volume: 1},
		KindBackground:   {Rate: 1, Pitch: 1, Volume: 0.6},
	}
}

// Profile returns the profile for k, falling back to the Info profile and
// then to a neutral profile.
func (p Policy) Profile(k Kind) VoiceProfile {
	if profile, ok := p[k]; ok {
		return profile
	}
	if profile, ok := p[KindInfo]; ok {
		return profile
	}
	return neutralProfile
}

// Merge returns a copy of p with the entries of override replacing its own.
func (p Policy) Merge(override Policy) Policy {
	out := make(Policy, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Validate checks that every kind has a usable profile.
func (p Policy) Validate() error {
	for _, k := range AllKinds() {
		profile, ok := p[k]
		if !ok {
			return fmt.Errorf("narration: policy missing kind %q", k)
		}
		if profile.Rate <= 0 || profile.Pitch <= 0 || profile.Volume < 0 {
			return fmt.Errorf("narration: invalid profile for kind %q", k)
		}
	}
	for k := range p {
		if !k.Valid() {
			return fmt.Errorf("narration: policy has unknown kind %q", k)
		}
	}
	return nil
}

// Voice is the base voice every profile is applied to.
type Voice struct {
	ID     string
	Rate   float64
	Pitch  float64
	Volume float64
}

// DefaultVoice is the base voice used when no settings are supplied.
var DefaultVoice = Voice{Rate: 1, Pitch: 1, Volume: 0.8}

// Apply combines the base voice with a kind profile. Volume is clamped to [0, 1].
func (v Voice) Apply(profile VoiceProfile) Voice {
	out := Voice{
		ID:     v.ID,
		Rate:   v.Rate * profile.Rate,
		Pitch:  v.Pitch * profile.Pitch,
		Volume: v.Volume * profile.Volume,
	}
	if profile.VoiceID != "" {
		out.ID = profile.VoiceID
	}
	if out.Volume > 1 {
		out.Volume = 1
	}
	if out.Volume < 0 {
		out.Volume = 0
	}
	return out
}
