package slots

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Logical slot names produced by intent parsing.
const (
	App      = "app"
	File     = "file"
	URL      = "url"
	Location = "location"

	// LastObject is the pseudo-slot addressed by bare pronouns ("it").
	LastObject = "last-used-object"
)

// Kind tags the value held by an Entity.
type Kind string

const (
	KindApp      Kind = "app"
	KindFile     Kind = "file"
	KindURL      Kind = "url"
	KindNumber   Kind = "number"
	KindDuration Kind = "duration"
	KindText     Kind = "text"
)

// Entity is a typed slot value. Only the field matching Kind is meaningful.
type Entity struct {
	Kind     Kind
	Text     string
	Number   float64
	Duration time.Duration
}

func AppRef(name string) Entity   { return Entity{Kind: KindApp, Text: name} }
func FileRef(path string) Entity  { return Entity{Kind: KindFile, Text: path} }
func URLRef(u string) Entity      { return Entity{Kind: KindURL, Text: u} }
func Number(v float64) Entity     { return Entity{Kind: KindNumber, Number: v} }
func Span(d time.Duration) Entity { return Entity{Kind: KindDuration, Duration: d} }
func Literal(text string) Entity  { return Entity{Kind: KindText, Text: text} }

// IsZero reports whether the entity carries no tag.
func (e Entity) IsZero() bool { return e.Kind == "" }

// String renders the entity value for narration and logs.
func (e Entity) String() string {
	switch e.Kind {
	case KindNumber:
		return strconv.FormatFloat(e.Number, 'f', -1, 64)
	case KindDuration:
		return e.Duration.String()
	default:
		return e.Text
	}
}

type wireEntity struct {
	Tag   Kind            `json:"tag"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the entity as {"tag": kind, "value": v}. Durations are
// written in Go duration syntax so they survive a round trip unchanged.
func (e Entity) MarshalJSON() ([]byte, error) {
	var value any
	switch e.Kind {
	case KindNumber:
		value = e.Number
	case KindDuration:
		value = e.Duration.String()
	case KindApp, KindFile, KindURL, KindText:
		value = e.Text
	default:
		return nil, fmt.Errorf("slots: unknown entity kind %q", e.Kind)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEntity{Tag: e.Kind, Value: raw})
}

// UnmarshalJSON decodes the tagged representation written by MarshalJSON.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var wire wireEntity
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := Entity{Kind: wire.Tag}
	switch wire.Tag {
	case KindNumber:
		if err := json.Unmarshal(wire.Value, &out.Number); err != nil {
			return fmt.Errorf("slots: number value: %w", err)
		}
	case KindDuration:
		var text string
		if err := json.Unmarshal(wire.Value, &text); err != nil {
			return fmt.Errorf("slots: duration value: %w", err)
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("slots: duration value: %w", err)
		}
		out.Duration = d
	case KindApp, KindFile, KindURL, KindText:
		if err := json.Unmarshal(wire.Value, &out.Text); err != nil {
			return fmt.Errorf("slots: %s value: %w", wire.Tag, err)
		}
	default:
		return fmt.Errorf("slots: unknown entity tag %q", wire.Tag)
	}
	*e = out
	return nil
}
