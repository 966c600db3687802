package narration

import (
	"fmt"
	"strings"
)

// Kind is the semantic class of an output message. It determines the default
// priority, whether the message may be interrupted and its voice profile.
type Kind string

const (
	KindCritical     Kind = "critical"
	KindError        Kind = "error"
	KindPrompt       Kind = "prompt"
	KindConfirmation Kind = "confirmation"
	KindReading      Kind = "reading"
	KindInfo         Kind = "info"
	KindBackground   Kind = "background"
)

type kindInfo struct {
	priority      uint8
	interruptible bool
}

var kindTable = map[Kind]kindInfo{
	KindCritical:     {priority: 3, interruptible: false},
	KindError:        {priority: 3, interruptible: false},
	KindPrompt:       {priority: 2, interruptible: true},
	KindConfirmation: {priority: 2, interruptible: true},
	KindReading:      {priority: 1, interruptible: true},
	KindInfo:         {priority: 1, interruptible: true},
	KindBackground:   {priority: 0, interruptible: true},
}

// AllKinds lists every kind from highest to lowest default priority.
func AllKinds() []Kind {
	return []Kind{KindCritical, KindError, KindPrompt, KindConfirmation, KindReading, KindInfo, KindBackground}
}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := kindTable[k]; !ok {
		return "", fmt.Errorf("narration: unknown kind %q", value)
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// Priority returns the default priority of k. Unknown kinds rank as Info.
func (k Kind) Priority() uint8 {
	if info, ok := kindTable[k]; ok {
		return info.priority
	}
	return kindTable[KindInfo].priority
}

// Interruptible reports whether an in-flight message of kind k may be aborted
// by Interrupt, cancellation or pre-emption.
func (k Kind) Interruptible() bool {
	if info, ok := kindTable[k]; ok {
		return info.interruptible
	}
	return true
}
