package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/nupi-ai/voiced/internal/voice/slots"
)

// EventType is the stable discriminator of an event variant. Subscriptions
// filter on it; new variants only ever add new values.
type EventType string

const (
	TypeAudioCaptured          EventType = "audio_captured"
	TypeWakeWordDetected       EventType = "wake_word_detected"
	TypeTranscriptionProduced  EventType = "transcription_produced"
	TypeCommandParsed          EventType = "command_parsed"
	TypePlanStarted            EventType = "plan_started"
	TypePlanCompleted          EventType = "plan_completed"
	TypeActionStarted          EventType = "action_started"
	TypeActionRetry            EventType = "action_retry"
	TypeActionCompleted        EventType = "action_completed"
	TypeNarrationStarted       EventType = "narration_started"
	TypeNarrationCompleted     EventType = "narration_completed"
	TypeNarrationInterrupted   EventType = "narration_interrupted"
	TypeClarificationRequested EventType = "clarification_requested"
	TypeClarificationAnswered  EventType = "clarification_answered"
	TypeGrammarReloaded        EventType = "grammar_reloaded"
	TypeCacheInvalidated       EventType = "cache_invalidated"
	TypeCapabilityDetected     EventType = "capability_detected"
	TypePolicyGateTriggered    EventType = "policy_gate_triggered"
	TypeHealthIssueDetected    EventType = "health_issue_detected"
	TypeHealthIssueRemediated  EventType = "health_issue_remediated"
	TypeConfigReloaded         EventType = "config_reloaded"
	TypeMetricsSnapshot        EventType = "metrics_snapshot"
	TypeError                  EventType = "error"
	TypeStateChanged           EventType = "state_changed"
	TypeCustom                 EventType = "custom"
)

// AllEventTypes lists every known discriminator in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		TypeAudioCaptured, TypeWakeWordDetected, TypeTranscriptionProduced,
		TypeCommandParsed, TypePlanStarted, TypePlanCompleted,
		TypeActionStarted, TypeActionRetry, TypeActionCompleted,
		TypeNarrationStarted, TypeNarrationCompleted, TypeNarrationInterrupted,
		TypeClarificationRequested, TypeClarificationAnswered,
		TypeGrammarReloaded, TypeCacheInvalidated, TypeCapabilityDetected,
		TypePolicyGateTriggered, TypeHealthIssueDetected,
		TypeHealthIssueRemediated, TypeConfigReloaded, TypeMetricsSnapshot,
		TypeError, TypeStateChanged, TypeCustom,
	}
}

// Event is implemented by every payload carried on the bus.
type Event interface {
	EventType() EventType
}

// Envelope wraps every event published on the bus. Envelopes are values and
// are never mutated after publication.
type Envelope struct {
	ID            uuid.UUID
	Timestamp     int64 // microseconds since the Unix epoch
	CorrelationID uuid.UUID
	SpanID        string
	Event         Event

	seq     uint64
	exclude SubscriptionID
}

// Type returns the discriminator of the wrapped event.
func (e Envelope) Type() EventType {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventType()
}

// Time converts the envelope timestamp to a time.Time in UTC.
func (e Envelope) Time() time.Time {
	return time.UnixMicro(e.Timestamp).UTC()
}

// HasCorrelation reports whether the envelope belongs to a user turn.
func (e Envelope) HasCorrelation() bool {
	return e.CorrelationID != uuid.Nil
}

// AudioCaptured is published by capture adapters when an utterance was recorded.
type AudioCaptured struct {
	Samples    int
	SampleRate int
	Duration   time.Duration
}

// WakeWordDetected signals that the wake phrase was heard.
type WakeWordDetected struct {
	Word       string
	Confidence float32
}

// TranscriptionProduced carries speech-to-text output.
type TranscriptionProduced struct {
	Text       string
	Confidence float32
	Final      bool
	Latency    time.Duration
}

// CommandParsed is emitted once the intent parser classified an utterance.
type CommandParsed struct {
	Input      string
	Intent     string
	Entities   map[string]slots.Entity
	Confidence float64
	Latency    time.Duration
}

// PlanStarted marks the start of an action plan.
type PlanStarted struct {
	PlanID string
	Steps  int
}

// PlanCompleted reports the outcome of an action plan.
type PlanCompleted struct {
	PlanID   string
	Success  bool
	Duration time.Duration
}

// ActionStarted marks dispatch of a single effector call.
type ActionStarted struct {
	ActionID string
	Name     string
}

// ActionRetry records a retried effector call.
type ActionRetry struct {
	ActionID string
	Attempt  int
	Reason   string
}

// ActionCompleted reports an effector result.
type ActionCompleted struct {
	ActionID string
	Name     string
	Success  bool
	Message  string
	Duration time.Duration
}

// NarrationStarted is published when the output worker begins an utterance.
type NarrationStarted struct {
	ID   uint64
	Kind string
	Text string
}

// NarrationCompleted is published after an utterance ran to its end.
type NarrationCompleted struct {
	ID      uint64
	Kind    string
	Success bool
	Err     string
}

// NarrationInterrupted is published when an utterance was aborted or dropped.
type NarrationInterrupted struct {
	ID     uint64
	Kind   string
	Reason string
}

// ClarificationRequested asks the user to disambiguate a slot.
type ClarificationRequested struct {
	Question string
	Slot     string
	Options  []string
}

// ClarificationAnswered carries the user's answer to a clarification.
type ClarificationAnswered struct {
	Slot   string
	Answer string
}

// GrammarReloaded reports a reload of the command grammar.
type GrammarReloaded struct {
	Source string
	Rules  int
}

// CacheInvalidated reports eviction of a cached lookup.
type CacheInvalidated struct {
	Cache string
	Key   string
}

// CapabilityDetected reports whether an OS feature is available.
type CapabilityDetected struct {
	Capability string
	Available  bool
	Detail     string
}

// PolicyGateTriggered reports a policy decision about an action.
type PolicyGateTriggered struct {
	Policy  string
	Action  string
	Allowed bool
	Reason  string
}

// HealthIssueDetected reports an unhealthy component.
type HealthIssueDetected struct {
	Component string
	Issue     string
}

// HealthIssueRemediated reports that a health issue was resolved.
type HealthIssueRemediated struct {
	Component string
	Action    string
}

// ConfigReloaded is published whenever a configuration document is applied.
type ConfigReloaded struct {
	Path string
}

// MetricsSnapshot carries a periodic copy of runtime counters.
type MetricsSnapshot struct {
	CommandsProcessed uint64
	CommandsSucceeded uint64
	CommandsFailed    uint64
	WakeWords         uint64
	SuccessRate       float64
	AverageMillis     map[string]float64
}

// Error surfaces a recovered failure. SubscriptionID is set for handler panics.
type Error struct {
	Source         string
	Message        string
	SubscriptionID SubscriptionID
}

// StateChanged reports a lifecycle transition of a component.
type StateChanged struct {
	Component string
	From      string
	To        string
}

// Custom carries adapter-specific signals the core does not model.
type Custom struct {
	Type string
	Data map[string]any
}

// CustomQueueOverflow is the Custom type emitted when backpressure drops an envelope.
const CustomQueueOverflow = "queue_overflow"

func (AudioCaptured) EventType() EventType          { return TypeAudioCaptured }
func (WakeWordDetected) EventType() EventType       { return TypeWakeWordDetected }
func (TranscriptionProduced) EventType() EventType  { return TypeTranscriptionProduced }
func (CommandParsed) EventType() EventType          { return TypeCommandParsed }
func (PlanStarted) EventType() EventType            { return TypePlanStarted }
func (PlanCompleted) EventType() EventType          { return TypePlanCompleted }
func (ActionStarted) EventType() EventType          { return TypeActionStarted }
func (ActionRetry) EventType() EventType            { return TypeActionRetry }
func (ActionCompleted) EventType() EventType        { return TypeActionCompleted }
func (NarrationStarted) EventType() EventType       { return TypeNarrationStarted }
func (NarrationCompleted) EventType() EventType     { return TypeNarrationCompleted }
func (NarrationInterrupted) EventType() EventType   { return TypeNarrationInterrupted }
func (ClarificationRequested) EventType() EventType { return TypeClarificationRequested }
func (ClarificationAnswered) EventType() EventType  { return TypeClarificationAnswered }
func (GrammarReloaded) EventType() EventType        { return TypeGrammarReloaded }
func (CacheInvalidated) EventType() EventType       { return TypeCacheInvalidated }
func (CapabilityDetected) EventType() EventType     { return TypeCapabilityDetected }
func (PolicyGateTriggered) EventType() EventType    { return TypePolicyGateTriggered }
func (HealthIssueDetected) EventType() EventType    { return TypeHealthIssueDetected }
func (HealthIssueRemediated) EventType() EventType  { return TypeHealthIssueRemediated }
func (ConfigReloaded) EventType() EventType         { return TypeConfigReloaded }
func (MetricsSnapshot) EventType() EventType        { return TypeMetricsSnapshot }
func (Error) EventType() EventType                  { return TypeError }
func (StateChanged) EventType() EventType           { return TypeStateChanged }
func (Custom) EventType() EventType                 { return TypeCustom }
