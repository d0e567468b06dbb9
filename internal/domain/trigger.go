package domain

import "time"

// TriggerKind is the closed set of trigger condition variants.
type TriggerKind string

const (
	// TriggerManual workflows only enroll through the API.
	TriggerManual TriggerKind = "manual"
	// TriggerEventMatch fires when a contact event of EventType arrives
	// whose fields equal every entry of FieldEquals.
	TriggerEventMatch TriggerKind = "event_match"
	// TriggerTimeSinceEvent fires when the contact's most recent EventType
	// happened at least Threshold ago (e.g. recall after six months).
	TriggerTimeSinceEvent TriggerKind = "time_since_event"
)

// Trigger is a tagged variant: Kind selects which fields are meaningful.
type Trigger struct {
	Kind             TriggerKind       `json:"kind"`
	EventType        string            `json:"event_type,omitempty"`
	FieldEquals      map[string]string `json:"field_equals,omitempty"`
	ThresholdSeconds int64             `json:"threshold_seconds,omitempty"`
}

// Threshold returns the time-since-event threshold.
func (t Trigger) Threshold() time.Duration {
	return time.Duration(t.ThresholdSeconds) * time.Second
}

// Validate returns a list of problems with the trigger, empty when valid.
func (t Trigger) Validate() []string {
	var problems []string
	switch t.Kind {
	case "", TriggerManual:
	case TriggerEventMatch:
		if t.EventType == "" {
			problems = append(problems, "trigger.event_type is required for event_match")
		}
	case TriggerTimeSinceEvent:
		if t.EventType == "" {
			problems = append(problems, "trigger.event_type is required for time_since_event")
		}
		if t.ThresholdSeconds <= 0 {
			problems = append(problems, "trigger.threshold_seconds must be positive")
		}
	default:
		problems = append(problems, "trigger.kind must be one of manual, event_match, time_since_event")
	}
	return problems
}

// Matches evaluates an event_match trigger against a contact event. It is
// total: any other kind, or a missing field, evaluates to false.
func (t Trigger) Matches(ev ContactEvent) bool {
	if t.Kind != TriggerEventMatch || ev.Type != t.EventType {
		return false
	}
	for k, want := range t.FieldEquals {
		if got, ok := ev.Fields[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Due evaluates a time_since_event trigger for a contact whose most recent
// EventType happened at last. A zero last never matches.
func (t Trigger) Due(last, now time.Time) bool {
	if t.Kind != TriggerTimeSinceEvent || last.IsZero() || t.ThresholdSeconds <= 0 {
		return false
	}
	return !now.Before(last.Add(t.Threshold()))
}
