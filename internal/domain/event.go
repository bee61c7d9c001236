package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies incoming event shape.
// Params: constants "service", "action", or "metric".
// Returns: normalized event type usage across pipeline.
type EventType string

const (
	// EventTypeService marks one check-result sample from a probe.
	EventTypeService EventType = "service"
	// EventTypeAction marks an operator action (acknowledgement).
	EventTypeAction EventType = "action"
	// EventTypeMetric marks a metric sample carried on the event stream.
	EventTypeMetric EventType = "metric"
)

// Event is one normalized inbound check-result event.
// Params: entity/check naming, type, condition, summary, unix time, and
// optional per-event delay overrides and acknowledgement fields.
// Returns: validated event payload for check processing.
type Event struct {
	Entity              string    `json:"entity"`
	Check               string    `json:"check,omitempty"`
	Type                EventType `json:"type"`
	State               string    `json:"state"`
	Summary             string    `json:"summary"`
	Details             string    `json:"details,omitempty"`
	Time                int64     `json:"time"`
	Tags                []string  `json:"tags,omitempty"`
	InitialFailureDelay *int      `json:"initial_failure_delay,omitempty"`
	RepeatFailureDelay  *int      `json:"repeat_failure_delay,omitempty"`
	AcknowledgementID   string    `json:"acknowledgement_id,omitempty"`
	Duration            int64     `json:"duration,omitempty"`
}

// CheckName combines entity and optional sub-check into the check key.
// Params: none.
// Returns: "entity" or "entity:check".
func (e Event) CheckName() string {
	if strings.TrimSpace(e.Check) == "" {
		return e.Entity
	}
	return e.Entity + ":" + e.Check
}

// EventTime converts unix-second timestamp into UTC time.
// Params: none.
// Returns: converted UTC time.
func (e Event) EventTime() time.Time {
	return time.Unix(e.Time, 0).UTC()
}

// Condition parses the event state token.
// Params: none.
// Returns: condition value or vocabulary error.
func (e Event) Condition() (Condition, error) {
	return ParseCondition(strings.ToLower(strings.TrimSpace(e.State)))
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventReader decodes and validates one event payload from stream.
// Params: reader positioned at one JSON object.
// Returns: validated event or decode/validation error.
func DecodeEventReader(reader *json.Decoder) (Event, error) {
	var event Event
	if err := reader.Decode(&event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Validate validates one event against the wire contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Entity) == "" {
		return errors.New("entity is required")
	}
	if e.Time <= 0 {
		return errors.New("time must be >0")
	}

	switch e.Type {
	case EventTypeService, EventTypeAction, EventTypeMetric:
	default:
		return fmt.Errorf("unsupported type %q", e.Type)
	}

	if strings.TrimSpace(e.Summary) == "" {
		return errors.New("summary is required")
	}
	if _, err := e.Condition(); err != nil {
		return err
	}

	if e.Type == EventTypeAction {
		if strings.TrimSpace(e.AcknowledgementID) == "" {
			return errors.New("acknowledgement_id is required for type=action")
		}
		if e.Duration < 0 {
			return errors.New("duration must be >=0")
		}
	}

	for _, tag := range e.Tags {
		if strings.TrimSpace(tag) == "" {
			return errors.New("tags must not contain empty values")
		}
	}

	return nil
}
