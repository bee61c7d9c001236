package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is one immutable sample in a check's history.
// Params: condition, creation time, and probe-provided text.
// Returns: append-only history record owned by one check.
type State struct {
	ID        string    `json:"id"`
	CheckID   string    `json:"check_id"`
	Condition Condition `json:"condition"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// NewState creates one history sample for a check.
// Params: owning check id, condition, probe text, and sample time.
// Returns: initialized state record.
func NewState(checkID string, condition Condition, summary, details string, at time.Time) State {
	return State{
		ID:        uuid.NewString(),
		CheckID:   checkID,
		Condition: condition,
		Summary:   summary,
		Details:   details,
		CreatedAt: at.Unix(),
	}
}

// Class returns the store namespace for states.
func (State) Class() string { return ClassState }

// EntityID returns the state id.
func (s State) EntityID() string { return s.ID }
