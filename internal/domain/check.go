package domain

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/google/uuid"
)

// Entity class names used as store key namespaces.
const (
	ClassCheck                  = "check"
	ClassState                  = "state"
	ClassScheduledMaintenance   = "scheduled_maintenance"
	ClassUnscheduledMaintenance = "unscheduled_maintenance"
	ClassContact                = "contact"
	ClassMedium                 = "medium"
	ClassRule                   = "rule"
	ClassRoute                  = "route"
)

// Association field names on a check record.
const (
	FieldStates         = "states"
	FieldScheduled      = "scheduled_maintenances"
	FieldUnscheduled    = "unscheduled_maintenances"
	FieldRoutes         = "routes"
	FieldAlertingMedia  = "alerting_media"
	FieldContacts       = "contacts"
	FieldMedia          = "media"
	FieldRules          = "rules"
	FieldAlertingChecks = "alerting_checks"
	FieldMembers        = "members"
)

// CheckRegistryID is the pseudo-id whose members set lists every check,
// used for housekeeping sweeps.
const CheckRegistryID = "all"

// Check is one monitored entity and its current condition.
// Params: identity, delay tuning, and current failure-episode scalars.
// Returns: persisted check record; associations live in store sets.
type Check struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Enabled             bool      `json:"enabled"`
	Condition           Condition `json:"condition"`
	Failing             bool      `json:"failing"`
	AckHash             string    `json:"ack_hash"`
	NotificationCount   int64     `json:"notification_count"`
	InitialFailureDelay int       `json:"initial_failure_delay"`
	RepeatFailureDelay  int       `json:"repeat_failure_delay"`
	Tags                []string  `json:"tags,omitempty"`

	// Failure-episode tracking. FailureStartedAt is zero while healthy;
	// MostSevere is the worst condition seen since the episode began.
	FailureStartedAt int64     `json:"failure_started_at,omitempty"`
	Streak           int64     `json:"streak,omitempty"`
	LastProblemAt    int64     `json:"last_problem_at,omitempty"`
	MostSevere       Condition `json:"most_severe,omitempty"`
	CurrentStateID   string    `json:"current_state_id,omitempty"`
}

// NewCheck creates an enabled check with a fresh id and stable ack hash.
// Params: unique human name.
// Returns: initialized check record.
func NewCheck(name string) Check {
	id := uuid.NewString()
	return Check{
		ID:      id,
		Name:    name,
		Enabled: true,
		AckHash: AckHashFor(id),
	}
}

// AckHashFor derives the short acknowledgement token from a check id.
// The token survives renames because it hashes the id, never the name.
// Params: check id.
// Returns: first 8 hex chars of SHA-1 of the id.
func AckHashFor(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}

// Class returns the store namespace for checks.
func (Check) Class() string { return ClassCheck }

// EntityID returns the check id.
func (c Check) EntityID() string { return c.ID }

// Indexes returns secondary index values for lookup by name, ack hash, and tag.
// Params: none.
// Returns: field to values map consumed by the store on save.
func (c Check) Indexes() map[string][]string {
	indexes := map[string][]string{
		"name":     {c.Name},
		"ack_hash": {c.AckHash},
	}
	if len(c.Tags) > 0 {
		indexes["tag"] = append([]string(nil), c.Tags...)
	}
	return indexes
}

// HasTags reports whether every wanted tag is present on the check.
// Params: wanted tag list (empty matches everything).
// Returns: subset relation between wanted and check tags.
func (c Check) HasTags(wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(c.Tags))
	for _, tag := range c.Tags {
		have[tag] = struct{}{}
	}
	for _, tag := range wanted {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}
