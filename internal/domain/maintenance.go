package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaintenanceKind selects the scheduled or unscheduled window class.
// Params: constants below.
// Returns: store namespace selector for maintenance windows.
type MaintenanceKind string

const (
	// MaintenanceScheduled marks a pre-declared window.
	MaintenanceScheduled MaintenanceKind = "scheduled"
	// MaintenanceUnscheduled marks a window opened by an acknowledgement.
	MaintenanceUnscheduled MaintenanceKind = "unscheduled"
)

// Maintenance is one [start,end) suppression window on a check.
// Params: owning check, window bounds in unix seconds, and summary.
// Returns: persisted window record; start time never mutates once saved.
type Maintenance struct {
	ID        string          `json:"id"`
	CheckID   string          `json:"check_id"`
	Kind      MaintenanceKind `json:"kind"`
	StartTime int64           `json:"start_time"`
	EndTime   int64           `json:"end_time"`
	Summary   string          `json:"summary"`
}

// NewMaintenance creates one maintenance window.
// Params: owning check id, kind, bounds, and summary text.
// Returns: initialized window record.
func NewMaintenance(checkID string, kind MaintenanceKind, start, end time.Time, summary string) Maintenance {
	return Maintenance{
		ID:        uuid.NewString(),
		CheckID:   checkID,
		Kind:      kind,
		StartTime: start.Unix(),
		EndTime:   end.Unix(),
		Summary:   summary,
	}
}

// Class returns the store namespace matching the window kind.
func (m Maintenance) Class() string {
	if m.Kind == MaintenanceUnscheduled {
		return ClassUnscheduledMaintenance
	}
	return ClassScheduledMaintenance
}

// EntityID returns the window id.
func (m Maintenance) EntityID() string { return m.ID }

// ActiveAt reports whether the window covers instant t.
// Params: query time.
// Returns: true when start <= t < end.
func (m Maintenance) ActiveAt(t time.Time) bool {
	unix := t.Unix()
	return m.StartTime <= unix && unix < m.EndTime
}
