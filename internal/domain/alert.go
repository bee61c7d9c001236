package domain

import (
	"time"

	"github.com/google/uuid"
)

// Alert is one dispatchable work item targeted at one (contact, medium).
// Params: delivery coordinates, notification context, and attempt counter.
// Returns: queue unit consumed by per-medium dispatcher workers.
type Alert struct {
	ID               string           `json:"alert_id"`
	CheckID          string           `json:"check_id"`
	CheckName        string           `json:"check_name"`
	ContactID        string           `json:"contact_id"`
	MediumID         string           `json:"medium_id"`
	MediumType       MediumType       `json:"medium_type"`
	Address          string           `json:"address"`
	NotificationType NotificationType `json:"notification_type"`
	Condition        Condition        `json:"condition"`
	Summary          string           `json:"summary"`
	Details          string           `json:"details,omitempty"`
	Attempts         int              `json:"attempts"`
	EnqueuedAt       time.Time        `json:"enqueued_at"`
	// RollupChecks carries the names of all simultaneously alerting checks
	// when NotificationType is rollup.
	RollupChecks []string `json:"rollup_checks,omitempty"`
}

// NewAlert builds one alert from a notification and a delivery target.
// Params: source notification, target medium, and enqueue time.
// Returns: initialized alert with zero attempts.
func NewAlert(notification Notification, medium Medium, at time.Time) Alert {
	return Alert{
		ID:               uuid.NewString(),
		CheckID:          notification.CheckID,
		CheckName:        notification.CheckName,
		ContactID:        medium.ContactID,
		MediumID:         medium.ID,
		MediumType:       medium.Type,
		Address:          medium.Address,
		NotificationType: notification.Type,
		Condition:        notification.Severity,
		Summary:          notification.Summary,
		Details:          notification.Details,
		EnqueuedAt:       at,
	}
}
