package domain

import "time"

// NotificationType classifies why a delivery is warranted.
// Params: constants below.
// Returns: normalized notification type usage across pipeline.
type NotificationType string

const (
	// NotificationProblem marks an unhealthy condition past its hold-down.
	NotificationProblem NotificationType = "problem"
	// NotificationAcknowledgement marks an operator acknowledgement.
	NotificationAcknowledgement NotificationType = "acknowledgement"
	// NotificationRecovery marks a return to health.
	NotificationRecovery NotificationType = "recovery"
	// NotificationScheduledMaintenance marks a window lifecycle notice.
	NotificationScheduledMaintenance NotificationType = "scheduled_maintenance"
	// NotificationTest marks an operator-triggered test delivery.
	NotificationTest NotificationType = "test"
	// NotificationRollup marks a digest covering several alerting checks.
	NotificationRollup NotificationType = "rollup"
)

// Notification is the processor's internal work item handed to the resolver.
// Params: check/state references, severity, and emission time.
// Returns: routing input; destroyed after resolution.
type Notification struct {
	CheckID   string           `json:"check_id"`
	CheckName string           `json:"check_name"`
	StateID   string           `json:"state_id,omitempty"`
	Type      NotificationType `json:"type"`
	Severity  Condition        `json:"severity"`
	Summary   string           `json:"summary"`
	Details   string           `json:"details,omitempty"`
	Time      time.Time        `json:"time"`
}
