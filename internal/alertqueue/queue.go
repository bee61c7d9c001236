// Package alertqueue carries dispatchable alerts from the resolver to the
// per-medium dispatcher workers over durable FIFO queues.
package alertqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"flapjack/internal/domain"
)

// Job is one outbound alert task on a per-medium queue.
// Params: deterministic id, destination queue, and alert payload.
// Returns: queue unit consumed by dispatcher workers.
type Job struct {
	ID        string       `json:"id"`
	Queue     string       `json:"queue"`
	Alert     domain.Alert `json:"alert"`
	CreatedAt time.Time    `json:"created_at"`
}

// DLQReason identifies why an alert job reached the dead-letter stream.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable delivery failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxAttemptsExceeded marks retries exhausted by policy.
	DLQReasonMaxAttemptsExceeded DLQReason = "max_attempts_exceeded"
)

// DLQEntry is the dead-letter payload for alert delivery failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job      Job       `json:"job"`
	Reason   DLQReason `json:"reason"`
	Error    string    `json:"error"`
	Attempts uint64    `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// BuildJobID creates a deterministic id for one alert queue task so
// redelivered publishes deduplicate at the stream.
// Params: destination queue and alert payload.
// Returns: stable SHA1-based id string.
func BuildJobID(queue string, alert domain.Alert) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s|%d",
		queue,
		alert.CheckID,
		alert.ContactID,
		alert.MediumID,
		alert.NotificationType,
		alert.Condition,
		alert.EnqueuedAt.UnixNano(),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues alert jobs onto per-medium queues.
// Params: context and job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs for one medium.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}
