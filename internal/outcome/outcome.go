// Package outcome reifies the dispatcher's delivery contract: every
// handler call resolves to Ok, Transient, or Permanent. Handlers return
// plain errors for retryable failures and pin Permanent explicitly with
// Fatal; Classify gives the queue worker the disposition.
package outcome

import "errors"

// Outcome is the three-way disposition of one delivery attempt.
// Params: constants below.
// Returns: retry/drop decision input for the queue worker.
type Outcome int

const (
	// Ok means the alert was delivered.
	Ok Outcome = iota
	// Transient means delivery failed but redelivery may succeed.
	Transient
	// Permanent means no retry can succeed; the alert is dropped.
	Permanent
)

// String renders the outcome for logs and DLQ entries.
// Params: none.
// Returns: lower-case disposition token.
func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// deliveryError pins an explicit outcome onto a wrapped cause.
// Params: disposition and root cause.
// Returns: error carrying its classification through wrap chains.
type deliveryError struct {
	outcome Outcome
	cause   error
}

// Error returns the cause message prefixed with the disposition.
func (e *deliveryError) Error() string {
	if e.cause == nil {
		return e.outcome.String() + " delivery failure"
	}
	return e.outcome.String() + " delivery failure: " + e.cause.Error()
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *deliveryError) Unwrap() error {
	return e.cause
}

// Fatal pins err to the Permanent outcome.
// Params: root cause (nil stays nil).
// Returns: error that Classify resolves to Permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &deliveryError{outcome: Permanent, cause: err}
}

// Classify resolves one delivery error to its outcome. Errors without an
// explicit pin default to Transient so the queue redelivers them.
// Params: handler error (nil means delivered).
// Returns: Ok, Transient, or Permanent.
func Classify(err error) Outcome {
	if err == nil {
		return Ok
	}
	var tagged *deliveryError
	if errors.As(err, &tagged) {
		return tagged.outcome
	}
	return Transient
}
