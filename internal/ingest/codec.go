// Package ingest receives serialized events from the inbound queue and the
// HTTP endpoint, validates them, and hands them to the processing sink.
// Malformed payloads are counted and dropped; they never block the queue.
package ingest

import (
	"context"

	"flapjack/internal/domain"
	"flapjack/internal/metrics"
)

// EventSink accepts validated events for processing.
// Params: context and validated event.
// Returns: processing error (the transport nacks and redelivers).
type EventSink interface {
	Ingest(ctx context.Context, event domain.Event) error
}

// decode parses one raw payload, counting rejects.
// Params: raw JSON bytes.
// Returns: validated event and ok flag.
func decode(raw []byte) (domain.Event, bool) {
	event, err := domain.DecodeEvent(raw)
	if err != nil {
		metrics.IncEventRejected()
		return domain.Event{}, false
	}
	return event, true
}
