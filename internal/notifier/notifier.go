// Package notifier dispatches queued alerts to medium handlers. One worker
// pool per configured medium pulls from its queue, renders the message, and
// invokes the handler under a per-call timeout. Transient failures requeue
// with backoff; permanent failures drop with a counter.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"flapjack/internal/alertqueue"
	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/metrics"
	"flapjack/internal/outcome"
)

// Handler delivers one rendered alert over one medium type.
// Handlers are opaque side-effectful externals; errors they return are
// classified by the outcome markers.
// Params: context (deadline applied by dispatcher), alert, and message.
// Returns: nil, transient error, or permanent-marked error.
type Handler interface {
	Type() domain.MediumType
	Deliver(ctx context.Context, alert domain.Alert, message string) error
}

// Dispatcher renders alerts and routes them to registered handlers.
// Params: handler registry, per-medium timeouts, and message template.
// Returns: per-job delivery entrypoint for queue workers.
type Dispatcher struct {
	handlers map[domain.MediumType]Handler
	timeouts map[domain.MediumType]time.Duration
	template *template.Template
	logger   *slog.Logger
}

// NewDispatcher builds the dispatcher from configured gateways.
// Params: gateway configs, constructed handlers, and logger.
// Returns: configured dispatcher or template error.
func NewDispatcher(gateways map[string]config.GatewayConfig, handlers []Handler, logger *slog.Logger) (*Dispatcher, error) {
	compiled, err := parseMessageTemplate("alert", defaultMessageTemplate)
	if err != nil {
		return nil, err
	}
	registry := make(map[domain.MediumType]Handler, len(handlers))
	timeouts := make(map[domain.MediumType]time.Duration, len(handlers))
	for _, handler := range handlers {
		registry[handler.Type()] = handler
		timeout := 30 * time.Second
		if gateway, ok := gateways[string(handler.Type())]; ok && gateway.TimeoutSec > 0 {
			timeout = time.Duration(gateway.TimeoutSec) * time.Second
		}
		timeouts[handler.Type()] = timeout
	}
	return &Dispatcher{
		handlers: registry,
		timeouts: timeouts,
		template: compiled,
		logger:   logger,
	}, nil
}

// Dispatch delivers one dequeued alert job.
// Params: context and alert job.
// Returns: nil on delivery; transient error for requeue; permanent-marked
// error to drop (counted per medium).
func (d *Dispatcher) Dispatch(ctx context.Context, job alertqueue.Job) error {
	alert := job.Alert
	handler, ok := d.handlers[alert.MediumType]
	if !ok {
		// No handler registered for this medium is a configuration fault;
		// retrying cannot recover it.
		metrics.IncAlertFailed(string(alert.MediumType))
		return outcome.Fatal(fmt.Errorf("no handler for medium %q", alert.MediumType))
	}

	message, err := renderMessage(d.template, alert)
	if err != nil {
		metrics.IncAlertFailed(string(alert.MediumType))
		return outcome.Fatal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeouts[alert.MediumType])
	defer cancel()
	err = handler.Deliver(callCtx, alert, message)
	if err == nil {
		metrics.IncAlertDelivered(string(alert.MediumType))
		d.logger.Info("alert delivered",
			"medium", alert.MediumType,
			"check", alert.CheckName,
			"type", alert.NotificationType,
			"attempt", alert.Attempts,
		)
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// Handler timeout counts as transient.
		return fmt.Errorf("deliver %s alert: %w", alert.MediumType, err)
	}
	if outcome.Classify(err) == outcome.Permanent {
		metrics.IncAlertFailed(string(alert.MediumType))
	}
	return err
}
