package app

import (
	"context"
	"log/slog"

	"flapjack/internal/alertqueue"
	"flapjack/internal/clock"
	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/metrics"
	"flapjack/internal/processor"
	"flapjack/internal/resolver"
)

// Pipeline connects the processor, resolver, and alert queues. It is the
// event sink handed to the ingest transports and the emission path for the
// admin surface.
// Params: processor, resolver, queue producer, and gateway queue names.
// Returns: end-to-end event application.
type Pipeline struct {
	processor *processor.Processor
	resolver  *resolver.Resolver
	producer  alertqueue.Producer
	gateways  map[string]config.GatewayConfig
	logger    *slog.Logger
	clock     clock.Clock
}

// NewPipeline creates the processing pipeline.
// Params: components, queue producer (nil delivers nothing), gateway map,
// logger, and clock.
// Returns: initialized pipeline.
func NewPipeline(proc *processor.Processor, res *resolver.Resolver, producer alertqueue.Producer, gateways map[string]config.GatewayConfig, logger *slog.Logger, clk clock.Clock) *Pipeline {
	return &Pipeline{
		processor: proc,
		resolver:  res,
		producer:  producer,
		gateways:  gateways,
		logger:    logger,
		clock:     clk,
	}
}

// Ingest applies one validated event and fans out resulting alerts.
// Params: context and validated event.
// Returns: processing error (transports nack and redeliver on it).
func (p *Pipeline) Ingest(ctx context.Context, event domain.Event) error {
	notification, err := p.processor.Process(ctx, event)
	if err != nil {
		return err
	}
	metrics.IncEventProcessed()
	if notification == nil {
		return nil
	}
	return p.Emit(ctx, *notification)
}

// Emit resolves one notification and enqueues its alerts.
// Params: context and notification.
// Returns: resolution or enqueue error.
func (p *Pipeline) Emit(ctx context.Context, notification domain.Notification) error {
	metrics.IncNotification(string(notification.Type))
	resolution, err := p.resolver.Resolve(ctx, notification)
	if err != nil {
		return err
	}
	if len(resolution.Alerts) == 0 {
		return nil
	}
	return p.enqueue(ctx, resolution.Alerts)
}

// enqueue publishes alerts onto their per-medium queues.
// Alerts for media without a configured gateway are dropped with a log
// line; that is a deployment gap, not a retryable failure.
// Params: context and alert list.
// Returns: first enqueue error.
func (p *Pipeline) enqueue(ctx context.Context, alerts []domain.Alert) error {
	if p.producer == nil {
		p.logger.Warn("alert queue disabled, dropping alerts", "count", len(alerts))
		return nil
	}
	for _, alert := range alerts {
		gateway, ok := p.gateways[string(alert.MediumType)]
		if !ok {
			p.logger.Warn("no gateway for medium, alert dropped", "medium", alert.MediumType, "check", alert.CheckName)
			metrics.IncAlertFailed(string(alert.MediumType))
			continue
		}
		job := alertqueue.Job{
			ID:        alertqueue.BuildJobID(gateway.Queue, alert),
			Queue:     gateway.Queue,
			Alert:     alert,
			CreatedAt: p.clock.Now(),
		}
		if err := p.producer.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
