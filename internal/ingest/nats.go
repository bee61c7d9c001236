package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"flapjack/internal/config"
)

// NATSReceiver consumes events via JetStream queue consumer and forwards
// them to the sink. Per-check ordering is preserved by the stream's FIFO
// delivery and the single active processor.
// Params: NATS connection, queue subscription, and event sink.
// Returns: NATS ingest lifecycle handle.
type NATSReceiver struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSReceiver creates the JetStream queue consumer for event ingestion.
// Params: ingest NATS config, sink, and logger.
// Returns: started receiver or initialization error.
func NewNATSReceiver(cfg config.NATSIngestConfig, sink EventSink, logger *slog.Logger) (*NATSReceiver, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureEventStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	receiver := &NATSReceiver{nc: nc, logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		event, ok := decode(message.Data)
		if !ok {
			if logger != nil {
				logger.Warn("event rejected", "subject", message.Subject)
			}
			receiver.ackMessage(message, "rejected")
			return
		}
		if err := sink.Ingest(context.Background(), event); err != nil {
			if logger != nil {
				logger.Error("event processing failed", "check", event.CheckName(), "error", err.Error())
			}
			receiver.nackMessage(message, nackDelay)
			return
		}
		receiver.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	receiver.sub = sub
	return receiver, nil
}

// ensureEventStream ensures the inbound event stream exists.
// Params: JetStream context and ingest config.
// Returns: stream create/lookup error.
func ensureEventStream(js nats.JetStreamContext, cfg config.NATSIngestConfig) error {
	if _, err := js.StreamInfo(cfg.Stream); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", cfg.Stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// ackMessage acknowledges a processed or rejected message.
// Params: JetStream message and short reason.
// Returns: none.
func (r *NATSReceiver) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil && r.logger != nil {
		r.logger.Warn("event ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver a message.
// Params: JetStream message and optional delay.
// Returns: none.
func (r *NATSReceiver) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil && r.logger != nil {
		r.logger.Warn("event nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops the subscription and closes the connection.
// In-flight handler callbacks finish before Drain returns.
// Params: none.
// Returns: close error from subscription drain.
func (r *NATSReceiver) Close() error {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			r.nc.Close()
			return err
		}
	}
	r.nc.Close()
	return nil
}
