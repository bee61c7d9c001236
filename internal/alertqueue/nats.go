package alertqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"flapjack/internal/clock"
	"flapjack/internal/outcome"
)

const (
	alertStreamName    = "FLAPJACK_ALERTS"
	alertSubjectPrefix = "flapjack.alerts."
	dlqStreamName      = "FLAPJACK_ALERTS_DLQ"
	dlqSubject         = "flapjack.dlq.alerts"
	alertStreamMaxAge  = 24 * time.Hour
	dlqStreamMaxAge    = 7 * 24 * time.Hour
)

// subjectFor maps a queue name onto its stream subject.
// Params: per-medium queue name.
// Returns: JetStream subject.
func subjectFor(queue string) string {
	return alertSubjectPrefix + queue
}

// NATSProducer publishes alert jobs onto per-medium subjects of one
// work-queue stream.
// Params: NATS connection and JetStream context.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSProducer creates the JetStream producer for alert queues.
// Params: NATS URL list.
// Returns: initialized producer or setup error.
func NewNATSProducer(urls []string) (*NATSProducer, error) {
	nc, js, err := openAlertJetStream(urls)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js}, nil
}

// Enqueue publishes one alert job onto its medium queue.
// Params: context and job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal alert job: %w", err)
	}
	msg := nats.NewMsg(subjectFor(job.Queue))
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(job.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish alert job: %w", err)
	}
	return nil
}

// Close closes the producer connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// WorkerOptions tunes one medium's queue consumer.
// Params: queue name, worker count, retry policy, backoff bounds, and the
// clock used to stamp DLQ entries (nil falls back to the system clock).
// Returns: consumer configuration.
type WorkerOptions struct {
	Queue       string
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	AckWait     time.Duration
	Clock       clock.Clock
}

// Handler processes one dequeued alert job.
// Params: context and job.
// Returns: nil on delivery, transient error for redelivery, or a
// permanent-marked error to drop.
type Handler func(ctx context.Context, job Job) error

// NATSWorker consumes one medium's alert queue with a worker pool.
// Params: NATS connection and per-worker subscriptions.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	logger *slog.Logger
	clock  clock.Clock
}

// NewNATSWorker starts the queue consumers for one medium.
// Params: NATS URL list, worker options, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(urls []string, options WorkerOptions, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openAlertJetStream(urls)
	if err != nil {
		return nil, err
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	worker := &NATSWorker{nc: nc, js: js, logger: logger, clock: clk}
	deliverGroup := "flapjack-" + options.Queue
	subOpts := []nats.SubOpt{
		nats.BindStream(alertStreamName),
		nats.Durable(deliverGroup),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(options.AckWait),
		nats.MaxDeliver(options.MaxAttempts),
		nats.DeliverAll(),
	}
	workers := options.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(subjectFor(options.Queue), deliverGroup, func(message *nats.Msg) {
			worker.handleMessage(message, options, handler)
		}, subOpts...)
		if err != nil {
			_ = worker.Close()
			return nil, fmt.Errorf("queue subscribe alerts %q: %w", options.Queue, err)
		}
		worker.subs = append(worker.subs, sub)
	}
	return worker, nil
}

// handleMessage processes one delivery with retry/drop disposition.
// Params: message, worker options, and job handler.
// Returns: message acked, nacked with backoff, or dead-lettered.
func (w *NATSWorker) handleMessage(message *nats.Msg, options WorkerOptions, handler Handler) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		if w.logger != nil {
			w.logger.Warn("alert job decode failed", "subject", message.Subject, "error", err.Error())
		}
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	job.Alert.Attempts = int(attempts)
	err := handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}
	if w.logger != nil {
		w.logger.Error("alert delivery failed", "job_id", job.ID, "queue", job.Queue, "attempt", attempts, "error", err.Error())
	}

	reason := DLQReason("")
	if outcome.Classify(err) == outcome.Permanent {
		reason = DLQReasonPermanentError
	} else if options.MaxAttempts > 0 && attempts >= uint64(options.MaxAttempts) {
		reason = DLQReasonMaxAttemptsExceeded
	}
	if reason != "" {
		if dlqErr := w.publishDLQ(job, reason, err, attempts); dlqErr != nil && w.logger != nil {
			w.logger.Error("alert dlq publish failed", "job_id", job.ID, "error", dlqErr.Error())
		}
		_ = message.Ack()
		return
	}

	_ = message.NakWithDelay(backoffDelay(attempts, options.BackoffBase, options.MaxBackoff))
}

// backoffDelay computes capped exponential redelivery delay.
// Params: attempt counter (1-based), base delay, and cap.
// Returns: delay for the next redelivery.
func backoffDelay(attempts uint64, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := uint64(1); i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// publishDLQ moves one terminally failed job to the dead-letter stream.
// Params: job, failure reason/cause, and attempt counter.
// Returns: publish error.
func (w *NATSWorker) publishDLQ(job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:      job,
		Reason:   reason,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: w.clock.Now(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal alert dlq entry: %w", err)
	}
	msg := nats.NewMsg(dlqSubject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", job.ID, reason, attempts))
	if _, err := w.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert dlq entry: %w", err)
	}
	return nil
}

// Close drains worker subscriptions and closes the connection.
// In-flight handler calls finish before Drain returns.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.nc.Close()
	return firstErr
}

// openAlertJetStream opens a connection and ensures the alert streams exist.
// Params: NATS URL list.
// Returns: connection, JetStream context, and setup error.
func openAlertJetStream(urls []string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect alert queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for alert queue: %w", err)
	}
	if err := ensureStream(js, alertStreamName, alertSubjectPrefix+"*", nats.WorkQueuePolicy, alertStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := ensureStream(js, dlqStreamName, dlqSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// deliveryAttempts returns delivery attempt count from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}
