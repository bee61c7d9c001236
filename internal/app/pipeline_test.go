package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"flapjack/internal/alertqueue"
	"flapjack/internal/clock"
	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/maintenance"
	"flapjack/internal/processor"
	"flapjack/internal/resolver"
	"flapjack/internal/store"
)

const base = int64(1_739_000_000)

type recordingProducer struct {
	mu   sync.Mutex
	jobs []alertqueue.Job
}

func (p *recordingProducer) Enqueue(_ context.Context, job alertqueue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) byType(notificationType domain.NotificationType) []alertqueue.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []alertqueue.Job
	for _, job := range p.jobs {
		if job.Alert.NotificationType == notificationType {
			matched = append(matched, job)
		}
	}
	return matched
}

type pipelineFixture struct {
	pipeline *Pipeline
	admin    *Admin
	store    *store.MemoryStore
	maint    *maintenance.Manager
	producer *recordingProducer
	clock    *clock.ManualClock
	resolver *resolver.Resolver
}

func newPipelineFixture(t *testing.T, options processor.Options) *pipelineFixture {
	t.Helper()
	memory := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manual := clock.NewManualClock(time.Unix(base, 0))
	maintManager := maintenance.NewManager(memory, logger, manual)
	routeResolver := resolver.New(memory, logger, manual)
	options.AutoCreateChecks = true
	checkProcessor := processor.New(memory, maintManager, routeResolver, options, logger, manual)
	producer := &recordingProducer{}
	gateways := map[string]config.GatewayConfig{
		"email": {Queue: "email", TimeoutSec: 30},
		"slack": {Queue: "slack", TimeoutSec: 30},
	}
	pipeline := NewPipeline(checkProcessor, routeResolver, producer, gateways, logger, manual)
	admin := NewAdmin(memory, maintManager, routeResolver, pipeline, logger, manual)
	return &pipelineFixture{
		pipeline: pipeline,
		admin:    admin,
		store:    memory,
		maint:    maintManager,
		producer: producer,
		clock:    manual,
		resolver: routeResolver,
	}
}

// seedRouting creates a contact with one email medium and a generic rule.
func (f *pipelineFixture) seedRouting(t *testing.T, conditions []domain.Condition) (domain.Contact, domain.Medium) {
	t.Helper()
	ctx := context.Background()
	contact := domain.NewContact("ops", "UTC")
	if err := f.store.Save(ctx, contact); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	medium := domain.NewMedium(contact.ID, domain.MediumEmail, "ops@example.com")
	if err := f.store.Save(ctx, medium); err != nil {
		t.Fatalf("seed medium: %v", err)
	}
	rule := domain.NewRule(contact.ID, conditions, nil)
	if err := f.store.Save(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := f.store.SetAdd(ctx, domain.ClassRule, rule.ID, domain.FieldMedia, medium.ID); err != nil {
		t.Fatalf("bind medium: %v", err)
	}
	return contact, medium
}

func (f *pipelineFixture) ingest(t *testing.T, name, state string, offset int64) {
	t.Helper()
	event := domain.Event{
		Entity:  name,
		Type:    domain.EventTypeService,
		State:   state,
		Summary: state + " sample",
		Time:    base + offset,
	}
	f.clock.Set(event.EventTime())
	if err := f.pipeline.Ingest(context.Background(), event); err != nil {
		t.Fatalf("ingest %s at %d: %v", state, offset, err)
	}
}

func (f *pipelineFixture) loadCheck(t *testing.T, name string) domain.Check {
	t.Helper()
	ids, err := f.store.FindByIndex(context.Background(), domain.ClassCheck, "name", name)
	if err != nil || len(ids) != 1 {
		t.Fatalf("find check %q: ids=%v err=%v", name, ids, err)
	}
	var check domain.Check
	if err := f.store.Get(context.Background(), domain.ClassCheck, ids[0], &check); err != nil {
		t.Fatalf("load check: %v", err)
	}
	return check
}

func TestPipelineHoldDownScenario(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{InitialFailureDelay: 60, RepeatFailureDelay: 300})
	f.seedRouting(t, []domain.Condition{domain.ConditionWarning})

	f.ingest(t, "web1", "warning", 0)
	f.ingest(t, "web1", "warning", 30)
	f.ingest(t, "web1", "warning", 70)

	problems := f.producer.byType(domain.NotificationProblem)
	if len(problems) != 1 {
		t.Fatalf("expected exactly one problem alert, got %d", len(problems))
	}
	if problems[0].Queue != "email" {
		t.Fatalf("unexpected queue %q", problems[0].Queue)
	}
	if problems[0].Alert.EnqueuedAt.Unix() != base+70 {
		t.Fatalf("problem must carry the triggering time, got %d", problems[0].Alert.EnqueuedAt.Unix())
	}

	check := f.loadCheck(t, "web1")
	ctx := context.Background()
	routeIDs, _ := f.store.SetMembers(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes)
	if len(routeIDs) != 1 {
		t.Fatalf("expected one materialized route, got %d", len(routeIDs))
	}
	var route domain.Route
	if err := f.store.Get(ctx, domain.ClassRoute, routeIDs[0], &route); err != nil {
		t.Fatalf("load route: %v", err)
	}
	if !route.IsAlerting {
		t.Fatal("route must be alerting after the problem")
	}
	media, _ := f.store.SetMembers(ctx, domain.ClassCheck, check.ID, domain.FieldAlertingMedia)
	if len(media) != 1 {
		t.Fatalf("expected one alerting medium, got %v", media)
	}
}

func TestPipelineRecoveryScenario(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{InitialFailureDelay: 60, RepeatFailureDelay: 300})
	f.seedRouting(t, []domain.Condition{domain.ConditionWarning})

	f.ingest(t, "web1", "warning", 0)
	f.ingest(t, "web1", "warning", 70)
	f.ingest(t, "web1", "ok", 90)

	recoveries := f.producer.byType(domain.NotificationRecovery)
	if len(recoveries) != 1 {
		t.Fatalf("expected one recovery alert, got %d", len(recoveries))
	}

	check := f.loadCheck(t, "web1")
	if check.Failing {
		t.Fatal("check must not be failing")
	}
	media, _ := f.store.SetMembers(context.Background(), domain.ClassCheck, check.ID, domain.FieldAlertingMedia)
	if len(media) != 0 {
		t.Fatalf("alerting media must be empty, got %v", media)
	}
}

func TestPipelineAckSuppressionScenario(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{RepeatFailureDelay: 300})
	f.seedRouting(t, nil)

	f.ingest(t, "web1", "critical", 0)
	if got := len(f.producer.byType(domain.NotificationProblem)); got != 1 {
		t.Fatalf("expected initial problem, got %d", got)
	}

	check := f.loadCheck(t, "web1")
	f.clock.Set(time.Unix(base+5, 0))
	opened, err := f.admin.Acknowledge(context.Background(), check.ID, time.Hour, "working on it")
	if err != nil || !opened {
		t.Fatalf("acknowledge: opened=%v err=%v", opened, err)
	}
	if got := len(f.producer.byType(domain.NotificationAcknowledgement)); got != 1 {
		t.Fatalf("expected acknowledgement alert, got %d", got)
	}

	f.ingest(t, "web1", "critical", 10)
	if got := len(f.producer.byType(domain.NotificationProblem)); got != 1 {
		t.Fatalf("suppressed sample must not alert, got %d problems", got)
	}

	f.ingest(t, "web1", "critical", 3700)
	if got := len(f.producer.byType(domain.NotificationProblem)); got != 2 {
		t.Fatalf("expired window must re-alert, got %d problems", got)
	}
}

func TestPipelineMaintenanceEndedEarlyRenotifies(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{RepeatFailureDelay: 300})
	f.seedRouting(t, nil)
	ctx := context.Background()

	f.ingest(t, "web1", "ok", 0)
	check := f.loadCheck(t, "web1")

	window, err := f.admin.ScheduleMaintenance(ctx, check.ID, time.Unix(base, 0), time.Unix(base+1000, 0), "planned")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.ingest(t, "web1", "critical", 10)
	if got := len(f.producer.byType(domain.NotificationProblem)); got != 0 {
		t.Fatalf("window must suppress, got %d problems", got)
	}

	changed, err := f.admin.EndMaintenance(ctx, check.ID, window.ID, time.Unix(base+20, 0))
	if err != nil || !changed {
		t.Fatalf("end maintenance: changed=%v err=%v", changed, err)
	}

	// Next unhealthy sample re-notifies once the window is gone. The repeat
	// throttle does not apply because the suppressed problem never counted.
	f.ingest(t, "web1", "critical", 30)
	if got := len(f.producer.byType(domain.NotificationProblem)); got != 1 {
		t.Fatalf("expected problem after early end, got %d", got)
	}
}

func TestPipelineTestNotification(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{RepeatFailureDelay: 300})
	contact, _ := f.seedRouting(t, nil)

	f.ingest(t, "web1", "ok", 0)
	check := f.loadCheck(t, "web1")

	if err := f.admin.TestNotification(context.Background(), check.ID, contact.ID); err != nil {
		t.Fatalf("test notification: %v", err)
	}
	tests := f.producer.byType(domain.NotificationTest)
	if len(tests) != 1 {
		t.Fatalf("expected one test alert, got %d", len(tests))
	}
}

func TestPipelineDropsAlertsWithoutGateway(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{RepeatFailureDelay: 300})
	ctx := context.Background()

	// Medium type sns has no gateway configured in the fixture.
	contact := domain.NewContact("ops", "UTC")
	if err := f.store.Save(ctx, contact); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	medium := domain.NewMedium(contact.ID, domain.MediumSNS, "arn:aws:sns:us-east-1:1:alerts")
	if err := f.store.Save(ctx, medium); err != nil {
		t.Fatalf("seed medium: %v", err)
	}
	rule := domain.NewRule(contact.ID, nil, nil)
	if err := f.store.Save(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := f.store.SetAdd(ctx, domain.ClassRule, rule.ID, domain.FieldMedia, medium.ID); err != nil {
		t.Fatalf("bind medium: %v", err)
	}

	f.ingest(t, "web1", "critical", 0)
	if len(f.producer.jobs) != 0 {
		t.Fatalf("alerts without a gateway must be dropped, got %d jobs", len(f.producer.jobs))
	}
}

func TestPipelineCurrentState(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, processor.Options{RepeatFailureDelay: 300})
	f.ingest(t, "web1", "warning", 0)
	check := f.loadCheck(t, "web1")

	loaded, state, err := f.admin.CurrentState(context.Background(), check.ID)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if loaded.Condition != domain.ConditionWarning {
		t.Fatalf("unexpected condition %q", loaded.Condition)
	}
	if state == nil || state.Condition != domain.ConditionWarning {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.CreatedAt != base {
		t.Fatalf("state must carry the sample time, got %d", state.CreatedAt)
	}
}
