package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"flapjack/internal/clock"
	"flapjack/internal/domain"
	"flapjack/internal/maintenance"
	"flapjack/internal/resolver"
	"flapjack/internal/store"
)

const base = int64(1_739_000_000)

type fixture struct {
	processor *Processor
	maint     *maintenance.Manager
	store     *store.MemoryStore
	clock     *clock.ManualClock
}

func newFixture(t *testing.T, options Options) *fixture {
	t.Helper()
	memory := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manual := clock.NewManualClock(time.Unix(base, 0))
	maint := maintenance.NewManager(memory, logger, manual)
	routes := resolver.New(memory, logger, manual)
	options.AutoCreateChecks = true
	return &fixture{
		processor: New(memory, maint, routes, options, logger, manual),
		maint:     maint,
		store:     memory,
		clock:     manual,
	}
}

func sample(name, state string, offset int64) domain.Event {
	return domain.Event{
		Entity:  name,
		Type:    domain.EventTypeService,
		State:   state,
		Summary: state + " sample",
		Time:    base + offset,
	}
}

func ackEvent(name, ackID string, offset, duration int64) domain.Event {
	return domain.Event{
		Entity:            name,
		Type:              domain.EventTypeAction,
		State:             "critical",
		Summary:           "acknowledged",
		Time:              base + offset,
		AcknowledgementID: ackID,
		Duration:          duration,
	}
}

func (f *fixture) mustProcess(t *testing.T, event domain.Event) *domain.Notification {
	t.Helper()
	f.clock.Set(event.EventTime())
	notification, err := f.processor.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("process event at %d: %v", event.Time, err)
	}
	return notification
}

func (f *fixture) loadCheck(t *testing.T, name string) domain.Check {
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

func TestHoldDownWithholdsUntilDelayElapses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{InitialFailureDelay: 60, RepeatFailureDelay: 300})

	if n := f.mustProcess(t, sample("web1", "warning", 0)); n != nil {
		t.Fatalf("t=0 must be withheld, got %v", n.Type)
	}
	if n := f.mustProcess(t, sample("web1", "warning", 30)); n != nil {
		t.Fatalf("t=30 must be withheld, got %v", n.Type)
	}
	notification := f.mustProcess(t, sample("web1", "warning", 70))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatalf("t=70 must emit problem, got %v", notification)
	}
	if notification.Severity != domain.ConditionWarning {
		t.Fatalf("unexpected severity %q", notification.Severity)
	}

	check := f.loadCheck(t, "web1")
	if !check.Failing || check.Condition != domain.ConditionWarning {
		t.Fatalf("check must be failing warning, got failing=%v condition=%q", check.Failing, check.Condition)
	}
	if check.Streak != 3 {
		t.Fatalf("expected streak 3, got %d", check.Streak)
	}
}

func TestZeroDelayEmitsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	notification := f.mustProcess(t, sample("web1", "critical", 0))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatalf("first unhealthy event must emit problem with zero delay, got %v", notification)
	}
}

func TestRecoveryEndsEpisode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{InitialFailureDelay: 60, RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "warning", 0))
	f.mustProcess(t, sample("web1", "warning", 70))

	notification := f.mustProcess(t, sample("web1", "ok", 90))
	if notification == nil || notification.Type != domain.NotificationRecovery {
		t.Fatalf("expected recovery, got %v", notification)
	}

	check := f.loadCheck(t, "web1")
	if check.Failing {
		t.Fatal("check must not be failing after recovery")
	}
	if check.Condition != domain.ConditionOK {
		t.Fatalf("expected ok condition, got %q", check.Condition)
	}
	if check.FailureStartedAt != 0 || check.Streak != 0 || check.MostSevere != "" {
		t.Fatal("episode markers must reset on recovery")
	}
}

func TestSeverityEscalationBypassesRepeatDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	first := f.mustProcess(t, sample("web1", "warning", 0))
	if first == nil || first.Severity != domain.ConditionWarning {
		t.Fatalf("expected warning problem, got %v", first)
	}

	second := f.mustProcess(t, sample("web1", "critical", 1))
	if second == nil || second.Type != domain.NotificationProblem {
		t.Fatal("escalation must emit immediately despite repeat delay")
	}
	if second.Severity != domain.ConditionCritical {
		t.Fatalf("expected critical severity, got %q", second.Severity)
	}

	check := f.loadCheck(t, "web1")
	if check.MostSevere != domain.ConditionCritical {
		t.Fatalf("most severe must track escalation, got %q", check.MostSevere)
	}
}

func TestSameSeverityRepeatThrottled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "critical", 0))

	if n := f.mustProcess(t, sample("web1", "critical", 100)); n != nil {
		t.Fatalf("repeat within delay must be throttled, got %v", n.Type)
	}
	notification := f.mustProcess(t, sample("web1", "critical", 301))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("repeat past delay must re-emit problem")
	}
}

func TestMilderUnhealthyHonoursThrottle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "critical", 0))

	if n := f.mustProcess(t, sample("web1", "warning", 10)); n != nil {
		t.Fatalf("milder condition within delay must not emit, got %v", n.Type)
	}
	notification := f.mustProcess(t, sample("web1", "warning", 320))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("milder condition past delay must emit")
	}
	if notification.Severity != domain.ConditionWarning {
		t.Fatalf("unexpected severity %q", notification.Severity)
	}
}

func TestAcknowledgementSuppressesUntilExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	problem := f.mustProcess(t, sample("web1", "critical", 0))
	if problem == nil {
		t.Fatal("expected initial problem")
	}
	check := f.loadCheck(t, "web1")

	ack := f.mustProcess(t, ackEvent("web1", check.AckHash, 5, 3600))
	if ack == nil || ack.Type != domain.NotificationAcknowledgement {
		t.Fatalf("expected acknowledgement, got %v", ack)
	}

	if n := f.mustProcess(t, sample("web1", "critical", 10)); n != nil {
		t.Fatalf("sample inside unscheduled window must be suppressed, got %v", n.Type)
	}

	notification := f.mustProcess(t, sample("web1", "critical", 3700))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("sample after window expiry must emit a new problem")
	}
}

func TestAcknowledgingHealthyCheckIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "ok", 0))
	check := f.loadCheck(t, "web1")

	if n := f.mustProcess(t, ackEvent("web1", check.AckHash, 5, 3600)); n != nil {
		t.Fatalf("acknowledging a healthy check must emit nothing, got %v", n.Type)
	}
}

func TestScheduledMaintenanceSuppressesAndExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "ok", 0))
	check := f.loadCheck(t, "web1")

	ctx := context.Background()
	if _, err := f.maint.ScheduleMaintenance(ctx, check.ID, time.Unix(base, 0), time.Unix(base+100, 0), "planned"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n := f.mustProcess(t, sample("web1", "critical", 10)); n != nil {
		t.Fatalf("sample inside scheduled window must be suppressed, got %v", n.Type)
	}
	// State is still persisted during suppression.
	check = f.loadCheck(t, "web1")
	if !check.Failing || check.Condition != domain.ConditionCritical {
		t.Fatal("suppressed sample must still update check state")
	}

	notification := f.mustProcess(t, sample("web1", "critical", 150))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("sample after window end must emit problem")
	}
}

func TestRecoveryEmittedDuringMaintenance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	f.mustProcess(t, sample("web1", "critical", 0))
	check := f.loadCheck(t, "web1")

	ctx := context.Background()
	if _, err := f.maint.ScheduleMaintenance(ctx, check.ID, time.Unix(base+5, 0), time.Unix(base+1000, 0), "planned"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	notification := f.mustProcess(t, sample("web1", "ok", 20))
	if notification == nil || notification.Type != domain.NotificationRecovery {
		t.Fatal("recovery must be emitted even during maintenance")
	}
}

func TestDuplicateEventIdempotence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	event := sample("web1", "critical", 0)
	first := f.mustProcess(t, event)
	if first == nil {
		t.Fatal("expected problem on first ingest")
	}
	second := f.mustProcess(t, event)
	if second != nil {
		t.Fatalf("duplicate ingest must not emit, got %v", second.Type)
	}

	ctx := context.Background()
	check := f.loadCheck(t, "web1")
	states, err := f.store.SortedRange(ctx, domain.ClassCheck, check.ID, domain.FieldStates, 0, float64(base+100000))
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("duplicate ingest must add at most one state, got %d", len(states))
	}
}

func TestFailingFlagTracksCondition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	steps := []struct {
		state   string
		offset  int64
		failing bool
	}{
		{"ok", 0, false},
		{"warning", 10, true},
		{"critical", 20, true},
		{"ok", 30, false},
		{"unknown", 40, true},
	}
	for _, step := range steps {
		f.mustProcess(t, sample("web1", step.state, step.offset))
		check := f.loadCheck(t, "web1")
		if check.Failing != step.failing {
			t.Fatalf("at %q expected failing=%v", step.state, step.failing)
		}
		if check.Failing != check.Condition.Unhealthy() {
			t.Fatal("failing flag must equal condition unhealthiness")
		}
	}
}

func TestAutoCreateDisabledDropsUnknownChecks(t *testing.T) {
	t.Parallel()

	memory := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manual := clock.NewManualClock(time.Unix(base, 0))
	maint := maintenance.NewManager(memory, logger, manual)
	proc := New(memory, maint, nil, Options{RepeatFailureDelay: 300}, logger, manual)

	notification, err := proc.Process(context.Background(), sample("ghost", "critical", 0))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if notification != nil {
		t.Fatal("unknown check must be dropped when auto-create is off")
	}
	ids, _ := memory.FindByIndex(context.Background(), domain.ClassCheck, "name", "ghost")
	if len(ids) != 0 {
		t.Fatal("no check must be created")
	}
}

func TestNewCheckMaintenanceGraceWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300, NewCheckMaintenance: 600})
	if n := f.mustProcess(t, sample("web1", "critical", 0)); n != nil {
		t.Fatalf("problem inside the grace window must be suppressed, got %v", n.Type)
	}
	notification := f.mustProcess(t, sample("web1", "critical", 700))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("problem after the grace window must emit")
	}
}

func TestEventDelayOverridesPersist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RepeatFailureDelay: 300})
	delay := 120
	event := sample("web1", "warning", 0)
	event.InitialFailureDelay = &delay

	if n := f.mustProcess(t, event); n != nil {
		t.Fatalf("override delay must withhold the first problem, got %v", n.Type)
	}
	check := f.loadCheck(t, "web1")
	if check.InitialFailureDelay != 120 {
		t.Fatalf("override must persist on the check, got %d", check.InitialFailureDelay)
	}

	notification := f.mustProcess(t, sample("web1", "warning", 130))
	if notification == nil || notification.Type != domain.NotificationProblem {
		t.Fatal("problem must emit after the overridden delay")
	}
}
