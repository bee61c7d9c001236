package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flapjack/internal/clock"
	"flapjack/internal/domain"
	"flapjack/internal/maintenance"
	"flapjack/internal/resolver"
	"flapjack/internal/store"
)

// adminLockClasses spans the classes the control surface may mutate.
var adminLockClasses = []string{
	domain.ClassCheck,
	domain.ClassScheduledMaintenance,
	domain.ClassUnscheduledMaintenance,
	domain.ClassRoute,
	domain.ClassMedium,
}

// Admin is the administrative control surface the gateway and CLI consume.
// Params: store, maintenance manager, resolver, and pipeline.
// Returns: control operations over checks and notifications.
type Admin struct {
	store    store.Store
	maint    *maintenance.Manager
	resolver *resolver.Resolver
	pipeline *Pipeline
	logger   *slog.Logger
	clock    clock.Clock
}

// NewAdmin creates the control surface.
// Params: shared components.
// Returns: initialized admin facade.
func NewAdmin(entityStore store.Store, maint *maintenance.Manager, res *resolver.Resolver, pipeline *Pipeline, logger *slog.Logger, clk clock.Clock) *Admin {
	return &Admin{
		store:    entityStore,
		maint:    maint,
		resolver: res,
		pipeline: pipeline,
		logger:   logger,
		clock:    clk,
	}
}

// Ingest applies one event through the full pipeline.
// Params: context and validated event.
// Returns: processing error.
func (a *Admin) Ingest(ctx context.Context, event domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return a.pipeline.Ingest(ctx, event)
}

// CurrentState returns one check and its latest history sample.
// Params: context and check id.
// Returns: check record and current state (nil when never sampled).
func (a *Admin) CurrentState(ctx context.Context, checkID string) (domain.Check, *domain.State, error) {
	var check domain.Check
	if err := a.store.Get(ctx, domain.ClassCheck, checkID, &check); err != nil {
		return domain.Check{}, nil, err
	}
	if check.CurrentStateID == "" {
		return check, nil, nil
	}
	var state domain.State
	if err := a.store.Get(ctx, domain.ClassState, check.CurrentStateID, &state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return check, nil, nil
		}
		return domain.Check{}, nil, err
	}
	return check, &state, nil
}

// Acknowledge opens an unscheduled window on a failing check and emits an
// acknowledgement notification.
// Params: context, check id, window duration, and summary.
// Returns: true when a window opened.
func (a *Admin) Acknowledge(ctx context.Context, checkID string, duration time.Duration, summary string) (bool, error) {
	var (
		check  domain.Check
		opened bool
	)
	err := a.store.Lock(ctx, adminLockClasses, func(ctx context.Context) error {
		if err := a.store.Get(ctx, domain.ClassCheck, checkID, &check); err != nil {
			return err
		}
		var ackErr error
		opened, ackErr = a.maint.Acknowledge(ctx, check, duration, summary)
		return ackErr
	})
	if err != nil || !opened {
		return false, err
	}

	notification := domain.Notification{
		CheckID:   check.ID,
		CheckName: check.Name,
		Type:      domain.NotificationAcknowledgement,
		Severity:  check.Condition,
		Summary:   summary,
		Time:      a.clock.Now(),
	}
	if err := a.pipeline.Emit(ctx, notification); err != nil {
		a.logger.Error("acknowledgement notification failed", "check", check.Name, "error", err.Error())
	}
	return true, nil
}

// ScheduleMaintenance declares one scheduled window and emits a
// maintenance notification.
// Params: context, check id, bounds, and summary.
// Returns: persisted window.
func (a *Admin) ScheduleMaintenance(ctx context.Context, checkID string, start, end time.Time, summary string) (domain.Maintenance, error) {
	var (
		check  domain.Check
		window domain.Maintenance
	)
	err := a.store.Lock(ctx, adminLockClasses, func(ctx context.Context) error {
		if err := a.store.Get(ctx, domain.ClassCheck, checkID, &check); err != nil {
			return err
		}
		var scheduleErr error
		window, scheduleErr = a.maint.ScheduleMaintenance(ctx, checkID, start, end, summary)
		return scheduleErr
	})
	if err != nil {
		return domain.Maintenance{}, err
	}

	notification := domain.Notification{
		CheckID:   check.ID,
		CheckName: check.Name,
		Type:      domain.NotificationScheduledMaintenance,
		Severity:  check.Condition,
		Summary:   fmt.Sprintf("maintenance scheduled: %s", summary),
		Time:      a.clock.Now(),
	}
	if err := a.pipeline.Emit(ctx, notification); err != nil {
		a.logger.Error("maintenance notification failed", "check", check.Name, "error", err.Error())
	}
	return window, nil
}

// EndMaintenance truncates or deletes one scheduled window.
// Params: context, check id, window id, and truncation instant.
// Returns: true when the window changed.
func (a *Admin) EndMaintenance(ctx context.Context, checkID, windowID string, at time.Time) (bool, error) {
	var changed bool
	err := a.store.Lock(ctx, adminLockClasses, func(ctx context.Context) error {
		var endErr error
		changed, endErr = a.maint.EndScheduled(ctx, checkID, windowID, at)
		return endErr
	})
	return changed, err
}

// TestNotification fans a test alert over one contact's media.
// Params: context, check id, and contact id.
// Returns: resolution or enqueue error.
func (a *Admin) TestNotification(ctx context.Context, checkID, contactID string) error {
	var check domain.Check
	if err := a.store.Get(ctx, domain.ClassCheck, checkID, &check); err != nil {
		return err
	}
	var contact domain.Contact
	if err := a.store.Get(ctx, domain.ClassContact, contactID, &contact); err != nil {
		return err
	}
	alerts, err := a.resolver.ResolveTest(ctx, check, contact)
	if err != nil {
		return err
	}
	return a.pipeline.enqueue(ctx, alerts)
}
