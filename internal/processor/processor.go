// Package processor applies inbound events to checks. For each event it
// atomically updates the check record, appends one history state, and emits
// zero or one notification for the resolver.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flapjack/internal/clock"
	"flapjack/internal/domain"
	"flapjack/internal/maintenance"
	"flapjack/internal/metrics"
	"flapjack/internal/store"
)

// lockClasses spans every entity class a single event may mutate.
var lockClasses = []string{
	domain.ClassCheck,
	domain.ClassState,
	domain.ClassScheduledMaintenance,
	domain.ClassUnscheduledMaintenance,
	domain.ClassRoute,
	domain.ClassMedium,
}

// RouteRecomputer rebuilds the materialized route set of one check.
// Params: context and check snapshot.
// Returns: recompute error.
type RouteRecomputer interface {
	RecomputeRoutes(ctx context.Context, check domain.Check) error
}

// Options tunes processor behavior.
// Params: fallback delays, auto-create policy, and history retention.
// Returns: processor configuration.
type Options struct {
	InitialFailureDelay int
	RepeatFailureDelay  int
	AutoCreateChecks    bool
	// NewCheckMaintenance opens a scheduled window of this many seconds on
	// every auto-created check; 0 disables.
	NewCheckMaintenance int
	// StateRetention bounds the per-check history length; 0 keeps all.
	StateRetention int
}

// Processor converts the event stream into check transitions.
// Params: store, maintenance manager, route recomputer, options.
// Returns: serial per-check event applier.
type Processor struct {
	store   store.Store
	maint   *maintenance.Manager
	routes  RouteRecomputer
	options Options
	logger  *slog.Logger
	clock   clock.Clock
}

// New creates a processor.
// Params: entity store, maintenance manager, route recomputer, options,
// logger, and clock.
// Returns: initialized processor.
func New(entityStore store.Store, maint *maintenance.Manager, routes RouteRecomputer, options Options, logger *slog.Logger, clk clock.Clock) *Processor {
	return &Processor{
		store:   entityStore,
		maint:   maint,
		routes:  routes,
		options: options,
		logger:  logger,
		clock:   clk,
	}
}

// Process applies one validated event under the multi-class store lock.
// Params: context and validated event.
// Returns: emitted notification (nil when none) or store error.
func (p *Processor) Process(ctx context.Context, event domain.Event) (*domain.Notification, error) {
	var notification *domain.Notification
	err := p.store.Lock(ctx, lockClasses, func(ctx context.Context) error {
		var applyErr error
		notification, applyErr = p.apply(ctx, event)
		return applyErr
	})
	return notification, err
}

// apply routes one event by type inside the lock.
// Params: context and event.
// Returns: emitted notification or error.
func (p *Processor) apply(ctx context.Context, event domain.Event) (*domain.Notification, error) {
	check, ok, err := p.resolveCheck(ctx, event)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if !check.Enabled {
		return nil, nil
	}

	if event.Type == domain.EventTypeAction {
		return p.applyAcknowledgement(ctx, check, event)
	}
	return p.applySample(ctx, check, event)
}

// resolveCheck finds or auto-creates the check an event names.
// Params: context and event.
// Returns: check record and a found/created flag.
func (p *Processor) resolveCheck(ctx context.Context, event domain.Event) (domain.Check, bool, error) {
	name := event.CheckName()
	ids, err := p.store.FindByIndex(ctx, domain.ClassCheck, "name", name)
	if err != nil {
		return domain.Check{}, false, err
	}
	if len(ids) > 0 {
		var check domain.Check
		if err := p.store.Get(ctx, domain.ClassCheck, ids[0], &check); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Index pointed at a destroyed check; heal and fall through
				// to creation.
				if err := p.store.Delete(ctx, domain.Check{ID: ids[0]}); err != nil {
					return domain.Check{}, false, err
				}
				p.logger.Error("dangling check index removed", "check", name, "check_id", ids[0])
			} else {
				return domain.Check{}, false, err
			}
		} else {
			return check, true, nil
		}
	}

	if event.Type == domain.EventTypeAction {
		// Acknowledgements may address the check by its ack hash instead.
		ids, err := p.store.FindByIndex(ctx, domain.ClassCheck, "ack_hash", event.AcknowledgementID)
		if err != nil {
			return domain.Check{}, false, err
		}
		if len(ids) > 0 {
			var check domain.Check
			if err := p.store.Get(ctx, domain.ClassCheck, ids[0], &check); err == nil {
				return check, true, nil
			}
		}
		return domain.Check{}, false, nil
	}

	if !p.options.AutoCreateChecks {
		p.logger.Warn("event dropped for unknown check", "check", name)
		metrics.IncEventDropped()
		return domain.Check{}, false, nil
	}

	check := domain.NewCheck(name)
	check.Tags = append([]string(nil), event.Tags...)
	if err := p.store.Save(ctx, check); err != nil {
		return domain.Check{}, false, err
	}
	if err := p.store.SetAdd(ctx, domain.ClassCheck, domain.CheckRegistryID, domain.FieldMembers, check.ID); err != nil {
		return domain.Check{}, false, err
	}
	if p.routes != nil {
		if err := p.routes.RecomputeRoutes(ctx, check); err != nil {
			return domain.Check{}, false, err
		}
	}
	if p.options.NewCheckMaintenance > 0 {
		now := p.clock.Now()
		duration := time.Duration(p.options.NewCheckMaintenance) * time.Second
		if _, err := p.maint.ScheduleMaintenance(ctx, check.ID, now, now.Add(duration), "new check grace window"); err != nil {
			return domain.Check{}, false, err
		}
	}
	p.logger.Info("check auto-created", "check", name, "check_id", check.ID)
	return check, true, nil
}

// applyAcknowledgement handles one action event.
// Params: context, check, and action event.
// Returns: acknowledgement notification when a window opened.
func (p *Processor) applyAcknowledgement(ctx context.Context, check domain.Check, event domain.Event) (*domain.Notification, error) {
	opened, err := p.maint.Acknowledge(ctx, check, time.Duration(event.Duration)*time.Second, event.Summary)
	if err != nil {
		return nil, err
	}
	if !opened {
		return nil, nil
	}
	check.NotificationCount++
	if err := p.store.Save(ctx, check); err != nil {
		return nil, err
	}
	return &domain.Notification{
		CheckID:   check.ID,
		CheckName: check.Name,
		Type:      domain.NotificationAcknowledgement,
		Severity:  check.Condition,
		Summary:   event.Summary,
		Details:   event.Details,
		Time:      event.EventTime(),
	}, nil
}

// applySample handles one service/metric sample through the transition table.
// Params: context, check, and sample event.
// Returns: problem/recovery notification or nil.
func (p *Processor) applySample(ctx context.Context, check domain.Check, event domain.Event) (*domain.Notification, error) {
	condition, err := event.Condition()
	if err != nil {
		return nil, err
	}
	eventTime := event.EventTime()

	if check.CurrentStateID != "" {
		var current domain.State
		if err := p.store.Get(ctx, domain.ClassState, check.CurrentStateID, &current); err == nil {
			// Redelivery-safe guard: a sample at or before the current state
			// timestamp is a duplicate or out of order for this check.
			if event.Time <= current.CreatedAt {
				p.logger.Warn("stale sample dropped", "check", check.Name, "time", event.Time)
				metrics.IncEventDropped()
				return nil, nil
			}
		}
	}

	p.applyOverrides(&check, event)
	if len(event.Tags) > 0 && !sameTags(check.Tags, event.Tags) {
		check.Tags = append([]string(nil), event.Tags...)
		if p.routes != nil {
			if err := p.routes.RecomputeRoutes(ctx, check); err != nil {
				return nil, err
			}
		}
	}

	state := domain.NewState(check.ID, condition, event.Summary, event.Details, eventTime)
	if err := p.store.Save(ctx, state); err != nil {
		return nil, err
	}
	if err := p.store.SortedAdd(ctx, domain.ClassCheck, check.ID, domain.FieldStates, float64(state.CreatedAt), state.ID); err != nil {
		return nil, err
	}
	if p.options.StateRetention > 0 {
		if err := p.store.SortedTrim(ctx, domain.ClassCheck, check.ID, domain.FieldStates, p.options.StateRetention); err != nil {
			return nil, err
		}
	}

	prev := check.Condition
	prevUnhealthy := prev.Unhealthy()
	check.CurrentStateID = state.ID
	check.Condition = condition
	check.Failing = condition.Unhealthy()

	var notification *domain.Notification
	switch {
	case !prevUnhealthy && condition.Healthy():
		// Healthy to healthy: record state only.
		check.Streak = 0
	case condition.Unhealthy():
		notification, err = p.applyUnhealthy(ctx, &check, condition, prev, prevUnhealthy, event, eventTime)
		if err != nil {
			return nil, err
		}
	case prevUnhealthy && condition.Healthy():
		notification = p.applyRecovery(&check, event, eventTime)
	}

	if err := p.store.Save(ctx, check); err != nil {
		return nil, err
	}
	if notification != nil {
		notification.StateID = state.ID
	}
	return notification, nil
}

// sameTags compares two tag lists as sets.
// Params: current and incoming tag lists.
// Returns: true when both carry the same members.
func sameTags(current, incoming []string) bool {
	if len(current) != len(incoming) {
		return false
	}
	have := make(map[string]struct{}, len(current))
	for _, tag := range current {
		have[tag] = struct{}{}
	}
	for _, tag := range incoming {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// applyOverrides persists per-event delay overrides onto the check.
// Params: mutable check and event.
// Returns: check updated in place.
func (p *Processor) applyOverrides(check *domain.Check, event domain.Event) {
	if event.InitialFailureDelay != nil && *event.InitialFailureDelay >= 0 {
		check.InitialFailureDelay = *event.InitialFailureDelay
	}
	if event.RepeatFailureDelay != nil && *event.RepeatFailureDelay >= 0 {
		check.RepeatFailureDelay = *event.RepeatFailureDelay
	}
}

// applyUnhealthy advances the failing streak and decides problem emission.
// Params: mutable check, new/prev conditions, event, and sample time.
// Returns: problem notification or nil.
func (p *Processor) applyUnhealthy(ctx context.Context, check *domain.Check, condition, prev domain.Condition, prevUnhealthy bool, event domain.Event, eventTime time.Time) (*domain.Notification, error) {
	if !prevUnhealthy {
		// The hold-down counter restarts on every healthy-to-unhealthy
		// transition, including re-enable.
		check.FailureStartedAt = eventTime.Unix()
		check.Streak = 1
		check.MostSevere = condition
		check.LastProblemAt = 0
	} else {
		check.Streak++
		check.MostSevere = domain.MostSevere(check.MostSevere, condition)
	}

	escalated := prevUnhealthy && condition.SeverityAbove(prev)
	if !escalated && !p.pastHoldDown(*check, eventTime) {
		return nil, nil
	}
	if !escalated && !p.pastRepeatThrottle(*check, eventTime) {
		return nil, nil
	}

	suppressed, err := p.maint.InMaintenance(ctx, check.ID, eventTime)
	if err != nil {
		return nil, err
	}
	if suppressed {
		// State is persisted but no notification leaves; alerting routes
		// reset so recovery-from-maintenance re-notifies.
		if err := p.clearAlertingRoutes(ctx, check.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	check.LastProblemAt = eventTime.Unix()
	check.NotificationCount++
	return &domain.Notification{
		CheckID:   check.ID,
		CheckName: check.Name,
		Type:      domain.NotificationProblem,
		Severity:  condition,
		Summary:   event.Summary,
		Details:   event.Details,
		Time:      eventTime,
	}, nil
}

// applyRecovery closes the failing episode.
// A recovery is emitted even during maintenance so downstream state
// returns to normal; the resolver limits delivery to alerting media.
// Params: mutable check, event, and sample time.
// Returns: recovery notification.
func (p *Processor) applyRecovery(check *domain.Check, event domain.Event, eventTime time.Time) *domain.Notification {
	check.Streak = 0
	check.FailureStartedAt = 0
	check.MostSevere = ""
	check.LastProblemAt = 0
	check.NotificationCount++
	return &domain.Notification{
		CheckID:   check.ID,
		CheckName: check.Name,
		Type:      domain.NotificationRecovery,
		Severity:  domain.ConditionOK,
		Summary:   event.Summary,
		Details:   event.Details,
		Time:      eventTime,
	}
}

// pastHoldDown reports whether the episode outlived the initial delay.
// Params: check snapshot and sample time.
// Returns: true when continuously unhealthy for at least the delay.
func (p *Processor) pastHoldDown(check domain.Check, eventTime time.Time) bool {
	delay := check.InitialFailureDelay
	if delay == 0 {
		delay = p.options.InitialFailureDelay
	}
	if delay <= 0 {
		return true
	}
	return eventTime.Unix()-check.FailureStartedAt >= int64(delay)
}

// pastRepeatThrottle reports whether the repeat delay elapsed.
// Params: check snapshot and sample time.
// Returns: true for the first problem of an episode or past the throttle.
func (p *Processor) pastRepeatThrottle(check domain.Check, eventTime time.Time) bool {
	if check.LastProblemAt == 0 {
		return true
	}
	delay := check.RepeatFailureDelay
	if delay == 0 {
		delay = p.options.RepeatFailureDelay
	}
	if delay <= 0 {
		return true
	}
	return eventTime.Unix()-check.LastProblemAt >= int64(delay)
}

// clearAlertingRoutes resets is_alerting on every route of one check.
// Params: check id.
// Returns: store error.
func (p *Processor) clearAlertingRoutes(ctx context.Context, checkID string) error {
	routeIDs, err := p.store.SetMembers(ctx, domain.ClassCheck, checkID, domain.FieldRoutes)
	if err != nil {
		return err
	}
	for _, routeID := range routeIDs {
		var route domain.Route
		if err := p.store.Get(ctx, domain.ClassRoute, routeID, &route); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = p.store.SetRemove(ctx, domain.ClassCheck, checkID, domain.FieldRoutes, routeID)
				continue
			}
			return fmt.Errorf("load route %s: %w", routeID, err)
		}
		if !route.IsAlerting {
			continue
		}
		route.IsAlerting = false
		if err := p.store.Save(ctx, route); err != nil {
			return err
		}
	}
	return nil
}
