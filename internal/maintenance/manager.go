// Package maintenance owns scheduled and unscheduled suppression windows.
// Managers answer "is this check suppressed at time T" and serve the
// acknowledgement path. Callers serialize per-check mutations with a store
// lock; the manager itself issues plain store operations.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"flapjack/internal/clock"
	"flapjack/internal/domain"
	"flapjack/internal/store"
)

// Manager provides maintenance window queries and mutations for checks.
// Params: shared store, logger, and clock.
// Returns: suppression oracle consumed by the processor and admin surface.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	clock  clock.Clock
}

// NewManager creates a maintenance manager.
// Params: entity store, logger, and clock.
// Returns: initialized manager.
func NewManager(entityStore store.Store, logger *slog.Logger, clk clock.Clock) *Manager {
	return &Manager{store: entityStore, logger: logger, clock: clk}
}

// windowField maps a window kind to the check association field.
// Params: maintenance kind.
// Returns: sorted-set field name on the check.
func windowField(kind domain.MaintenanceKind) string {
	if kind == domain.MaintenanceUnscheduled {
		return domain.FieldUnscheduled
	}
	return domain.FieldScheduled
}

// activeWindows loads windows of one kind covering instant t.
// Params: check id, kind, and query time.
// Returns: windows with start <= t < end.
func (m *Manager) activeWindows(ctx context.Context, checkID string, kind domain.MaintenanceKind, t time.Time) ([]domain.Maintenance, error) {
	ids, err := m.store.SortedRange(ctx, domain.ClassCheck, checkID, windowField(kind), math.Inf(-1), float64(t.Unix()))
	if err != nil {
		return nil, fmt.Errorf("range %s windows: %w", kind, err)
	}
	windows := make([]domain.Maintenance, 0, len(ids))
	for _, id := range ids {
		var window domain.Maintenance
		if err := m.store.Get(ctx, domain.Maintenance{Kind: kind}.Class(), id, &window); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Self-heal a dangling reference and keep going.
				m.logger.Error("dangling maintenance reference removed", "check_id", checkID, "window_id", id)
				_ = m.store.SortedRemove(ctx, domain.ClassCheck, checkID, windowField(kind), id)
				continue
			}
			return nil, err
		}
		if window.ActiveAt(t) {
			windows = append(windows, window)
		}
	}
	return windows, nil
}

// InScheduled reports whether any scheduled window covers instant t.
// Params: check id and query time.
// Returns: active flag or store error.
func (m *Manager) InScheduled(ctx context.Context, checkID string, t time.Time) (bool, error) {
	windows, err := m.activeWindows(ctx, checkID, domain.MaintenanceScheduled, t)
	if err != nil {
		return false, err
	}
	return len(windows) > 0, nil
}

// InUnscheduled reports whether the open unscheduled window covers instant t.
// Params: check id and query time.
// Returns: active flag or store error.
func (m *Manager) InUnscheduled(ctx context.Context, checkID string, t time.Time) (bool, error) {
	windows, err := m.activeWindows(ctx, checkID, domain.MaintenanceUnscheduled, t)
	if err != nil {
		return false, err
	}
	return len(windows) > 0, nil
}

// InMaintenance reports whether either suppressor covers instant t.
// Scheduled and unscheduled windows suppress independently.
// Params: check id and query time.
// Returns: active flag or store error.
func (m *Manager) InMaintenance(ctx context.Context, checkID string, t time.Time) (bool, error) {
	scheduled, err := m.InScheduled(ctx, checkID, t)
	if err != nil {
		return false, err
	}
	if scheduled {
		return true, nil
	}
	return m.InUnscheduled(ctx, checkID, t)
}

// CurrentUnscheduled returns the open unscheduled window at instant t.
// Params: check id and query time.
// Returns: window pointer or nil when none is active.
func (m *Manager) CurrentUnscheduled(ctx context.Context, checkID string, t time.Time) (*domain.Maintenance, error) {
	windows, err := m.activeWindows(ctx, checkID, domain.MaintenanceUnscheduled, t)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}
	return &windows[0], nil
}

// ScheduleMaintenance declares one scheduled window on a check.
// Params: check id, window bounds, and summary.
// Returns: persisted window or validation/store error.
func (m *Manager) ScheduleMaintenance(ctx context.Context, checkID string, start, end time.Time, summary string) (domain.Maintenance, error) {
	if !end.After(start) {
		return domain.Maintenance{}, fmt.Errorf("maintenance end %d must be after start %d", end.Unix(), start.Unix())
	}
	window := domain.NewMaintenance(checkID, domain.MaintenanceScheduled, start, end, summary)
	if err := m.store.Save(ctx, window); err != nil {
		return domain.Maintenance{}, err
	}
	if err := m.store.SortedAdd(ctx, domain.ClassCheck, checkID, domain.FieldScheduled, float64(window.StartTime), window.ID); err != nil {
		return domain.Maintenance{}, err
	}
	return window, nil
}

// EndScheduled truncates or deletes one scheduled window at instant at.
// If at <= start the window is deleted; if at < end the window is truncated
// and is_alerting routes are cleared so the next unhealthy sample
// re-notifies; otherwise nothing changes.
// Params: check id, window id, and truncation instant.
// Returns: true when the window was changed.
func (m *Manager) EndScheduled(ctx context.Context, checkID, windowID string, at time.Time) (bool, error) {
	var window domain.Maintenance
	if err := m.store.Get(ctx, domain.ClassScheduledMaintenance, windowID, &window); err != nil {
		return false, err
	}
	unix := at.Unix()
	switch {
	case unix <= window.StartTime:
		if err := m.store.Delete(ctx, window); err != nil {
			return false, err
		}
		if err := m.store.SortedRemove(ctx, domain.ClassCheck, checkID, domain.FieldScheduled, window.ID); err != nil {
			return false, err
		}
	case unix < window.EndTime:
		window.EndTime = unix
		if err := m.store.Save(ctx, window); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	if err := m.clearAlertingRoutes(ctx, checkID); err != nil {
		return false, err
	}
	return true, nil
}

// Acknowledge opens an unscheduled window [now, now+duration) on a failing
// check, truncating any existing one, and clears alerting markers.
// Params: check record and acknowledgement duration/summary.
// Returns: true when a window was opened.
func (m *Manager) Acknowledge(ctx context.Context, check domain.Check, duration time.Duration, summary string) (bool, error) {
	if duration <= 0 {
		return false, nil
	}
	if !check.Failing {
		return false, nil
	}
	now := m.clock.Now()

	current, err := m.CurrentUnscheduled(ctx, check.ID, now)
	if err != nil {
		return false, err
	}
	if current != nil {
		current.EndTime = now.Unix()
		if current.EndTime <= current.StartTime {
			if err := m.store.Delete(ctx, *current); err != nil {
				return false, err
			}
			if err := m.store.SortedRemove(ctx, domain.ClassCheck, check.ID, domain.FieldUnscheduled, current.ID); err != nil {
				return false, err
			}
		} else if err := m.store.Save(ctx, *current); err != nil {
			return false, err
		}
	}

	window := domain.NewMaintenance(check.ID, domain.MaintenanceUnscheduled, now, now.Add(duration), summary)
	if err := m.store.Save(ctx, window); err != nil {
		return false, err
	}
	if err := m.store.SortedAdd(ctx, domain.ClassCheck, check.ID, domain.FieldUnscheduled, float64(window.StartTime), window.ID); err != nil {
		return false, err
	}

	if err := m.clearAlertingRoutes(ctx, check.ID); err != nil {
		return false, err
	}
	if err := m.store.SetClear(ctx, domain.ClassCheck, check.ID, domain.FieldAlertingMedia); err != nil {
		return false, err
	}
	return true, nil
}

// clearAlertingRoutes resets is_alerting on every route of one check.
// Params: check id.
// Returns: store error.
func (m *Manager) clearAlertingRoutes(ctx context.Context, checkID string) error {
	routeIDs, err := m.store.SetMembers(ctx, domain.ClassCheck, checkID, domain.FieldRoutes)
	if err != nil {
		return err
	}
	for _, routeID := range routeIDs {
		var route domain.Route
		if err := m.store.Get(ctx, domain.ClassRoute, routeID, &route); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.logger.Error("dangling route reference removed", "check_id", checkID, "route_id", routeID)
				_ = m.store.SetRemove(ctx, domain.ClassCheck, checkID, domain.FieldRoutes, routeID)
				continue
			}
			return err
		}
		if !route.IsAlerting {
			continue
		}
		route.IsAlerting = false
		if err := m.store.Save(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

// ExpirePast destroys windows whose end time is already behind now.
// Called from the housekeeping schedule.
// Params: check id and current time.
// Returns: number of windows removed.
func (m *Manager) ExpirePast(ctx context.Context, checkID string, now time.Time) (int, error) {
	removed := 0
	for _, kind := range []domain.MaintenanceKind{domain.MaintenanceScheduled, domain.MaintenanceUnscheduled} {
		ids, err := m.store.SortedRange(ctx, domain.ClassCheck, checkID, windowField(kind), math.Inf(-1), float64(now.Unix()))
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			var window domain.Maintenance
			if err := m.store.Get(ctx, domain.Maintenance{Kind: kind}.Class(), id, &window); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					_ = m.store.SortedRemove(ctx, domain.ClassCheck, checkID, windowField(kind), id)
					continue
				}
				return removed, err
			}
			if window.EndTime > now.Unix() {
				continue
			}
			if err := m.store.Delete(ctx, window); err != nil {
				return removed, err
			}
			if err := m.store.SortedRemove(ctx, domain.ClassCheck, checkID, windowField(kind), id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
