// Package resolver turns notifications into alert sets. It materializes
// (check, rule) routes, applies severity and time-restriction filters,
// expands rules over contact media, and owns the alerting-media
// de-duplication and per-medium rollup digests.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"flapjack/internal/clock"
	"flapjack/internal/domain"
	"flapjack/internal/store"
)

// lockClasses spans the classes one resolution may mutate.
var lockClasses = []string{
	domain.ClassCheck,
	domain.ClassRoute,
	domain.ClassRule,
	domain.ClassContact,
	domain.ClassMedium,
}

// Resolution is the output of resolving one notification.
// Params: matched rule/route mappings and the expanded alert set.
// Returns: alerts ready for per-medium enqueueing.
type Resolution struct {
	ContactRules map[string][]string
	RuleRoutes   map[string][]string
	Alerts       []domain.Alert
}

// Resolver computes delivery targets for notifications.
// Params: shared store, logger, and clock.
// Returns: stateless resolution engine.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
	clock  clock.Clock
}

// New creates a resolver.
// Params: entity store, logger, and clock.
// Returns: initialized resolver.
func New(entityStore store.Store, logger *slog.Logger, clk clock.Clock) *Resolver {
	return &Resolver{store: entityStore, logger: logger, clock: clk}
}

// RecomputeRoutes rebuilds the materialized route set of one check.
// The processor invokes it when it auto-creates a check and when an event
// changes a check's tag set; nothing in this module invokes it on rule
// changes. Existing still-matching routes are kept so is_alerting
// survives unrelated recomputes; new pairs start with is_alerting=false.
// Params: context and check snapshot.
// Returns: store error.
func (r *Resolver) RecomputeRoutes(ctx context.Context, check domain.Check) error {
	matching, err := r.matchingRules(ctx, check)
	if err != nil {
		return err
	}

	existingRouteIDs, err := r.store.SetMembers(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes)
	if err != nil {
		return err
	}
	existingByRule := make(map[string]domain.Route, len(existingRouteIDs))
	for _, routeID := range existingRouteIDs {
		var route domain.Route
		if err := r.store.Get(ctx, domain.ClassRoute, routeID, &route); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = r.store.SetRemove(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes, routeID)
				continue
			}
			return err
		}
		existingByRule[route.RuleID] = route
	}

	for ruleID, rule := range matching {
		if existing, ok := existingByRule[ruleID]; ok {
			delete(existingByRule, ruleID)
			// Refresh the copied severity filter when the rule changed.
			if !conditionsEqual(existing.ConditionsList, rule.Conditions) {
				existing.ConditionsList = append([]domain.Condition(nil), rule.Conditions...)
				if err := r.store.Save(ctx, existing); err != nil {
					return err
				}
			}
			continue
		}
		route := domain.NewRoute(check.ID, ruleID, rule.Conditions)
		if err := r.store.Save(ctx, route); err != nil {
			return err
		}
		if err := r.store.SetAdd(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes, route.ID); err != nil {
			return err
		}
	}

	for _, stale := range existingByRule {
		if err := r.store.Delete(ctx, stale); err != nil {
			return err
		}
		if err := r.store.SetRemove(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes, stale.ID); err != nil {
			return err
		}
	}
	return nil
}

// matchingRules enumerates rules whose tag set is a subset of the check's.
// Generic rules match every check; tagged rules are discovered through the
// shared-tag index and then filtered to full subset matches.
// Params: context and check snapshot.
// Returns: rule id to rule map.
func (r *Resolver) matchingRules(ctx context.Context, check domain.Check) (map[string]domain.Rule, error) {
	candidateIDs := make(map[string]struct{})
	genericIDs, err := r.store.FindByIndex(ctx, domain.ClassRule, "tag", domain.GenericRuleTag)
	if err != nil {
		return nil, err
	}
	for _, id := range genericIDs {
		candidateIDs[id] = struct{}{}
	}
	for _, tag := range check.Tags {
		ids, err := r.store.FindByIndex(ctx, domain.ClassRule, "tag", tag)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			candidateIDs[id] = struct{}{}
		}
	}

	matching := make(map[string]domain.Rule)
	for id := range candidateIDs {
		var rule domain.Rule
		if err := r.store.Get(ctx, domain.ClassRule, id, &rule); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if check.HasTags(rule.Tags) {
			matching[id] = rule
		}
	}
	return matching, nil
}

// Resolve expands one notification into alerts under the store lock.
// Params: context and processor notification.
// Returns: resolution with queued-ready alerts.
func (r *Resolver) Resolve(ctx context.Context, notification domain.Notification) (Resolution, error) {
	resolution := Resolution{
		ContactRules: make(map[string][]string),
		RuleRoutes:   make(map[string][]string),
	}
	err := r.store.Lock(ctx, lockClasses, func(ctx context.Context) error {
		var resolveErr error
		resolution, resolveErr = r.resolve(ctx, notification)
		return resolveErr
	})
	return resolution, err
}

// resolve dispatches by notification type inside the lock.
func (r *Resolver) resolve(ctx context.Context, notification domain.Notification) (Resolution, error) {
	switch notification.Type {
	case domain.NotificationRecovery:
		return r.resolveRecovery(ctx, notification)
	default:
		return r.resolveRouted(ctx, notification)
	}
}

// resolveRouted handles problem, acknowledgement, and maintenance notices
// through the rule/route graph.
// Params: context and notification.
// Returns: resolution or store error.
func (r *Resolver) resolveRouted(ctx context.Context, notification domain.Notification) (Resolution, error) {
	resolution := Resolution{
		ContactRules: make(map[string][]string),
		RuleRoutes:   make(map[string][]string),
	}

	var check domain.Check
	if err := r.store.Get(ctx, domain.ClassCheck, notification.CheckID, &check); err != nil {
		return resolution, fmt.Errorf("load check %s: %w", notification.CheckID, err)
	}

	routeIDs, err := r.store.SetMembers(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes)
	if err != nil {
		return resolution, err
	}

	problem := notification.Type == domain.NotificationProblem
	for _, routeID := range routeIDs {
		var route domain.Route
		if err := r.store.Get(ctx, domain.ClassRoute, routeID, &route); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.logger.Error("dangling route reference removed", "check_id", check.ID, "route_id", routeID)
				_ = r.store.SetRemove(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes, routeID)
				continue
			}
			return resolution, err
		}
		if problem && !route.MatchesSeverity(notification.Severity) {
			continue
		}

		var rule domain.Rule
		if err := r.store.Get(ctx, domain.ClassRule, route.RuleID, &rule); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.logger.Error("route without rule removed", "route_id", route.ID, "rule_id", route.RuleID)
				_ = r.store.Delete(ctx, route)
				_ = r.store.SetRemove(ctx, domain.ClassCheck, check.ID, domain.FieldRoutes, route.ID)
				continue
			}
			return resolution, err
		}

		var contact domain.Contact
		if err := r.store.Get(ctx, domain.ClassContact, rule.ContactID, &contact); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return resolution, err
		}

		// Inactive rules are skipped; they do not count as alerting and do
		// not block future notifications.
		if !rule.ActiveAt(notification.Time, contactLocation(contact)) {
			continue
		}

		mediumIDs, err := r.store.SetMembers(ctx, domain.ClassRule, rule.ID, domain.FieldMedia)
		if err != nil {
			return resolution, err
		}

		routeAlerting := false
		for _, mediumID := range mediumIDs {
			var medium domain.Medium
			if err := r.store.Get(ctx, domain.ClassMedium, mediumID, &medium); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					r.logger.Error("dangling medium reference removed", "rule_id", rule.ID, "medium_id", mediumID)
					_ = r.store.SetRemove(ctx, domain.ClassRule, rule.ID, domain.FieldMedia, mediumID)
					continue
				}
				return resolution, err
			}

			alerts, alerting, err := r.expandMedium(ctx, check, medium, notification)
			if err != nil {
				return resolution, err
			}
			resolution.Alerts = append(resolution.Alerts, alerts...)
			routeAlerting = routeAlerting || alerting
		}

		if len(mediumIDs) > 0 {
			resolution.ContactRules[contact.ID] = appendUnique(resolution.ContactRules[contact.ID], rule.ID)
			resolution.RuleRoutes[rule.ID] = appendUnique(resolution.RuleRoutes[rule.ID], route.ID)
		}
		if problem && routeAlerting && !route.IsAlerting {
			route.IsAlerting = true
			if err := r.store.Save(ctx, route); err != nil {
				return resolution, err
			}
		}
	}

	return resolution, nil
}

// expandMedium produces alerts for one medium, honouring de-duplication,
// rollover interval, and rollup digests.
// Params: check, medium, and notification.
// Returns: alerts for this medium and whether the medium is now alerting.
func (r *Resolver) expandMedium(ctx context.Context, check domain.Check, medium domain.Medium, notification domain.Notification) ([]domain.Alert, bool, error) {
	now := notification.Time
	if notification.Type != domain.NotificationProblem {
		alert := domain.NewAlert(notification, medium, now)
		return []domain.Alert{alert}, false, nil
	}

	previous, alerting, err := r.alertingSeverity(ctx, check.ID, medium.ID)
	if err != nil {
		return nil, false, err
	}
	escalated := alerting && notification.Severity.SeverityAbove(previous)
	if alerting && !escalated {
		// Already alerting at this or higher severity on this medium.
		return nil, true, nil
	}

	if !escalated && medium.Interval > 0 {
		within, err := r.withinRollover(ctx, medium.ID, check.ID, now, medium.Interval)
		if err != nil {
			return nil, false, err
		}
		if within {
			return nil, alerting, nil
		}
	}

	if alerting {
		_ = r.store.SetRemove(ctx, domain.ClassCheck, check.ID, domain.FieldAlertingMedia, alertingMember(medium.ID, previous))
	}
	if err := r.store.SetAdd(ctx, domain.ClassCheck, check.ID, domain.FieldAlertingMedia, alertingMember(medium.ID, notification.Severity)); err != nil {
		return nil, false, err
	}
	if err := r.store.SetAdd(ctx, domain.ClassMedium, medium.ID, domain.FieldAlertingChecks, check.ID); err != nil {
		return nil, false, err
	}
	if err := r.store.SortedAdd(ctx, domain.ClassMedium, medium.ID, "alert_times", float64(now.Unix()), check.ID); err != nil {
		return nil, false, err
	}

	rollup, err := r.rollupAlert(ctx, medium, notification, now)
	if err != nil {
		return nil, false, err
	}
	if rollup != nil {
		return []domain.Alert{*rollup}, true, nil
	}
	return []domain.Alert{domain.NewAlert(notification, medium, now)}, true, nil
}

// rollupAlert builds a digest alert when the medium's simultaneously
// alerting check count exceeds its threshold.
// Params: medium, triggering notification, and time.
// Returns: rollup alert or nil below the threshold.
func (r *Resolver) rollupAlert(ctx context.Context, medium domain.Medium, notification domain.Notification, now time.Time) (*domain.Alert, error) {
	if medium.RollupThreshold <= 0 {
		return nil, nil
	}
	checkIDs, err := r.store.SetMembers(ctx, domain.ClassMedium, medium.ID, domain.FieldAlertingChecks)
	if err != nil {
		return nil, err
	}
	if len(checkIDs) <= medium.RollupThreshold {
		return nil, nil
	}

	names := make([]string, 0, len(checkIDs))
	for _, checkID := range checkIDs {
		var member domain.Check
		if err := r.store.Get(ctx, domain.ClassCheck, checkID, &member); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = r.store.SetRemove(ctx, domain.ClassMedium, medium.ID, domain.FieldAlertingChecks, checkID)
				continue
			}
			return nil, err
		}
		names = append(names, member.Name)
	}
	sort.Strings(names)

	alert := domain.NewAlert(notification, medium, now)
	alert.NotificationType = domain.NotificationRollup
	alert.Summary = fmt.Sprintf("%d checks failing", len(names))
	alert.RollupChecks = names
	return &alert, nil
}

// resolveRecovery targets the media currently alerting for the check, then
// empties the alerting set and route markers.
// Params: context and recovery notification.
// Returns: resolution or store error.
func (r *Resolver) resolveRecovery(ctx context.Context, notification domain.Notification) (Resolution, error) {
	resolution := Resolution{
		ContactRules: make(map[string][]string),
		RuleRoutes:   make(map[string][]string),
	}

	members, err := r.store.SetMembers(ctx, domain.ClassCheck, notification.CheckID, domain.FieldAlertingMedia)
	if err != nil {
		return resolution, err
	}

	for _, member := range members {
		mediumID, _ := splitAlertingMember(member)
		var medium domain.Medium
		if err := r.store.Get(ctx, domain.ClassMedium, mediumID, &medium); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Invariant violation: alerting media references a destroyed
				// medium. Self-heal and continue.
				r.logger.Error("alerting media without medium removed", "check_id", notification.CheckID, "medium_id", mediumID)
				continue
			}
			return resolution, err
		}

		resolution.Alerts = append(resolution.Alerts, domain.NewAlert(notification, medium, notification.Time))

		if err := r.store.SetRemove(ctx, domain.ClassMedium, medium.ID, domain.FieldAlertingChecks, notification.CheckID); err != nil {
			return resolution, err
		}
		if medium.RollupThreshold > 0 {
			rollup, err := r.rollupAlert(ctx, medium, notification, notification.Time)
			if err != nil {
				return resolution, err
			}
			if rollup != nil {
				resolution.Alerts = append(resolution.Alerts, *rollup)
			}
		}
	}

	if err := r.store.SetClear(ctx, domain.ClassCheck, notification.CheckID, domain.FieldAlertingMedia); err != nil {
		return resolution, err
	}
	if err := r.clearAlertingRoutes(ctx, notification.CheckID); err != nil {
		return resolution, err
	}
	return resolution, nil
}

// ResolveTest fans a test notification over one contact's media.
// Params: check and contact snapshots.
// Returns: one test alert per medium.
func (r *Resolver) ResolveTest(ctx context.Context, check domain.Check, contact domain.Contact) ([]domain.Alert, error) {
	var alerts []domain.Alert
	err := r.store.Lock(ctx, lockClasses, func(ctx context.Context) error {
		mediumIDs, err := r.store.FindByIndex(ctx, domain.ClassMedium, "contact", contact.ID)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		notification := domain.Notification{
			CheckID:   check.ID,
			CheckName: check.Name,
			Type:      domain.NotificationTest,
			Severity:  domain.ConditionOK,
			Summary:   "test notification for " + check.Name,
			Time:      now,
		}
		for _, mediumID := range mediumIDs {
			var medium domain.Medium
			if err := r.store.Get(ctx, domain.ClassMedium, mediumID, &medium); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			alerts = append(alerts, domain.NewAlert(notification, medium, now))
		}
		return nil
	})
	return alerts, err
}

// alertingSeverity reads the alerting marker for one (check, medium) pair.
// Params: check id and medium id.
// Returns: marked severity and membership flag.
func (r *Resolver) alertingSeverity(ctx context.Context, checkID, mediumID string) (domain.Condition, bool, error) {
	members, err := r.store.SetMembers(ctx, domain.ClassCheck, checkID, domain.FieldAlertingMedia)
	if err != nil {
		return "", false, err
	}
	for _, member := range members {
		id, severity := splitAlertingMember(member)
		if id == mediumID {
			return severity, true, nil
		}
	}
	return "", false, nil
}

// withinRollover reports whether the medium alerted for the check inside
// its minimum interval.
// Params: medium id, check id, current time, and interval seconds.
// Returns: true when a recent alert timestamp exists.
func (r *Resolver) withinRollover(ctx context.Context, mediumID, checkID string, now time.Time, interval int) (bool, error) {
	recent, err := r.store.SortedRange(ctx, domain.ClassMedium, mediumID, "alert_times", float64(now.Unix()-int64(interval)+1), math.Inf(1))
	if err != nil {
		return false, err
	}
	for _, member := range recent {
		if member == checkID {
			return true, nil
		}
	}
	return false, nil
}

// clearAlertingRoutes resets is_alerting on every route of one check.
// Params: check id.
// Returns: store error.
func (r *Resolver) clearAlertingRoutes(ctx context.Context, checkID string) error {
	routeIDs, err := r.store.SetMembers(ctx, domain.ClassCheck, checkID, domain.FieldRoutes)
	if err != nil {
		return err
	}
	for _, routeID := range routeIDs {
		var route domain.Route
		if err := r.store.Get(ctx, domain.ClassRoute, routeID, &route); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				_ = r.store.SetRemove(ctx, domain.ClassCheck, checkID, domain.FieldRoutes, routeID)
				continue
			}
			return err
		}
		if !route.IsAlerting {
			continue
		}
		route.IsAlerting = false
		if err := r.store.Save(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

// alertingMember encodes one (medium, severity) alerting marker.
// Params: medium id and severity.
// Returns: set member string.
func alertingMember(mediumID string, severity domain.Condition) string {
	return mediumID + "|" + string(severity)
}

// splitAlertingMember decodes one alerting marker.
// Params: set member string.
// Returns: medium id and severity.
func splitAlertingMember(member string) (string, domain.Condition) {
	idx := strings.LastIndex(member, "|")
	if idx < 0 {
		return member, ""
	}
	return member[:idx], domain.Condition(member[idx+1:])
}

// contactLocation resolves a contact timezone, defaulting to UTC.
// Params: contact record.
// Returns: time location.
func contactLocation(contact domain.Contact) *time.Location {
	if strings.TrimSpace(contact.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(contact.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// conditionsEqual compares two condition filters as sets.
// Params: filter lists.
// Returns: true when both carry the same members.
func conditionsEqual(a, b []domain.Condition) bool {
	if len(a) != len(b) {
		return false
	}
	have := make(map[domain.Condition]struct{}, len(a))
	for _, condition := range a {
		have[condition] = struct{}{}
	}
	for _, condition := range b {
		if _, ok := have[condition]; !ok {
			return false
		}
	}
	return true
}

// appendUnique appends value when absent.
// Params: list and candidate value.
// Returns: list containing value once.
func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
