package domain

import (
	"time"

	"github.com/google/uuid"
)

// TimeRestriction is one weekly window in the contact's timezone.
// Params: weekday set (empty means every day) and minute-of-day bounds.
// Returns: schedule fragment; a rule is active when any fragment matches.
type TimeRestriction struct {
	DaysOfWeek  []time.Weekday `json:"days_of_week,omitempty"`
	StartMinute int            `json:"start_minute"`
	EndMinute   int            `json:"end_minute"`
}

// Covers reports whether instant t falls inside the restriction window.
// Params: query time already shifted into the contact's location.
// Returns: true when weekday and minute-of-day both match.
func (r TimeRestriction) Covers(t time.Time) bool {
	if len(r.DaysOfWeek) > 0 {
		matched := false
		for _, day := range r.DaysOfWeek {
			if t.Weekday() == day {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	minute := t.Hour()*60 + t.Minute()
	return r.StartMinute <= minute && minute < r.EndMinute
}

// Rule is one contact's routing policy.
// Params: severity filter, weekly schedule, and tag scope.
// Returns: persisted rule record; media bindings live in store sets.
type Rule struct {
	ID        string `json:"id"`
	ContactID string `json:"contact_id"`
	// Conditions restricts matching severities; empty means any unhealthy.
	Conditions       []Condition       `json:"conditions,omitempty"`
	TimeRestrictions []TimeRestriction `json:"time_restrictions,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
}

// NewRule creates a routing rule for a contact.
// Params: owning contact id, severity filter, and tag scope.
// Returns: initialized rule record.
func NewRule(contactID string, conditions []Condition, tags []string) Rule {
	return Rule{ID: uuid.NewString(), ContactID: contactID, Conditions: conditions, Tags: tags}
}

// Class returns the store namespace for rules.
func (Rule) Class() string { return ClassRule }

// EntityID returns the rule id.
func (r Rule) EntityID() string { return r.ID }

// Indexes returns contact and tag indexes for reverse lookup.
// Generic rules (no tags) index under the reserved "~generic" tag value so
// the resolver can enumerate them without a full class scan.
func (r Rule) Indexes() map[string][]string {
	indexes := map[string][]string{"contact": {r.ContactID}}
	if len(r.Tags) == 0 {
		indexes["tag"] = []string{GenericRuleTag}
	} else {
		indexes["tag"] = append([]string(nil), r.Tags...)
	}
	return indexes
}

// GenericRuleTag is the reserved index value for rules without tags.
const GenericRuleTag = "~generic"

// Generic reports whether the rule matches every check.
// Params: none.
// Returns: true when the rule carries no tags.
func (r Rule) Generic() bool {
	return len(r.Tags) == 0
}

// MatchesSeverity applies the rule's condition filter.
// Params: notification severity.
// Returns: true when the filter is empty (any unhealthy) or contains it.
func (r Rule) MatchesSeverity(severity Condition) bool {
	if len(r.Conditions) == 0 {
		return severity.Unhealthy()
	}
	for _, condition := range r.Conditions {
		if condition == severity {
			return true
		}
	}
	return false
}

// ActiveAt applies the rule's time restrictions in a location.
// Params: notification time and the contact's resolved location.
// Returns: true when unrestricted or any window covers the instant.
func (r Rule) ActiveAt(t time.Time, loc *time.Location) bool {
	if len(r.TimeRestrictions) == 0 {
		return true
	}
	local := t.In(loc)
	for _, restriction := range r.TimeRestrictions {
		if restriction.Covers(local) {
			return true
		}
	}
	return false
}

// Route is the materialized join of a rule with a matching check.
// Params: endpoints and per-route alerting marker.
// Returns: persisted route record.
type Route struct {
	ID             string      `json:"id"`
	CheckID        string      `json:"check_id"`
	RuleID         string      `json:"rule_id"`
	IsAlerting     bool        `json:"is_alerting"`
	ConditionsList []Condition `json:"conditions_list,omitempty"`
}

// NewRoute materializes one (check, rule) pair.
// Params: check id, rule id, and the rule's condition filter copy.
// Returns: route record with is_alerting=false.
func NewRoute(checkID, ruleID string, conditions []Condition) Route {
	return Route{
		ID:             uuid.NewString(),
		CheckID:        checkID,
		RuleID:         ruleID,
		ConditionsList: append([]Condition(nil), conditions...),
	}
}

// Class returns the store namespace for routes.
func (Route) Class() string { return ClassRoute }

// EntityID returns the route id.
func (r Route) EntityID() string { return r.ID }

// Indexes returns check and rule indexes for reverse lookup.
func (r Route) Indexes() map[string][]string {
	return map[string][]string{
		"check": {r.CheckID},
		"rule":  {r.RuleID},
	}
}

// MatchesSeverity applies the route's copied condition filter.
// Params: notification severity.
// Returns: true when unspecified (any unhealthy) or listed.
func (r Route) MatchesSeverity(severity Condition) bool {
	if len(r.ConditionsList) == 0 {
		return severity.Unhealthy()
	}
	for _, condition := range r.ConditionsList {
		if condition == severity {
			return true
		}
	}
	return false
}
