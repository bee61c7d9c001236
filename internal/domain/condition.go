package domain

import "fmt"

// Condition is the health token of a check.
// Params: closed vocabulary of healthy/unhealthy states.
// Returns: normalized condition usage across pipeline.
type Condition string

const (
	// ConditionOK marks a healthy sample.
	ConditionOK Condition = "ok"
	// ConditionUnknown marks an unhealthy sample of lowest severity.
	ConditionUnknown Condition = "unknown"
	// ConditionWarning marks an unhealthy sample of medium severity.
	ConditionWarning Condition = "warning"
	// ConditionCritical marks an unhealthy sample of highest severity.
	ConditionCritical Condition = "critical"
)

// severityRank orders unhealthy conditions; healthy conditions rank below all.
var severityRank = map[Condition]int{
	ConditionOK:       0,
	ConditionUnknown:  1,
	ConditionWarning:  2,
	ConditionCritical: 3,
}

// ParseCondition validates a raw condition token.
// Params: raw state string from an event or config.
// Returns: condition value or vocabulary error.
func ParseCondition(raw string) (Condition, error) {
	condition := Condition(raw)
	if _, ok := severityRank[condition]; !ok {
		return "", fmt.Errorf("unsupported condition %q", raw)
	}
	return condition, nil
}

// Healthy reports whether the condition counts as healthy.
// Params: none.
// Returns: true for ok.
func (c Condition) Healthy() bool {
	return c == ConditionOK
}

// Unhealthy reports whether the condition counts as unhealthy.
// Params: none.
// Returns: true for unknown/warning/critical.
func (c Condition) Unhealthy() bool {
	_, known := severityRank[c]
	return known && c != ConditionOK
}

// SeverityAbove reports strict severity escalation between two conditions.
// Params: previous condition.
// Returns: true when c is strictly more severe than prev.
func (c Condition) SeverityAbove(prev Condition) bool {
	return severityRank[c] > severityRank[prev]
}

// SeverityBelow reports strict severity de-escalation between two conditions.
// Params: previous condition.
// Returns: true when c is strictly milder than prev.
func (c Condition) SeverityBelow(prev Condition) bool {
	return severityRank[c] < severityRank[prev]
}

// MostSevere picks the worse of two conditions.
// Params: candidate conditions.
// Returns: the higher-ranked condition.
func MostSevere(a, b Condition) Condition {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Conditions lists the full vocabulary in severity order.
// Params: none.
// Returns: ok, unknown, warning, critical.
func Conditions() []Condition {
	return []Condition{ConditionOK, ConditionUnknown, ConditionWarning, ConditionCritical}
}

// UnhealthyConditions lists the unhealthy vocabulary in severity order.
// Params: none.
// Returns: unknown, warning, critical.
func UnhealthyConditions() []Condition {
	return []Condition{ConditionUnknown, ConditionWarning, ConditionCritical}
}
