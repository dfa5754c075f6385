package resource

import (
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Condition decodes one status.conditions entry. It embeds the generic
// apimachinery condition (Type, Status, Reason, Message,
// LastTransitionTime) and adds Deployment's extra LastUpdateTime field,
// which has no equivalent on Pod conditions.
type Condition struct {
	metav1.Condition `json:",inline"`
	LastUpdateTime   string `json:"lastUpdateTime,omitempty"`
}

// conditionKey is the composite dedup key.
func conditionKey(c Condition) string {
	return string(c.Message) + ":" + string(c.Reason) + ":" + string(c.Status) + ":" + string(c.Type)
}

// conditionTimestamp picks the per-kind timestamp field: lastUpdateTime
// for Deployment, lastTransitionTime for Pod (and anything else, since
// only Deployment conditions carry lastUpdateTime).
func conditionTimestamp(kind string, c Condition) time.Time {
	if kind == "Deployment" && c.LastUpdateTime != "" {
		if t, err := time.Parse(time.RFC3339, c.LastUpdateTime); err == nil {
			return t
		}
	}
	return c.LastTransitionTime.Time
}

// hasFalse reports whether any condition has status "False", the check
// behind the healthy short-circuit.
func hasFalse(conditions []Condition) bool {
	for _, c := range conditions {
		if c.Status == "False" {
			return true
		}
	}
	return false
}

// mergeConditions concatenates previous and current, deduplicates by
// conditionKey keeping the later timestamp, and returns the result sorted
// descending by that timestamp. Idempotent: merge(s, s) == s, because a
// condition dedups against its own duplicate and the timestamp tie keeps
// either (identical) entry.
func mergeConditions(kind string, previous, current []Condition) []Condition {
	best := make(map[string]Condition, len(previous)+len(current))
	order := make([]string, 0, len(previous)+len(current))
	for _, c := range append(append([]Condition{}, previous...), current...) {
		key := conditionKey(c)
		existing, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = c
			continue
		}
		if conditionTimestamp(kind, c).After(conditionTimestamp(kind, existing)) {
			best[key] = c
		}
	}

	merged := make([]Condition, 0, len(order))
	for _, key := range order {
		merged = append(merged, best[key])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return conditionTimestamp(kind, merged[i]).After(conditionTimestamp(kind, merged[j]))
	})
	return merged
}
