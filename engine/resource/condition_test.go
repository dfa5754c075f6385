package resource

import (
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func cond(status, reason, message, lastUpdate string, transition time.Time) Condition {
	return Condition{
		Condition: metav1.Condition{
			Type:               "Ready",
			Status:             metav1.ConditionStatus(status),
			Reason:             reason,
			Message:            message,
			LastTransitionTime: metav1.NewTime(transition),
		},
		LastUpdateTime: lastUpdate,
	}
}

func TestMergeConditionsDedupesByCompositeKey(t *testing.T) {
	t0 := time.Now().Add(-time.Hour)
	t1 := time.Now()

	previous := []Condition{cond("True", "Started", "ok", "", t0)}
	current := []Condition{cond("True", "Started", "ok", "", t1)}

	merged := mergeConditions("Pod", previous, current)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged condition, got %d", len(merged))
	}
	if !merged[0].LastTransitionTime.Time.Equal(t1) {
		t.Fatalf("expected the later timestamp to win")
	}
}

func TestMergeConditionsIsIdempotent(t *testing.T) {
	t0 := time.Now()
	s := []Condition{cond("False", "CrashLoop", "bad", "", t0)}

	once := mergeConditions("Pod", nil, s)
	twice := mergeConditions("Pod", once, once)

	if len(once) != len(twice) {
		t.Fatalf("merge(s, s) changed length: %d vs %d", len(once), len(twice))
	}
	if conditionKey(once[0]) != conditionKey(twice[0]) {
		t.Fatalf("merge(s, s) changed identity")
	}
}

func TestMergeConditionsUsesLastUpdateTimeForDeployment(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	previous := []Condition{cond("True", "Progressing", "ok", older.Format(time.RFC3339), older)}
	current := []Condition{cond("True", "Progressing", "ok", newer.Format(time.RFC3339), older)}

	merged := mergeConditions("Deployment", previous, current)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged condition, got %d", len(merged))
	}
	if merged[0].LastUpdateTime != newer.Format(time.RFC3339) {
		t.Fatalf("expected Deployment merge to prefer lastUpdateTime, got %q", merged[0].LastUpdateTime)
	}
}

func TestHasFalse(t *testing.T) {
	healthy := []Condition{cond("True", "Ready", "ok", "", time.Now())}
	if hasFalse(healthy) {
		t.Fatal("all-true conditions should not trip hasFalse")
	}

	unhealthy := []Condition{
		cond("True", "Ready", "ok", "", time.Now()),
		cond("False", "Unschedulable", "no nodes", "", time.Now()),
	}
	if !hasFalse(unhealthy) {
		t.Fatal("a False condition should trip hasFalse")
	}
}
