package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/kv"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(kv.New(client), "testdb")
}

func podEnvelope(eventType domain.EventType, uid string, conditions []map[string]any) domain.KubeApiData {
	return domain.KubeApiData{
		EventType: eventType,
		JSON: map[string]any{
			"kind": "Pod",
			"metadata": map[string]any{
				"name":      "web-1",
				"uid":       uid,
				"namespace": "default",
			},
			"spec": map[string]any{"containers": []any{"app"}},
			"status": map[string]any{
				"conditions": toAny(conditions),
			},
		},
	}
}

func toAny(conditions []map[string]any) []any {
	out := make([]any, len(conditions))
	for i, c := range conditions {
		out[i] = c
	}
	return out
}

func TestReconcileSkipsReplicaSet(t *testing.T) {
	r := newTestReconciler(t)
	result, err := r.Reconcile(context.Background(), "tenant-a", domain.KubeApiData{
		EventType: domain.EventApply,
		JSON:      map[string]any{"kind": "ReplicaSet"},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected ReplicaSet to be skipped")
	}
}

func TestReconcileMissingUIDReturnsFieldError(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.Reconcile(context.Background(), "tenant-a", domain.KubeApiData{
		EventType: domain.EventApply,
		JSON:      map[string]any{"kind": "Pod", "metadata": map[string]any{"name": "web-1"}},
	})
	var fieldErr *domain.FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected a FieldError for missing uid, got %v", err)
	}
	if fieldErr.Field != "metadata.uid" {
		t.Fatalf("expected the missing field name in the error, got %q", fieldErr.Field)
	}
}

func TestReconcileHealthyPodCachesStateWithoutVectorizing(t *testing.T) {
	r := newTestReconciler(t)
	env := podEnvelope(domain.EventApply, "pod-1", []map[string]any{
		{"type": "Ready", "status": "True", "lastTransitionTime": "2024-01-01T00:00:00Z"},
	})

	result, err := r.Reconcile(context.Background(), "tenant-a", env)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.RequiresVectorization {
		t.Fatal("a pod with no False condition must not vectorize")
	}
	if len(result.SubDocuments) != 0 {
		t.Fatalf("expected no sub-documents, got %d", len(result.SubDocuments))
	}

	var cached state
	if err := r.kv.Get(context.Background(), r.stateKey("tenant-a", "Pod", "pod-1"), &cached); err != nil {
		t.Fatalf("expected state to be cached even for a healthy pod: %v", err)
	}
}

func TestReconcileUnhealthyPodVectorizesOnceThenDeduplicatesReplay(t *testing.T) {
	r := newTestReconciler(t)
	env := podEnvelope(domain.EventApply, "pod-1", []map[string]any{
		{"type": "Ready", "status": "False", "reason": "CrashLoop", "message": "restarting", "lastTransitionTime": "2024-01-01T00:00:00Z"},
	})

	first, err := r.Reconcile(context.Background(), "tenant-a", env)
	if err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if !first.RequiresVectorization {
		t.Fatal("first observation of an unhealthy pod must vectorize")
	}
	if len(first.SubDocuments) != 3 {
		t.Fatalf("expected metadata+spec+status sub-documents, got %d", len(first.SubDocuments))
	}

	replay, err := r.Reconcile(context.Background(), "tenant-a", env)
	if err != nil {
		t.Fatalf("replay reconcile failed: %v", err)
	}
	if replay.RequiresVectorization {
		t.Fatal("replaying the identical record must not vectorize a second time")
	}
}

func TestReconcileVectorizesAgainWhenANewConditionAppears(t *testing.T) {
	r := newTestReconciler(t)
	ctx := context.Background()

	first := podEnvelope(domain.EventApply, "pod-1", []map[string]any{
		{"type": "Ready", "status": "False", "reason": "CrashLoop", "message": "restarting", "lastTransitionTime": "2024-01-01T00:00:00Z"},
	})
	if _, err := r.Reconcile(ctx, "tenant-a", first); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}

	second := podEnvelope(domain.EventApply, "pod-1", []map[string]any{
		{"type": "Ready", "status": "False", "reason": "CrashLoop", "message": "restarting", "lastTransitionTime": "2024-01-01T00:00:00Z"},
		{"type": "ContainersReady", "status": "False", "reason": "OOM", "message": "killed", "lastTransitionTime": "2024-01-01T01:00:00Z"},
	})
	result, err := r.Reconcile(ctx, "tenant-a", second)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if !result.RequiresVectorization {
		t.Fatal("a grown condition set must vectorize again")
	}

	var cached state
	if err := r.kv.Get(ctx, r.stateKey("tenant-a", "Pod", "pod-1"), &cached); err != nil {
		t.Fatalf("state read failed: %v", err)
	}
	if got := len(statusConditions(cached.JSON)); got != 2 {
		t.Fatalf("expected the merged state to hold 2 deduplicated conditions, got %d", got)
	}
}

func TestReconcileDeleteCollectsKeyAndSkipsVectorization(t *testing.T) {
	r := newTestReconciler(t)
	env := podEnvelope(domain.EventDelete, "pod-1", nil)

	result, err := r.Reconcile(context.Background(), "tenant-a", env)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !result.Deleted || result.DeletedKey != "pod-1" {
		t.Fatalf("expected a delete result keyed pod-1, got %+v", result)
	}
	if result.RequiresVectorization || len(result.SubDocuments) != 0 {
		t.Fatal("a delete must not produce vectorisable sub-documents")
	}
}

func TestReconcileExposesOwnerReferences(t *testing.T) {
	r := newTestReconciler(t)
	env := domain.KubeApiData{
		EventType: domain.EventApply,
		JSON: map[string]any{
			"kind": "Service",
			"metadata": map[string]any{
				"name": "svc-1",
				"uid":  "svc-uid",
				"ownerReferences": []any{
					map[string]any{"kind": "Deployment", "uid": "deploy-uid"},
				},
			},
		},
	}
	result, err := r.Reconcile(context.Background(), "tenant-a", env)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(result.Owners) != 1 || result.Owners[0].UID != "deploy-uid" || result.Owners[0].Kind != "Deployment" {
		t.Fatalf("expected the owner reference surfaced on the result, got %+v", result.Owners)
	}
	if result.UID != "svc-uid" {
		t.Fatalf("expected the object's own uid on the result, got %q", result.UID)
	}
}
