package semantic

import "testing"

func TestCollectionNameIsDBPrefixedPerTenant(t *testing.T) {
	v := &VectorStore{db: "streamcore"}
	if got := v.CollectionName("acme"); got != "streamcore_acme" {
		t.Fatalf("got %q, want %q", got, "streamcore_acme")
	}
}

func TestPayloadRoundTripsScalarTypes(t *testing.T) {
	in := map[string]any{
		"name":    "pod-1",
		"count":   int64(3),
		"score":   1.5,
		"deleted": true,
	}
	got := fromPayload(toPayload(in))

	if got["name"] != "pod-1" {
		t.Fatalf("expected string round trip, got %v", got["name"])
	}
	if got["count"] != int64(3) {
		t.Fatalf("expected int64 round trip, got %v (%T)", got["count"], got["count"])
	}
	if got["score"] != 1.5 {
		t.Fatalf("expected float round trip, got %v", got["score"])
	}
	if got["deleted"] != true {
		t.Fatalf("expected bool round trip, got %v", got["deleted"])
	}
}

func TestToPayloadCoercesUnknownTypesToString(t *testing.T) {
	type custom struct{ X int }
	payload := toPayload(map[string]any{"odd": custom{X: 5}})
	got := fromPayload(payload)
	if got["odd"] != "{5}" {
		t.Fatalf("expected fallback string coercion, got %v", got["odd"])
	}
}
