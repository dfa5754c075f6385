package logclass

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/kv"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewClassStore(kv.New(client), "testdb")
	return NewPipeline(NewClassifier(0.5), store)
}

func TestClassifyMintsAClassOnFirstLine(t *testing.T) {
	p := newTestPipeline(t)
	log := domain.NewLogRecord(0, "starting pod web-1", "")

	winner, err := p.Classify(context.Background(), "tenant-a", log, "default", "app", "key-1")
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if winner.Count != 1 || winner.Length != 3 {
		t.Fatalf("unexpected winner: %+v", winner)
	}
}

func TestClassifyMergesASecondMatchingLineIntoTheSameClass(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Classify(ctx, "tenant-a", domain.NewLogRecord(0, "starting pod web-1", ""), "default", "app", "key-1")
	if err != nil {
		t.Fatalf("first classify failed: %v", err)
	}
	second, err := p.Classify(ctx, "tenant-a", domain.NewLogRecord(0, "starting pod web-2", ""), "default", "app", "key-1")
	if err != nil {
		t.Fatalf("second classify failed: %v", err)
	}
	if second.ClassID != first.ClassID {
		t.Fatalf("expected the second line to merge into the first class")
	}
	if second.Count != 2 {
		t.Fatalf("expected count to grow to 2, got %d", second.Count)
	}
}

func TestClassifyKeepsNamespaceContainerPairsIndependent(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	a, err := p.Classify(ctx, "tenant-a", domain.NewLogRecord(0, "starting pod web-1", ""), "default", "app", "key-1")
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	b, err := p.Classify(ctx, "tenant-a", domain.NewLogRecord(0, "starting pod web-1", ""), "other", "app", "key-2")
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if a.ClassID == b.ClassID {
		t.Fatal("expected different namespace/container pairs to hold independent class sets")
	}
}
