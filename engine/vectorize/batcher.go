// Package vectorize implements the embedding batcher: it accumulates
// per-tenant chunks of vectorisable payload strings up to a soft token
// threshold, rate-limits and embeds each flush in one provider call, and
// upserts the resulting points into the tenant's vector collection.
package vectorize

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/embed"
	"github.com/clusterlens/streamcore/pkg/resilience"
	"github.com/clusterlens/streamcore/pkg/semantic"
	"github.com/clusterlens/streamcore/pkg/tokenizer"
)

// FlushThreshold is the soft per-tenant token budget that triggers a
// mid-batch flush.
const FlushThreshold = 100_000

// Burst-guard defaults: a flush calls the embedding provider once, so these
// bound how many flushes across all tenants may fire back to back, ahead of
// the coarser process-wide 60s token budget the shared WindowLimiter enforces.
const (
	defaultBurstRate  = 5
	defaultBurstLimit = 10
)

// breakerOpts trips the embed/upsert circuit after repeated transport
// failures so a down provider or index is probed instead of hammered;
// while open, flushes fail fast and their source messages stay unacked
// for redelivery.
var breakerOpts = resilience.BreakerOpts{
	FailThreshold: 5,
	Timeout:       15 * time.Second,
	HalfOpenMax:   1,
}

// vectorIndex is the subset of *semantic.VectorStore the batcher needs,
// narrowed to an interface so it can be driven by a fake in tests without a
// live Qdrant instance.
type vectorIndex interface {
	Upsert(ctx context.Context, tenant string, points []semantic.Point) error
	MarkDeleted(ctx context.Context, tenant string, uids []string) error
}

// Batcher accumulates vectorisable payloads per tenant and flushes them
// through the embedding provider into the vector store.
type Batcher struct {
	tokenizer *tokenizer.Tokenizer
	embedder  embed.Client
	vectors   vectorIndex
	limiter   *resilience.WindowLimiter
	burst     *resilience.Limiter
	breaker   *resilience.Breaker
	logger    *slog.Logger

	// Each partition worker owns one Batcher, so the lock is uncontended in
	// steady state; it exists for the shutdown path, where the final
	// FlushAll can overlap a worker still draining its last poll batch.
	mu         sync.Mutex
	chunks     map[string][]string
	metachunks map[string][]domain.VectorPayload
	tokens     map[string]int
	acks       map[string][]func() error
}

// NewBatcher builds a Batcher over the given collaborators.
func NewBatcher(tok *tokenizer.Tokenizer, embedder embed.Client, vectors vectorIndex, limiter *resilience.WindowLimiter, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		tokenizer:  tok,
		embedder:   embedder,
		vectors:    vectors,
		limiter:    limiter,
		burst:      resilience.NewLimiter(resilience.LimiterOpts{Rate: defaultBurstRate, Burst: defaultBurstLimit}),
		breaker:    resilience.NewBreaker(breakerOpts),
		logger:     logger,
		chunks:     make(map[string][]string),
		metachunks: make(map[string][]domain.VectorPayload),
		tokens:     make(map[string]int),
		acks:       make(map[string][]func() error),
	}
}

// Add clips and accumulates one payload for tenant, flushing first if the
// addition would cross FlushThreshold. The payload's text is derived from
// its JSON-ish representation by the caller and passed in explicitly, since
// a domain.VectorPayload only carries a point id and a flat metadata map,
// not a canonical embedding string.
//
// ack, if non-nil, is called once this payload's chunk has actually been
// embedded and upserted, never before. Callers that commit a source
// message's offset only on the handler's return value (the pipeline's
// at-least-once, post-side-effect offset commit) must pass the message's
// own ack here instead of acking unconditionally on a nil error, since Add
// alone may only buffer the payload without flushing it.
func (b *Batcher) Add(ctx context.Context, tenant string, payload domain.VectorPayload, text string, ack func() error) error {
	clipped, count := b.tokenizer.ClipTail(text)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens[tenant]+count > FlushThreshold {
		if err := b.flushTenant(ctx, tenant); err != nil {
			return err
		}
	}

	b.chunks[tenant] = append(b.chunks[tenant], clipped)
	b.metachunks[tenant] = append(b.metachunks[tenant], payload)
	b.tokens[tenant] += count
	if ack != nil {
		b.acks[tenant] = append(b.acks[tenant], ack)
	}
	return nil
}

// Flush embeds and upserts everything accumulated for tenant, then resets
// its chunk. A no-op on an empty chunk. Pending acks registered via Add are
// only fired after the embed and upsert both succeed; on either failure the
// error is returned so the caller leaves its source message(s) unacked for
// redelivery, instead of a pending chunk being silently dropped.
func (b *Batcher) Flush(ctx context.Context, tenant string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushTenant(ctx, tenant)
}

func (b *Batcher) flushTenant(ctx context.Context, tenant string) error {
	chunk := b.chunks[tenant]
	if len(chunk) == 0 {
		return nil
	}
	metachunk := b.metachunks[tenant]
	totalTokens := b.tokens[tenant]
	acks := b.acks[tenant]

	delete(b.chunks, tenant)
	delete(b.metachunks, tenant)
	delete(b.tokens, tenant)
	delete(b.acks, tenant)

	if err := b.burst.Wait(ctx); err != nil {
		return err
	}
	if err := b.limiter.Acquire(ctx, totalTokens); err != nil {
		return err
	}

	var embeddings [][]float32
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		var embedErr error
		embeddings, embedErr = b.embedder.EmbedBatch(ctx, chunk)
		return embedErr
	})
	if err != nil {
		b.logger.Error("vectorize: embed batch failed", "tenant", tenant, "error", err, "records", len(chunk))
		return err
	}

	points := make([]semantic.Point, len(metachunk))
	for i, m := range metachunk {
		var vec []float32
		if i < len(embeddings) {
			vec = embeddings[i]
		}
		points[i] = semantic.Point{
			ID:        m.PointID(),
			Embedding: vec,
			Payload:   m.PayloadData(),
		}
	}

	if err := b.breaker.Call(ctx, func(ctx context.Context) error {
		return b.vectors.Upsert(ctx, tenant, points)
	}); err != nil {
		b.logger.Error("vectorize: upsert failed", "tenant", tenant, "error", err, "points", len(points))
		return err
	}

	for _, ack := range acks {
		if err := ack(); err != nil {
			b.logger.Error("vectorize: ack failed", "tenant", tenant, "error", err)
		}
	}
	return nil
}

// FlushAll flushes every tenant with pending records, e.g. at the end of a
// consumer poll iteration.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tenant := range b.chunks {
		if err := b.flushTenant(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

// PropagateDeletions marks every uid in uids as deleted in the tenant's
// vector collection.
func (b *Batcher) PropagateDeletions(ctx context.Context, tenant string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := b.breaker.Call(ctx, func(ctx context.Context) error {
		return b.vectors.MarkDeleted(ctx, tenant, uids)
	}); err != nil {
		b.logger.Error("vectorize: mark-deleted failed", "tenant", tenant, "error", err, "uids", len(uids))
		return err
	}
	return nil
}
