// Command processor runs the per-partition topic pipeline over NATS
// JetStream. Raw-topic consumers (Log, Resource, CustomResource, Event)
// run their transformer (classifier, reconciler, or event shaper) and
// republish the output to the next topic (Class, ProcessedResource,
// ProcessedCustomResource, ProcessedEvent); those topics' own consumers
// drive the embedding batcher and the columnar/vector writers, committing
// each offset only after its side effects succeed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/engine/event"
	"github.com/clusterlens/streamcore/engine/logclass"
	"github.com/clusterlens/streamcore/engine/resource"
	"github.com/clusterlens/streamcore/engine/resourcegraph"
	"github.com/clusterlens/streamcore/engine/vectorize"
	"github.com/clusterlens/streamcore/internal/config"
	"github.com/clusterlens/streamcore/pkg/columnar"
	"github.com/clusterlens/streamcore/pkg/embed"
	"github.com/clusterlens/streamcore/pkg/kv"
	"github.com/clusterlens/streamcore/pkg/metrics"
	"github.com/clusterlens/streamcore/pkg/natsutil"
	"github.com/clusterlens/streamcore/pkg/resilience"
	"github.com/clusterlens/streamcore/pkg/semantic"
	"github.com/clusterlens/streamcore/pkg/tokenizer"
)

var met = metrics.New()

var (
	mRecordsTotal  = func(topic string) *metrics.Counter { return met.Counter(metrics.WithLabels("streamcore_records_total", "topic", topic), "Records consumed per topic") }
	mErrorsTotal   = func(stage string) *metrics.Counter { return met.Counter(metrics.WithLabels("streamcore_processor_errors_total", "stage", stage), "Processor errors per stage") }
	mSkippedTotal  = met.Counter("streamcore_records_skipped_total", "Records dropped by intake-time filters or kind dispatch")
	mFlushDuration = met.Histogram("streamcore_flush_duration_seconds", "Embedding flush latency", nil)
)

const pollWindow = 100 * time.Millisecond

func main() {
	log := slog.Default()
	cfg := config.Load(log)

	met.ServeAsync(9092)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	nc, err := nats.Connect(cfg.NATSHost)
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		log.Error("jetstream init failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisHost})
	store := kv.New(redisClient)

	vectorStore, err := semantic.New(cfg.QdrantHost, cfg.DB)
	if err != nil {
		log.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vectorStore.Close()

	tok, err := tokenizer.New()
	if err != nil {
		log.Error("tokenizer init failed", "error", err)
		os.Exit(1)
	}

	embedder := embed.NewOllamaClient(envOr("OLLAMA_HOST", "http://127.0.0.1:11434"), envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"))
	limiter := resilience.NewWindowLimiter(cfg.EmbeddingTokenLimit, time.Minute)

	colStore, err := columnar.New(envOr("COLUMNAR_DIR", "/tmp/streamcore-columnar"))
	if err != nil {
		log.Error("columnar store init failed", "error", err)
		os.Exit(1)
	}
	defer colStore.Close()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jHost, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	graph := resourcegraph.New(driver)

	classifier := logclass.NewClassifier(cfg.ClassifierThreshold)
	classStore := logclass.NewClassStore(store, cfg.DB)
	logPipeline := logclass.NewPipeline(classifier, classStore)
	reconciler := resource.New(store, cfg.DB)

	w := &worker{
		log:        log,
		cfg:        cfg,
		js:         js,
		logPipe:    logPipeline,
		reconciler: reconciler,
		graph:      graph,
		columnar:   colStore,
		tok:        tok,
	}

	// The rate limiter, tokenizer, embedding client, and vector store are
	// process-wide; each partition worker gets its own Batcher on top of
	// them, so chunk accrual never crosses partitions and the post-poll
	// flush covers exactly the records that worker consumed.
	var batchers []*vectorize.Batcher
	newBatcher := func() *vectorize.Batcher {
		b := vectorize.NewBatcher(tok, embedder, vectorStore, limiter, log)
		batchers = append(batchers, b)
		return b
	}

	topics := []natsutil.TopicConfig{
		cfg.LogTopic, cfg.ClassTopic,
		cfg.ResourceTopic, cfg.CustomResourceTopic, cfg.EventTopic,
		cfg.ProcessedResourceTopic, cfg.ProcessedCustomResourceTopic, cfg.ProcessedEventTopic,
	}
	for _, topic := range topics {
		stream, err := natsutil.EnsureStream(ctx, js, topic)
		if err != nil {
			log.Error("ensure stream failed", "topic", topic.Name, "error", err)
			os.Exit(1)
		}

		for p := 0; p < max(topic.Partitions, 1); p++ {
			consumer, err := natsutil.EnsurePartitionConsumer(ctx, stream, topic.Name, p)
			if err != nil {
				log.Error("ensure consumer failed", "topic", topic.Name, "partition", p, "error", err)
				os.Exit(1)
			}

			// Raw topics hand their transformer's output to the next topic
			// and ack there; only the Class and Processed* consumers feed a
			// batcher, so only they get a per-poll flush.
			var handler func(context.Context, jetstream.Msg) error
			var batcher *vectorize.Batcher
			switch topic.Name {
			case "Log":
				handler = w.handleLog
			case "Event":
				handler = w.handleEvent
			case "Resource":
				handler = w.resourceHandler(topic.Name, cfg.ProcessedResourceTopic)
			case "CustomResource":
				handler = w.resourceHandler(topic.Name, cfg.ProcessedCustomResourceTopic)
			case "Class":
				batcher = newBatcher()
				handler = w.classHandler(batcher)
			case "ProcessedEvent":
				batcher = newBatcher()
				handler = w.processedEventHandler(batcher)
			default: // ProcessedResource, ProcessedCustomResource
				batcher = newBatcher()
				handler = w.processedResourceHandler(topic.Name, batcher)
			}

			pw := &natsutil.PartitionWorker{
				Consumer:   consumer,
				PollWindow: pollWindow,
				Handler:    handler,
				Logger:     log,
			}
			if batcher != nil {
				flushTarget := batcher
				pw.AfterPoll = func(ctx context.Context) {
					start := time.Now()
					if err := flushTarget.FlushAll(ctx); err != nil {
						mErrorsTotal("flush").Inc()
						log.Error("poll flush failed", "topic", topic.Name, "error", err)
						return
					}
					mFlushDuration.Since(start)
				}
			}
			go func(topicName string, partition int) {
				if err := pw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("partition worker stopped", "topic", topicName, "partition", partition, "error", err)
				}
			}(topic.Name, p)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, b := range batchers {
		if err := b.FlushAll(flushCtx); err != nil {
			log.Error("final flush failed", "error", err)
		}
	}
}

type worker struct {
	log        *slog.Logger
	cfg        config.Config
	js         jetstream.JetStream
	logPipe    *logclass.Pipeline
	reconciler *resource.Reconciler
	graph      *resourcegraph.Store
	columnar   *columnar.Store
	tok        *tokenizer.Tokenizer
}

func (w *worker) tenantOf(tenant string) string {
	if w.cfg.TenantOverride != "" {
		return w.cfg.TenantOverride
	}
	return tenant
}

// logEnvelope is the wire shape published to the Log topic by the /logs
// intake endpoint: a LogRecord plus the namespace/container/tenant tags
// parsed from its pod-log path.
type logEnvelope struct {
	domain.LogRecord
	TenantID  string `json:"tenant_id"`
	Namespace string `json:"namespace"`
	Container string `json:"container"`
	Key       string `json:"key"`
}

// classEnvelope is the wire shape published to the Class topic: the
// classifier's winning Class plus the tenant it belongs to, so the Class
// topic's own consumer can embed it independently of the Log topic's
// consumer group.
type classEnvelope struct {
	TenantID string       `json:"tenant_id"`
	Class    domain.Class `json:"class"`
}

// processedResourceEnvelope is the wire shape published to the
// ProcessedResource/ProcessedCustomResource topics: the reconciler's
// decision for one record, ready for the embedding batcher and the
// columnar side-write. Deletions travel on the same topic so the
// mark-deleted call shares the downstream consumer's redelivery semantics.
type processedResourceEnvelope struct {
	TenantID     string                     `json:"tenant_id"`
	Kind         string                     `json:"kind"`
	Name         string                     `json:"name"`
	Namespace    string                     `json:"namespace"`
	Key          string                     `json:"key"`
	Deleted      bool                       `json:"deleted,omitempty"`
	DeletedKey   string                     `json:"deleted_key,omitempty"`
	SubDocuments []domain.ResourcePointMeta `json:"sub_documents,omitempty"`
}

// processedEventEnvelope is the wire shape published to the ProcessedEvent
// topic: one shaped event, ready for embedding.
type processedEventEnvelope struct {
	TenantID string                `json:"tenant_id"`
	Event    domain.EventPointMeta `json:"event"`
}

func (w *worker) handleLog(ctx context.Context, msg jetstream.Msg) error {
	mRecordsTotal("Log").Inc()
	var env logEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		mErrorsTotal("decode").Inc()
		return nil // malformed record: skip, advance offset
	}

	tenant := w.tenantOf(env.TenantID)
	winner, err := w.logPipe.Classify(ctx, tenant, env.LogRecord, env.Namespace, env.Container, env.Key)
	if err != nil {
		mErrorsTotal("classify").Inc()
		return err
	}

	if err := natsutil.PublishPartitioned(ctx, w.js, w.cfg.ClassTopic, tenant, classEnvelope{TenantID: tenant, Class: winner}); err != nil {
		mErrorsTotal("publish_class").Inc()
		return err
	}
	return nil
}

func (w *worker) classHandler(batcher *vectorize.Batcher) func(context.Context, jetstream.Msg) error {
	return func(ctx context.Context, msg jetstream.Msg) error {
		mRecordsTotal("Class").Inc()
		var env classEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			mErrorsTotal("decode").Inc()
			return nil
		}

		tenant := w.tenantOf(env.TenantID)
		rep := env.Class.Representation()
		env.Class.TokenCount = uint64(w.tok.Count(rep))
		_, cut := w.tok.ClipTail(rep)
		meta := domain.NewClassPointMeta(env.Class, uint64(cut))
		if err := batcher.Add(ctx, tenant, meta, meta.Representation, msg.Ack); err != nil {
			mErrorsTotal("batch").Inc()
			return err
		}
		return natsutil.ErrAckDeferred
	}
}

// handleEvent shapes a raw event and republishes it to the ProcessedEvent
// topic, acking only after the publish succeeds. Embedding happens in that
// topic's own consumer group, so a slow or failing embed path never holds
// up raw-event consumption.
func (w *worker) handleEvent(ctx context.Context, msg jetstream.Msg) error {
	mRecordsTotal("Event").Inc()
	var env domain.KubeApiData
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		mErrorsTotal("decode").Inc()
		return nil // malformed record: skip, advance offset
	}

	meta, ok := event.Shape(env.JSON)
	if !ok {
		mSkippedTotal.Inc()
		return nil
	}

	tenant := w.tenantOf(env.TenantID)
	out := processedEventEnvelope{TenantID: tenant, Event: meta}
	if err := natsutil.PublishPartitioned(ctx, w.js, w.cfg.ProcessedEventTopic, tenant, out); err != nil {
		mErrorsTotal("publish_processed").Inc()
		return err
	}
	return nil
}

func (w *worker) processedEventHandler(batcher *vectorize.Batcher) func(context.Context, jetstream.Msg) error {
	return func(ctx context.Context, msg jetstream.Msg) error {
		mRecordsTotal("ProcessedEvent").Inc()
		var env processedEventEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			mErrorsTotal("decode").Inc()
			return nil
		}

		tenant := w.tenantOf(env.TenantID)
		if err := batcher.Add(ctx, tenant, env.Event, env.Event.Data, msg.Ack); err != nil {
			mErrorsTotal("batch").Inc()
			return err
		}
		return natsutil.ErrAckDeferred
	}
}

// ackGroup defers a message's ack until every one of its registered
// batcher.Add calls reports its own chunk flushed, so a message that spreads
// multiple sub-documents across the batcher isn't acked while some of them
// are still sitting unflushed.
type ackGroup struct {
	mu      sync.Mutex
	pending int
	msg     jetstream.Msg
	log     *slog.Logger
}

func newAckGroup(n int, msg jetstream.Msg, log *slog.Logger) *ackGroup {
	return &ackGroup{pending: n, msg: msg, log: log}
}

func (g *ackGroup) ack() error {
	g.mu.Lock()
	g.pending--
	fire := g.pending <= 0
	g.mu.Unlock()
	if !fire {
		return nil
	}
	if err := g.msg.Ack(); err != nil {
		g.log.Error("ack group: ack failed", "error", err)
	}
	return nil
}

// resourceHandler reconciles raw Resource/CustomResource records and
// republishes each meaningful outcome (deletions and vectorisable
// sub-document sets) to dest, acking only after the publish succeeds. The
// embedding, columnar, and mark-deleted side effects all run in dest's own
// consumer group.
func (w *worker) resourceHandler(topicName string, dest natsutil.TopicConfig) func(context.Context, jetstream.Msg) error {
	return func(ctx context.Context, msg jetstream.Msg) error {
		mRecordsTotal(topicName).Inc()
		var env domain.KubeApiData
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			mErrorsTotal("decode").Inc()
			return nil
		}

		tenant := w.tenantOf(env.TenantID)
		result, err := w.reconciler.Reconcile(ctx, tenant, env)
		if err != nil {
			var fieldErr *domain.FieldError
			if errors.As(err, &fieldErr) {
				mSkippedTotal.Inc()
				return nil
			}
			mErrorsTotal("reconcile").Inc()
			return err
		}
		if result.Skipped {
			mSkippedTotal.Inc()
			return nil
		}

		out := processedResourceEnvelope{
			TenantID:  tenant,
			Kind:      result.Kind,
			Name:      result.Name,
			Namespace: result.Namespace,
			Key:       result.Key,
		}
		if result.Deleted {
			out.Deleted = true
			out.DeletedKey = result.DeletedKey
		} else {
			w.enrichGraph(ctx, tenant, result)
			if len(result.SubDocuments) == 0 {
				return nil
			}
			out.SubDocuments = result.SubDocuments
		}

		if err := natsutil.PublishPartitioned(ctx, w.js, dest, tenant, out); err != nil {
			mErrorsTotal("publish_processed").Inc()
			return err
		}
		return nil
	}
}

// processedResourceHandler performs the side effects for one reconciled
// record: the mark-deleted call for a deletion, or the columnar side-write
// plus batched embedding for each sub-document, acking the message only
// once every sub-document's chunk has flushed.
func (w *worker) processedResourceHandler(topicName string, batcher *vectorize.Batcher) func(context.Context, jetstream.Msg) error {
	return func(ctx context.Context, msg jetstream.Msg) error {
		mRecordsTotal(topicName).Inc()
		var env processedResourceEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			mErrorsTotal("decode").Inc()
			return nil
		}

		tenant := w.tenantOf(env.TenantID)
		if env.Deleted {
			if err := batcher.PropagateDeletions(ctx, tenant, []string{env.DeletedKey}); err != nil {
				mErrorsTotal("mark_deleted").Inc()
				return err
			}
			deletedTable := columnar.TableName(env.Kind, env.DeletedKey, "metadata", true)
			_ = w.columnar.Append(w.cfg.DB, tenant, deletedTable, columnar.Row{"timestamp": time.Now().Unix(), "uid": env.DeletedKey})
			return nil
		}

		if len(env.SubDocuments) == 0 {
			return nil
		}

		group := newAckGroup(len(env.SubDocuments), msg, w.log)
		for _, doc := range env.SubDocuments {
			table := columnar.TableName(env.Kind, env.Key, string(doc.DataType), false)
			if err := w.columnar.Append(w.cfg.DB, tenant, table, columnar.Row{
				"timestamp": time.Now().Unix(),
				"uid":       doc.ResourceUID,
				"kind":      env.Kind,
				"name":      env.Name,
				"namespace": env.Namespace,
				"data":      doc.Data,
			}); err != nil {
				mErrorsTotal("columnar").Inc()
			}
			if err := batcher.Add(ctx, tenant, doc, doc.Data, group.ack); err != nil {
				mErrorsTotal("batch").Inc()
				return err
			}
		}
		return natsutil.ErrAckDeferred
	}
}

// enrichGraph mirrors the record's ownerReferences into the ownership graph.
// Additive enrichment only: a graph failure is logged and never blocks the
// reconciler's own vectorization path or the message's ack.
func (w *worker) enrichGraph(ctx context.Context, tenant string, result resource.Result) {
	node := resourcegraph.Node{
		Tenant:    tenant,
		Kind:      result.Kind,
		UID:       result.UID,
		Name:      result.Name,
		Namespace: result.Namespace,
	}
	if err := w.graph.UpsertNode(ctx, node); err != nil {
		mErrorsTotal("graph").Inc()
		w.log.Warn("ownership graph upsert failed", "kind", result.Kind, "uid", result.UID, "error", err)
		return
	}
	for _, owner := range result.Owners {
		edge := resourcegraph.OwnerEdge{FromID: node.ID(), ToUID: owner.UID, ToKind: owner.Kind}
		if err := w.graph.UpsertOwnerEdge(ctx, tenant, node, edge); err != nil {
			mErrorsTotal("graph").Inc()
			w.log.Warn("ownership edge upsert failed", "from", node.ID(), "owner_uid", owner.UID, "error", err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
