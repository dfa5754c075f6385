// Command intake is the ingest HTTP boundary: it accepts raw
// log batches and Kubernetes resource/event payloads from external agents,
// applies intake-time filters, and publishes each record to its topic.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/internal/config"
	"github.com/clusterlens/streamcore/pkg/mid"
	"github.com/clusterlens/streamcore/pkg/natsutil"
)

func main() {
	log := slog.Default()
	cfg := config.Load(log)

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

	for _, topic := range []natsutil.TopicConfig{cfg.LogTopic, cfg.ResourceTopic, cfg.CustomResourceTopic, cfg.EventTopic} {
		if _, err := natsutil.EnsureStream(ctx, js, topic); err != nil {
			log.Error("ensure stream failed", "topic", topic.Name, "error", err)
			os.Exit(1)
		}
	}

	s := &server{js: js, cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /logs", s.handleLogs)
	mux.HandleFunc("POST /resource", s.handleOne(cfg.ResourceTopic, filterResource))
	mux.HandleFunc("POST /resources", s.handleMany(cfg.ResourceTopic, filterResource))
	mux.HandleFunc("POST /customresource", s.handleOne(cfg.CustomResourceTopic, filterCustomResource))
	mux.HandleFunc("POST /customresources", s.handleMany(cfg.CustomResourceTopic, filterCustomResource))
	mux.HandleFunc("POST /event", s.handleOne(cfg.EventTopic, nil))
	mux.HandleFunc("POST /events", s.handleMany(cfg.EventTopic, nil))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := mid.Chain(mux,
		mid.Recover(log),
		mid.OTel("intake"),
		mid.Logger(log),
		mid.CORS("*"),
		mid.Throttle(200, 400),
	)

	srv := &http.Server{
		Addr:         ":" + envOr("PORT", "8081"),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("intake server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server exited", "error", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

type server struct {
	js  jetstream.JetStream
	cfg config.Config
	log *slog.Logger
}

// tenantOf resolves the tenant id for a request: the configured override
// (test fixtures), else the X-Tenant-ID header.
func (s *server) tenantOf(r *http.Request) string {
	if s.cfg.TenantOverride != "" {
		return s.cfg.TenantOverride
	}
	return r.Header.Get("X-Tenant-ID")
}

// podLogPath matches the agent's log path encoding:
// /var/log/pods/<ns>_<pod>_<uid>/<container>
var podLogPath = regexp.MustCompile(`^/var/log/pods/([^_/]+)_(.+)_([0-9a-fA-F-]+)/([^/]+)$`)

type logMetadata struct {
	File string `json:"file"`
	Path string `json:"path"`
}

// logEnvelope mirrors cmd/processor's wire shape for the Log topic.
type logEnvelope struct {
	domain.LogRecord
	TenantID  string `json:"tenant_id"`
	Namespace string `json:"namespace"`
	Container string `json:"container"`
	Key       string `json:"key"`
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantOf(r)
	if tenant == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	var meta logMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		http.Error(w, "invalid metadata field", http.StatusBadRequest)
		return
	}

	namespace, _, uid, container, ok := parsePodLogPath(meta.Path)
	if !ok {
		http.Error(w, "unrecognized log path", http.StatusBadRequest)
		return
	}

	stream := r.FormValue("stream")
	written := 0
	for _, line := range strings.Split(stream, "\n") {
		if line == "" {
			continue
		}
		rec, ok := domain.ParseLogRecord(line)
		if !ok {
			s.log.Warn("log line missing or unparsable timestamp prefix", "tenant", tenant, "key", uid, "record_id", rec.RecordID)
		}
		env := logEnvelope{
			LogRecord: rec,
			TenantID:  tenant,
			Namespace: namespace,
			Container: container,
			Key:       uid,
		}
		if oversize(env, s.cfg.LogTopic.MaxBytesRec) {
			s.log.Warn("oversize record dropped", "tenant", tenant, "key", uid, "record_id", rec.RecordID, "len", len(line))
			continue
		}
		if err := natsutil.PublishPartitioned(r.Context(), s.js, s.cfg.LogTopic, tenant, env); err != nil {
			s.log.Error("publish failed", "topic", "Log", "error", err)
			http.Error(w, "publish failed", http.StatusBadGateway)
			return
		}
		written++
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d}`, written)
}

// parsePodLogPath splits the /var/log/pods/<ns>_<pod>_<uid>/<container>
// encoding into its four parts.
func parsePodLogPath(path string) (namespace, pod, uid, container string, ok bool) {
	m := podLogPath.FindStringSubmatch(path)
	if m == nil {
		return "", "", "", "", false
	}
	return m[1], m[2], m[3], m[4], true
}

func oversize[T any](v T, maxBytes int32) bool {
	if maxBytes <= 0 {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return int32(len(data)) > maxBytes
}

// itemFilter reports whether a decoded resource/custom-resource/event item
// should be dropped at intake.
type itemFilter func(item map[string]any) bool

// filterResource drops a resource whose sole owner reference is kind Job.
func filterResource(item map[string]any) bool {
	meta, _ := item["metadata"].(map[string]any)
	if meta == nil {
		return false
	}
	owners, _ := meta["ownerReferences"].([]any)
	if len(owners) != 1 {
		return false
	}
	owner, _ := owners[0].(map[string]any)
	kind, _ := owner["kind"].(string)
	return kind == "Job"
}

// filterCustomResource drops custom resources of kind Partition.
func filterCustomResource(item map[string]any) bool {
	kind, _ := item["kind"].(string)
	return kind == "Partition"
}

func (s *server) handleOne(topic natsutil.TopicConfig, filter itemFilter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var item map[string]any
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		accepted := s.publishItems(r, topic, filter, []map[string]any{item})
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"accepted":%d}`, accepted)
	}
}

func (s *server) handleMany(topic natsutil.TopicConfig, filter itemFilter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			http.Error(w, "invalid JSON array body", http.StatusBadRequest)
			return
		}
		accepted := s.publishItems(r, topic, filter, items)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"accepted":%d}`, accepted)
	}
}

// publishItems wraps each item as a domain.KubeApiData envelope, applies
// the intake-time filter, and publishes survivors to topic keyed by tenant.
func (s *server) publishItems(r *http.Request, topic natsutil.TopicConfig, filter itemFilter, items []map[string]any) int {
	tenant := s.tenantOf(r)
	eventType := domain.EventType(r.URL.Query().Get("event_type"))
	if eventType == "" {
		eventType = domain.EventApply
	}

	accepted := 0
	for _, item := range items {
		if filter != nil && filter(item) {
			continue
		}
		env := domain.KubeApiData{
			TenantID:  tenant,
			Timestamp: time.Now().Unix(),
			EventType: eventType,
			JSON:      item,
		}
		if oversize(env, topic.MaxBytesRec) {
			recordID := fmt.Sprint(item["uid"])
			data, _ := json.Marshal(env)
			s.log.Warn("oversize record dropped", "tenant", tenant, "key", tenant, "record_id", recordID, "len", len(data))
			continue
		}
		if err := natsutil.PublishPartitioned(r.Context(), s.js, topic, tenant, env); err != nil {
			s.log.Error("publish failed", "topic", topic.Name, "error", err)
			continue
		}
		accepted++
	}
	return accepted
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
