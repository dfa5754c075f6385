// Package config loads the pipeline's environment variables, warning and
// falling back to a default on a missing or unparseable value.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/clusterlens/streamcore/pkg/natsutil"
)

// Config is the full set of environment-driven pipeline settings.
type Config struct {
	DB                  string
	ClassifierThreshold float64
	EmbeddingTokenLimit int

	NATSHost   string
	RedisHost  string
	QdrantHost string
	Neo4jHost  string
	Neo4jUser  string
	Neo4jPass  string

	LogTopic             natsutil.TopicConfig
	ClassTopic           natsutil.TopicConfig
	ResourceTopic        natsutil.TopicConfig
	CustomResourceTopic  natsutil.TopicConfig
	EventTopic           natsutil.TopicConfig
	ProcessedResourceTopic       natsutil.TopicConfig
	ProcessedCustomResourceTopic natsutil.TopicConfig
	ProcessedEventTopic          natsutil.TopicConfig

	// TenantOverride, when non-empty, pins every record to one tenant id
	// regardless of its envelope, for test fixtures.
	TenantOverride string
}

// Load reads configuration from the environment, logging a warning and
// substituting a default for each missing or invalid variable.
func Load(log *slog.Logger) Config {
	if log == nil {
		log = slog.Default()
	}

	return Config{
		DB:                  getString(log, "STREAMCORE_DB", "clusterlens"),
		ClassifierThreshold: getFloat(log, "CLASSIFIER_THRESHOLD", 0.7),
		EmbeddingTokenLimit: getInt(log, "OPENAI_EMBEDDING_TOKEN_LIMIT", 1_000_000),

		NATSHost:   getString(log, "NATS_HOST", "nats://127.0.0.1:4222"),
		RedisHost:  getString(log, "REDIS_HOST", "127.0.0.1:6379"),
		QdrantHost: getString(log, "QDRANT_HOST", "127.0.0.1:6334"),
		Neo4jHost:  getString(log, "NEO4J_HOST", "bolt://127.0.0.1:7687"),
		Neo4jUser:  getString(log, "NEO4J_USER", "neo4j"),
		Neo4jPass:  getString(log, "NEO4J_PASSWORD", "password"),

		LogTopic:                     natsutil.TopicConfig{Name: "Log", Partitions: getInt(log, "TOPIC_LOG_PARTITIONS", 8), Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_LOG_BYTES_PER_RECORD", 1 << 20))},
		ClassTopic:                   natsutil.TopicConfig{Name: "Class", Partitions: getInt(log, "TOPIC_CLASS_PARTITIONS", 1), Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_CLASS_BYTES_PER_RECORD", 1 << 20))},
		ResourceTopic:                natsutil.TopicConfig{Name: "Resource", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_RESOURCE_BYTES_PER_RECORD", 1 << 20))},
		CustomResourceTopic:          natsutil.TopicConfig{Name: "CustomResource", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_CUSTOMRESOURCE_BYTES_PER_RECORD", 1 << 20))},
		EventTopic:                   natsutil.TopicConfig{Name: "Event", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_EVENT_BYTES_PER_RECORD", 1 << 20))},
		ProcessedResourceTopic:       natsutil.TopicConfig{Name: "ProcessedResource", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_PROCESSEDRESOURCE_BYTES_PER_RECORD", 1 << 20))},
		ProcessedCustomResourceTopic: natsutil.TopicConfig{Name: "ProcessedCustomResource", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_PROCESSEDCUSTOMRESOURCE_BYTES_PER_RECORD", 1 << 20))},
		ProcessedEventTopic:          natsutil.TopicConfig{Name: "ProcessedEvent", Partitions: 1, Replicas: 1, MaxBytesRec: int32(getInt(log, "TOPIC_PROCESSEDEVENT_BYTES_PER_RECORD", 1 << 20))},

		TenantOverride: os.Getenv("TENANT_ID_OVERRIDE"),
	}
}

func getString(log *slog.Logger, key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	log.Warn("config: using default", "var", key, "default", def)
	return def
}

func getFloat(log *slog.Logger, key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		log.Warn("config: using default", "var", key, "default", def)
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn("config: invalid value, using default", "var", key, "value", v, "default", def)
		return def
	}
	return f
}

func getInt(log *slog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		log.Warn("config: using default", "var", key, "default", def)
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("config: invalid value, using default", "var", key, "value", v, "default", def)
		return def
	}
	return n
}
