// Package natsutil provides the partitioned JetStream topic layer: stream
// and durable-consumer provisioning, key-routed publishing, and the
// per-partition poll worker, with OpenTelemetry trace propagation across
// message headers in both directions.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
)

// ErrAckDeferred is returned by a PartitionWorker.Handler to signal that it
// has taken over responsibility for acknowledging msg itself, e.g. once an
// accumulated batch it fed the message into actually flushes, and that
// Run must not auto-ack on this return.
var ErrAckDeferred = errors.New("natsutil: ack deferred to handler")

// TopicConfig describes one topic's stream shape: name, partition count,
// replicas, max bytes per record.
type TopicConfig struct {
	Name         string
	Partitions   int
	Replicas     int
	MaxBytesRec  int32
}

// Subject returns the partition subject a record with the given routing key
// is published to: a stable FNV-1a hash of key modulo Partitions, so all
// records for one tenant land on one deterministic partition.
func (t TopicConfig) Subject(key string) string {
	return fmt.Sprintf("%s.%d", t.Name, t.Partition(key))
}

// Partition computes the deterministic partition index for key.
func (t TopicConfig) Partition(key string) int {
	if t.Partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(t.Partitions))
}

// EnsureStream creates or updates the JetStream stream backing a topic.
func EnsureStream(ctx context.Context, js jetstream.JetStream, t TopicConfig) (jetstream.Stream, error) {
	subjects := make([]string, t.Partitions)
	for i := 0; i < t.Partitions; i++ {
		subjects[i] = fmt.Sprintf("%s.%d", t.Name, i)
	}
	if t.Partitions == 0 {
		subjects = []string{t.Name + ".0"}
	}
	cfg := jetstream.StreamConfig{
		Name:      t.Name,
		Subjects:  subjects,
		Replicas:  max(t.Replicas, 1),
		MaxMsgSize: t.MaxBytesRec,
	}
	return js.CreateOrUpdateStream(ctx, cfg)
}

// EnsurePartitionConsumer creates or updates a durable pull consumer bound
// to a single partition's subject, with offset tracking starting at the
// beginning of the stream and manual (explicit) ack.
func EnsurePartitionConsumer(ctx context.Context, stream jetstream.Stream, topic string, partition int) (jetstream.Consumer, error) {
	durable := fmt.Sprintf("%s-p%d", topic, partition)
	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: fmt.Sprintf("%s.%d", topic, partition),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	return stream.CreateOrUpdateConsumer(ctx, cfg)
}

// PublishPartitioned serializes v as JSON and publishes it to the topic's
// partition for key, injecting trace context into the message headers.
// The JetStream Publish call blocks for the broker's ack (the "producer
// flush").
func PublishPartitioned[T any](ctx context.Context, js jetstream.JetStream, topic TopicConfig, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if topic.MaxBytesRec > 0 && int32(len(data)) > topic.MaxBytesRec {
		return fmt.Errorf("natsutil: record for key %q exceeds %d bytes (got %d)", key, topic.MaxBytesRec, len(data))
	}
	msg := nats.NewMsg(topic.Subject(key))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	_, err = js.PublishMsg(ctx, msg)
	return err
}

// natsHeaderCarrier adapts an outbound nats.Msg's headers for OTel
// TextMapCarrier injection.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// headerCarrier adapts a read-only nats.Header (as returned by a received
// jetstream.Msg) for OTel TextMapCarrier extraction.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string {
	if c == nil {
		return ""
	}
	return nats.Header(c).Get(key)
}

func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// PartitionWorker polls one partition's durable consumer for a fixed window
// per iteration and hands each message to Handler. Handler errors are
// logged and the message is left un-acked, so it is redelivered on restart
// (at-least-once); success acks the message, which is this system's
// offset commit.
type PartitionWorker struct {
	Consumer   jetstream.Consumer
	PollWindow time.Duration
	BatchSize  int
	Handler    func(ctx context.Context, msg jetstream.Msg) error
	// AfterPoll, if set, runs once per poll iteration after the fetched
	// batch has been drained, including iterations where the poll window
	// expired with no messages. The embedding batcher hangs its periodic
	// flush here so pending chunks (and their deferred acks) drain even
	// when the topic goes idle.
	AfterPoll func(ctx context.Context)
	Logger    *slog.Logger
}

// Run polls until ctx is cancelled.
func (w *PartitionWorker) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := w.Consumer.Fetch(batchSize, jetstream.FetchMaxWait(w.PollWindow))
		if err != nil {
			log.Error("natsutil: fetch failed", "error", err)
			continue
		}
		for msg := range batch.Messages() {
			msgCtx := ctx
			if hdrs := msg.Headers(); hdrs != nil {
				msgCtx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(hdrs))
			}
			if err := w.Handler(msgCtx, msg); err != nil {
				if errors.Is(err, ErrAckDeferred) {
					continue // handler owns the ack; fires once its batch flushes
				}
				log.Error("natsutil: handler failed, leaving unacked", "error", err)
				continue
			}
			if err := msg.Ack(); err != nil {
				log.Error("natsutil: ack failed", "error", err)
			}
		}
		if err := batch.Error(); err != nil {
			log.Warn("natsutil: batch error", "error", err)
		}
		if w.AfterPoll != nil {
			w.AfterPoll(ctx)
		}
	}
}
