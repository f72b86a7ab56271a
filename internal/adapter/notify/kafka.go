// Package notify publishes job lifecycle events to Kafka.
//
// The events are a side channel for downstream consumers (dashboards,
// billing, alerting). Publishing is fire-and-forget: a delivery failure is
// logged and counted but never touches job state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
)

// EventTopic carries every lifecycle event; consumers fan out on the
// event header.
const EventTopic = "llm-job-events"

// Kafka implements domain.Notifier over a franz-go producer.
type Kafka struct {
	client *kgo.Client
	topic  string
}

// NewKafka connects to the brokers and ensures the event topic exists. An
// empty topic falls back to EventTopic. Deployments without brokers use
// Noop instead.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.new: no seed brokers provided")
	}
	if topic == "" {
		topic = EventTopic
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=notify.new: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		// The cluster may auto-create or pre-provision topics; a real
		// problem surfaces on the first publish.
		slog.Warn("event topic ensure failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("kafka notifier ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Kafka{client: client, topic: topic}, nil
}

// Notify publishes one event asynchronously. Failures are logged, never
// returned; the job that triggered the event proceeds regardless.
func (k *Kafka) Notify(ctx domain.Context, n domain.Notification) {
	rec, err := eventRecord(n, k.topic)
	if err != nil {
		slog.Warn("notification encode failed",
			slog.String("event", n.Event),
			slog.String("job_id", n.JobID),
			slog.Any("error", err))
		observability.NotificationPublished(n.Event, "failed")
		return
	}

	// The publish outlives the request that triggered it, so detach from
	// the caller's cancellation while keeping its trace context.
	k.client.Produce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("notification publish failed",
				slog.String("event", n.Event),
				slog.String("job_id", n.JobID),
				slog.Any("error", err))
			observability.NotificationPublished(n.Event, "failed")
			return
		}
		observability.NotificationPublished(n.Event, "published")
	})
}

// Ping checks broker reachability for readiness probes.
func (k *Kafka) Ping(ctx context.Context) error { return k.client.Ping(ctx) }

// Close flushes buffered records and releases the client.
func (k *Kafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		slog.Warn("notification flush failed", slog.Any("error", err))
	}
	k.client.Close()
	return nil
}

func eventRecord(n domain.Notification, topic string) (*kgo.Record, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("op=notify.record: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		// Key on job id so one job's events stay ordered.
		Key:   []byte(n.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(n.Event)},
			{Key: "tenant_id", Value: []byte(n.TenantID)},
		},
	}, nil
}

// ensureTopic creates the event topic, tolerating TOPIC_ALREADY_EXISTS.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=notify.ensure_topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=notify.ensure_topic: unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		// Error code 36 = TOPIC_ALREADY_EXISTS.
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=notify.ensure_topic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}

// Noop discards every notification. Wired when KAFKA_BROKERS is empty.
type Noop struct{}

// Notify implements domain.Notifier.
func (Noop) Notify(domain.Context, domain.Notification) {}
