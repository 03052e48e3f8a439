package batch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

// Event types.
const (
	EventResult = "result" // one job persisted
	EventBatch  = "batch"  // batch finished
)

// Event is published as jobs and batches complete.
type Event struct {
	Type    string          `json:"type"`
	Key     *results.Key    `json:"key,omitempty"`
	Metrics *domain.Metrics `json:"metrics,omitempty"`
	Stats   *JobStats       `json:"stats,omitempty"`
	Time    time.Time       `json:"time"`
}

// Notifier receives batch events. Implementations must not block the batch
// on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Notifiers fans an event out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		n.Notify(ctx, ev)
	}
}

// KafkaNotifier publishes events as JSON to a Kafka topic, keyed by the
// backtest key for result events.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, log *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           5 * time.Second,
		},
		log: log.With("component", "kafka-notifier"),
	}
}

// Notify writes ev. Failures are logged and dropped.
func (k *KafkaNotifier) Notify(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		k.log.Warn("encoding event", "type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(ev.Type), Value: data}
	if ev.Key != nil {
		msg.Key = []byte(ev.Key.ID())
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Warn("publishing event", "type", ev.Type, "key", string(msg.Key), "error", err)
	}
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
