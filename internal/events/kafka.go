package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jmylchreest/transcodarr/internal/observability"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes job events to a kafka topic keyed by job ID, so
// every event of a job lands on the same partition in order.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Async keeps progress publishing off the job's critical path; delivery
	// failures surface through Completion.
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka delivery failed",
					slog.Int("messages", len(msgs)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return newKafkaPublisher(w, logger), nil
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer:  w,
		timeout: 5 * time.Second,
		logger:  observability.WithComponent(logger, "kafka_publisher"),
	}
}

// Publish implements Publisher. Broker failures are logged, never returned.
func (p *KafkaPublisher) Publish(ctx context.Context, ev JobEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshalling job event", slog.String("job_id", ev.JobID), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type())},
		},
	})
	if err != nil {
		p.logger.Warn("kafka publish failed",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(ev.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
