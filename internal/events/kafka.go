package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/metrics"
)

// KafkaWriter is the subset of *kafka.Writer the publisher needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic, keyed by owner so one owner's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer  KafkaWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaWriter builds an async, batching writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w KafkaWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second, logger: logger.Named("kafka")}
}

var _ Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		return
	}

	// Detach from the request so a finished handler does not cancel delivery.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Owner),
		Value: value,
		Time:  e.Timestamp,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		p.logger.Warn("publish failed", zap.String("type", e.Type), zap.String("owner", e.Owner), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
