package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Event is one message to publish. Events with the same key land on the same partition, so
// per-cluster ordering is kept when the key is the linking id.
type Event struct {
	Key       string
	EventType string
	Payload   any
}

// Publish writes events in a single batch.
func (p *Producer) Publish(ctx context.Context, events ...Event) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Publish")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	traceParent := tracing.GetTraceParent(ctx)
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}

		headers := []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte("1.0")},
		}
		if traceParent != "" {
			headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceParent)})
		}

		messages[i] = kafka.Message{
			Topic:   p.topic,
			Key:     []byte(event.Key),
			Value:   data,
			Headers: headers,
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Add(float64(len(events)))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish events batch")
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Add(float64(len(events)))
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published events batch")

	return nil
}
