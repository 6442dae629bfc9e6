package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/redis"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// DeadLetters receives messages that failed with a permanent error.
type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// Consumer handles Kafka message consumption
type Consumer struct {
	reader      *kafka.Reader
	logger      ectologger.Logger
	handler     MessageHandler
	deadLetters DeadLetters
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewConsumer creates a new Kafka consumer. deadLetters may be nil, in which case permanently
// failing messages are logged and committed.
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler, deadLetters DeadLetters) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:      reader,
		logger:      logger,
		handler:     handler,
		deadLetters: deadLetters,
	}
}

func (c *Consumer) GetName() string {
	return "kafka-consumer"
}

func (c *Consumer) DependsOn() []string {
	return []string{"postgres", "redis"}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.reader.Config().Topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Info("Consumer loop stopping")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	incoming := &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}

	ctx, span := tracing.StartSpan(tracing.WithTraceParent(ctx, incoming.TraceParent()), "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if err := c.handler(ctx, incoming); err != nil {
		if !IsPermanent(err) {
			// Not committing keeps at-least-once delivery; the message is redelivered after a
			// restart or rebalance.
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "error").Inc()
			log.WithError(err).Error("Failed to process message (not committing)")
			return
		}

		metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "dead_letter").Inc()
		log.WithError(err).Error("Message can never be processed, dead lettering")
		if c.deadLetters != nil {
			if _, dlqErr := c.deadLetters.Add(ctx, &redis.DLQEntry{
				Topic:        msg.Topic,
				Partition:    msg.Partition,
				Offset:       msg.Offset,
				Key:          string(msg.Key),
				Payload:      string(msg.Value),
				ErrorMessage: err.Error(),
			}); dlqErr != nil {
				log.WithError(dlqErr).Error("Failed to dead letter message (not committing)")
				return
			}
		}
	} else {
		metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "success").Inc()
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}
