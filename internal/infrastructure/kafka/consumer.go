package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventrelay/internal/infrastructure/tracing"
)

const (
	HeaderError         = "error"
	HeaderFailedAt      = "failedAt"
	HeaderOriginalTopic = "originalTopic"
)

type MessageHandler func(ctx context.Context, msg kafka.Message) error

// MessageReader is the subset of *kafka.Reader the batch consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type BatchConsumerConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	DLQTopic  string
	BatchSize int
	// BatchWait bounds how long the consumer keeps collecting after the
	// first message of a batch arrived.
	BatchWait time.Duration
	// PollTimeout bounds an idle fetch so the heartbeat keeps moving.
	PollTimeout time.Duration
}

func (c *BatchConsumerConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchWait <= 0 {
		c.BatchWait = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.DLQTopic == "" {
		c.DLQTopic = c.Topic + ".dlq"
	}
}

// BatchConsumer reads a consumer group without auto-commit. Messages of one
// partition are handled in order, partitions run concurrently, a failed
// message goes to the dead-letter topic and offsets are committed once per
// batch.
type BatchConsumer struct {
	reader    MessageReader
	dlq       Producer
	handler   MessageHandler
	cfg       BatchConsumerConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	heartbeat atomic.Int64
	now       func() time.Time
}

func NewBatchConsumer(cfg BatchConsumerConfig, handler MessageHandler, dlq Producer, logger *zap.Logger) *BatchConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           500 * time.Millisecond,
		CommitInterval:    0,
		StartOffset:       kafka.FirstOffset,
		HeartbeatInterval: 3 * time.Second,
		Logger:            kafka.LoggerFunc(logger.Sugar().Debugf),
		ErrorLogger:       kafka.LoggerFunc(logger.Sugar().Errorf),
	})
	return NewBatchConsumerWithReader(reader, cfg, handler, dlq, logger)
}

func NewBatchConsumerWithReader(reader MessageReader, cfg BatchConsumerConfig, handler MessageHandler, dlq Producer, logger *zap.Logger) *BatchConsumer {
	cfg.setDefaults()
	c := &BatchConsumer{
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("eventrelay/kafka-consumer"),
		now:     time.Now,
	}
	c.beat()
	return c
}

// LastHeartbeat is the last time the consumer loop showed progress.
func (c *BatchConsumer) LastHeartbeat() time.Time {
	return time.Unix(0, c.heartbeat.Load())
}

func (c *BatchConsumer) beat() {
	c.heartbeat.Store(c.now().UnixNano())
}

// Consume runs until ctx is cancelled.
func (c *BatchConsumer) Consume(ctx context.Context) error {
	c.logger.Info("Kafka batch consumer starting",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID),
		zap.String("dlq_topic", c.cfg.DLQTopic),
		zap.Int("batch_size", c.cfg.BatchSize))

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.fetchBatch(ctx)
		c.beat()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		c.ProcessBatch(ctx, batch)

		if err := c.reader.CommitMessages(ctx, batch...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to commit offsets for batch", zap.Int("batch_size", len(batch)), zap.Error(err))
			continue
		}
		c.logger.Debug("Batch offsets committed", zap.Int("batch_size", len(batch)))
	}
}

// fetchBatch blocks for the first message up to PollTimeout, then keeps
// collecting for at most BatchWait or until BatchSize messages arrived.
func (c *BatchConsumer) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	first, err := c.reader.FetchMessage(pollCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	batch := make([]kafka.Message, 0, c.cfg.BatchSize)
	batch = append(batch, first)

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchWait)
	defer cancel()
	for len(batch) < c.cfg.BatchSize {
		msg, err := c.reader.FetchMessage(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				break
			}
			c.logger.Warn("Fetch failed while filling batch", zap.Error(err))
			break
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// ProcessBatch handles every message of batch. It never fails: handler errors
// are routed to the dead-letter topic.
func (c *BatchConsumer) ProcessBatch(ctx context.Context, batch []kafka.Message) {
	var (
		order      []int
		partitions = make(map[int][]kafka.Message)
	)
	for _, msg := range batch {
		if _, ok := partitions[msg.Partition]; !ok {
			order = append(order, msg.Partition)
		}
		partitions[msg.Partition] = append(partitions[msg.Partition], msg)
	}

	var g errgroup.Group
	for _, p := range order {
		msgs := partitions[p]
		g.Go(func() error {
			for _, msg := range msgs {
				if err := c.handle(ctx, msg); err != nil {
					c.deadLetter(ctx, msg, err)
				}
				c.beat()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *BatchConsumer) handle(ctx context.Context, msg kafka.Message) (err error) {
	ctx = tracing.Extract(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("message handler panicked: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return c.handler(ctx, msg)
}

func (c *BatchConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.logger.Error("Message handler failed, routing to dead-letter topic",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("dlq_topic", c.cfg.DLQTopic),
		zap.Error(cause))

	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(c.now().UTC().Format(time.RFC3339))},
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
	)

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return c.dlq.Produce(ctx, c.cfg.DLQTopic, msg.Key, msg.Value, headers...)
	}, b)
	if err != nil {
		c.logger.Error("Failed to write message to dead-letter topic, message dropped",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value),
			zap.Error(err))
	}
}

func (c *BatchConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka reader: %w", err)
	}
	c.logger.Info("Kafka batch consumer closed.")
	return nil
}
