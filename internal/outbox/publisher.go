package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/infrastructure/jobqueue"
	kafka_infra "eventrelay/internal/infrastructure/kafka"
	"eventrelay/internal/infrastructure/tracing"
)

const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderSource      = "source"
	HeaderCausationID = "causation-id"
)

type PublisherStore interface {
	Claim(ctx context.Context, eventID string, maxRetries int, now time.Time) (*domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, eventID string, now time.Time) error
	MarkFailed(ctx context.Context, eventID, errMsg string, now time.Time) (int, error)
}

// Publisher sends claimed outbox rows to the broker. It is the handler of
// publish jobs.
type Publisher struct {
	store      PublisherStore
	producer   kafka_infra.Producer
	topic      string
	maxRetries int
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewPublisher(store PublisherStore, producer kafka_infra.Producer, topic string, maxRetries int, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:      store,
		producer:   producer,
		topic:      topic,
		maxRetries: maxRetries,
		logger:     logger,
		tracer:     otel.Tracer("eventrelay/outbox-publisher"),
		now:        time.Now,
	}
}

// HandleJob adapts Publish to the job queue.
func (p *Publisher) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var data PublishJobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return fmt.Errorf("malformed publish job %s: %w", job.ID, err)
	}
	if data.EventID == "" {
		return fmt.Errorf("publish job %s has no eventId", job.ID)
	}
	return p.Publish(ctx, data.EventID)
}

// Publish claims the row, sends it and records the outcome. A failed send is
// returned as a jobqueue retry while attempts remain. Once the ceiling is
// reached the row stays FAILED and Publish returns nil.
func (p *Publisher) Publish(ctx context.Context, eventID string) error {
	msg, err := p.store.Claim(ctx, eventID, p.maxRetries, p.now())
	if err != nil {
		p.logger.Error("Failed to claim outbox event", zap.String("event_id", eventID), zap.Error(err))
		return err
	}
	if msg == nil {
		p.logger.Debug("Outbox event not claimable, skipping", zap.String("event_id", eventID))
		return nil
	}

	if sendErr := p.send(ctx, msg); sendErr != nil {
		return p.recordFailure(ctx, msg, sendErr)
	}

	if err := p.store.MarkPublished(ctx, eventID, p.now()); err != nil {
		// The stuck sweep will put the row back to PENDING and it is sent again.
		p.logger.Error("Event sent but not marked published", zap.String("event_id", eventID), zap.Error(err))
		return err
	}
	p.logger.Debug("Outbox event published", zap.String("event_id", eventID), zap.String("event_type", msg.EventType))
	return nil
}

func (p *Publisher) send(ctx context.Context, msg *domain.OutboxMessage) error {
	ctx, span := p.tracer.Start(ctx, "publish "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("messaging.message.id", msg.EventID),
		))
	defer span.End()

	var source string
	if env, err := event.ParseEnvelope(msg.Payload); err == nil {
		source = env.Source
	}
	headers := tracing.Inject(ctx, []kafka.Header{
		{Key: HeaderEventID, Value: []byte(msg.EventID)},
		{Key: HeaderEventType, Value: []byte(msg.EventType)},
		{Key: HeaderSource, Value: []byte(source)},
		{Key: HeaderCausationID, Value: []byte(msg.EventID)},
	})

	if err := p.producer.Produce(ctx, p.topic, []byte(msg.AggregateID), msg.Payload, headers...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Publisher) recordFailure(ctx context.Context, msg *domain.OutboxMessage, sendErr error) error {
	retryCount, err := p.store.MarkFailed(ctx, msg.EventID, sendErr.Error(), p.now())
	if err != nil {
		if errors.Is(err, domain.ErrOutboxMessageNotFound) {
			p.logger.Warn("Outbox event left PUBLISHING before failure was recorded", zap.String("event_id", msg.EventID))
			return nil
		}
		p.logger.Error("Failed to record publish failure", zap.String("event_id", msg.EventID), zap.Error(err))
		return err
	}

	pubErr := &domain.PublishError{EventID: msg.EventID, Err: sendErr}
	if retryCount < p.maxRetries {
		p.logger.Warn("Failed to publish outbox event, will retry",
			zap.String("event_id", msg.EventID),
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", p.maxRetries),
			zap.Error(sendErr))
		return jobqueue.Retry(retryCount, pubErr)
	}

	p.logger.Error("max retries reached",
		zap.String("event_id", msg.EventID),
		zap.String("event_type", msg.EventType),
		zap.Int("retry_count", retryCount),
		zap.Error(sendErr))
	return nil
}
