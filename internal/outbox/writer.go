package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/infrastructure/jobqueue"
)

const PublishJobName = "publish-outbox-event"

type PublishJobData struct {
	EventID string `json:"eventId"`
}

type JobQueue interface {
	Add(ctx context.Context, jobName string, data any, opts jobqueue.JobOptions) (string, error)
}

type EventStore interface {
	CreateTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error
}

// Event is one domain event to be written to the outbox.
type Event struct {
	EventType   string
	AggregateID string
	Payload     any
}

// Subscriber is notified of every saved event once it is durable.
type Subscriber func(ctx context.Context, msg domain.OutboxMessage)

type Writer struct {
	store   EventStore
	queue   JobQueue
	source  string
	version string
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewWriter(store EventStore, queue JobQueue, source, version string, logger *zap.Logger) *Writer {
	return &Writer{
		store:   store,
		queue:   queue,
		source:  source,
		version: version,
		logger:  logger,
		now:     time.Now,
	}
}

func (w *Writer) Subscribe(fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// SaveEvent wraps payload in an envelope and inserts a PENDING outbox row
// through querier. Pass the unit-of-work transaction to make the row commit
// or roll back together with the state change that produced it.
func (w *Writer) SaveEvent(ctx context.Context, querier domain.Querier, eventType, aggregateID string, payload any) (string, error) {
	at := w.now()
	env, err := event.NewEnvelope(eventType, w.source, w.version, payload, at)
	if err != nil {
		return "", err
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope for %s: %w", eventType, err)
	}

	msg := domain.OutboxMessage{
		EventID:     env.EventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if err := w.store.CreateTx(ctx, querier, &msg); err != nil {
		return "", err
	}
	w.notify(ctx, querier, msg)
	return msg.EventID, nil
}

func (w *Writer) SaveEvents(ctx context.Context, querier domain.Querier, events ...Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		id, err := w.SaveEvent(ctx, querier, e.EventType, e.AggregateID, e.Payload)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *Writer) notify(ctx context.Context, querier domain.Querier, msg domain.OutboxMessage) {
	w.mu.RLock()
	subs := append([]Subscriber(nil), w.subscribers...)
	w.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	deliver := func(ctx context.Context) {
		for _, fn := range subs {
			w.callSubscriber(ctx, fn, msg)
		}
	}
	if tx, ok := querier.(domain.AfterCommitter); ok {
		tx.AfterCommit(deliver)
		return
	}
	deliver(ctx)
}

func (w *Writer) callSubscriber(ctx context.Context, fn Subscriber, msg domain.OutboxMessage) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("Outbox subscriber panicked", zap.String("event_id", msg.EventID), zap.Any("panic", p))
		}
	}()
	fn(ctx, msg)
}

// SchedulePublishing enqueues one publish job per event id and reports how
// many were newly enqueued. It never fails: an id that already has a job is
// skipped silently, other enqueue errors are logged and the row is left for
// the pending scan.
func (w *Writer) SchedulePublishing(ctx context.Context, eventIDs ...string) int {
	enqueued := 0
	for _, id := range eventIDs {
		_, err := w.queue.Add(ctx, PublishJobName, PublishJobData{EventID: id}, jobqueue.JobOptions{
			JobID:            id,
			RemoveOnComplete: true,
			RemoveOnFail:     true,
		})
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, jobqueue.ErrJobExists):
		default:
			w.logger.Error("Failed to enqueue outbox event for publishing", zap.String("event_id", id), zap.Error(err))
		}
	}
	return enqueued
}
