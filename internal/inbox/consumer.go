// Package inbox applies incoming events at most once per consumer by
// recording every processed event id in the processed-event ledger within the
// same transaction as the side effect.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
)

type Store interface {
	ExistsTx(ctx context.Context, querier domain.Querier, eventID, consumerName string) (bool, error)
	CreateTx(ctx context.Context, querier domain.Querier, evt *domain.ProcessedEvent) error
}

type Transactor interface {
	Run(ctx context.Context, fn func(ctx context.Context, querier domain.Querier) error) error
}

// EventHandler applies the side effect of one event through querier, which is
// the transaction that also records the event as processed.
type EventHandler func(ctx context.Context, querier domain.Querier, env *event.Envelope) error

var errAlreadyProcessed = errors.New("event already in processed ledger")

type IdempotentConsumer struct {
	name   string
	store  Store
	uow    Transactor
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewIdempotentConsumer(name string, store Store, uow Transactor, logger *zap.Logger) *IdempotentConsumer {
	return &IdempotentConsumer{
		name:     name,
		store:    store,
		uow:      uow,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]EventHandler),
	}
}

func (c *IdempotentConsumer) Name() string { return c.name }

func (c *IdempotentConsumer) Register(eventType string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = h
}

// Handle decodes one message value and applies it at most once. A returned
// error means the message could not be applied and belongs on the
// dead-letter topic. Duplicates and unknown event types return nil.
func (c *IdempotentConsumer) Handle(ctx context.Context, value []byte) error {
	env, err := event.ParseEnvelope(value)
	if err != nil {
		return err
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.EventType]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("No handler for event type, skipping",
			zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))
		return nil
	}

	err = c.uow.Run(ctx, func(ctx context.Context, q domain.Querier) error {
		exists, err := c.store.ExistsTx(ctx, q, env.EventID, c.name)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyProcessed
		}

		if err := c.store.CreateTx(ctx, q, &domain.ProcessedEvent{
			EventID:      env.EventID,
			ConsumerName: c.name,
			EventType:    env.EventType,
			Payload:      env.Payload,
			ProcessedAt:  c.now(),
		}); err != nil {
			return err
		}

		if err := handler(ctx, q, env); err != nil {
			return fmt.Errorf("handler for %s failed on event %s: %w", env.EventType, env.EventID, err)
		}
		return nil
	})

	switch {
	case err == nil:
		c.logger.Debug("Event processed", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))
		return nil
	case errors.Is(err, errAlreadyProcessed):
		c.logger.Debug("Event already processed, skipping", zap.String("event_id", env.EventID))
		return nil
	case errors.Is(err, domain.ErrDuplicateEvent):
		c.logger.Info("Event processed by a concurrent delivery", zap.String("event_id", env.EventID))
		return nil
	default:
		return err
	}
}
