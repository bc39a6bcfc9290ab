package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/repository/payments_repo"
)

type PaymentService struct {
	paymentRepo payments_repo.PaymentRepository
	logger      *zap.Logger
	now         func() time.Time
}

func NewPaymentService(paymentRepo payments_repo.PaymentRepository, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleOrderCreated records a pending payment for the order. It runs inside
// the consumer's transaction, after the processed-event row was inserted.
func (s *PaymentService) HandleOrderCreated(ctx context.Context, querier domain.Querier, env *event.Envelope) error {
	var payload event.OrderCreatedEvent
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: order.created payload: %v", domain.ErrInvalidEnvelope, err)
	}
	if payload.OrderID == "" || payload.Amount <= 0 {
		return fmt.Errorf("%w: order.created %s has no order or amount", domain.ErrInvalidEnvelope, env.EventID)
	}

	existing, err := s.paymentRepo.GetByOrderIDTx(ctx, querier, payload.OrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.Info("Payment already recorded for order",
			zap.String("order_id", payload.OrderID),
			zap.String("payment_id", existing.ID),
			zap.String("event_id", env.EventID),
		)
		return nil
	}

	payment := &domain.Payment{
		ID:        uuid.NewString(),
		OrderID:   payload.OrderID,
		UserID:    payload.UserID,
		Amount:    payload.Amount,
		Status:    domain.PaymentStatusPending,
		EventID:   env.EventID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.paymentRepo.CreateTx(ctx, querier, payment); err != nil {
		if errors.Is(err, domain.ErrPaymentAlreadyExists) {
			return nil
		}
		return err
	}

	s.logger.Info("Pending payment recorded",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.Float64("amount", payment.Amount),
		zap.String("event_id", env.EventID),
	)
	return nil
}
