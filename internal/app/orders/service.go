package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/repository/order_repo"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResponse, error)
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	Run(ctx context.Context, fn func(ctx context.Context, querier domain.Querier) error) error
}

type EventWriter interface {
	SaveEvent(ctx context.Context, querier domain.Querier, eventType, aggregateID string, payload any) (string, error)
}

type orderService struct {
	uow       Transactor
	orderRepo order_repo.OrderRepository
	events    EventWriter
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrderService(uow Transactor, orderRepo order_repo.OrderRepository, events EventWriter, logger *zap.Logger) OrderService {
	return &orderService{
		uow:       uow,
		orderRepo: orderRepo,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateOrder stores the order and its order.created outbox row in the same
// transaction. Neither is visible unless both are.
func (s *orderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	order, err := domain.NewOrder(uuid.NewString(), req.UserID, req.Description, req.Amount, s.now().UTC())
	if err != nil {
		s.logger.Warn("Rejected order", zap.String("user_id", req.UserID), zap.Float64("amount", req.Amount), zap.Error(err))
		return nil, err
	}

	var eventID string
	err = s.uow.Run(ctx, func(ctx context.Context, querier domain.Querier) error {
		if err := s.orderRepo.CreateTx(ctx, querier, order); err != nil {
			return err
		}
		id, err := s.events.SaveEvent(ctx, querier, event.TypeOrderCreated, order.ID, event.OrderCreatedEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			Amount:      order.Amount,
			Description: order.Description,
		})
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to create order", zap.String("order_id", order.ID), zap.Error(err))
		return nil, fmt.Errorf("create order %s: %w", order.ID, err)
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("event_id", eventID),
	)
	res := toResponse(order)
	res.EventID = eventID
	return res, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toResponse(order), nil
}
