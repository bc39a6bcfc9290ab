package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
)

type fakeTx struct {
	orders []*domain.Order
	events []event.OrderCreatedEvent
}

// stagingUoW keeps writes in a per-call querier and only publishes them when
// fn succeeds.
type stagingUoW struct {
	committed fakeTx
}

func (u *stagingUoW) Run(ctx context.Context, fn func(ctx context.Context, querier domain.Querier) error) error {
	tx := &stagedQuerier{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	u.committed.orders = append(u.committed.orders, tx.orders...)
	u.committed.events = append(u.committed.events, tx.events...)
	return nil
}

type stagedQuerier struct {
	domain.Querier
	fakeTx
}

type fakeOrderRepo struct {
	err    error
	stored map[string]*domain.Order
}

func (r *fakeOrderRepo) CreateTx(_ context.Context, querier domain.Querier, order *domain.Order) error {
	if r.err != nil {
		return r.err
	}
	q := querier.(*stagedQuerier)
	q.orders = append(q.orders, order)
	return nil
}

func (r *fakeOrderRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	o, ok := r.stored[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

type fakeWriter struct {
	err error
}

func (w *fakeWriter) SaveEvent(_ context.Context, querier domain.Querier, eventType, aggregateID string, payload any) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	q := querier.(*stagedQuerier)
	q.events = append(q.events, payload.(event.OrderCreatedEvent))
	return "evt-" + aggregateID, nil
}

func TestCreateOrder_WritesOrderAndEventTogether(t *testing.T) {
	uow := &stagingUoW{}
	svc := NewOrderService(uow, &fakeOrderRepo{}, &fakeWriter{}, zap.NewNop())

	res, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u-1", Amount: 12.5, Description: "book"})
	require.NoError(t, err)

	require.Len(t, uow.committed.orders, 1)
	require.Len(t, uow.committed.events, 1)
	assert.Equal(t, res.ID, uow.committed.events[0].OrderID)
	assert.Equal(t, "u-1", uow.committed.events[0].UserID)
	assert.Equal(t, "evt-"+res.ID, res.EventID)
	assert.Equal(t, string(domain.OrderStatusPendingPayment), res.Status)
}

func TestCreateOrder_EventFailureDiscardsOrder(t *testing.T) {
	uow := &stagingUoW{}
	boom := errors.New("outbox insert failed")
	svc := NewOrderService(uow, &fakeOrderRepo{}, &fakeWriter{err: boom}, zap.NewNop())

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u-1", Amount: 3})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, uow.committed.orders)
	assert.Empty(t, uow.committed.events)
}

func TestCreateOrder_RejectsInvalidInput(t *testing.T) {
	uow := &stagingUoW{}
	svc := NewOrderService(uow, &fakeOrderRepo{}, &fakeWriter{}, zap.NewNop())

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "u-1", Amount: 0})
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, uow.committed.orders)
}

func TestGetOrder(t *testing.T) {
	repo := &fakeOrderRepo{stored: map[string]*domain.Order{
		"o-1": {ID: "o-1", UserID: "u-1", Amount: 5, Status: domain.OrderStatusPendingPayment},
	}}
	svc := NewOrderService(&stagingUoW{}, repo, &fakeWriter{}, zap.NewNop())

	res, err := svc.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", res.UserID)

	_, err = svc.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
