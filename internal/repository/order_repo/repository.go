package order_repo

import (
	"context"

	"eventrelay/internal/domain"
)

type OrderRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
}
