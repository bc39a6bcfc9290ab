package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/order_repo"
)

type OrderRepository struct {
	db *sql.DB
}

var _ order_repo.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error {
	query := `INSERT INTO orders (id, user_id, amount, description, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := querier.ExecContext(ctx, query, order.ID, order.UserID, order.Amount, order.Description, order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.ID, err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}
	query := `SELECT id, user_id, amount, description, status, created_at, updated_at FROM orders WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&order.ID, &order.UserID, &order.Amount, &order.Description, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	return order, nil
}
