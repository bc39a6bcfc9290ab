package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/payments_repo"
)

type PaymentRepository struct{}

var _ payments_repo.PaymentRepository = (*PaymentRepository)(nil)

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{}
}

func (r *PaymentRepository) CreateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, user_id, amount, status, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := querier.ExecContext(ctx, query,
		payment.ID, payment.OrderID, payment.UserID, payment.Amount, payment.Status, payment.EventID, payment.CreatedAt)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("failed to create payment for order %s: %w", payment.OrderID, err)
	}
	return nil
}

func (r *PaymentRepository) GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.Payment, error) {
	query := `SELECT id, order_id, user_id, amount, status, event_id, created_at FROM payments WHERE order_id = $1`
	p := &domain.Payment{}
	err := querier.QueryRowContext(ctx, query, orderID).Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Status, &p.EventID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment for order %s: %w", orderID, err)
	}
	return p, nil
}
