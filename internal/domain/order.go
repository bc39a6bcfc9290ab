package domain

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "NEW"
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
)

type Order struct {
	ID          string
	UserID      string
	Amount      float64
	Description string
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewOrder(id, userID, description string, amount float64, now time.Time) (*Order, error) {
	if id == "" || userID == "" || amount <= 0 {
		return nil, ErrInvalidOrder
	}
	return &Order{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Description: description,
		Status:      OrderStatusPendingPayment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
