package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
)

// Payment is the side effect the example consumer applies for every
// order.created event it sees.
type Payment struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    float64
	Status    PaymentStatus
	EventID   string
	CreatedAt time.Time
}
