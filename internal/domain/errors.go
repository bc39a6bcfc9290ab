package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent is returned when the processed-event ledger already
	// holds the (event, consumer) pair.
	ErrDuplicateEvent = errors.New("event already processed by this consumer")
	// ErrOutboxMessageNotFound is returned when an outbox row does not exist
	// or is not in the status the update expected.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
	ErrInvalidEnvelope       = errors.New("invalid event envelope")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrder          = errors.New("invalid order data")
	ErrPaymentAlreadyExists  = errors.New("payment already exists")
)

type TransitionError struct {
	EventID string
	From    OutboxMessageStatus
	To      OutboxMessageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("outbox message %s: illegal transition %s -> %s", e.EventID, e.From, e.To)
}

// PublishError wraps a broker failure for one outbox event. It is transient:
// the publisher retries it until the retry ceiling.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s: %v", e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
