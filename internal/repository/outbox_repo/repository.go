package outbox_repo

import (
	"context"
	"time"

	"eventrelay/internal/domain"
)

// OutboxRepository is the outbox ledger. CreateTx must run in the producer's
// transaction; every other method is a single self-contained statement whose
// WHERE clause enforces the allowed status transition.
type OutboxRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error
	GetByID(ctx context.Context, eventID string) (*domain.OutboxMessage, error)

	// FetchPending returns up to limit PENDING rows, oldest first. A non-zero
	// createdAfter restricts the scan to rows created after it.
	FetchPending(ctx context.Context, limit int, createdAfter time.Time) ([]domain.OutboxMessage, error)

	// Claim moves the row to PUBLISHING if it is PENDING, or FAILED with
	// retry_count below maxRetries. It returns nil, nil when nothing was
	// claimable.
	Claim(ctx context.Context, eventID string, maxRetries int, now time.Time) (*domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, eventID string, now time.Time) error
	// MarkFailed records a failed attempt and returns the new retry_count.
	MarkFailed(ctx context.Context, eventID, errMsg string, now time.Time) (int, error)

	ResetStuck(ctx context.Context, updatedBefore time.Time, limit int, now time.Time) (int64, error)
	RequeueFailed(ctx context.Context, updatedBefore time.Time, maxRetries, limit int, now time.Time) (int64, error)
	DeletePublishedBefore(ctx context.Context, publishedBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.OutboxMessageStatus]int64, error)
}
