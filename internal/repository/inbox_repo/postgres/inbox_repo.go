package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/inbox_repo"
)

const uniqueViolation = "23505"

type InboxRepository struct {
	db *sql.DB
}

var _ inbox_repo.InboxRepository = (*InboxRepository)(nil)

func NewInboxRepository(db *sql.DB) *InboxRepository {
	return &InboxRepository{db: db}
}

func (r *InboxRepository) ExistsTx(ctx context.Context, querier domain.Querier, eventID, consumerName string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2)`
	var exists bool
	if err := querier.QueryRowContext(ctx, query, eventID, consumerName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check processed event %s: %w", eventID, err)
	}
	return exists, nil
}

func (r *InboxRepository) CreateTx(ctx context.Context, querier domain.Querier, evt *domain.ProcessedEvent) error {
	query := `
		INSERT INTO processed_events (event_id, consumer_name, event_type, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := querier.ExecContext(ctx, query,
		evt.EventID,
		evt.ConsumerName,
		evt.EventType,
		evt.Payload,
		evt.ProcessedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record processed event %s: %w", evt.EventID, err)
	}
	return nil
}

func (r *InboxRepository) DeleteProcessedBefore(ctx context.Context, processedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, processedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}
	return res.RowsAffected()
}
