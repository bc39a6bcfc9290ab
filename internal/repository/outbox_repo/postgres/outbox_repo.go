package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/outbox_repo"
)

const outboxColumns = `event_id, event_type, aggregate_id, payload, status, retry_count, error_message, created_at, updated_at, published_at`

type OutboxRepository struct {
	db *sql.DB
}

var _ outbox_repo.OutboxRepository = (*OutboxRepository)(nil)

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) CreateTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := querier.ExecContext(ctx, query,
		msg.EventID,
		msg.EventType,
		msg.AggregateID,
		msg.Payload,
		msg.Status,
		msg.RetryCount,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox event %s: %w", msg.EventID, err)
	}
	return nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, eventID string) (*domain.OutboxMessage, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE event_id = $1`
	msg, err := scanOutboxMessage(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOutboxMessageNotFound
		}
		return nil, fmt.Errorf("failed to get outbox event %s: %w", eventID, err)
	}
	return msg, nil
}

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int, createdAfter time.Time) ([]domain.OutboxMessage, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if createdAfter.IsZero() {
		query := `
			SELECT ` + outboxColumns + `
			FROM outbox_events
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT $2
		`
		rows, err = r.db.QueryContext(ctx, query, domain.OutboxStatusPending, limit)
	} else {
		query := `
			SELECT ` + outboxColumns + `
			FROM outbox_events
			WHERE status = $1 AND created_at > $2
			ORDER BY created_at ASC
			LIMIT $3
		`
		rows, err = r.db.QueryContext(ctx, query, domain.OutboxStatusPending, createdAfter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox events: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return messages, nil
}

func (r *OutboxRepository) Claim(ctx context.Context, eventID string, maxRetries int, now time.Time) (*domain.OutboxMessage, error) {
	query := `
		UPDATE outbox_events
		SET status = $2, updated_at = $3
		WHERE event_id = $1
		  AND (status = $4 OR (status = $5 AND retry_count < $6))
		RETURNING ` + outboxColumns

	row := r.db.QueryRowContext(ctx, query,
		eventID,
		domain.OutboxStatusPublishing,
		now,
		domain.OutboxStatusPending,
		domain.OutboxStatusFailed,
		maxRetries,
	)
	msg, err := scanOutboxMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim outbox event %s: %w", eventID, err)
	}
	return msg, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID string, now time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = $2, published_at = $3, updated_at = $3, error_message = NULL
		WHERE event_id = $1 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, eventID, domain.OutboxStatusPublished, now, domain.OutboxStatusPublishing)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s as published: %w", eventID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox event %s: %w", eventID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox event %s is no longer publishing: %w", eventID, domain.ErrOutboxMessageNotFound)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID, errMsg string, now time.Time) (int, error) {
	query := `
		UPDATE outbox_events
		SET status = $2, retry_count = retry_count + 1, error_message = $3, updated_at = $4
		WHERE event_id = $1 AND status = $5
		RETURNING retry_count
	`
	var retryCount int
	err := r.db.QueryRowContext(ctx, query, eventID, domain.OutboxStatusFailed, errMsg, now, domain.OutboxStatusPublishing).Scan(&retryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("outbox event %s is no longer publishing: %w", eventID, domain.ErrOutboxMessageNotFound)
		}
		return 0, fmt.Errorf("failed to mark outbox event %s as failed: %w", eventID, err)
	}
	return retryCount, nil
}

func (r *OutboxRepository) ResetStuck(ctx context.Context, updatedBefore time.Time, limit int, now time.Time) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, retry_count = retry_count + 1, updated_at = $2
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = $3 AND updated_at < $4
			ORDER BY updated_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) AND status = $3
	`
	res, err := r.db.ExecContext(ctx, query, domain.OutboxStatusPending, now, domain.OutboxStatusPublishing, updatedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepository) RequeueFailed(ctx context.Context, updatedBefore time.Time, maxRetries, limit int, now time.Time) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, updated_at = $2
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = $3 AND retry_count < $4 AND updated_at < $5
			ORDER BY updated_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		) AND status = $3 AND retry_count < $4
	`
	res, err := r.db.ExecContext(ctx, query, domain.OutboxStatusPending, now, domain.OutboxStatusFailed, maxRetries, updatedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, publishedBefore time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE status = $1 AND published_at < $2`
	res, err := r.db.ExecContext(ctx, query, domain.OutboxStatusPublished, publishedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[domain.OutboxMessageStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	counts := map[domain.OutboxMessageStatus]int64{
		domain.OutboxStatusPending:    0,
		domain.OutboxStatusPublishing: 0,
		domain.OutboxStatusPublished:  0,
		domain.OutboxStatusFailed:     0,
	}
	for rows.Next() {
		var (
			status domain.OutboxMessageStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[status] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox counts: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxMessage(row rowScanner) (*domain.OutboxMessage, error) {
	var (
		msg         domain.OutboxMessage
		errMsg      sql.NullString
		publishedAt sql.NullTime
	)
	err := row.Scan(
		&msg.EventID,
		&msg.EventType,
		&msg.AggregateID,
		&msg.Payload,
		&msg.Status,
		&msg.RetryCount,
		&errMsg,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		msg.ErrorMessage = &errMsg.String
	}
	if publishedAt.Valid {
		msg.PublishedAt = &publishedAt.Time
	}
	return &msg, nil
}
