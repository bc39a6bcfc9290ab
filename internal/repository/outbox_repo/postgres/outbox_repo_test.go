package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/domain"
)

var columns = []string{"event_id", "event_type", "aggregate_id", "payload", "status", "retry_count", "error_message", "created_at", "updated_at", "published_at"}

func newRepo(t *testing.T) (*OutboxRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOutboxRepository(db), mock
}

func TestCreateTxInsertsPendingRow(t *testing.T) {
	repo, mock := newRepo(t)

	now := time.Now()
	msg := &domain.OutboxMessage{
		EventID: "e1", EventType: "order.created", AggregateID: "o1",
		Payload: []byte(`{}`), Status: domain.OutboxStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("e1", "order.created", "o1", []byte(`{}`), domain.OutboxStatusPending, 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateTx(context.Background(), repo.db, msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPendingWithAndWithoutRecencyFilter(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery(`WHERE status = \$1\s+ORDER BY created_at ASC\s+LIMIT \$2`).
		WithArgs(domain.OutboxStatusPending, 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "order.created", "o1", []byte(`{}`), "PENDING", 0, nil, now, now, nil).
			AddRow("e2", "order.created", "o2", []byte(`{}`), "PENDING", 1, "boom", now, now, nil))

	msgs, err := repo.FetchPending(context.Background(), 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e1", msgs[0].EventID)
	assert.Nil(t, msgs[0].ErrorMessage)
	require.NotNil(t, msgs[1].ErrorMessage)
	assert.Equal(t, "boom", *msgs[1].ErrorMessage)

	cutoff := now.Add(-time.Minute)
	mock.ExpectQuery(`created_at > \$2`).
		WithArgs(domain.OutboxStatusPending, cutoff, 10).
		WillReturnRows(sqlmock.NewRows(columns))

	msgs, err = repo.FetchPending(context.Background(), 10, cutoff)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE outbox_events").
		WithArgs("e1", domain.OutboxStatusPublishing, now, domain.OutboxStatusPending, domain.OutboxStatusFailed, 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "order.created", "o1", []byte(`{"eventId":"e1"}`), "PUBLISHING", 2, nil, now, now, nil))

	msg, err := repo.Claim(context.Background(), "e1", 5, now)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, domain.OutboxStatusPublishing, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	mock.ExpectQuery("UPDATE outbox_events").
		WithArgs("e2", domain.OutboxStatusPublishing, now, domain.OutboxStatusPending, domain.OutboxStatusFailed, 5).
		WillReturnRows(sqlmock.NewRows(columns))

	msg, err = repo.Claim(context.Background(), "e2", 5, now)
	require.NoError(t, err)
	assert.Nil(t, msg)

	mock.ExpectQuery("UPDATE outbox_events").WillReturnError(errors.New("connection reset"))
	_, err = repo.Claim(context.Background(), "e3", 5, now)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedRequiresPublishing(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs("e1", domain.OutboxStatusPublished, now, domain.OutboxStatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkPublished(context.Background(), "e1", now))

	mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.MarkPublished(context.Background(), "e1", now)
	assert.ErrorIs(t, err, domain.ErrOutboxMessageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedReturnsNewRetryCount(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery(`retry_count = retry_count \+ 1`).
		WithArgs("e1", domain.OutboxStatusFailed, "broker down", now, domain.OutboxStatusPublishing).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(5))

	n, err := repo.MarkFailed(context.Background(), "e1", "broker down", now)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	mock.ExpectQuery("UPDATE outbox_events").WillReturnRows(sqlmock.NewRows([]string{"retry_count"}))
	_, err = repo.MarkFailed(context.Background(), "e1", "broker down", now)
	assert.ErrorIs(t, err, domain.ErrOutboxMessageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweeps(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectExec(`FOR UPDATE SKIP LOCKED`).
		WithArgs(domain.OutboxStatusPending, now, domain.OutboxStatusPublishing, cutoff, 50).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.ResetStuck(context.Background(), cutoff, 50, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	mock.ExpectExec(`retry_count < \$4`).
		WithArgs(domain.OutboxStatusPending, now, domain.OutboxStatusFailed, 5, cutoff, 50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = repo.RequeueFailed(context.Background(), cutoff, 5, 50, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	mock.ExpectExec("DELETE FROM outbox_events").
		WithArgs(domain.OutboxStatusPublished, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 15))
	n, err = repo.DeletePublishedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 15, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatusFillsMissingStatuses(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("PENDING", 4).AddRow("FAILED", 1))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, counts[domain.OutboxStatusPending])
	assert.EqualValues(t, 1, counts[domain.OutboxStatusFailed])
	assert.Contains(t, counts, domain.OutboxStatusPublished)
	assert.EqualValues(t, 0, counts[domain.OutboxStatusPublished])
}
