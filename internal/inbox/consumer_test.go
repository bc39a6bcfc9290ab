package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/infrastructure/database"
)

const consumerName = "payments-service"

// stagedTx buffers writes until the fake transactor commits them.
type stagedTx struct {
	domain.Querier
	ledger  []domain.ProcessedEvent
	effects []string
}

type memoryLedger struct {
	mu        sync.Mutex
	processed map[string]domain.ProcessedEvent
	effects   []string
	// forceDuplicate makes the insert lose a race the pre-check did not see.
	forceDuplicate bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{processed: make(map[string]domain.ProcessedEvent)}
}

func key(eventID, consumer string) string { return eventID + "/" + consumer }

func (l *memoryLedger) ExistsTx(ctx context.Context, q domain.Querier, eventID, consumer string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.forceDuplicate {
		return false, nil
	}
	_, ok := l.processed[key(eventID, consumer)]
	return ok, nil
}

func (l *memoryLedger) CreateTx(ctx context.Context, q domain.Querier, evt *domain.ProcessedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processed[key(evt.EventID, evt.ConsumerName)]; ok || l.forceDuplicate {
		return domain.ErrDuplicateEvent
	}
	if tx, ok := q.(*stagedTx); ok {
		tx.ledger = append(tx.ledger, *evt)
	}
	return nil
}

func (l *memoryLedger) Run(ctx context.Context, fn func(ctx context.Context, q domain.Querier) error) error {
	tx := &stagedTx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range tx.ledger {
		l.processed[key(evt.EventID, evt.ConsumerName)] = evt
	}
	l.effects = append(l.effects, tx.effects...)
	return nil
}

func envelopeBytes(t *testing.T, id, eventType string) []byte {
	t.Helper()
	env := &event.Envelope{EventID: id, EventType: eventType, Timestamp: time.Now().UnixMilli(), Version: "1.0", Source: "orders-service", Payload: []byte(`{"order_id":"o1"}`)}
	raw, err := env.Marshal()
	require.NoError(t, err)
	return raw
}

func recordEffect(ctx context.Context, q domain.Querier, env *event.Envelope) error {
	tx := q.(*stagedTx)
	tx.effects = append(tx.effects, env.EventID)
	return nil
}

func TestRedeliveryAppliesSideEffectOnce(t *testing.T) {
	ledger := newMemoryLedger()
	c := NewIdempotentConsumer(consumerName, ledger, ledger, zap.NewNop())
	c.Register(event.TypeOrderCreated, recordEffect)

	id := uuid.NewString()
	msg := envelopeBytes(t, id, event.TypeOrderCreated)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Handle(context.Background(), msg))
	}

	assert.Equal(t, []string{id}, ledger.effects)
	rec, ok := ledger.processed[key(id, consumerName)]
	require.True(t, ok)
	assert.Equal(t, event.TypeOrderCreated, rec.EventType)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(rec.Payload))
}

func TestLostInsertRaceIsSuccessWithoutSideEffect(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.forceDuplicate = true
	c := NewIdempotentConsumer(consumerName, ledger, ledger, zap.NewNop())
	c.Register(event.TypeOrderCreated, recordEffect)

	require.NoError(t, c.Handle(context.Background(), envelopeBytes(t, uuid.NewString(), event.TypeOrderCreated)))
	assert.Empty(t, ledger.effects)
}

func TestHandlerErrorRollsBackLedgerRow(t *testing.T) {
	ledger := newMemoryLedger()
	c := NewIdempotentConsumer(consumerName, ledger, ledger, zap.NewNop())
	cause := errors.New("payments table locked")
	c.Register(event.TypeOrderCreated, func(ctx context.Context, q domain.Querier, env *event.Envelope) error {
		return cause
	})

	id := uuid.NewString()
	err := c.Handle(context.Background(), envelopeBytes(t, id, event.TypeOrderCreated))
	require.ErrorIs(t, err, cause)
	assert.NotContains(t, ledger.processed, key(id, consumerName))
}

func TestInvalidEnvelopeIsAnError(t *testing.T) {
	ledger := newMemoryLedger()
	c := NewIdempotentConsumer(consumerName, ledger, ledger, zap.NewNop())
	err := c.Handle(context.Background(), []byte(`{"eventType":"order.created"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)
}

func TestUnknownEventTypeIsSkipped(t *testing.T) {
	ledger := newMemoryLedger()
	c := NewIdempotentConsumer(consumerName, ledger, ledger, zap.NewNop())
	require.NoError(t, c.Handle(context.Background(), envelopeBytes(t, uuid.NewString(), "user.deleted")))
	assert.Empty(t, ledger.processed)
}

func TestSameEventDifferentConsumers(t *testing.T) {
	ledger := newMemoryLedger()
	a := NewIdempotentConsumer("billing", ledger, ledger, zap.NewNop())
	b := NewIdempotentConsumer("shipping", ledger, ledger, zap.NewNop())
	a.Register(event.TypeOrderCreated, recordEffect)
	b.Register(event.TypeOrderCreated, recordEffect)

	msg := envelopeBytes(t, uuid.NewString(), event.TypeOrderCreated)
	require.NoError(t, a.Handle(context.Background(), msg))
	require.NoError(t, b.Handle(context.Background(), msg))
	assert.Len(t, ledger.effects, 2)
}

type stubStore struct {
	createErr error
}

func (s stubStore) ExistsTx(context.Context, domain.Querier, string, string) (bool, error) {
	return false, nil
}

func (s stubStore) CreateTx(context.Context, domain.Querier, *domain.ProcessedEvent) error {
	return s.createErr
}

func TestDuplicateRollsBackRealTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	uow := database.NewUnitOfWork(db, zap.NewNop())

	c := NewIdempotentConsumer(consumerName, stubStore{createErr: domain.ErrDuplicateEvent}, uow, zap.NewNop())
	called := false
	c.Register(event.TypeOrderCreated, func(ctx context.Context, q domain.Querier, env *event.Envelope) error {
		called = true
		return nil
	})

	mock.ExpectBegin()
	mock.ExpectRollback()

	require.NoError(t, c.Handle(context.Background(), envelopeBytes(t, uuid.NewString(), event.TypeOrderCreated)))
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSuccessCommitsRealTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	uow := database.NewUnitOfWork(db, zap.NewNop())

	c := NewIdempotentConsumer(consumerName, stubStore{}, uow, zap.NewNop())
	c.Register(event.TypeOrderCreated, func(ctx context.Context, q domain.Querier, env *event.Envelope) error {
		_, err := q.ExecContext(ctx, "INSERT INTO payments (id) VALUES ($1)", "p1")
		return err
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.Handle(context.Background(), envelopeBytes(t, uuid.NewString(), event.TypeOrderCreated)))
	require.NoError(t, mock.ExpectationsWereMet())
}
