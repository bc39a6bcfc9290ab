package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"eventrelay/internal/domain"
	"eventrelay/internal/infrastructure/jobqueue"
)

// memoryStore is an in-memory outbox ledger that applies the same
// conditions as the SQL statements.
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]*domain.OutboxMessage
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]*domain.OutboxMessage)}
}

func (s *memoryStore) put(msg domain.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[msg.EventID] = &msg
}

func (s *memoryStore) get(id string) domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memoryStore) CreateTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *msg
	s.rows[msg.EventID] = &cp
	return nil
}

func (s *memoryStore) FetchPending(ctx context.Context, limit int, createdAfter time.Time) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.OutboxMessage
	for _, r := range s.rows {
		if r.Status == domain.OutboxStatusPending && (createdAfter.IsZero() || r.CreatedAt.After(createdAfter)) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Claim(ctx context.Context, eventID string, maxRetries int, now time.Time) (*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.rows[eventID]
	if !ok {
		return nil, nil
	}
	claimable := r.Status == domain.OutboxStatusPending ||
		(r.Status == domain.OutboxStatusFailed && r.RetryCount < maxRetries)
	if !claimable {
		return nil, nil
	}
	if err := r.Transition(domain.OutboxStatusPublishing, now); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) MarkPublished(ctx context.Context, eventID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok || r.Status != domain.OutboxStatusPublishing {
		return domain.ErrOutboxMessageNotFound
	}
	return r.Transition(domain.OutboxStatusPublished, now)
}

func (s *memoryStore) MarkFailed(ctx context.Context, eventID, errMsg string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok || r.Status != domain.OutboxStatusPublishing {
		return 0, domain.ErrOutboxMessageNotFound
	}
	if err := r.Transition(domain.OutboxStatusFailed, now); err != nil {
		return 0, err
	}
	r.RetryCount++
	r.ErrorMessage = &errMsg
	return r.RetryCount, nil
}

func (s *memoryStore) ResetStuck(ctx context.Context, updatedBefore time.Time, limit int, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for _, r := range s.rows {
		if int(n) >= limit {
			break
		}
		if r.Status == domain.OutboxStatusPublishing && r.UpdatedAt.Before(updatedBefore) {
			_ = r.Transition(domain.OutboxStatusPending, now)
			r.RetryCount++
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) RequeueFailed(ctx context.Context, updatedBefore time.Time, maxRetries, limit int, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for _, r := range s.rows {
		if int(n) >= limit {
			break
		}
		if r.Status == domain.OutboxStatusFailed && r.RetryCount < maxRetries && r.UpdatedAt.Before(updatedBefore) {
			_ = r.Transition(domain.OutboxStatusPending, now)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DeletePublishedBefore(ctx context.Context, publishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for id, r := range s.rows {
		if r.Status == domain.OutboxStatusPublished && r.PublishedAt != nil && r.PublishedAt.Before(publishedBefore) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	added []string
	err   error
}

func (q *fakeQueue) Add(ctx context.Context, jobName string, data any, opts jobqueue.JobOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	for _, id := range q.added {
		if id == opts.JobID {
			return id, jobqueue.ErrJobExists
		}
	}
	q.added = append(q.added, opts.JobID)
	return opts.JobID, nil
}

type sentMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafka.Header
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakeProducer) Produce(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

var errBrokerDown = errors.New("kafka: broker unreachable")

// txQuerier stands in for a unit-of-work transaction.
type txQuerier struct {
	domain.Querier
	hooks []func(ctx context.Context)
}

func (t *txQuerier) AfterCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func (t *txQuerier) commit(ctx context.Context) {
	for _, h := range t.hooks {
		h(ctx)
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
