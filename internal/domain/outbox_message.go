package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending    OutboxMessageStatus = "PENDING"
	OutboxStatusPublishing OutboxMessageStatus = "PUBLISHING"
	OutboxStatusPublished  OutboxMessageStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxMessageStatus = "FAILED"
)

// outboxTransitions lists every status change the ledger allows. PUBLISHED has
// no outgoing edge. FAILED may only leave through a retry claim or the
// recovery sweep, and both are bounded by the retry ceiling in SQL.
var outboxTransitions = map[OutboxMessageStatus][]OutboxMessageStatus{
	OutboxStatusPending:    {OutboxStatusPublishing},
	OutboxStatusPublishing: {OutboxStatusPublished, OutboxStatusFailed, OutboxStatusPending},
	OutboxStatusFailed:     {OutboxStatusPublishing, OutboxStatusPending},
	OutboxStatusPublished:  nil,
}

func (s OutboxMessageStatus) Valid() bool {
	_, ok := outboxTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal ledger move.
func (s OutboxMessageStatus) CanTransitionTo(next OutboxMessageStatus) bool {
	for _, allowed := range outboxTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OutboxMessageStatus) Terminal() bool {
	return s == OutboxStatusPublished
}

func (s OutboxMessageStatus) String() string {
	return string(s)
}

// OutboxMessage is one row of the outbox ledger. Payload holds the full wire
// envelope exactly as it will be written to the broker.
type OutboxMessage struct {
	EventID      string
	EventType    string
	AggregateID  string
	Payload      []byte
	Status       OutboxMessageStatus
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PublishedAt  *time.Time
}

// Transition moves the message to next, refusing moves the ledger forbids.
func (m *OutboxMessage) Transition(next OutboxMessageStatus, at time.Time) error {
	if !m.Status.CanTransitionTo(next) {
		return &TransitionError{EventID: m.EventID, From: m.Status, To: next}
	}
	m.Status = next
	m.UpdatedAt = at
	if next == OutboxStatusPublished {
		m.PublishedAt = &at
	}
	return nil
}
