package domain

import "time"

// ProcessedEvent is a row of the processed-event ledger. The pair
// (EventID, ConsumerName) is unique; the database enforces it.
type ProcessedEvent struct {
	EventID      string
	ConsumerName string
	EventType    string
	Payload      []byte
	ProcessedAt  time.Time
}
