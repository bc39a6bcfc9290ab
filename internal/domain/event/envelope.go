package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/domain"
)

// Envelope is the wire format shared by producers and consumers. It is the
// only cross-service contract; outbox rows store it verbatim.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, source, version string, payload any, at time.Time) (*Envelope, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", domain.ErrInvalidEnvelope)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", eventType, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: payload of %s must be a JSON object", domain.ErrInvalidEnvelope, eventType)
	}
	return &Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: at.UnixMilli(),
		Version:   version,
		Source:    source,
		Payload:   raw,
	}, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Envelope) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ParseEnvelope decodes and validates a message value.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	if _, err := uuid.Parse(env.EventID); err != nil {
		return nil, fmt.Errorf("%w: eventId %q is not a uuid", domain.ErrInvalidEnvelope, env.EventID)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: eventType is empty", domain.ErrInvalidEnvelope)
	}
	return &env, nil
}
