package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reserved system topics. Agents publish domain traffic on their own topic
// names; these are owned by the infrastructure.
const (
	TopicModeChanges  = "system.mode"
	TopicLedgerEvents = "system.ledger"
	TopicProposals    = "negotiation.proposals"
	TopicSettlements  = "negotiation.settlements"
	TopicReadings     = "readings"
)

// Message is the immutable envelope exchanged on the bus. Once published a
// message is never mutated; subscribers receive the same envelope the
// publisher handed in.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	SenderID      string          `json:"sender_id"`
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// TTL bounds how long the message is deliverable after Timestamp.
	// Zero means no expiry. Expired messages are dropped before dispatch.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Expired reports whether the message's TTL has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(m.TTL))
}

// NewMessage builds an envelope with a fresh ID and the given payload
// marshalled to JSON. Marshal failures are reported to the caller rather
// than published as empty payloads.
func NewMessage(topic, senderID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.New(),
		Topic:     topic,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}, nil
}
