package model

import (
	"encoding/json"
	"time"
)

// EventType enumerates what the ledger records. Every negotiation
// transition and every resolver fallback below the dataset tier produces
// exactly one event.
type EventType string

const (
	EventNegotiationStarted  EventType = "negotiation_started"
	EventCounterOffer        EventType = "counter_offer"
	EventSettlementRecorded  EventType = "settlement_recorded"
	EventNegotiationRejected EventType = "negotiation_rejected"
	EventNegotiationExpired  EventType = "negotiation_expired"
	EventResolverFallback    EventType = "resolver_fallback"
	EventModeChanged         EventType = "mode_changed"
)

// LedgerEvent is one link in the append-only hash chain.
//
//	Hash = SHA-256(PrevHash ‖ EventType ‖ Payload ‖ Seq)
//
// with length-prefixed field encoding. Seq is strictly increasing from 0;
// once an event's hash is computed the event is immutable.
type LedgerEvent struct {
	Seq       uint64          `json:"seq"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`

	// Mode is the system mode at append time, recorded for audit context.
	Mode      Mode      `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// FallbackRecord is the payload of an EventResolverFallback event.
type FallbackRecord struct {
	Domain     string     `json:"domain"`
	Key        string     `json:"key"`
	Tier       SourceTier `json:"tier"`
	Confidence float64    `json:"confidence"`

	// FailedTiers lists the higher-priority tiers that were attempted and
	// failed before this one succeeded.
	FailedTiers []SourceTier `json:"failed_tiers"`
}
