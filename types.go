package agrimind

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tier is one ranked source of truth in the fallback chain.
// Public mirror of the internal tier type; no internal package imports,
// safe to use from outside the module.
type Tier string

const (
	TierDataset    Tier = "dataset"
	TierAPI        Tier = "api"
	TierCache      Tier = "cache"
	TierSimulation Tier = "simulation"
	TierRule       Tier = "rule"
)

// Role classifies what an agent does in the farm economy.
type Role string

const (
	RoleSensor     Role = "sensor"
	RolePrediction Role = "prediction"
	RoleResource   Role = "resource"
	RoleMarket     Role = "market"
)

// Mode is the system-wide health state.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModePartial  Mode = "partial"
	ModeDegraded Mode = "degraded"
)

// Reading is one resolved data point with a quantified trust score.
type Reading struct {
	Domain     string
	Key        string
	Value      float64
	Confidence float64
	Source     Tier
	Provider   string
	Age        time.Duration
	Timestamp  time.Time
	Stale      bool
}

// RawValue is what a source adapter returns before confidence scoring.
type RawValue struct {
	Value      float64
	ObservedAt time.Time
	Provider   string
}

// ResolveOptions narrows one Resolve call.
type ResolveOptions struct {
	// SkipAPI suppresses the api tier (explicit offline mode).
	SkipAPI bool
	// AllowPartial permits a stale best-effort result on deadline expiry.
	AllowPartial bool
}

// Message is a delivered bus envelope.
type Message struct {
	ID            uuid.UUID
	Topic         string
	Payload       json.RawMessage
	SenderID      string
	CorrelationID uuid.UUID
	Timestamp     time.Time
}

// Offer is one negotiation round.
type Offer struct {
	ID            uuid.UUID
	NegotiationID uuid.UUID
	SenderID      string
	Resource      string
	Quantity      float64
	Price         float64
	Terms         string
	Priority      float64
	Timestamp     time.Time
}

// Settlement is the recorded outcome of an accepted negotiation.
type Settlement struct {
	NegotiationID uuid.UUID
	OfferID       uuid.UUID
	BuyerID       string
	SellerID      string
	Resource      string
	Quantity      float64
	Price         float64
	SettledAt     time.Time
}

// LedgerEvent is one link of the tamper-evident event chain, as exposed
// to read-only consumers (dashboards, auditors).
type LedgerEvent struct {
	Seq       uint64
	PrevHash  string
	Hash      string
	EventType string
	Payload   json.RawMessage
	Mode      Mode
	Timestamp time.Time
}

// LedgerFilter selects ledger events for a read-only query.
type LedgerFilter struct {
	EventTypes    []string
	NegotiationID *uuid.UUID
	AgentID       string
	FromSeq       uint64
	ToSeq         uint64
	Limit         int
}

// RuleTable holds static last-resort values per domain, keyed like the
// YAML rule file: a default plus optional per-key entries.
type RuleTable map[string]RuleDomain

// RuleDomain is the static rule set for one domain.
type RuleDomain struct {
	Default *float64
	Keys    map[string]float64
}

// DatasetRecord is one authoritative observation handed to the dataset
// tier; keys are "domain/key" pairs.
type DatasetRecord struct {
	Value      float64
	ObservedAt time.Time
}

// AgentSpec declares one agent to run inside the app.
type AgentSpec struct {
	ID      string
	Role    Role
	Balance float64
	Logic   RoleLogic
}
