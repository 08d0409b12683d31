package agrimind

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SourceAdapter plugs an external data origin into the fallback chain.
// Implementations are pure data retrieval with caller-imposed timeouts;
// return Unavailable (wrapped or direct) when the origin cannot serve the
// request so the resolver falls through to the next tier.
type SourceAdapter interface {
	Fetch(ctx context.Context, domain, key string) (RawValue, error)
	Tier() Tier
	Name() string
	Healthy(ctx context.Context) error
}

// AgentContext is the envelope the core hands to role logic: everything
// an agent may do, and nothing of other agents' state.
type AgentContext interface {
	ID() string
	Balance() float64

	// MinConfidence is the confidence floor the current system mode
	// demands before acting on a reading.
	MinConfidence() float64

	// Resolve fetches a confidence-scored reading through the
	// resilience layer.
	Resolve(ctx context.Context, domain, key string, opts ResolveOptions) (Reading, error)

	// Publish sends payload as JSON on topic under this agent's
	// identity. A zero ttl means no expiry.
	Publish(ctx context.Context, topic string, payload any, ttl time.Duration) error

	// Propose opens a negotiation with counterparties; returns the
	// negotiation and opening offer IDs.
	Propose(ctx context.Context, offer Offer, counterparties []string, deadline time.Time) (negotiationID, offerID uuid.UUID, err error)

	// CounterOffer submits a counter in an open negotiation.
	CounterOffer(ctx context.Context, negotiationID uuid.UUID, offer Offer) (offerID uuid.UUID, err error)

	// Accept settles the negotiation on its latest offer.
	Accept(ctx context.Context, negotiationID, offerID uuid.UUID) (Settlement, error)

	// Reject terminates an open negotiation.
	Reject(ctx context.Context, negotiationID uuid.UUID, reason string) error
}

// RoleLogic is the external decision code for one agent: forecast
// models, irrigation planners, market makers. The core prescribes the
// envelope only, never the algorithm.
//
// HandleMessage runs one message at a time, in per-topic publish order.
// It must not block indefinitely; a returned error is logged and reported
// as a handler failure without retry.
type RoleLogic interface {
	Topics() []string
	HandleMessage(ctx context.Context, agent AgentContext, msg Message) error
	Tick(ctx context.Context, agent AgentContext) error
}

// LedgerReader is the read-only ledger surface for dashboards and
// monitoring: queries and chain verification, never writes.
type LedgerReader interface {
	Query(ctx context.Context, f LedgerFilter) ([]LedgerEvent, error)
	VerifyChain(ctx context.Context) error
}
