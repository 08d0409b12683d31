package model

import (
	"time"

	"github.com/google/uuid"
)

// NegotiationStatus is the lifecycle state of a negotiation.
// Accepted, Rejected, and Expired are terminal: no transition ever leaves
// them, and a late Accept fails with ErrNegotiationClosed.
type NegotiationStatus string

const (
	NegotiationOpen     NegotiationStatus = "open"
	NegotiationAccepted NegotiationStatus = "accepted"
	NegotiationRejected NegotiationStatus = "rejected"
	NegotiationExpired  NegotiationStatus = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s NegotiationStatus) Terminal() bool {
	return s == NegotiationAccepted || s == NegotiationRejected || s == NegotiationExpired
}

// Strategy shapes how an agent prices counter-offers. Recorded on each
// offer so the counterpart can adapt.
type Strategy string

const (
	StrategyCompetitive Strategy = "competitive" // high anchor, slow concessions
	StrategyCooperative Strategy = "cooperative" // fair anchor, quick agreement
	StrategyAdaptive    Strategy = "adaptive"    // follows observed market prices
)

// Offer is one negotiation round: the initial proposal or a counter.
// Offers are append-only; a counter never rewrites history, it becomes the
// new latest offer visible to all participants.
type Offer struct {
	ID            uuid.UUID `json:"id"`
	NegotiationID uuid.UUID `json:"negotiation_id"`
	SenderID      string    `json:"sender_id"`
	Resource      string    `json:"resource"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Terms         string    `json:"terms,omitempty"`
	Strategy      Strategy  `json:"strategy,omitempty"`

	// CounterTo is the offer this one counters; nil on the opening offer.
	CounterTo *uuid.UUID `json:"counter_to,omitempty"`

	// Priority orders conflicting resource requests: higher wins. Derived
	// from constraints such as crop criticality or deadline proximity.
	Priority float64 `json:"priority,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Negotiation is the full multi-round record of one proposal between two
// or more agents over a resource or trade.
type Negotiation struct {
	ID           uuid.UUID         `json:"id"`
	Participants []string          `json:"participants"`
	Resource     string            `json:"resource"`
	Rounds       []Offer           `json:"rounds"`
	Status       NegotiationStatus `json:"status"`
	Deadline     time.Time         `json:"deadline"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	// AcceptedOffer is set when Status is NegotiationAccepted.
	AcceptedOffer *uuid.UUID `json:"accepted_offer,omitempty"`
}

// Initiator returns the agent that opened the negotiation.
func (n *Negotiation) Initiator() string {
	if len(n.Rounds) == 0 {
		return ""
	}
	return n.Rounds[0].SenderID
}

// LatestOffer returns the most recent round. Only the latest offer can be
// accepted.
func (n *Negotiation) LatestOffer() *Offer {
	if len(n.Rounds) == 0 {
		return nil
	}
	return &n.Rounds[len(n.Rounds)-1]
}

// HasParticipant reports whether agentID is a party to the negotiation.
func (n *Negotiation) HasParticipant(agentID string) bool {
	for _, p := range n.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// Settlement is the outcome of an accepted negotiation: the value transfer
// the ledger records and agents apply to their balances.
type Settlement struct {
	NegotiationID uuid.UUID `json:"negotiation_id"`
	OfferID       uuid.UUID `json:"offer_id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	Resource      string    `json:"resource"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	SettledAt     time.Time `json:"settled_at"`
}
