package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
)

// Conflict policy: when several open negotiations compete for the same
// resource, the highest opening priority wins (crop criticality, deadline
// proximity, encoded by the proposer), ties broken by earliest opening
// offer. Losers get an automatic counter-offer with an alternative
// schedule or adjusted price instead of a bare rejection; only when no
// alternative exists is the loser rejected outright.

// Alternative describes what the arbiter can offer a losing negotiation.
type Alternative struct {
	// Defer pushes delivery out by this much (an alternative schedule).
	Defer time.Duration
	// PriceFactor scales the latest offered price (e.g. 0.9 as
	// compensation for the delay). 0 keeps the price.
	PriceFactor float64
}

// ArbiterConfig configures conflict resolution.
type ArbiterConfig struct {
	// DefaultAlternative is proposed to losers when capacity allows a
	// delayed allocation. Nil means losers are always rejected.
	DefaultAlternative *Alternative
	// ArbiterID is the agent identity the automatic counters are sent
	// under. It must be a participant-neutral system identity.
	ArbiterID string
}

// ResolveContention arbitrates all open negotiations for resource.
// The winner is left untouched; each loser receives an automatic
// counter-offer with the alternative, or is rejected when none exists.
// Returns the winner (ok=false when no negotiation is open).
func (e *Engine) ResolveContention(ctx context.Context, resource string, cfg ArbiterConfig) (model.Negotiation, bool, error) {
	ranked := e.OpenForResource(resource)
	if len(ranked) == 0 {
		return model.Negotiation{}, false, nil
	}
	winner := ranked[0]

	for _, loser := range ranked[1:] {
		if cfg.DefaultAlternative == nil {
			if err := e.rejectAsArbiter(ctx, loser, cfg.ArbiterID); err != nil {
				return model.Negotiation{}, false, err
			}
			continue
		}
		if err := e.counterWithAlternative(ctx, loser, *cfg.DefaultAlternative, cfg.ArbiterID); err != nil {
			return model.Negotiation{}, false, err
		}
	}
	return winner, true, nil
}

func (e *Engine) counterWithAlternative(ctx context.Context, n model.Negotiation, alt Alternative, arbiterID string) error {
	latest := n.Rounds[len(n.Rounds)-1]
	price := latest.Price
	if alt.PriceFactor > 0 {
		price = latest.Price * alt.PriceFactor
	}
	terms := fmt.Sprintf("deferred by %s", alt.Defer)
	if latest.Terms != "" {
		terms = latest.Terms + "; " + terms
	}

	// The arbiter acts inside the negotiation, so it must be a party.
	t, err := e.lookup(n.ID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !t.n.HasParticipant(arbiterID) {
		t.n.Participants = append(t.n.Participants, arbiterID)
	}
	t.mu.Unlock()

	_, err = e.Counter(ctx, n.ID, model.Offer{
		SenderID: arbiterID,
		Resource: latest.Resource,
		Quantity: latest.Quantity,
		Price:    price,
		Terms:    terms,
		Strategy: model.StrategyCooperative,
	})
	return err
}

func (e *Engine) rejectAsArbiter(ctx context.Context, n model.Negotiation, arbiterID string) error {
	t, err := e.lookup(n.ID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !t.n.HasParticipant(arbiterID) {
		t.n.Participants = append(t.n.Participants, arbiterID)
	}
	t.mu.Unlock()
	return e.Reject(ctx, n.ID, arbiterID, "resource contention: no alternative available")
}

// CounterPrice computes the next price an agent with the given strategy
// concedes to, after round counters. Competitive agents concede slowly
// from a high anchor; cooperative agents move quickly toward the asked
// price; adaptive agents split the difference against the market price.
func CounterPrice(asked, own float64, strategy model.Strategy, round int) float64 {
	if round < 1 {
		round = 1
	}
	gap := asked - own
	switch strategy {
	case model.StrategyCompetitive:
		// 10% of the remaining gap per round.
		return own + gap*0.10*float64(round)
	case model.StrategyCooperative:
		// Half the gap immediately.
		return own + gap*0.5
	case model.StrategyAdaptive:
		// Converge geometrically: most of the movement in early rounds.
		frac := 1.0 - 1.0/float64(round+1)
		return own + gap*frac
	default:
		return own + gap*0.25
	}
}
