package model

import "time"

// Mode is the system-wide health state derived from the fraction of
// healthy source tiers. It never changes the resolver's tier order; it
// only controls which tiers are attempted and how cautious agents are.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModePartial  Mode = "partial"
	ModeDegraded Mode = "degraded"
)

// MinConfidence is the minimum reading confidence an agent should act on
// in this mode. Degraded operation demands more certainty before spending.
func (m Mode) MinConfidence() float64 {
	switch m {
	case ModeDegraded:
		return 0.60
	case ModePartial:
		return 0.45
	default:
		return 0.30
	}
}

// ModeChange is the immutable payload broadcast on the system mode topic
// whenever the controller observes a transition.
type ModeChange struct {
	From         Mode      `json:"from"`
	To           Mode      `json:"to"`
	HealthyTiers int       `json:"healthy_tiers"`
	TotalTiers   int       `json:"total_tiers"`
	At           time.Time `json:"at"`
}
