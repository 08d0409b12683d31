// Package model defines the core entities shared across subsystems:
// readings, messages, agents, negotiations, ledger events, and system modes.
package model

import (
	"time"
)

// SourceTier identifies one ranked origin in the resolution fallback chain.
type SourceTier string

const (
	TierDataset    SourceTier = "dataset"
	TierAPI        SourceTier = "api"
	TierCache      SourceTier = "cache"
	TierSimulation SourceTier = "simulation"
	TierRule       SourceTier = "rule"
)

// TierOrder is the fixed resolution priority, most trusted first.
// The resolver always iterates in this order; new providers slot into an
// existing tier rather than changing the order.
var TierOrder = []SourceTier{TierDataset, TierAPI, TierCache, TierSimulation, TierRule}

// Ceiling returns the maximum confidence a reading from this tier may carry.
// Confidence for a resolved reading never exceeds the ceiling of the tier
// that produced it, regardless of cross-validation bonuses.
func (t SourceTier) Ceiling() float64 {
	switch t {
	case TierDataset:
		return 1.0
	case TierAPI:
		return 0.95
	case TierCache:
		return 0.80
	case TierSimulation:
		return 0.70
	case TierRule:
		return 0.50
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t SourceTier) Valid() bool {
	switch t {
	case TierDataset, TierAPI, TierCache, TierSimulation, TierRule:
		return true
	}
	return false
}

// Reading is one resolved data point with a quantified trust score.
// Confidence combines the tier ceiling, age decay, provider reliability,
// and a cross-validation bonus; it is always in [0, ceiling(Source)].
type Reading struct {
	Domain     string     `json:"domain"`
	Key        string     `json:"key"`
	Value      float64    `json:"value"`
	Confidence float64    `json:"confidence"`
	Source     SourceTier `json:"source"`

	// Provider qualifies the API tier ("api:openweather"); empty for
	// tiers with a single origin.
	Provider string `json:"provider,omitempty"`

	// Age is how old the underlying observation was at resolution time.
	// Zero for live fetches; positive for cache hits and stale serves.
	Age       time.Duration `json:"age"`
	Timestamp time.Time     `json:"timestamp"`

	// Stale marks a cache entry served past its TTL deadline as a last
	// resort. Stale readings carry a confidence penalty.
	Stale bool `json:"stale,omitempty"`
}

// RawValue is what a source adapter returns before the resolver attaches
// confidence: the observation plus when it was taken.
type RawValue struct {
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`

	// Provider is the adapter-reported origin name ("openweather",
	// "field_sensors"); used for reliability lookup and audit events.
	Provider string `json:"provider,omitempty"`
}
