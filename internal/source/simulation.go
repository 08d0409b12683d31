package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
)

// SimProfile describes how a simulated quantity behaves over a day and a
// season: a base level plus sinusoidal daily and yearly swings.
type SimProfile struct {
	Base        float64 // mean value
	DailySwing  float64 // peak-to-mean amplitude over 24h
	SeasonSwing float64 // peak-to-mean amplitude over a year
	Min, Max    float64 // clamp bounds
}

// SimulationAdapter produces model-based synthetic values when no real
// source is reachable. Output is deterministic for a given key and
// timestamp so repeated resolves in degraded mode agree with each other.
type SimulationAdapter struct {
	profiles map[string]SimProfile // keyed by domain
	now      func() time.Time
}

// DefaultProfiles covers the farm domains the original sensor network
// reported. Values are plausible Central Valley magnitudes.
func DefaultProfiles() map[string]SimProfile {
	return map[string]SimProfile{
		"soil_moisture": {Base: 0.32, DailySwing: 0.05, SeasonSwing: 0.10, Min: 0.05, Max: 0.60},
		"temperature":   {Base: 18.0, DailySwing: 8.0, SeasonSwing: 10.0, Min: -5, Max: 45},
		"humidity":      {Base: 0.55, DailySwing: 0.15, SeasonSwing: 0.10, Min: 0.10, Max: 0.95},
		"market_price":  {Base: 10.0, DailySwing: 0.5, SeasonSwing: 2.0, Min: 1, Max: 100},
	}
}

// NewSimulationAdapter creates a simulation adapter. Pass nil profiles to
// use DefaultProfiles.
func NewSimulationAdapter(profiles map[string]SimProfile) *SimulationAdapter {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &SimulationAdapter{profiles: profiles, now: time.Now}
}

// WithClock overrides the time source. Tests use this to pin output.
func (s *SimulationAdapter) WithClock(now func() time.Time) *SimulationAdapter {
	s.now = now
	return s
}

// Fetch computes the synthetic value for domain at the current instant.
// Unknown domains are unavailable; the rule tier is the one that always
// answers.
func (s *SimulationAdapter) Fetch(ctx context.Context, domain, key string) (model.RawValue, error) {
	if err := ctx.Err(); err != nil {
		return model.RawValue{}, err
	}
	p, ok := s.profiles[domain]
	if !ok {
		return model.RawValue{}, fmt.Errorf("simulation: no profile for domain %q: %w", domain, ErrUnavailable)
	}

	t := s.now().UTC()
	dayFrac := float64(t.Hour()*3600+t.Minute()*60+t.Second()) / 86400.0
	yearFrac := float64(t.YearDay()) / 365.0

	// Peak mid-afternoon and mid-summer; keyOffset spreads distinct keys
	// (e.g. different fields) so they do not report identical values.
	v := p.Base +
		p.DailySwing*math.Sin(2*math.Pi*(dayFrac-0.25)) +
		p.SeasonSwing*math.Sin(2*math.Pi*(yearFrac-0.25)) +
		keyOffset(key)*p.DailySwing*0.2

	v = math.Max(p.Min, math.Min(p.Max, v))
	return model.RawValue{Value: v, ObservedAt: t, Provider: "simulation"}, nil
}

// keyOffset maps a key to a stable offset in [-1, 1].
func keyOffset(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()%2000)/1000.0 - 1.0
}

// Tier returns the simulation tier.
func (s *SimulationAdapter) Tier() model.SourceTier { return model.TierSimulation }

// Name returns "simulation".
func (s *SimulationAdapter) Name() string { return "simulation" }

// Healthy always succeeds: the model needs no upstream.
func (s *SimulationAdapter) Healthy(_ context.Context) error { return nil }
