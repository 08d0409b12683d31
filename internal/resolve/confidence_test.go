package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abdrafdev/agrimind/internal/model"
)

func TestAgeDecayMonotonic(t *testing.T) {
	ages := []time.Duration{0, 10 * time.Minute, time.Hour, 6 * time.Hour, 48 * time.Hour}
	for _, tier := range model.TierOrder {
		prev := 1.1
		for _, age := range ages {
			d := ageDecay(age, tier)
			assert.LessOrEqual(t, d, prev, "tier %s: decay increased at age %s", tier, age)
			assert.Greater(t, d, 0.0)
			prev = d
		}
	}
}

func TestAgeDecayFloors(t *testing.T) {
	// A week-old observation hits the floor on every decaying tier.
	week := 7 * 24 * time.Hour
	assert.InDelta(t, 0.60, ageDecay(week, model.TierDataset), 1e-9)
	assert.InDelta(t, 0.50, ageDecay(week, model.TierAPI), 1e-9)
	assert.InDelta(t, 0.40, ageDecay(week, model.TierCache), 1e-9)
	// Rule constants are ageless.
	assert.InDelta(t, 1.0, ageDecay(week, model.TierRule), 1e-9)
}

func TestAgeDecayHalfLife(t *testing.T) {
	assert.InDelta(t, 0.5, ageDecay(6*time.Hour, model.TierDataset), 1e-9)
	assert.InDelta(t, 0.5, ageDecay(time.Hour, model.TierAPI), 1e-9)
	assert.InDelta(t, 0.5, ageDecay(30*time.Minute, model.TierCache), 1e-9)
}

func TestScoreNeverExceedsCeiling(t *testing.T) {
	rel := NewReliability(map[string]float64{"perfect": 1.0})
	for _, tier := range model.TierOrder {
		// Fresh value, perfect provider, cross-validated: the bonus must
		// clamp at the ceiling, not exceed it.
		c := score(tier, 0, "perfect", rel, true, false)
		assert.LessOrEqual(t, c, tier.Ceiling(), "tier %s", tier)
		assert.Greater(t, c, 0.0)
	}
}

func TestScoreFreshDataset(t *testing.T) {
	rel := NewReliability(nil)
	c := score(model.TierDataset, 0, "field_sensors", rel, false, false)
	assert.InDelta(t, 0.97, c, 1e-9)
}

func TestScoreFreshAPI(t *testing.T) {
	rel := NewReliability(nil)
	c := score(model.TierAPI, 0, "openweather", rel, false, false)
	assert.InDelta(t, 0.9025, c, 1e-9)
}

func TestScoreStalePenalty(t *testing.T) {
	rel := NewReliability(nil)
	fresh := score(model.TierCache, 10*time.Minute, "", rel, false, false)
	stale := score(model.TierCache, 10*time.Minute, "", rel, false, true)
	assert.InDelta(t, fresh*stalePenalty, stale, 1e-9)
}

func TestScoreCrossValidationBonus(t *testing.T) {
	rel := NewReliability(nil)
	plain := score(model.TierSimulation, 0, "simulation", rel, false, false)
	boosted := score(model.TierSimulation, 0, "simulation", rel, true, false)
	assert.Greater(t, boosted, plain)
	assert.LessOrEqual(t, boosted, model.TierSimulation.Ceiling())
}

func TestReliabilityOverrides(t *testing.T) {
	rel := NewReliability(map[string]float64{"flaky_api": 0.70})
	assert.InDelta(t, 0.70, rel.For(model.TierAPI, "flaky_api"), 1e-9)
	assert.InDelta(t, 0.95, rel.For(model.TierAPI, "openweather"), 1e-9)
	assert.InDelta(t, 0.97, rel.For(model.TierDataset, "anything"), 1e-9)

	// Out-of-range overrides fall back to the tier default.
	bad := NewReliability(map[string]float64{"broken": 1.5})
	assert.InDelta(t, 0.95, bad.For(model.TierAPI, "broken"), 1e-9)
}

func TestAgrees(t *testing.T) {
	// Relative band for values at scale.
	assert.True(t, agrees(100, 104))
	assert.False(t, agrees(100, 110))
	// Absolute band near zero, where a relative band degenerates.
	assert.True(t, agrees(0.01, 0.04))
	assert.False(t, agrees(0.01, 0.10))
	assert.True(t, agrees(0, 0))
}
