package resolve

import (
	"math"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
)

// Confidence model. Each resolved value scores
//
//	confidence = ceiling(tier) × ageDecay(age, tier) × reliability(provider) × crossValidation
//
// clamped to the tier ceiling. The decay curve and tolerance band are
// implementation choices (the source behavior was asserted only by
// example); both are documented in DESIGN.md.

// crossValidationBonus rewards agreement with another tier's last known
// value. Kept modest so agreement can never lift a low tier above its
// ceiling by much before the clamp.
const crossValidationBonus = 1.08

// crossValidationTolerance is the relative band within which two values
// count as agreeing. Absolute band of the same magnitude for values near
// zero, where a relative band degenerates.
const crossValidationTolerance = 0.05

// stalePenalty multiplies the confidence of a cache entry served past its
// TTL deadline as a last resort.
const stalePenalty = 0.75

// tierHalfLife is the age at which a tier's decay reaches half. The rule
// tier does not decay: its constants are ageless by construction.
func tierHalfLife(t model.SourceTier) time.Duration {
	switch t {
	case model.TierDataset:
		return 6 * time.Hour
	case model.TierAPI:
		return time.Hour
	case model.TierCache:
		return 30 * time.Minute
	case model.TierSimulation:
		return 24 * time.Hour
	default:
		return 0
	}
}

// tierDecayFloor is the lowest ageDecay may fall for a tier. An ancient
// dataset record is still worth more than nothing.
func tierDecayFloor(t model.SourceTier) float64 {
	switch t {
	case model.TierDataset:
		return 0.60
	case model.TierAPI:
		return 0.50
	case model.TierCache:
		return 0.40
	case model.TierSimulation:
		return 0.50
	default:
		return 1.0
	}
}

// ageDecay is monotonically non-increasing in age: exponential with the
// tier's half-life, capped below at the tier floor.
func ageDecay(age time.Duration, tier model.SourceTier) float64 {
	if age <= 0 {
		return 1.0
	}
	hl := tierHalfLife(tier)
	if hl <= 0 {
		return 1.0
	}
	d := math.Exp2(-age.Hours() / hl.Hours())
	floor := tierDecayFloor(tier)
	if d < floor {
		return floor
	}
	return d
}

// Reliability holds static per-provider reliability constants with
// per-tier defaults. The constants are operator configuration, not
// learned state.
type Reliability struct {
	providers map[string]float64
}

// NewReliability creates a reliability table. overrides maps provider
// names to constants in (0, 1]; unlisted providers use the tier default.
func NewReliability(overrides map[string]float64) *Reliability {
	if overrides == nil {
		overrides = make(map[string]float64)
	}
	return &Reliability{providers: overrides}
}

// For returns the reliability constant for a provider on a tier.
func (r *Reliability) For(tier model.SourceTier, provider string) float64 {
	if v, ok := r.providers[provider]; ok && v > 0 && v <= 1 {
		return v
	}
	switch tier {
	case model.TierDataset:
		return 0.97
	case model.TierAPI:
		return 0.95
	case model.TierCache:
		return 0.95
	default:
		// Simulation and rule values are exactly as reliable as their
		// ceilings say; no separate provider discount.
		return 1.0
	}
}

// agrees reports whether two values fall within the cross-validation
// tolerance band of each other.
func agrees(a, b float64) bool {
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale < 1.0 {
		return diff <= crossValidationTolerance
	}
	return diff/scale <= crossValidationTolerance
}

// score computes the final clamped confidence for a value from tier with
// the given age, provider, cross-tier agreement, and staleness.
func score(tier model.SourceTier, age time.Duration, provider string, rel *Reliability, validated, stale bool) float64 {
	c := tier.Ceiling() * ageDecay(age, tier) * rel.For(tier, provider)
	if validated {
		c *= crossValidationBonus
	}
	if stale {
		c *= stalePenalty
	}
	if ceil := tier.Ceiling(); c > ceil {
		c = ceil
	}
	return c
}
