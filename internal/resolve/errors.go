package resolve

import (
	"errors"
	"fmt"

	"github.com/abdrafdev/agrimind/internal/model"
)

// ErrNoSourceAvailable means every tier was exhausted. It is the only hard
// failure of the resolve path and is never swallowed: the resolver must
// not fabricate a zero-confidence value instead.
var ErrNoSourceAvailable = errors.New("resolve: no source available")

// ErrTimeout means the caller's deadline passed before any tier succeeded
// and the constraints did not permit returning a partial result.
var ErrTimeout = errors.New("resolve: deadline exceeded")

// Error is the typed failure returned by Resolve. It carries the last
// confidence that was within reach so callers can decide whether a retry
// or a lower threshold is worth it.
type Error struct {
	Domain string
	Key    string

	// LastConfidence is the confidence the best rejected candidate would
	// have carried (a stale cache entry, for example), or zero when no
	// tier produced anything at all.
	LastConfidence float64

	// FailedTiers lists the tiers attempted, in order.
	FailedTiers []model.SourceTier

	Err error // ErrNoSourceAvailable or ErrTimeout
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s/%s: %v (tiers attempted: %d, last confidence %.2f)",
		e.Domain, e.Key, e.Err, len(e.FailedTiers), e.LastConfidence)
}

func (e *Error) Unwrap() error { return e.Err }
