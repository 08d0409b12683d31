// Package source provides the uniform adapter interface over every data
// origin in the fallback chain, plus the built-in adapters: dataset file,
// external HTTP API, synthetic simulation, and static rule table.
//
// Adapters are pure data retrieval: no side effects, caller-imposed
// timeouts via ctx. New providers are added by registering another adapter
// under a tier, never by branching inside the resolver.
package source

import (
	"context"
	"errors"

	"github.com/abdrafdev/agrimind/internal/model"
)

// ErrUnavailable signals that an adapter cannot serve the requested
// domain/key right now: missing data, upstream error, or malformed
// response. The resolver treats it as "move to the next tier".
var ErrUnavailable = errors.New("source: unavailable")

// Adapter is one data origin. Implementations must be safe for concurrent
// use; Fetch must honor ctx cancellation and never block past the caller's
// deadline.
type Adapter interface {
	// Fetch retrieves the raw observation for domain/key.
	// Returns ErrUnavailable (possibly wrapped) when the origin cannot
	// serve the request.
	Fetch(ctx context.Context, domain, key string) (model.RawValue, error)

	// Tier reports which fallback tier this adapter belongs to.
	Tier() model.SourceTier

	// Name identifies the concrete provider for logging, reliability
	// lookup, and audit events.
	Name() string

	// Healthy probes whether the origin is currently reachable. Used by
	// the mode controller, never by the resolve path itself.
	Healthy(ctx context.Context) error
}
