// Package resolve implements the confidence-scored, multi-tier data
// resilience layer: a fixed fallback chain over source adapters with a
// read-through cache, quantified trust on every value, and audit events
// for every degraded answer.
package resolve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/source"
	"github.com/abdrafdev/agrimind/internal/telemetry"
)

// Constraints narrows a single Resolve call.
type Constraints struct {
	// SkipAPI suppresses the api tier. Set in explicit offline mode; the
	// resolver honors it without knowing why.
	SkipAPI bool

	// AllowPartial permits returning the best candidate obtained so far
	// (a stale cache entry) when the caller's deadline passes before the
	// chain completes. Without it, deadline expiry fails with ErrTimeout.
	AllowPartial bool

	// TierTimeout overrides the per-tier attempt bound for this call.
	TierTimeout time.Duration
}

// Auditor receives one record for every resolve that fell back below the
// dataset tier. The ledger implements this; tests use a recorder.
type Auditor interface {
	RecordFallback(ctx context.Context, rec model.FallbackRecord)
}

// ModeFunc reports the current system mode. The resolver consults it to
// decide which tiers to even attempt; tier order itself never changes.
type ModeFunc func() model.Mode

// Config configures a Resolver.
type Config struct {
	// TierTimeout bounds each adapter call. Default 2s.
	TierTimeout time.Duration
	// DatasetTTL and APITTL are the write-through cache windows.
	// Defaults: 6h and 10m.
	DatasetTTL time.Duration
	APITTL     time.Duration
}

func (c *Config) setDefaults() {
	if c.TierTimeout <= 0 {
		c.TierTimeout = 2 * time.Second
	}
	if c.DatasetTTL <= 0 {
		c.DatasetTTL = 6 * time.Hour
	}
	if c.APITTL <= 0 {
		c.APITTL = 10 * time.Minute
	}
}

// Resolver orchestrates source adapters in fixed priority order and
// attaches a confidence score to every value returned. Safe for
// concurrent use; a slow adapter suspends only the calling resolve.
type Resolver struct {
	cfg      Config
	adapters []source.Adapter // walked via TierOrder; first match per tier
	cache    Cache
	rel      *Reliability
	auditor  Auditor
	mode     ModeFunc
	logger   *slog.Logger
	now      func() time.Time

	// lastKnown holds each tier's most recent successful value per
	// domain/key, for cross-validation.
	mu        sync.RWMutex
	lastKnown map[string]map[model.SourceTier]float64

	tracer    trace.Tracer
	resolves  metric.Int64Counter
	fallbacks metric.Int64Counter
	failures  metric.Int64Counter
}

// New creates a resolver. cache may be nil (the cache tier then never
// hits); auditor may be nil (fallbacks are only logged); mode may be nil
// (always normal).
func New(cfg Config, cache Cache, rel *Reliability, auditor Auditor, mode ModeFunc, logger *slog.Logger) *Resolver {
	cfg.setDefaults()
	if rel == nil {
		rel = NewReliability(nil)
	}
	if mode == nil {
		mode = func() model.Mode { return model.ModeNormal }
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("agrimind/resolve")
	resolves, _ := meter.Int64Counter("resolve.total")
	fallbacks, _ := meter.Int64Counter("resolve.fallbacks")
	failures, _ := meter.Int64Counter("resolve.tier_failures")

	return &Resolver{
		cfg:       cfg,
		cache:     cache,
		rel:       rel,
		auditor:   auditor,
		mode:      mode,
		logger:    logger,
		now:       time.Now,
		lastKnown: make(map[string]map[model.SourceTier]float64),
		tracer:    telemetry.Tracer("agrimind/resolve"),
		resolves:  resolves,
		fallbacks: fallbacks,
		failures:  failures,
	}
}

// WithClock overrides the time source for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Register adds an adapter to the chain. Priority comes from the fixed
// TierOrder walk, not from registration order; within a tier, the first
// registered adapter wins. Only one adapter per tier is attempted in a
// single resolve; a tier is never retried.
func (r *Resolver) Register(a source.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// adapterFor returns the first registered adapter for tier, or nil.
func (r *Resolver) adapterFor(tier model.SourceTier) source.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Tier() == tier {
			return a
		}
	}
	return nil
}

// Adapters returns a snapshot of the registered chain, for health polling.
func (r *Resolver) Adapters() []source.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]source.Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Resolve walks the tier chain for domain/key and returns the first
// success with its confidence. Tier order is always {dataset, api, cache,
// simulation, rule}; failures fall through; a stale cache entry is held
// back as a last resort behind the rule tier.
func (r *Resolver) Resolve(ctx context.Context, domain, key string, c Constraints) (model.Reading, error) {
	ctx, span := r.tracer.Start(ctx, "resolve", trace.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("key", key),
	))
	defer span.End()

	tierTimeout := c.TierTimeout
	if tierTimeout <= 0 {
		tierTimeout = r.cfg.TierTimeout
	}
	r.resolves.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))

	skipAPI := c.SkipAPI || r.mode() == model.ModeDegraded

	var failed []model.SourceTier
	var stale *model.Reading // stale cache candidate, served only if everything else fails

	for _, tier := range model.TierOrder {
		if err := ctx.Err(); err != nil {
			return r.deadline(ctx, domain, key, failed, stale, c)
		}
		if tier == model.TierAPI && skipAPI {
			continue
		}

		if tier == model.TierCache {
			if reading, staleHit, ok := r.fromCache(ctx, domain, key); ok {
				if !staleHit {
					r.noteSuccess(domain, key, model.TierCache, reading.Value)
					r.audit(ctx, reading, failed)
					return reading, nil
				}
				stale = &reading
				failed = append(failed, tier)
			} else {
				failed = append(failed, tier)
			}
			continue
		}

		a := r.adapterFor(tier)
		if a == nil {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, tierTimeout)
		raw, err := a.Fetch(attemptCtx, domain, key)
		cancel()
		if err != nil {
			r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
			r.logger.Debug("resolve: tier failed",
				"domain", domain, "key", key, "tier", tier, "provider", a.Name(), "error", err)
			failed = append(failed, tier)
			continue
		}

		reading := r.toReading(domain, key, tier, raw)
		r.noteSuccess(domain, key, tier, reading.Value)
		r.writeThrough(ctx, domain, key, tier, raw)
		r.audit(ctx, reading, failed)
		return reading, nil
	}

	if err := ctx.Err(); err != nil {
		return r.deadline(ctx, domain, key, failed, stale, c)
	}

	// Last resort: a stale cache entry, confidence-penalized.
	if stale != nil {
		r.audit(ctx, *stale, failed)
		return *stale, nil
	}

	lastConf := 0.0
	return model.Reading{}, &Error{
		Domain: domain, Key: key,
		LastConfidence: lastConf,
		FailedTiers:    failed,
		Err:            ErrNoSourceAvailable,
	}
}

// deadline resolves what happens when the caller's deadline passes
// mid-chain: the stale candidate if partial results are permitted,
// otherwise a Timeout error carrying its confidence.
func (r *Resolver) deadline(ctx context.Context, domain, key string, failed []model.SourceTier, stale *model.Reading, c Constraints) (model.Reading, error) {
	if c.AllowPartial && stale != nil {
		r.audit(ctx, *stale, failed)
		return *stale, nil
	}
	lastConf := 0.0
	if stale != nil {
		lastConf = stale.Confidence
	}
	return model.Reading{}, &Error{
		Domain: domain, Key: key,
		LastConfidence: lastConf,
		FailedTiers:    failed,
		Err:            ErrTimeout,
	}
}

// fromCache builds a reading from the cache tier. The third return is
// false on a miss or backend error; the second marks staleness.
func (r *Resolver) fromCache(ctx context.Context, domain, key string) (model.Reading, bool, bool) {
	if r.cache == nil {
		return model.Reading{}, false, false
	}
	e, ok, err := r.cache.Get(ctx, domain, key)
	if err != nil {
		r.logger.Warn("resolve: cache error", "domain", domain, "key", key, "error", err)
		return model.Reading{}, false, false
	}
	if !ok {
		return model.Reading{}, false, false
	}

	now := r.now().UTC()
	isStale := !e.Fresh(now)
	age := now.Sub(e.ObservedAt)
	validated := r.crossValidates(domain, key, model.TierCache, e.Value)
	reading := model.Reading{
		Domain: domain, Key: key,
		Value:      e.Value,
		Confidence: score(model.TierCache, age, e.Provider, r.rel, validated, isStale),
		Source:     model.TierCache,
		Provider:   e.Provider,
		Age:        age,
		Timestamp:  now,
		Stale:      isStale,
	}
	return reading, isStale, true
}

// toReading scores a live adapter result.
func (r *Resolver) toReading(domain, key string, tier model.SourceTier, raw model.RawValue) model.Reading {
	now := r.now().UTC()
	age := now.Sub(raw.ObservedAt)
	if age < 0 {
		age = 0
	}
	validated := r.crossValidates(domain, key, tier, raw.Value)
	provider := raw.Provider
	reading := model.Reading{
		Domain: domain, Key: key,
		Value:      raw.Value,
		Confidence: score(tier, age, provider, r.rel, validated, false),
		Source:     tier,
		Provider:   provider,
		Age:        age,
		Timestamp:  now,
	}
	return reading
}

// writeThrough populates the cache after a dataset or api success.
func (r *Resolver) writeThrough(ctx context.Context, domain, key string, tier model.SourceTier, raw model.RawValue) {
	if r.cache == nil {
		return
	}
	var ttl time.Duration
	switch tier {
	case model.TierDataset:
		ttl = r.cfg.DatasetTTL
	case model.TierAPI:
		ttl = r.cfg.APITTL
	default:
		return
	}
	e := CacheEntry{
		Value:       raw.Value,
		ObservedAt:  raw.ObservedAt,
		TTLDeadline: r.now().UTC().Add(ttl),
		SourceTier:  tier,
		Provider:    raw.Provider,
	}
	if err := r.cache.Set(ctx, domain, key, e); err != nil {
		r.logger.Warn("resolve: cache write failed", "domain", domain, "key", key, "error", err)
	}
}

// crossValidates reports whether any other tier's last known value for
// domain/key agrees with v within the tolerance band.
func (r *Resolver) crossValidates(domain, key string, tier model.SourceTier, v float64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	known, ok := r.lastKnown[cacheKey(domain, key)]
	if !ok {
		return false
	}
	for t, last := range known {
		if t == tier {
			continue
		}
		if agrees(v, last) {
			return true
		}
	}
	return false
}

// noteSuccess records a tier's latest value for future cross-validation.
func (r *Resolver) noteSuccess(domain, key string, tier model.SourceTier, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := cacheKey(domain, key)
	if r.lastKnown[k] == nil {
		r.lastKnown[k] = make(map[model.SourceTier]float64)
	}
	r.lastKnown[k][tier] = v
}

// audit emits exactly one fallback record when the answer came from below
// the dataset tier. Dataset answers are the healthy path and not audited.
func (r *Resolver) audit(ctx context.Context, reading model.Reading, failed []model.SourceTier) {
	if reading.Source == model.TierDataset {
		return
	}
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(reading.Source))))
	if r.auditor == nil {
		return
	}
	r.auditor.RecordFallback(ctx, model.FallbackRecord{
		Domain:      reading.Domain,
		Key:         reading.Key,
		Tier:        reading.Source,
		Confidence:  reading.Confidence,
		FailedTiers: failed,
	})
}
