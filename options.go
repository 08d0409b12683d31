package agrimind

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger       *slog.Logger
	version      string
	ledgerPath   string
	memoryLedger bool
	redisURL     string
	adapters     []SourceAdapter
	dataset      map[string]DatasetRecord
	ruleTable    RuleTable
	reliability  map[string]float64
	agents       []AgentSpec
	disableSim   bool
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLedgerPath overrides the SQLite ledger file from config
// (AGRIMIND_LEDGER_PATH env var).
func WithLedgerPath(path string) Option {
	return func(o *resolvedOptions) { o.ledgerPath = path }
}

// WithMemoryLedger keeps the event chain in process memory. History is
// lost on exit; intended for simulations and tests.
func WithMemoryLedger() Option {
	return func(o *resolvedOptions) { o.memoryLedger = true }
}

// WithRedisCache overrides the cache backend with Redis (REDIS_URL env
// var), for deployments where several coordinator processes share one
// read-through cache.
func WithRedisCache(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithAdapter registers an external source adapter in the fallback
// chain. Multiple adapters may be registered; within a tier, the first
// registered is attempted.
func WithAdapter(a SourceAdapter) Option {
	return func(o *resolvedOptions) { o.adapters = append(o.adapters, a) }
}

// WithDataset seeds the authoritative dataset tier with already-decoded
// records, keyed "domain/key". File parsing stays outside the core.
func WithDataset(records map[string]DatasetRecord) Option {
	return func(o *resolvedOptions) { o.dataset = records }
}

// WithRuleTable sets the static last-resort rule table, replacing any
// table loaded from the configured YAML path.
func WithRuleTable(t RuleTable) Option {
	return func(o *resolvedOptions) { o.ruleTable = t }
}

// WithReliability overrides static per-provider reliability constants,
// by provider name. Values must be in (0, 1].
func WithReliability(overrides map[string]float64) Option {
	return func(o *resolvedOptions) { o.reliability = overrides }
}

// WithAgent declares an agent to run inside the app. Multiple agents may
// be registered; each runs its own runtime concurrently.
func WithAgent(spec AgentSpec) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, spec) }
}

// WithoutSimulation disables the built-in simulation tier, for
// deployments that must fail over directly from cache to rules.
func WithoutSimulation() Option {
	return func(o *resolvedOptions) { o.disableSim = true }
}
