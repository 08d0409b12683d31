// Package agrimind is the coordination core for cooperating farm agents:
// a confidence-scored data resilience layer, an asynchronous message bus,
// a negotiation engine, and a tamper-evident settlement ledger, assembled
// behind one App.
package agrimind

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/abdrafdev/agrimind/internal/agent"
	"github.com/abdrafdev/agrimind/internal/bus"
	"github.com/abdrafdev/agrimind/internal/config"
	"github.com/abdrafdev/agrimind/internal/ledger"
	"github.com/abdrafdev/agrimind/internal/mode"
	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/negotiation"
	"github.com/abdrafdev/agrimind/internal/resolve"
	"github.com/abdrafdev/agrimind/internal/source"
	"github.com/abdrafdev/agrimind/internal/telemetry"
)

// Reserved bus topics, mirrored for external role logic.
const (
	TopicModeChanges = model.TopicModeChanges
	TopicProposals   = model.TopicProposals
	TopicSettlements = model.TopicSettlements
	TopicReadings    = model.TopicReadings
)

// App owns the wired coordination core: ledger, bus, resolver, mode
// controller, negotiation engine, and the registered agent runtimes.
// Construct with New, drive with Run.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      ledger.Store
	ledger     *ledger.Ledger
	bus        *bus.Bus
	cache      resolve.Cache
	resolver   *resolve.Resolver
	controller *mode.Controller
	engine     *negotiation.Engine
	runtimes   []*agent.Runtime

	otelShutdown telemetry.Shutdown
	sweepEvery   time.Duration
	evictEvery   time.Duration
}

// New loads configuration from the environment, applies opts, and wires
// every subsystem. The returned App is inert until Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	// .env is a development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("agrimind: %w", err)
	}

	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.ledgerPath != "" {
		cfg.LedgerPath = o.ledgerPath
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.version == "" {
		o.version = "dev"
	}

	app := &App{
		cfg:        cfg,
		logger:     o.logger,
		sweepEvery: cfg.NegotiationSweepInterval,
		evictEvery: 5 * time.Minute,
	}

	app.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("agrimind: telemetry: %w", err)
	}

	// fail releases whatever New acquired before the error: the ledger
	// store and the telemetry exporters.
	fail := func(err error) (*App, error) {
		if app.bus != nil {
			app.bus.Close()
		}
		if app.store != nil {
			_ = app.store.Close()
		}
		if app.otelShutdown != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = app.otelShutdown(shutCtx)
			cancel()
		}
		return nil, err
	}

	// The mode function closes over the controller so the ledger and
	// resolver can be built before it; until Run the mode is normal.
	modeFn := func() model.Mode {
		if app.controller == nil {
			return model.ModeNormal
		}
		return app.controller.Current()
	}

	if o.memoryLedger {
		app.store = ledger.NewMemoryStore()
	} else {
		app.store, err = ledger.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return fail(fmt.Errorf("agrimind: %w", err))
		}
	}
	app.ledger, err = ledger.New(app.store, modeFn, o.logger)
	if err != nil {
		return fail(fmt.Errorf("agrimind: %w", err))
	}

	app.bus = bus.New(o.logger, nil)

	if cfg.RedisURL != "" {
		rc, err := resolve.NewRedisCache(cfg.RedisURL, cfg.StaleGrace)
		if err != nil {
			return fail(fmt.Errorf("agrimind: %w", err))
		}
		app.cache = rc
	} else {
		app.cache = resolve.NewMemoryCache()
	}

	app.resolver = resolve.New(
		resolve.Config{
			TierTimeout: cfg.TierTimeout,
			DatasetTTL:  cfg.DatasetTTL,
			APITTL:      cfg.APITTL,
		},
		app.cache,
		resolve.NewReliability(o.reliability),
		app.ledger,
		modeFn,
		o.logger,
	)
	if err := app.registerAdapters(o); err != nil {
		return fail(err)
	}

	app.controller = mode.NewController(app.resolver, app.bus, app.ledger, cfg.ModePollInterval, o.logger)
	app.engine = negotiation.NewEngine(app.ledger, app.bus, o.logger)

	for _, spec := range o.agents {
		rt, err := agent.NewRuntime(agent.Config{
			ID:      spec.ID,
			Role:    model.Role(spec.Role),
			Balance: spec.Balance,
		}, app.bus, app.resolver, app.engine, modeFn, logicShim{logic: spec.Logic}, o.logger)
		if err != nil {
			return fail(fmt.Errorf("agrimind: %w", err))
		}
		app.runtimes = append(app.runtimes, rt)
	}

	return app, nil
}

// registerAdapters builds the tier chain from options and config:
// dataset records, the configured HTTP provider, simulation profiles, a
// rule table, plus any caller-supplied adapters.
func (a *App) registerAdapters(o resolvedOptions) error {
	if len(o.dataset) > 0 {
		records := make(map[string]source.DatasetObservation, len(o.dataset))
		for k, r := range o.dataset {
			records[k] = source.DatasetObservation{Value: r.Value, ObservedAt: r.ObservedAt}
		}
		a.resolver.Register(source.NewDatasetAdapter("dataset", records))
	}

	if a.cfg.APIBaseURL != "" {
		a.resolver.Register(source.NewAPIAdapter(source.APIConfig{
			Name:    a.cfg.APIProviderName,
			BaseURL: a.cfg.APIBaseURL,
			Timeout: a.cfg.APITimeout,
			RPS:     a.cfg.APIRateRPS,
			Burst:   a.cfg.APIRateBurst,
		}))
	}

	if !o.disableSim {
		a.resolver.Register(source.NewSimulationAdapter(nil))
	}

	table := toRuleTable(o.ruleTable)
	if len(table.Rules) == 0 && a.cfg.RuleTablePath != "" {
		loaded, err := source.LoadRuleTableFile(a.cfg.RuleTablePath)
		if err != nil {
			return fmt.Errorf("agrimind: %w", err)
		}
		table = loaded
	}
	if len(table.Rules) > 0 {
		a.resolver.Register(source.NewRuleAdapter(table))
	}

	for _, pub := range o.adapters {
		a.resolver.Register(adapterShim{a: pub})
	}
	return nil
}

// Run verifies the ledger chain, starts the mode controller, the ledger's
// settlement consumer, the negotiation expiry sweep, and every agent
// runtime, then blocks until ctx is cancelled. Shutdown is graceful: bus
// delivery drains, then stores and exporters close.
func (a *App) Run(ctx context.Context) error {
	// History must verify before anything appends to it.
	if err := a.ledger.VerifyChain(ctx); err != nil {
		return fmt.Errorf("agrimind: startup verify: %w", err)
	}

	ledgerSub := a.bus.Subscribe(model.TopicSettlements, "ledger", a.ledger.HandleSettlement)

	// One synchronous health pass so agents start in an honest mode.
	a.controller.Poll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.controller.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})
	if mc, ok := a.cache.(*resolve.MemoryCache); ok {
		g.Go(func() error {
			a.evictLoop(gctx, mc)
			return nil
		})
	}
	for _, rt := range a.runtimes {
		rt := rt
		g.Go(func() error { return rt.Start(gctx) })
	}

	a.logger.Info("agrimind running",
		"agents", len(a.runtimes), "ledger", a.cfg.LedgerPath, "mode", a.controller.Current())

	err := g.Wait()

	a.bus.Unsubscribe(ledgerSub)
	a.bus.Close()
	if c, ok := a.cache.(io.Closer); ok {
		_ = c.Close()
	}
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error("ledger store close failed", "error", cerr)
	}
	if a.otelShutdown != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(shutCtx)
		cancel()
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.engine.SweepExpired(ctx); n > 0 {
				a.logger.Info("negotiations expired", "count", n)
			}
		}
	}
}

func (a *App) evictLoop(ctx context.Context, mc *resolve.MemoryCache) {
	ticker := time.NewTicker(a.evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.Evict(time.Now().UTC(), a.cfg.StaleGrace)
		}
	}
}

// Mode returns the current system mode.
func (a *App) Mode() Mode {
	return Mode(a.controller.Current())
}

// Ledger returns the read-only ledger surface.
func (a *App) Ledger() LedgerReader {
	return ledgerReader{l: a.ledger}
}

// Publish injects a message onto the bus from outside any agent, under
// the given sender identity. Used by ingest pipelines and dashboards.
func (a *App) Publish(ctx context.Context, topic, senderID string, payload any, ttl time.Duration) error {
	msg, err := model.NewMessage(topic, senderID, payload)
	if err != nil {
		return fmt.Errorf("agrimind: marshal publish: %w", err)
	}
	msg.TTL = ttl
	return a.bus.Publish(ctx, msg)
}

// Resolve fetches a confidence-scored reading outside any agent context.
func (a *App) Resolve(ctx context.Context, domain, key string, opts ResolveOptions) (Reading, error) {
	r, err := a.resolver.Resolve(ctx, domain, key, resolve.Constraints{
		SkipAPI:      opts.SkipAPI,
		AllowPartial: opts.AllowPartial,
	})
	if err != nil {
		return Reading{}, err
	}
	return fromReading(r), nil
}

// ledgerReader adapts the internal ledger to the public read surface.
type ledgerReader struct {
	l *ledger.Ledger
}

func (r ledgerReader) Query(ctx context.Context, f LedgerFilter) ([]LedgerEvent, error) {
	types := make([]model.EventType, len(f.EventTypes))
	for i, t := range f.EventTypes {
		types[i] = model.EventType(t)
	}
	events, err := r.l.Query(ctx, ledger.Filter{
		EventTypes:    types,
		NegotiationID: f.NegotiationID,
		AgentID:       f.AgentID,
		FromSeq:       f.FromSeq,
		ToSeq:         f.ToSeq,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEvent, len(events))
	for i, ev := range events {
		out[i] = LedgerEvent{
			Seq:       ev.Seq,
			PrevHash:  ev.PrevHash,
			Hash:      ev.Hash,
			EventType: string(ev.EventType),
			Payload:   ev.Payload,
			Mode:      Mode(ev.Mode),
			Timestamp: ev.Timestamp,
		}
	}
	return out, nil
}

func (r ledgerReader) VerifyChain(ctx context.Context) error {
	return r.l.VerifyChain(ctx)
}

// adapterShim wraps a public SourceAdapter as an internal one.
type adapterShim struct {
	a SourceAdapter
}

func (s adapterShim) Fetch(ctx context.Context, domain, key string) (model.RawValue, error) {
	raw, err := s.a.Fetch(ctx, domain, key)
	if err != nil {
		return model.RawValue{}, err
	}
	return model.RawValue{Value: raw.Value, ObservedAt: raw.ObservedAt, Provider: raw.Provider}, nil
}

func (s adapterShim) Tier() model.SourceTier            { return model.SourceTier(s.a.Tier()) }
func (s adapterShim) Name() string                      { return s.a.Name() }
func (s adapterShim) Healthy(ctx context.Context) error { return s.a.Healthy(ctx) }

// logicShim adapts public RoleLogic to the runtime's internal contract,
// handing it an AgentContext instead of the runtime itself.
type logicShim struct {
	logic RoleLogic
}

func (l logicShim) Topics() []string { return l.logic.Topics() }

func (l logicShim) HandleMessage(ctx context.Context, rt *agent.Runtime, msg model.Message) error {
	return l.logic.HandleMessage(ctx, runtimeContext{rt: rt}, fromMessage(msg))
}

func (l logicShim) Tick(ctx context.Context, rt *agent.Runtime) error {
	return l.logic.Tick(ctx, runtimeContext{rt: rt})
}

// runtimeContext is the AgentContext an agent's role logic sees.
type runtimeContext struct {
	rt *agent.Runtime
}

func (c runtimeContext) ID() string             { return c.rt.ID() }
func (c runtimeContext) Balance() float64       { return c.rt.Balance() }
func (c runtimeContext) MinConfidence() float64 { return c.rt.MinConfidence() }

func (c runtimeContext) Resolve(ctx context.Context, domain, key string, opts ResolveOptions) (Reading, error) {
	r, err := c.rt.Resolve(ctx, domain, key, resolve.Constraints{
		SkipAPI:      opts.SkipAPI,
		AllowPartial: opts.AllowPartial,
	})
	if err != nil {
		return Reading{}, err
	}
	return fromReading(r), nil
}

func (c runtimeContext) Publish(ctx context.Context, topic string, payload any, ttl time.Duration) error {
	return c.rt.Publish(ctx, topic, payload, ttl)
}

func (c runtimeContext) Propose(ctx context.Context, offer Offer, counterparties []string, deadline time.Time) (uuid.UUID, uuid.UUID, error) {
	n, err := c.rt.Propose(ctx, toOffer(offer), counterparties, deadline)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return n.ID, n.Rounds[0].ID, nil
}

func (c runtimeContext) CounterOffer(ctx context.Context, negotiationID uuid.UUID, offer Offer) (uuid.UUID, error) {
	n, err := c.rt.CounterOffer(ctx, negotiationID, toOffer(offer))
	if err != nil {
		return uuid.Nil, err
	}
	return n.LatestOffer().ID, nil
}

func (c runtimeContext) Accept(ctx context.Context, negotiationID, offerID uuid.UUID) (Settlement, error) {
	s, err := c.rt.AcceptOffer(ctx, negotiationID, offerID)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		NegotiationID: s.NegotiationID,
		OfferID:       s.OfferID,
		BuyerID:       s.BuyerID,
		SellerID:      s.SellerID,
		Resource:      s.Resource,
		Quantity:      s.Quantity,
		Price:         s.Price,
		SettledAt:     s.SettledAt,
	}, nil
}

func (c runtimeContext) Reject(ctx context.Context, negotiationID uuid.UUID, reason string) error {
	return c.rt.RejectOffer(ctx, negotiationID, reason)
}

func fromReading(r model.Reading) Reading {
	return Reading{
		Domain:     r.Domain,
		Key:        r.Key,
		Value:      r.Value,
		Confidence: r.Confidence,
		Source:     Tier(r.Source),
		Provider:   r.Provider,
		Age:        r.Age,
		Timestamp:  r.Timestamp,
		Stale:      r.Stale,
	}
}

func fromMessage(m model.Message) Message {
	return Message{
		ID:            m.ID,
		Topic:         m.Topic,
		Payload:       m.Payload,
		SenderID:      m.SenderID,
		CorrelationID: m.CorrelationID,
		Timestamp:     m.Timestamp,
	}
}

func toOffer(o Offer) model.Offer {
	return model.Offer{
		Resource: o.Resource,
		Quantity: o.Quantity,
		Price:    o.Price,
		Terms:    o.Terms,
		Priority: o.Priority,
	}
}

func toRuleTable(t RuleTable) source.RuleTable {
	if len(t) == 0 {
		return source.RuleTable{}
	}
	out := source.RuleTable{Rules: make(map[string]source.RuleDomain, len(t))}
	for domain, d := range t {
		out.Rules[domain] = source.RuleDomain{Default: d.Default, Keys: d.Keys}
	}
	return out
}
