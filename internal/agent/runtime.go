// Package agent provides the generic execution shell every agent variant
// runs inside. The runtime owns the agent's identity, subscriptions, and
// balance; role-specific decision logic is an external collaborator
// behind the RoleLogic interface. Agents communicate only via the bus;
// no agent holds a reference to another agent's mutable state.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abdrafdev/agrimind/internal/bus"
	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/negotiation"
	"github.com/abdrafdev/agrimind/internal/resolve"
)

// RoleLogic is the decision code an agent runs: forecasting, irrigation
// planning, market making. The core prescribes only the envelope: what
// readings and messages flow in, what offers and publications flow out.
type RoleLogic interface {
	// Topics lists the subscriptions the agent needs.
	Topics() []string

	// HandleMessage reacts to one delivered message. Runs on the
	// subscription goroutine: one message at a time, in order.
	HandleMessage(ctx context.Context, rt *Runtime, msg model.Message) error

	// Tick runs one round of periodic work: resolving readings,
	// publishing predictions, opening negotiations.
	Tick(ctx context.Context, rt *Runtime) error
}

// Config configures a runtime.
type Config struct {
	ID      string
	Role    model.Role
	Balance float64
	// TickInterval drives the role's periodic work. Default 10s.
	TickInterval time.Duration
	// ResolveTimeout bounds each Resolve call. Default 10s.
	ResolveTimeout time.Duration
}

// Runtime is one agent's execution shell.
type Runtime struct {
	cfg      Config
	bus      *bus.Bus
	resolver *resolve.Resolver
	engine   *negotiation.Engine
	mode     func() model.Mode
	logic    RoleLogic
	logger   *slog.Logger

	mu      sync.RWMutex
	agent   model.Agent
	settled map[uuid.UUID]bool // settlements already applied to balance
	subs    []*bus.Subscription
}

// NewRuntime wires an agent shell. mode may be nil (always normal).
func NewRuntime(cfg Config, b *bus.Bus, resolver *resolve.Resolver, engine *negotiation.Engine, mode func() model.Mode, logic RoleLogic, logger *slog.Logger) (*Runtime, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent: id required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("agent: invalid role %q", cfg.Role)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 10 * time.Second
	}
	if mode == nil {
		mode = func() model.Mode { return model.ModeNormal }
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{
		cfg:      cfg,
		bus:      b,
		resolver: resolver,
		engine:   engine,
		mode:     mode,
		logic:    logic,
		logger:   logger.With("agent_id", cfg.ID, "role", cfg.Role),
		agent: model.Agent{
			ID:        cfg.ID,
			Role:      cfg.Role,
			Balance:   cfg.Balance,
			State:     model.AgentIdle,
			CreatedAt: time.Now().UTC(),
		},
		settled: make(map[uuid.UUID]bool),
	}, nil
}

// ID returns the agent identity.
func (rt *Runtime) ID() string { return rt.cfg.ID }

// Agent returns a snapshot of the agent record.
func (rt *Runtime) Agent() model.Agent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	a := rt.agent
	a.Subscriptions = append([]string(nil), rt.agent.Subscriptions...)
	return a
}

// Balance returns the current balance.
func (rt *Runtime) Balance() float64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.agent.Balance
}

// MinConfidence is the reading confidence floor the agent should act on,
// derived from the current system mode.
func (rt *Runtime) MinConfidence() float64 {
	return rt.mode().MinConfidence()
}

// Start subscribes the role's topics plus the settlement topic and runs
// the tick loop until ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.agent.State == model.AgentRunning {
		rt.mu.Unlock()
		return fmt.Errorf("agent %s: already running", rt.cfg.ID)
	}
	rt.agent.State = model.AgentRunning
	rt.mu.Unlock()

	topics := append([]string{model.TopicSettlements}, rt.logic.Topics()...)
	for _, topic := range topics {
		topic := topic
		var handler bus.Handler
		if topic == model.TopicSettlements {
			handler = rt.handleSettlement
		} else {
			handler = func(ctx context.Context, msg model.Message) error {
				return rt.logic.HandleMessage(ctx, rt, msg)
			}
		}
		sub := rt.bus.Subscribe(topic, rt.cfg.ID, handler)
		rt.mu.Lock()
		rt.subs = append(rt.subs, sub)
		rt.agent.Subscriptions = append(rt.agent.Subscriptions, topic)
		rt.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.tickLoop(gctx) })
	err := g.Wait()

	rt.mu.Lock()
	rt.agent.State = model.AgentStopped
	subs := rt.subs
	rt.subs = nil
	rt.mu.Unlock()
	for _, s := range subs {
		rt.bus.Unsubscribe(s)
	}
	return err
}

func (rt *Runtime) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(rt.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := rt.logic.Tick(ctx, rt); err != nil {
				// Role faults degrade this agent only; the shell keeps
				// running and the fault is visible in the log.
				rt.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Resolve fetches a reading through the resilience layer with the
// runtime's timeout. In degraded mode the resolver already suppresses the
// api tier; SkipAPI additionally honors explicit offline operation.
func (rt *Runtime) Resolve(ctx context.Context, domain, key string, c resolve.Constraints) (model.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.ResolveTimeout)
	defer cancel()
	return rt.resolver.Resolve(ctx, domain, key, c)
}

// Publish sends payload on topic under this agent's identity.
func (rt *Runtime) Publish(ctx context.Context, topic string, payload any, ttl time.Duration) error {
	msg, err := model.NewMessage(topic, rt.cfg.ID, payload)
	if err != nil {
		return fmt.Errorf("agent %s: marshal publish: %w", rt.cfg.ID, err)
	}
	msg.TTL = ttl
	return rt.bus.Publish(ctx, msg)
}

// Propose opens a negotiation with the given counterparties.
func (rt *Runtime) Propose(ctx context.Context, offer model.Offer, counterparties []string, deadline time.Time) (model.Negotiation, error) {
	offer.SenderID = rt.cfg.ID
	participants := append([]string{rt.cfg.ID}, counterparties...)
	return rt.engine.Open(ctx, offer, participants, deadline)
}

// CounterOffer submits a counter in an open negotiation.
func (rt *Runtime) CounterOffer(ctx context.Context, negotiationID uuid.UUID, offer model.Offer) (model.Negotiation, error) {
	offer.SenderID = rt.cfg.ID
	return rt.engine.Counter(ctx, negotiationID, offer)
}

// AcceptOffer accepts the latest offer of an open negotiation.
func (rt *Runtime) AcceptOffer(ctx context.Context, negotiationID, offerID uuid.UUID) (model.Settlement, error) {
	return rt.engine.Accept(ctx, negotiationID, rt.cfg.ID, offerID)
}

// RejectOffer terminates an open negotiation.
func (rt *Runtime) RejectOffer(ctx context.Context, negotiationID uuid.UUID, reason string) error {
	return rt.engine.Reject(ctx, negotiationID, rt.cfg.ID, reason)
}

// handleSettlement applies a ledger-recorded settlement to this agent's
// balance: buyers pay, sellers earn. Settlements are deduplicated by
// negotiation so at-least-once delivery applies each at most once.
func (rt *Runtime) handleSettlement(_ context.Context, msg model.Message) error {
	var s model.Settlement
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		return fmt.Errorf("agent %s: bad settlement: %w", rt.cfg.ID, err)
	}
	if s.BuyerID != rt.cfg.ID && s.SellerID != rt.cfg.ID {
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.settled[s.NegotiationID] {
		return nil
	}
	rt.settled[s.NegotiationID] = true

	if s.BuyerID == rt.cfg.ID {
		rt.agent.Balance -= s.Price
	} else {
		rt.agent.Balance += s.Price
	}
	rt.logger.Info("settlement applied",
		"negotiation_id", s.NegotiationID, "resource", s.Resource,
		"price", s.Price, "balance", rt.agent.Balance)
	return nil
}
