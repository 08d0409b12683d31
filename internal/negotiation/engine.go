// Package negotiation implements the stateful multi-round offer protocol
// between agents: open, counter, accept, reject, expire, with every
// transition recorded in the ledger and per-negotiation serialization.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/telemetry"
)

// ErrNegotiationClosed is returned for any transition attempted on a
// terminal negotiation (accepted, rejected, or expired). The caller must
// start a new negotiation.
var ErrNegotiationClosed = errors.New("negotiation: closed")

// ErrUnknownNegotiation is returned when the negotiation ID is not known.
var ErrUnknownNegotiation = errors.New("negotiation: unknown id")

// ErrNotParticipant is returned when the acting agent is not a party.
var ErrNotParticipant = errors.New("negotiation: not a participant")

// ErrStaleOffer is returned when accepting anything but the latest offer.
var ErrStaleOffer = errors.New("negotiation: only the latest offer can be accepted")

// ErrOwnOffer is returned when an agent tries to accept its own offer.
var ErrOwnOffer = errors.New("negotiation: cannot accept own offer")

// Recorder appends negotiation transitions to the ledger. Every
// transition produces exactly one event; this is an auditability
// invariant, not optional logging.
type Recorder interface {
	Append(ctx context.Context, eventType model.EventType, payload any) (model.LedgerEvent, error)
}

// Publisher broadcasts settlements to the bus. The ledger consumes the
// settlement topic, so balance mutation flows as a message, never as a
// shared-memory write.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// tracked wraps one negotiation with its own lock. Transitions for one
// negotiation are serialized; concurrent negotiations proceed
// independently; there is no global write lock.
type tracked struct {
	mu sync.Mutex
	n  model.Negotiation
}

// Engine is the negotiation coordinator.
type Engine struct {
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex // guards the map only, never held across transitions
	open map[uuid.UUID]*tracked

	started  metric.Int64Counter
	settled  metric.Int64Counter
	rejected metric.Int64Counter
}

// NewEngine creates an engine. publisher may be nil in tests; settlements
// are then only returned, not broadcast.
func NewEngine(recorder Recorder, publisher Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("agrimind/negotiation")
	started, _ := meter.Int64Counter("negotiation.started")
	settled, _ := meter.Int64Counter("negotiation.settled")
	rejected, _ := meter.Int64Counter("negotiation.rejected")

	return &Engine{
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		open:      make(map[uuid.UUID]*tracked),
		started:   started,
		settled:   settled,
		rejected:  rejected,
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Open creates a negotiation from its first offer. participants must
// include the offer's sender; deadline bounds the whole negotiation.
func (e *Engine) Open(ctx context.Context, offer model.Offer, participants []string, deadline time.Time) (model.Negotiation, error) {
	if offer.SenderID == "" {
		return model.Negotiation{}, fmt.Errorf("negotiation: offer has no sender")
	}
	found := false
	for _, p := range participants {
		if p == offer.SenderID {
			found = true
			break
		}
	}
	if !found {
		return model.Negotiation{}, ErrNotParticipant
	}

	now := e.now().UTC()
	id := uuid.New()
	offer.ID = uuid.New()
	offer.NegotiationID = id
	offer.Timestamp = now

	n := model.Negotiation{
		ID:           id,
		Participants: participants,
		Resource:     offer.Resource,
		Rounds:       []model.Offer{offer},
		Status:       model.NegotiationOpen,
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := e.recorder.Append(ctx, model.EventNegotiationStarted, startedPayload(n, offer)); err != nil {
		return model.Negotiation{}, fmt.Errorf("negotiation: record start: %w", err)
	}

	e.mu.Lock()
	e.open[id] = &tracked{n: n}
	e.mu.Unlock()

	e.started.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", offer.Resource)))
	return n, nil
}

// Counter appends a counter-offer to an open negotiation. The counter
// becomes the latest offer visible to all participants; history is never
// rewritten.
func (e *Engine) Counter(ctx context.Context, negotiationID uuid.UUID, offer model.Offer) (model.Negotiation, error) {
	t, err := e.lookup(negotiationID)
	if err != nil {
		return model.Negotiation{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := e.checkOpen(ctx, t); err != nil {
		return model.Negotiation{}, err
	}
	if !t.n.HasParticipant(offer.SenderID) {
		return model.Negotiation{}, ErrNotParticipant
	}

	latest := t.n.LatestOffer()
	now := e.now().UTC()
	offer.ID = uuid.New()
	offer.NegotiationID = negotiationID
	offer.CounterTo = &latest.ID
	offer.Timestamp = now
	if offer.Resource == "" {
		offer.Resource = t.n.Resource
	}

	if _, err := e.recorder.Append(ctx, model.EventCounterOffer, offer); err != nil {
		return model.Negotiation{}, fmt.Errorf("negotiation: record counter: %w", err)
	}

	t.n.Rounds = append(t.n.Rounds, offer)
	t.n.UpdatedAt = now
	return t.n, nil
}

// Accept settles the negotiation on its latest offer. The acceptor must
// be a participant other than the offer's sender; accepting a superseded
// offer fails with ErrStaleOffer. On success the settlement is broadcast
// and the negotiation becomes terminal.
func (e *Engine) Accept(ctx context.Context, negotiationID uuid.UUID, agentID string, offerID uuid.UUID) (model.Settlement, error) {
	t, err := e.lookup(negotiationID)
	if err != nil {
		return model.Settlement{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := e.checkOpen(ctx, t); err != nil {
		return model.Settlement{}, err
	}
	if !t.n.HasParticipant(agentID) {
		return model.Settlement{}, ErrNotParticipant
	}

	latest := t.n.LatestOffer()
	if latest.ID != offerID {
		return model.Settlement{}, ErrStaleOffer
	}
	if latest.SenderID == agentID {
		return model.Settlement{}, ErrOwnOffer
	}

	now := e.now().UTC()
	s := model.Settlement{
		NegotiationID: negotiationID,
		OfferID:       latest.ID,
		BuyerID:       agentID,
		SellerID:      latest.SenderID,
		Resource:      latest.Resource,
		Quantity:      latest.Quantity,
		Price:         latest.Price,
		SettledAt:     now,
	}

	if err := e.broadcastSettlement(ctx, s); err != nil {
		return model.Settlement{}, err
	}

	t.n.Status = model.NegotiationAccepted
	t.n.AcceptedOffer = &latest.ID
	t.n.UpdatedAt = now

	e.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", latest.Resource)))
	e.logger.Info("negotiation accepted",
		"negotiation_id", negotiationID, "buyer", s.BuyerID, "seller", s.SellerID,
		"resource", s.Resource, "price", s.Price)
	return s, nil
}

// Reject terminates the negotiation. Any participant may reject.
func (e *Engine) Reject(ctx context.Context, negotiationID uuid.UUID, agentID, reason string) error {
	t, err := e.lookup(negotiationID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := e.checkOpen(ctx, t); err != nil {
		return err
	}
	if !t.n.HasParticipant(agentID) {
		return ErrNotParticipant
	}

	payload := map[string]any{
		"negotiation_id": negotiationID,
		"sender_id":      agentID,
		"reason":         reason,
		"participants":   t.n.Participants,
	}
	if _, err := e.recorder.Append(ctx, model.EventNegotiationRejected, payload); err != nil {
		return fmt.Errorf("negotiation: record reject: %w", err)
	}

	t.n.Status = model.NegotiationRejected
	t.n.UpdatedAt = e.now().UTC()
	e.rejected.Add(ctx, 1)
	return nil
}

// Get returns a copy of the negotiation's current state.
func (e *Engine) Get(negotiationID uuid.UUID) (model.Negotiation, error) {
	t, err := e.lookup(negotiationID)
	if err != nil {
		return model.Negotiation{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneNegotiation(t.n), nil
}

// SweepExpired transitions every open negotiation whose deadline has
// passed to Expired, each with exactly one ledger event. Returns the
// number expired. Run periodically by the app.
func (e *Engine) SweepExpired(ctx context.Context) int {
	e.mu.RLock()
	candidates := make([]*tracked, 0, len(e.open))
	for _, t := range e.open {
		candidates = append(candidates, t)
	}
	e.mu.RUnlock()

	n := 0
	now := e.now().UTC()
	for _, t := range candidates {
		t.mu.Lock()
		if t.n.Status == model.NegotiationOpen && now.After(t.n.Deadline) {
			if e.expireLocked(ctx, t) {
				n++
			}
		}
		t.mu.Unlock()
	}
	return n
}

// lookup finds the tracked negotiation.
func (e *Engine) lookup(id uuid.UUID) (*tracked, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.open[id]
	if !ok {
		return nil, ErrUnknownNegotiation
	}
	return t, nil
}

// checkOpen enforces the terminal-state rule under t.mu: a negotiation
// past its deadline is expired on the spot, and any transition against a
// terminal negotiation fails with ErrNegotiationClosed.
func (e *Engine) checkOpen(ctx context.Context, t *tracked) error {
	if t.n.Status.Terminal() {
		return ErrNegotiationClosed
	}
	if e.now().UTC().After(t.n.Deadline) {
		e.expireLocked(ctx, t)
		return ErrNegotiationClosed
	}
	return nil
}

// expireLocked records expiry and marks the negotiation terminal.
// Caller holds t.mu.
func (e *Engine) expireLocked(ctx context.Context, t *tracked) bool {
	payload := map[string]any{
		"negotiation_id": t.n.ID,
		"participants":   t.n.Participants,
		"deadline":       t.n.Deadline,
	}
	if _, err := e.recorder.Append(ctx, model.EventNegotiationExpired, payload); err != nil {
		e.logger.Error("negotiation: record expiry failed", "negotiation_id", t.n.ID, "error", err)
		return false
	}
	t.n.Status = model.NegotiationExpired
	t.n.UpdatedAt = e.now().UTC()
	return true
}

// broadcastSettlement publishes the settlement for the ledger and the
// participating agents to consume.
func (e *Engine) broadcastSettlement(ctx context.Context, s model.Settlement) error {
	if e.publisher == nil {
		return nil
	}
	msg, err := model.NewMessage(model.TopicSettlements, s.SellerID, s)
	if err != nil {
		return fmt.Errorf("negotiation: settlement message: %w", err)
	}
	msg.CorrelationID = s.NegotiationID
	if err := e.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("negotiation: publish settlement: %w", err)
	}
	return nil
}

// startedPayload flattens the fields the ledger indexes on.
func startedPayload(n model.Negotiation, offer model.Offer) map[string]any {
	return map[string]any{
		"negotiation_id": n.ID,
		"sender_id":      offer.SenderID,
		"participants":   n.Participants,
		"resource":       offer.Resource,
		"quantity":       offer.Quantity,
		"price":          offer.Price,
		"deadline":       n.Deadline,
	}
}

func cloneNegotiation(n model.Negotiation) model.Negotiation {
	out := n
	out.Rounds = make([]model.Offer, len(n.Rounds))
	copy(out.Rounds, n.Rounds)
	out.Participants = make([]string, len(n.Participants))
	copy(out.Participants, n.Participants)
	return out
}

// OpenForResource returns copies of open negotiations over resource,
// sorted by priority then opening time. Used by conflict resolution.
func (e *Engine) OpenForResource(resource string) []model.Negotiation {
	e.mu.RLock()
	candidates := make([]*tracked, 0, len(e.open))
	for _, t := range e.open {
		candidates = append(candidates, t)
	}
	e.mu.RUnlock()

	var out []model.Negotiation
	for _, t := range candidates {
		t.mu.Lock()
		if t.n.Status == model.NegotiationOpen && t.n.Resource == resource {
			out = append(out, cloneNegotiation(t.n))
		}
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := openingPriority(out[i]), openingPriority(out[j])
		if pi != pj {
			return pi > pj
		}
		// Documented tie-break: earliest opening offer wins.
		return out[i].Rounds[0].Timestamp.Before(out[j].Rounds[0].Timestamp)
	})
	return out
}

func openingPriority(n model.Negotiation) float64 {
	if len(n.Rounds) == 0 {
		return 0
	}
	return n.Rounds[0].Priority
}
