package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/telemetry"
)

// ErrChainIntegrity marks a hash-chain mismatch. It is fatal: the ledger
// refuses further appends until the violation is resolved out of band.
var ErrChainIntegrity = errors.New("ledger: chain integrity violation")

// ErrAppendRefused is returned for appends after an integrity violation
// was detected.
var ErrAppendRefused = errors.New("ledger: append refused after integrity violation")

// IntegrityError reports the first offending sequence number.
type IntegrityError struct {
	Seq uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity violation at seq %d", e.Seq)
}

func (e *IntegrityError) Unwrap() error { return ErrChainIntegrity }

// ModeFunc reports the current system mode, stamped onto every event for
// audit context.
type ModeFunc func() model.Mode

// Ledger is the append-only, hash-chained event record. The append path
// is single-writer (seq and prev_hash must be strictly ordered); queries
// run concurrently against the store and observe a consistent prefix.
type Ledger struct {
	store  Store
	logger *slog.Logger
	mode   ModeFunc
	now    func() time.Time

	mu       sync.Mutex // serializes the append path
	nextSeq  uint64
	lastHash string

	violated atomic.Bool

	appends metric.Int64Counter
}

// New opens a ledger over store, resuming the chain from the last
// persisted event.
func New(store Store, mode ModeFunc, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == nil {
		mode = func() model.Mode { return model.ModeNormal }
	}

	last, ok, err := store.Last(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ledger: load last event: %w", err)
	}

	meter := telemetry.Meter("agrimind/ledger")
	appends, _ := meter.Int64Counter("ledger.appends")

	l := &Ledger{
		store:   store,
		logger:  logger,
		mode:    mode,
		now:     time.Now,
		appends: appends,
	}
	if ok {
		l.nextSeq = last.Seq + 1
		l.lastHash = last.Hash
	}
	return l, nil
}

// WithClock overrides the time source for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append records one event. payload is marshalled to JSON; the hash binds
// it to the previous event and the assigned seq. This is the only
// mutation the ledger supports.
func (l *Ledger) Append(ctx context.Context, eventType model.EventType, payload any) (model.LedgerEvent, error) {
	if l.violated.Load() {
		return model.LedgerEvent{}, ErrAppendRefused
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check under the lock: a concurrent verify may have tripped it.
	if l.violated.Load() {
		return model.LedgerEvent{}, ErrAppendRefused
	}

	ev := model.LedgerEvent{
		Seq:       l.nextSeq,
		PrevHash:  l.lastHash,
		EventType: eventType,
		Payload:   raw,
		Mode:      l.mode(),
		Timestamp: l.now().UTC(),
	}
	ev.Hash = computeHash(ev.PrevHash, ev.EventType, ev.Payload, ev.Seq)

	if err := l.store.Append(ctx, ev, extractRefs(raw)); err != nil {
		return model.LedgerEvent{}, fmt.Errorf("ledger: append seq %d: %w", ev.Seq, err)
	}

	l.nextSeq = ev.Seq + 1
	l.lastHash = ev.Hash
	l.appends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(eventType))))
	return ev, nil
}

// Query returns the finite, seq-ordered set of events matching f. Over
// immutable history the same filter always yields the same result set.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]model.LedgerEvent, error) {
	return l.store.Query(ctx, f)
}

// VerifyChain recomputes every hash from seq 0 and fails fast at the
// first mismatch. On failure the ledger refuses all further appends.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	events, err := l.store.Query(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("ledger: verify: load events: %w", err)
	}

	prevHash := ""
	var wantSeq uint64
	for _, ev := range events {
		if !verifyEvent(ev, prevHash, wantSeq) {
			l.violated.Store(true)
			l.logger.Error("ledger: chain integrity violation", "seq", ev.Seq)
			return &IntegrityError{Seq: ev.Seq}
		}
		prevHash = ev.Hash
		wantSeq = ev.Seq + 1
	}
	return nil
}

// RecordFallback implements the resolver's audit contract: one event per
// degraded-tier answer. Errors are logged, not propagated; a failed
// audit write must not turn a successful resolve into a failure.
func (l *Ledger) RecordFallback(ctx context.Context, rec model.FallbackRecord) {
	if _, err := l.Append(ctx, model.EventResolverFallback, rec); err != nil {
		l.logger.Error("ledger: fallback record failed", "domain", rec.Domain, "key", rec.Key, "error", err)
	}
}

// HandleSettlement consumes one settlement message from the bus and
// records it. Deduplicates by negotiation ID so at-least-once delivery
// still yields exactly one SettlementRecorded event per negotiation.
func (l *Ledger) HandleSettlement(ctx context.Context, msg model.Message) error {
	var s model.Settlement
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		return fmt.Errorf("ledger: bad settlement payload: %w", err)
	}

	existing, err := l.Query(ctx, Filter{
		EventTypes:    []model.EventType{model.EventSettlementRecorded},
		NegotiationID: &s.NegotiationID,
		Limit:         1,
	})
	if err != nil {
		return fmt.Errorf("ledger: settlement dedupe query: %w", err)
	}
	if len(existing) > 0 {
		l.logger.Debug("ledger: duplicate settlement ignored", "negotiation_id", s.NegotiationID)
		return nil
	}

	if _, err := l.Append(ctx, model.EventSettlementRecorded, s); err != nil {
		return fmt.Errorf("ledger: record settlement: %w", err)
	}
	return nil
}
