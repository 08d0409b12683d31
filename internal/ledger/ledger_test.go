package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abdrafdev/agrimind/internal/model"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return l, store
}

func TestComputeHashDeterministic(t *testing.T) {
	h1 := computeHash("prev", model.EventNegotiationStarted, []byte(`{"a":1}`), 7)
	h2 := computeHash("prev", model.EventNegotiationStarted, []byte(`{"a":1}`), 7)
	if h1 != h2 {
		t.Fatalf("same inputs produced different hashes: %s vs %s", h1, h2)
	}
	if h3 := computeHash("prev", model.EventNegotiationStarted, []byte(`{"a":1}`), 8); h3 == h1 {
		t.Fatal("different seq produced identical hash")
	}
	if h4 := computeHash("other", model.EventNegotiationStarted, []byte(`{"a":1}`), 7); h4 == h1 {
		t.Fatal("different prev_hash produced identical hash")
	}
}

func TestComputeHashFieldBoundaries(t *testing.T) {
	// Length prefixing must keep "ab"+"c" distinct from "a"+"bc".
	h1 := computeHash("ab", model.EventType("c"), nil, 0)
	h2 := computeHash("a", model.EventType("bc"), nil, 0)
	if h1 == h2 {
		t.Fatal("field boundary collision: shifted bytes hashed identically")
	}
}

func TestAppendLinksChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ev0, err := l.Append(ctx, model.EventNegotiationStarted, map[string]any{"n": 0})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if ev0.Seq != 0 || ev0.PrevHash != "" {
		t.Fatalf("genesis event: seq=%d prev=%q, want seq=0 prev empty", ev0.Seq, ev0.PrevHash)
	}

	ev1, err := l.Append(ctx, model.EventCounterOffer, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if ev1.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev1.Seq)
	}
	if ev1.PrevHash != ev0.Hash {
		t.Fatalf("prev_hash = %q, want %q", ev1.PrevHash, ev0.Hash)
	}

	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain on intact chain: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, model.EventResolverFallback, map[string]any{"n": i}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	store.corrupt(2)

	err := l.VerifyChain(ctx)
	if err == nil {
		t.Fatal("VerifyChain passed over a corrupted payload")
	}
	if !errors.Is(err, ErrChainIntegrity) {
		t.Fatalf("error = %v, want ErrChainIntegrity", err)
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("error %T is not *IntegrityError", err)
	}
	if ie.Seq != 2 {
		t.Fatalf("violation reported at seq %d, want 2", ie.Seq)
	}
}

func TestAppendRefusedAfterViolation(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, model.EventModeChanged, map[string]any{"n": i}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	store.corrupt(1)
	if err := l.VerifyChain(ctx); err == nil {
		t.Fatal("expected verification failure")
	}

	_, err := l.Append(ctx, model.EventModeChanged, map[string]any{"n": 3})
	if !errors.Is(err, ErrAppendRefused) {
		t.Fatalf("append after violation: err = %v, want ErrAppendRefused", err)
	}
}

func TestResumeChainFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l1, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	last, err := l1.Append(ctx, model.EventNegotiationStarted, map[string]any{"n": 0})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A second ledger over the same store must continue, not restart.
	l2, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New (resume): %v", err)
	}
	ev, err := l2.Append(ctx, model.EventCounterOffer, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append (resume): %v", err)
	}
	if ev.Seq != 1 || ev.PrevHash != last.Hash {
		t.Fatalf("resumed append: seq=%d prev=%q, want seq=1 prev=%q", ev.Seq, ev.PrevHash, last.Hash)
	}
	if err := l2.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain after resume: %v", err)
	}
}

func TestConcurrentAppendsKeepStrictOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, model.EventResolverFallback, map[string]any{"n": i}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	events, err := l.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Seq != uint64(i) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain after concurrent appends: %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	negID := uuid.New()
	otherID := uuid.New()
	mustAppend := func(et model.EventType, payload any) {
		t.Helper()
		if _, err := l.Append(ctx, et, payload); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	mustAppend(model.EventNegotiationStarted, map[string]any{
		"negotiation_id": negID, "sender_id": "farm-1", "participants": []string{"farm-1", "farm-2"},
	})
	mustAppend(model.EventCounterOffer, map[string]any{
		"negotiation_id": negID, "sender_id": "farm-2",
	})
	mustAppend(model.EventNegotiationStarted, map[string]any{
		"negotiation_id": otherID, "sender_id": "farm-3", "participants": []string{"farm-3"},
	})

	byNeg, err := l.Query(ctx, Filter{NegotiationID: &negID})
	if err != nil {
		t.Fatalf("Query by negotiation: %v", err)
	}
	if len(byNeg) != 2 {
		t.Fatalf("query by negotiation: %d events, want 2", len(byNeg))
	}

	byAgent, err := l.Query(ctx, Filter{AgentID: "farm-2"})
	if err != nil {
		t.Fatalf("Query by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("query by agent farm-2: %d events, want 2", len(byAgent))
	}

	byType, err := l.Query(ctx, Filter{EventTypes: []model.EventType{model.EventCounterOffer}})
	if err != nil {
		t.Fatalf("Query by type: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("query by type: %d events, want 1", len(byType))
	}

	limited, err := l.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].Seq != 0 {
		t.Fatalf("limit 1 returned %d events starting at seq %d", len(limited), limited[0].Seq)
	}
}

func TestHandleSettlementDedupes(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	s := model.Settlement{
		NegotiationID: uuid.New(),
		OfferID:       uuid.New(),
		BuyerID:       "farm-1",
		SellerID:      "sensor-1",
		Resource:      "soil_moisture_reading",
		Quantity:      1,
		Price:         2.5,
		SettledAt:     time.Now().UTC(),
	}
	msg, err := model.NewMessage(model.TopicSettlements, s.SellerID, s)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	// At-least-once delivery: the same message arrives twice.
	if err := l.HandleSettlement(ctx, msg); err != nil {
		t.Fatalf("HandleSettlement: %v", err)
	}
	if err := l.HandleSettlement(ctx, msg); err != nil {
		t.Fatalf("HandleSettlement (duplicate): %v", err)
	}

	events, err := l.Query(ctx, Filter{EventTypes: []model.EventType{model.EventSettlementRecorded}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("recorded %d settlement events, want exactly 1", len(events))
	}
}

func TestRecordFallbackAppends(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.RecordFallback(ctx, model.FallbackRecord{
		Domain:      "soil_moisture",
		Key:         "field_1",
		Tier:        model.TierSimulation,
		Confidence:  0.66,
		FailedTiers: []model.SourceTier{model.TierDataset, model.TierAPI, model.TierCache},
	})

	events, err := l.Query(ctx, Filter{EventTypes: []model.EventType{model.EventResolverFallback}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d fallback events, want 1", len(events))
	}
}

func TestModeStampedOnEvents(t *testing.T) {
	store := NewMemoryStore()
	current := model.ModeDegraded
	l, err := New(store, func() model.Mode { return current }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev, err := l.Append(context.Background(), model.EventResolverFallback, map[string]any{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.Mode != model.ModeDegraded {
		t.Fatalf("event mode = %q, want degraded", ev.Mode)
	}
}
