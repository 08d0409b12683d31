package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/abdrafdev/agrimind/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	l, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	negID := uuid.New()
	if _, err := l.Append(ctx, model.EventNegotiationStarted, map[string]any{
		"negotiation_id": negID,
		"sender_id":      "farm-1",
		"participants":   []string{"farm-1", "water-coop"},
		"resource":       "water",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, model.EventCounterOffer, map[string]any{
		"negotiation_id": negID,
		"sender_id":      "water-coop",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := l.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventType != model.EventNegotiationStarted || events[1].EventType != model.EventCounterOffer {
		t.Fatalf("unexpected event order: %s then %s", events[0].EventType, events[1].EventType)
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain over sqlite: %v", err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	l, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	last, err := l.Append(ctx, model.EventModeChanged, map[string]any{"from": "normal", "to": "partial"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = store2.Close() }()

	l2, err := New(store2, nil, nil)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	ev, err := l2.Append(ctx, model.EventModeChanged, map[string]any{"from": "partial", "to": "normal"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if ev.Seq != last.Seq+1 || ev.PrevHash != last.Hash {
		t.Fatalf("chain did not resume: seq=%d prev=%q", ev.Seq, ev.PrevHash)
	}
	if err := l2.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain after reopen: %v", err)
	}
}

func TestSQLiteQueryFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	l, err := New(store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	negA := uuid.New()
	negB := uuid.New()
	payloads := []struct {
		et model.EventType
		p  map[string]any
	}{
		{model.EventNegotiationStarted, map[string]any{"negotiation_id": negA, "sender_id": "sensor-1", "participants": []string{"sensor-1", "farm-1"}}},
		{model.EventSettlementRecorded, map[string]any{"negotiation_id": negA, "buyer_id": "farm-1", "seller_id": "sensor-1"}},
		{model.EventNegotiationStarted, map[string]any{"negotiation_id": negB, "sender_id": "farm-2", "participants": []string{"farm-2", "market-1"}}},
	}
	for _, pl := range payloads {
		if _, err := l.Append(ctx, pl.et, pl.p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Query(ctx, Filter{NegotiationID: &negA})
	if err != nil {
		t.Fatalf("Query by negotiation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("negotiation A: %d events, want 2", len(got))
	}

	got, err = l.Query(ctx, Filter{AgentID: "farm-1"})
	if err != nil {
		t.Fatalf("Query by agent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("agent farm-1: %d events, want 2", len(got))
	}

	// Prefix membership must not match: "farm" is not "farm-1".
	got, err = l.Query(ctx, Filter{AgentID: "farm"})
	if err != nil {
		t.Fatalf("Query by agent prefix: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("agent prefix match leaked %d events", len(got))
	}

	got, err = l.Query(ctx, Filter{FromSeq: 1, ToSeq: 1})
	if err != nil {
		t.Fatalf("Query by seq range: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("seq range [1,1]: got %d events", len(got))
	}
}
