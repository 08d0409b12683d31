package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/abdrafdev/agrimind/internal/model"
)

// Filter selects ledger events. Zero fields match everything; results are
// always ordered by seq ascending. Queries over immutable history are
// restartable: the same filter re-queried yields the same result set.
type Filter struct {
	EventTypes    []model.EventType
	NegotiationID *uuid.UUID
	AgentID       string
	FromSeq       uint64
	ToSeq         uint64 // inclusive; 0 means no upper bound
	Limit         int    // 0 means no limit
}

func (f Filter) matches(ev model.LedgerEvent, refs eventRefs) bool {
	if ev.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && ev.Seq > f.ToSeq {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if ev.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NegotiationID != nil && (refs.NegotiationID == nil || *refs.NegotiationID != *f.NegotiationID) {
		return false
	}
	if f.AgentID != "" {
		found := false
		for _, a := range refs.Agents {
			if a == f.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// eventRefs are the queryable references extracted from an event payload
// at append time, so stores can index without understanding every payload
// shape.
type eventRefs struct {
	NegotiationID *uuid.UUID
	Agents        []string
}

// Store persists the ordered event log. The ledger serializes Append
// calls; stores only need to keep reads safe against a concurrent append.
type Store interface {
	// Append persists one event with its refs. Events arrive in strict
	// seq order.
	Append(ctx context.Context, ev model.LedgerEvent, refs eventRefs) error

	// Last returns the highest-seq event, or ok=false on an empty log.
	Last(ctx context.Context) (ev model.LedgerEvent, ok bool, err error)

	// Query returns matching events ordered by seq ascending.
	Query(ctx context.Context, f Filter) ([]model.LedgerEvent, error)

	Close() error
}

// MemoryStore keeps the log in process memory. Used in tests and for
// ephemeral simulation runs where durability is not required.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.LedgerEvent
	refs   []eventRefs
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores the event.
func (s *MemoryStore) Append(_ context.Context, ev model.LedgerEvent, refs eventRefs) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.refs = append(s.refs, refs)
	s.mu.Unlock()
	return nil
}

// Last returns the most recent event.
func (s *MemoryStore) Last(_ context.Context) (model.LedgerEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return model.LedgerEvent{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

// Query filters the log.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LedgerEvent
	for i, ev := range s.events {
		if !f.matches(ev, s.refs[i]) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// corrupt replaces one payload byte, for integrity tests only.
func (s *MemoryStore) corrupt(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].Seq == seq && len(s.events[i].Payload) > 0 {
			p := make([]byte, len(s.events[i].Payload))
			copy(p, s.events[i].Payload)
			p[0] ^= 0xff
			s.events[i].Payload = p
			return
		}
	}
}
