package mode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/source"
)

// probeAdapter is a health-only adapter stub.
type probeAdapter struct {
	name    string
	tier    model.SourceTier
	healthy bool
}

func (p *probeAdapter) Fetch(context.Context, string, string) (model.RawValue, error) {
	return model.RawValue{}, source.ErrUnavailable
}
func (p *probeAdapter) Tier() model.SourceTier { return p.tier }
func (p *probeAdapter) Name() string           { return p.name }
func (p *probeAdapter) Healthy(context.Context) error {
	if p.healthy {
		return nil
	}
	return fmt.Errorf("%s down: %w", p.name, source.ErrUnavailable)
}

type fakeChain struct {
	mu       sync.Mutex
	adapters []source.Adapter
}

func (c *fakeChain) Adapters() []source.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]source.Adapter, len(c.adapters))
	copy(out, c.adapters)
	return out
}

type captureSink struct {
	mu       sync.Mutex
	messages []model.Message
	events   []model.EventType
}

func (s *captureSink) Publish(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Append(_ context.Context, et model.EventType, payload any) (model.LedgerEvent, error) {
	s.mu.Lock()
	s.events = append(s.events, et)
	s.mu.Unlock()
	return model.LedgerEvent{}, nil
}

func chainOf(healthy, total int) *fakeChain {
	c := &fakeChain{}
	for i := 0; i < total; i++ {
		c.adapters = append(c.adapters, &probeAdapter{
			name:    fmt.Sprintf("adapter-%d", i),
			tier:    model.TierAPI,
			healthy: i < healthy,
		})
	}
	return c
}

func TestModeThresholds(t *testing.T) {
	tests := []struct {
		healthy, total int
		want           model.Mode
	}{
		{5, 5, model.ModeNormal},
		{4, 5, model.ModeNormal},  // 0.8 is still normal
		{3, 5, model.ModePartial}, // 0.6
		{2, 4, model.ModePartial}, // exactly 0.5
		{2, 5, model.ModeDegraded},
		{0, 3, model.ModeDegraded},
	}
	for _, tt := range tests {
		c := NewController(chainOf(tt.healthy, tt.total), nil, nil, 0, nil)
		c.Poll(context.Background())
		if got := c.Current(); got != tt.want {
			t.Errorf("%d/%d healthy: mode = %s, want %s", tt.healthy, tt.total, got, tt.want)
		}
	}
}

func TestTransitionBroadcastAndRecorded(t *testing.T) {
	chain := chainOf(1, 5)
	sink := &captureSink{}
	c := NewController(chain, sink, sink, 0, nil)
	ctx := context.Background()

	c.Poll(ctx)
	if c.Current() != model.ModeDegraded {
		t.Fatalf("mode = %s, want degraded", c.Current())
	}

	sink.mu.Lock()
	if len(sink.messages) != 1 || len(sink.events) != 1 {
		sink.mu.Unlock()
		t.Fatalf("got %d messages / %d events, want 1/1", len(sink.messages), len(sink.events))
	}
	msg := sink.messages[0]
	et := sink.events[0]
	sink.mu.Unlock()

	if msg.Topic != model.TopicModeChanges {
		t.Fatalf("broadcast topic = %s", msg.Topic)
	}
	if et != model.EventModeChanged {
		t.Fatalf("recorded event = %s", et)
	}
	var change model.ModeChange
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if change.From != model.ModeNormal || change.To != model.ModeDegraded {
		t.Fatalf("change = %+v", change)
	}
	if change.HealthyTiers != 1 || change.TotalTiers != 5 {
		t.Fatalf("health counts = %d/%d", change.HealthyTiers, change.TotalTiers)
	}
}

func TestNoBroadcastWithoutTransition(t *testing.T) {
	sink := &captureSink{}
	c := NewController(chainOf(5, 5), sink, sink, 0, nil)
	ctx := context.Background()

	// Already normal; polling a healthy chain changes nothing.
	c.Poll(ctx)
	c.Poll(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 0 || len(sink.events) != 0 {
		t.Fatalf("steady state produced %d messages / %d events", len(sink.messages), len(sink.events))
	}
}

func TestRecoveryTransition(t *testing.T) {
	chain := chainOf(0, 4)
	sink := &captureSink{}
	c := NewController(chain, sink, sink, 0, nil)
	ctx := context.Background()

	c.Poll(ctx)
	if c.Current() != model.ModeDegraded {
		t.Fatalf("mode = %s, want degraded", c.Current())
	}

	chain.mu.Lock()
	for _, a := range chain.adapters {
		a.(*probeAdapter).healthy = true
	}
	chain.mu.Unlock()

	c.Poll(ctx)
	if c.Current() != model.ModeNormal {
		t.Fatalf("mode after recovery = %s, want normal", c.Current())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 2 {
		t.Fatalf("got %d transition broadcasts, want 2", len(sink.messages))
	}
}

func TestEmptyChainKeepsMode(t *testing.T) {
	c := NewController(&fakeChain{}, nil, nil, 0, nil)
	c.Poll(context.Background())
	if c.Current() != model.ModeNormal {
		t.Fatalf("mode = %s, want normal with nothing to probe", c.Current())
	}
}

func TestMinConfidencePerMode(t *testing.T) {
	if model.ModeNormal.MinConfidence() >= model.ModePartial.MinConfidence() {
		t.Fatal("partial mode must demand more confidence than normal")
	}
	if model.ModePartial.MinConfidence() >= model.ModeDegraded.MinConfidence() {
		t.Fatal("degraded mode must demand more confidence than partial")
	}
}
