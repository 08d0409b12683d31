package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abdrafdev/agrimind/internal/bus"
	"github.com/abdrafdev/agrimind/internal/model"
)

// idleLogic is a RoleLogic that subscribes to nothing and does nothing.
type idleLogic struct{}

func (idleLogic) Topics() []string                                             { return nil }
func (idleLogic) HandleMessage(context.Context, *Runtime, model.Message) error { return nil }
func (idleLogic) Tick(context.Context, *Runtime) error                         { return nil }

func newTestRuntime(t *testing.T, id string, role model.Role, balance float64) *Runtime {
	t.Helper()
	b := bus.New(nil, nil)
	t.Cleanup(b.Close)
	rt, err := NewRuntime(Config{ID: id, Role: role, Balance: balance}, b, nil, nil, nil, idleLogic{}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func TestNewRuntimeValidation(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()

	if _, err := NewRuntime(Config{Role: model.RoleSensor}, b, nil, nil, nil, idleLogic{}, nil); err == nil {
		t.Error("missing agent ID accepted")
	}
	if _, err := NewRuntime(Config{ID: "a", Role: model.Role("janitor")}, b, nil, nil, nil, idleLogic{}, nil); err == nil {
		t.Error("unknown role accepted")
	}
}

func settlementMsg(t *testing.T, s model.Settlement) model.Message {
	t.Helper()
	msg, err := model.NewMessage(model.TopicSettlements, s.SellerID, s)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestSettlementMovesBalances(t *testing.T) {
	buyer := newTestRuntime(t, "farm-1", model.RoleResource, 100)
	seller := newTestRuntime(t, "sensor-1", model.RoleSensor, 10)

	s := model.Settlement{
		NegotiationID: uuid.New(),
		OfferID:       uuid.New(),
		BuyerID:       "farm-1",
		SellerID:      "sensor-1",
		Resource:      "soil_moisture_reading",
		Price:         2.5,
		SettledAt:     time.Now().UTC(),
	}
	msg := settlementMsg(t, s)

	if err := buyer.handleSettlement(context.Background(), msg); err != nil {
		t.Fatalf("buyer handleSettlement: %v", err)
	}
	if err := seller.handleSettlement(context.Background(), msg); err != nil {
		t.Fatalf("seller handleSettlement: %v", err)
	}

	if got := buyer.Balance(); got != 97.5 {
		t.Errorf("buyer balance = %v, want 97.5", got)
	}
	if got := seller.Balance(); got != 12.5 {
		t.Errorf("seller balance = %v, want 12.5", got)
	}
}

func TestSettlementAppliedAtMostOnce(t *testing.T) {
	rt := newTestRuntime(t, "farm-1", model.RoleResource, 100)
	s := model.Settlement{
		NegotiationID: uuid.New(),
		BuyerID:       "farm-1",
		SellerID:      "sensor-1",
		Price:         10,
	}
	msg := settlementMsg(t, s)

	// At-least-once delivery means the runtime may see duplicates.
	for i := 0; i < 3; i++ {
		if err := rt.handleSettlement(context.Background(), msg); err != nil {
			t.Fatalf("handleSettlement %d: %v", i, err)
		}
	}
	if got := rt.Balance(); got != 90 {
		t.Errorf("balance = %v, want 90 after deduped settlement", got)
	}
}

func TestSettlementForOthersIgnored(t *testing.T) {
	rt := newTestRuntime(t, "farm-1", model.RoleResource, 100)
	msg := settlementMsg(t, model.Settlement{
		NegotiationID: uuid.New(),
		BuyerID:       "farm-2",
		SellerID:      "sensor-9",
		Price:         50,
	})
	if err := rt.handleSettlement(context.Background(), msg); err != nil {
		t.Fatalf("handleSettlement: %v", err)
	}
	if got := rt.Balance(); got != 100 {
		t.Errorf("balance = %v, want untouched 100", got)
	}
}

func TestPublishCarriesIdentityAndTTL(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()
	rt, err := NewRuntime(Config{ID: "sensor-1", Role: model.RoleSensor}, b, nil, nil, nil, idleLogic{}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	got := make(chan model.Message, 1)
	b.Subscribe(model.TopicReadings, "listener", func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	if err := rt.Publish(context.Background(), model.TopicReadings, map[string]any{"v": 0.3}, 30*time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.SenderID != "sensor-1" {
			t.Errorf("sender = %q, want sensor-1", msg.SenderID)
		}
		if msg.TTL != 30*time.Second {
			t.Errorf("ttl = %s, want 30s", msg.TTL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published message never delivered")
	}
}

func TestMinConfidenceFollowsMode(t *testing.T) {
	b := bus.New(nil, nil)
	defer b.Close()

	current := model.ModeNormal
	rt, err := NewRuntime(Config{ID: "a", Role: model.RoleSensor}, b, nil, nil,
		func() model.Mode { return current }, idleLogic{}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	if got := rt.MinConfidence(); got != model.ModeNormal.MinConfidence() {
		t.Errorf("normal floor = %v", got)
	}
	current = model.ModeDegraded
	if got := rt.MinConfidence(); got != model.ModeDegraded.MinConfidence() {
		t.Errorf("degraded floor = %v", got)
	}
}
