package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdrafdev/agrimind/internal/model"
)

func TestTierCeilingsStrictlyOrdered(t *testing.T) {
	// Confidence ceilings must fall monotonically down the chain.
	prev := 1.1
	for _, tier := range model.TierOrder {
		c := tier.Ceiling()
		assert.Less(t, c, prev, "tier %s ceiling out of order", tier)
		assert.Greater(t, c, 0.0)
		prev = c
	}
	assert.Equal(t, 0.0, model.SourceTier("bogus").Ceiling())
}

func TestMessageExpired(t *testing.T) {
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

	m := model.Message{Timestamp: now.Add(-2 * time.Minute), TTL: time.Minute}
	assert.True(t, m.Expired(now))

	m.TTL = 5 * time.Minute
	assert.False(t, m.Expired(now))

	// Zero TTL never expires.
	m.TTL = 0
	assert.False(t, m.Expired(now.Add(1000*time.Hour)))
}

func TestNewMessageRejectsUnmarshalable(t *testing.T) {
	_, err := model.NewMessage("readings", "sensor-1", make(chan int))
	require.Error(t, err)

	msg, err := model.NewMessage("readings", "sensor-1", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, "readings", msg.Topic)
	assert.Equal(t, "sensor-1", msg.SenderID)
	assert.NotEqual(t, [16]byte{}, [16]byte(msg.ID))
}

func TestNegotiationStatusTerminal(t *testing.T) {
	assert.False(t, model.NegotiationOpen.Terminal())
	assert.True(t, model.NegotiationAccepted.Terminal())
	assert.True(t, model.NegotiationRejected.Terminal())
	assert.True(t, model.NegotiationExpired.Terminal())
}

func TestNegotiationHelpers(t *testing.T) {
	n := model.Negotiation{
		Participants: []string{"farm-1", "water-coop"},
		Rounds: []model.Offer{
			{SenderID: "farm-1", Price: 12},
			{SenderID: "water-coop", Price: 10},
		},
	}
	assert.Equal(t, "farm-1", n.Initiator())
	require.NotNil(t, n.LatestOffer())
	assert.Equal(t, 10.0, n.LatestOffer().Price)
	assert.True(t, n.HasParticipant("water-coop"))
	assert.False(t, n.HasParticipant("stranger"))

	empty := model.Negotiation{}
	assert.Equal(t, "", empty.Initiator())
	assert.Nil(t, empty.LatestOffer())
}

func TestRoleValid(t *testing.T) {
	for _, r := range []model.Role{model.RoleSensor, model.RolePrediction, model.RoleResource, model.RoleMarket} {
		assert.True(t, r.Valid(), "role %s", r)
	}
	assert.False(t, model.Role("janitor").Valid())
}
