package model

import (
	"time"
)

// Role classifies what an agent does in the farm economy.
type Role string

const (
	RoleSensor     Role = "sensor"     // collects readings and sells them
	RolePrediction Role = "prediction" // buys readings, publishes forecasts
	RoleResource   Role = "resource"   // allocates water/equipment
	RoleMarket     Role = "market"     // matches crop buyers and sellers
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSensor, RolePrediction, RoleResource, RoleMarket:
		return true
	}
	return false
}

// AgentState is the coarse lifecycle state of an agent runtime.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentRunning AgentState = "running"
	AgentStopped AgentState = "stopped"
)

// Agent is the identity and account of one autonomous participant.
// It is owned exclusively by the runtime that created it; Balance moves
// only through ledger-recorded settlements, never by direct assignment
// from another agent.
type Agent struct {
	ID            string     `json:"id"`
	Role          Role       `json:"role"`
	Balance       float64    `json:"balance"`
	Subscriptions []string   `json:"subscriptions,omitempty"`
	State         AgentState `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
}
