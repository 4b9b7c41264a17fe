// Package registry keeps the durable record of every node the agent owns.
package registry

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a node record.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateVerifying    State = "verifying"
	StateReady        State = "ready"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateDraining     State = "draining"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateQuarantined  State = "failed-quarantined"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateRequested, StateProvisioning, StateVerifying, StateReady, StateIdle,
	StateBusy, StateDraining, StateTerminating, StateTerminated, StateQuarantined,
}

// Terminal reports whether no further provider action is expected for the state.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateQuarantined
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// Live reports whether the node is provisioned and serving the cluster.
func (s State) Live() bool {
	return s == StateReady || s == StateIdle || s == StateBusy
}

// transitions lists the legal edges. Any non-terminal state may also move to terminating.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning, StateQuarantined, StateTerminated},
	StateProvisioning: {StateVerifying, StateReady, StateQuarantined},
	StateVerifying:    {StateReady, StateQuarantined},
	StateReady:        {StateIdle, StateBusy, StateDraining},
	StateIdle:         {StateBusy, StateDraining},
	StateBusy:         {StateIdle, StateDraining},
	StateDraining:     {StateReady},
	StateTerminating:  {StateTerminated},
	StateQuarantined:  {StateTerminating},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateTerminating && !from.Terminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NodeRecord is the agent's record of one node.
type NodeRecord struct {
	Name        string    `json:"name"`
	ProviderID  string    `json:"provider_id,omitempty"`
	NodeClass   string    `json:"node_class"`
	Account     string    `json:"account"`
	User        string    `json:"user,omitempty"`
	HostAddress string    `json:"host_address,omitempty"`
	State       State     `json:"state"`
	RequestID   string    `json:"request_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`

	// BilledUntil is the end of the last usage entry written for the node.
	BilledUntil time.Time `json:"billed_until,omitempty"`
}

// PutOptions controls Put.
type PutOptions struct {
	// Overwrite replaces an existing non-terminal record.
	Overwrite bool
}

// ConflictError is returned when a write would replace a live record.
type ConflictError struct {
	Name     string
	Existing State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: record %q already exists in state %s", e.Name, e.Existing)
}

// InvalidStateError is returned when an operation is not allowed in the record's state.
type InvalidStateError struct {
	Name string
	Op   string
	From State
	To   State
}

func (e *InvalidStateError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("registry: %s %q: illegal transition %s -> %s", e.Op, e.Name, e.From, e.To)
	}
	return fmt.Sprintf("registry: %s %q: not allowed in state %s", e.Op, e.Name, e.From)
}
