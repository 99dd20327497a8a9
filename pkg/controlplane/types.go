package controlplane

import (
	"fmt"
	"sort"
)

// Availability is the control plane reported readiness of a gateway's ANA group
type Availability string

const (
	// AvailabilityAvailable means the gateway serves its group
	AvailabilityAvailable Availability = "AVAILABLE"
	// AvailabilityUnavailable means the gateway is down
	AvailabilityUnavailable Availability = "UNAVAILABLE"
	// AvailabilityDeleting means the gateway is being removed from the pool
	AvailabilityDeleting Availability = "DELETING"
)

// GatewayState is the state a gateway reports for one ANA group
type GatewayState string

const (
	// StateActive is the optimized path for the group
	StateActive GatewayState = "ACTIVE"
	// StateStandby is a non-optimized path for the group
	StateStandby GatewayState = "STANDBY"
	// StateInactive is an explicit inactive path
	StateInactive GatewayState = "INACTIVE"
	// StateUnknown covers anything else, including stale entries
	StateUnknown GatewayState = "UNKNOWN"
)

// GatewayGroupState is what one gateway reports for a group, together with
// the availability of that gateway's own group.
type GatewayGroupState struct {
	State        GatewayState
	Availability Availability
}

// ANAGroupState is a point in time view of one ANA group
type ANAGroupState struct {
	GroupID int
	// Availability of the gateway owning the group at steady state. Empty when
	// no registered gateway owns the group any more.
	Availability Availability
	// Owner is the gw-id whose anagrp-id is GroupID
	Owner string
	// PerGateway maps gw-id to the state it reports for GroupID
	PerGateway map[string]GatewayGroupState
}

// ActiveGateways returns the gw-ids reporting ACTIVE for the group while their
// own group is AVAILABLE, sorted.
func (s ANAGroupState) ActiveGateways() []string {
	var active []string
	for gwID, st := range s.PerGateway {
		if st.State == StateActive && st.Availability == AvailabilityAvailable {
			active = append(active, gwID)
		}
	}
	sort.Strings(active)
	return active
}

// ANAStates maps group id to its state. Snapshots are never mutated by consumers.
type ANAStates map[int]ANAGroupState

// Namespace is an addressable unit of storage owned by an ANA group
type Namespace struct {
	Subsystem  string
	NSID       int
	UUID       string
	Pool       string
	Image      string
	ANAGroupID int
}

// Key identifies the namespace in logs and samples: <subsystem>|nsid-<n>|<pool>|<image>
func (n Namespace) Key() string {
	return fmt.Sprintf("%s|nsid-%d|%s|%s", n.Subsystem, n.NSID, n.Pool, n.Image)
}

// GatewayRecord is one entry of the gateway map
type GatewayRecord struct {
	ID            string
	ANAGroupID    int
	Availability  Availability
	NumNamespaces int
	// States holds what this gateway reports for every group
	States map[int]GatewayState
}

// GatewayMap is the parsed gateway map of a pool/group
type GatewayMap struct {
	Pool          string
	Group         string
	NumNamespaces int
	Gateways      []GatewayRecord
}

// Groups returns gw-id to anagrp-id for every registered gateway
func (m GatewayMap) Groups() map[string]int {
	groups := make(map[string]int, len(m.Gateways))
	for _, gw := range m.Gateways {
		groups[gw.ID] = gw.ANAGroupID
	}
	return groups
}

// ANAStates derives the per group view from the gateway map
func (m GatewayMap) ANAStates() ANAStates {
	states := make(ANAStates)
	entry := func(grp int) ANAGroupState {
		st, ok := states[grp]
		if !ok {
			st = ANAGroupState{GroupID: grp, PerGateway: make(map[string]GatewayGroupState)}
		}
		return st
	}

	for _, gw := range m.Gateways {
		st := entry(gw.ANAGroupID)
		st.Availability = gw.Availability
		st.Owner = gw.ID
		states[gw.ANAGroupID] = st
	}
	for _, gw := range m.Gateways {
		for grp, state := range gw.States {
			st := entry(grp)
			st.PerGateway[gw.ID] = GatewayGroupState{State: state, Availability: gw.Availability}
			states[grp] = st
		}
	}
	return states
}
