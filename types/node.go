package types

import (
	"fmt"
	"net/netip"
)

// Middlebox is a network function that registers pattern-matching rules.
//
// Identity is the ID; Name and Address are informational and used when
// resolving raw chains.
type Middlebox struct {
	ID      string     `json:"id"`
	Name    string     `json:"name,omitempty"`
	Address netip.Addr `json:"address,omitzero"`
}

// String returns a compact representation for logging.
func (m Middlebox) String() string {
	return fmt.Sprintf("Middlebox[%s]", m.ID)
}

// ServiceInstance is a DPI worker executing assigned rules.
//
// Identity is the ID.
type ServiceInstance struct {
	ID      string     `json:"id"`
	Name    string     `json:"name,omitempty"`
	Address netip.Addr `json:"address,omitzero"`
}

// String returns a compact representation for logging.
func (s ServiceInstance) String() string {
	return fmt.Sprintf("ServiceInstance[%s]", s.ID)
}

// InstanceIDs returns the IDs of the given instances, preserving order.
func InstanceIDs(instances []ServiceInstance) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}

	return ids
}
