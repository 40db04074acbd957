package types

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
)

// NodeKind discriminates the variants of a ChainNode.
type NodeKind uint8

const (
	// NodeGeneric is an address that matches no registered middlebox or instance.
	NodeGeneric NodeKind = iota

	// NodeMiddlebox is a registered middlebox.
	NodeMiddlebox

	// NodeInstance is a registered DPI service instance.
	NodeInstance
)

// String returns the name of the node kind.
func (k NodeKind) String() string {
	switch k {
	case NodeGeneric:
		return "generic"
	case NodeMiddlebox:
		return "middlebox"
	case NodeInstance:
		return "instance"
	default:
		return "unknown"
	}
}

// ChainNode is one hop of a policy chain.
//
// It is a tagged union: Kind selects which of Middlebox, Instance or Addr is
// meaningful. Use the MiddleboxNode, InstanceNode and GenericNode constructors
// rather than filling the struct by hand.
type ChainNode struct {
	Kind      NodeKind
	Middlebox Middlebox
	Instance  ServiceInstance
	Addr      netip.Addr
}

// MiddleboxNode wraps a middlebox as a chain node.
func MiddleboxNode(mb Middlebox) ChainNode {
	return ChainNode{Kind: NodeMiddlebox, Middlebox: mb}
}

// InstanceNode wraps a service instance as a chain node.
func InstanceNode(inst ServiceInstance) ChainNode {
	return ChainNode{Kind: NodeInstance, Instance: inst}
}

// GenericNode wraps an unresolved address as a chain node.
func GenericNode(addr netip.Addr) ChainNode {
	return ChainNode{Kind: NodeGeneric, Addr: addr}
}

// Address returns the network address of the node.
func (n ChainNode) Address() netip.Addr {
	switch n.Kind {
	case NodeMiddlebox:
		return n.Middlebox.Address
	case NodeInstance:
		return n.Instance.Address
	case NodeGeneric:
		return n.Addr
	default:
		return netip.Addr{}
	}
}

// Equal reports whether two nodes denote the same hop.
//
// Middleboxes and instances compare by ID, generic nodes by address.
func (n ChainNode) Equal(o ChainNode) bool {
	if n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case NodeMiddlebox:
		return n.Middlebox.ID == o.Middlebox.ID
	case NodeInstance:
		return n.Instance.ID == o.Instance.ID
	case NodeGeneric:
		return n.Addr == o.Addr
	default:
		return false
	}
}

// String returns a compact representation for logging.
func (n ChainNode) String() string {
	switch n.Kind {
	case NodeMiddlebox:
		return "mb:" + n.Middlebox.ID
	case NodeInstance:
		return "dpi:" + n.Instance.ID
	case NodeGeneric:
		return n.Addr.String()
	default:
		return "?"
	}
}

// PolicyChain is the ordered path that traffic of one class must traverse.
type PolicyChain struct {
	TrafficClass string
	Nodes        []ChainNode
}

// NewPolicyChain builds a chain from the given nodes.
func NewPolicyChain(trafficClass string, nodes ...ChainNode) PolicyChain {
	return PolicyChain{TrafficClass: trafficClass, Nodes: nodes}
}

// Equal reports value equality over the traffic class and the node sequence.
func (c PolicyChain) Equal(o PolicyChain) bool {
	return c.TrafficClass == o.TrafficClass &&
		slices.EqualFunc(c.Nodes, o.Nodes, ChainNode.Equal)
}

// ContainsMiddlebox reports whether the chain traverses the given middlebox.
func (c PolicyChain) ContainsMiddlebox(id string) bool {
	return slices.ContainsFunc(c.Nodes, func(n ChainNode) bool {
		return n.Kind == NodeMiddlebox && n.Middlebox.ID == id
	})
}

// Middleboxes returns the middlebox hops of the chain in order.
func (c PolicyChain) Middleboxes() []Middlebox {
	var result []Middlebox
	for _, n := range c.Nodes {
		switch n.Kind {
		case NodeMiddlebox:
			result = append(result, n.Middlebox)
		case NodeInstance, NodeGeneric:
		}
	}

	return result
}

// Raw converts the chain to its address-only boundary form.
func (c PolicyChain) Raw() RawPolicyChain {
	addrs := make([]netip.Addr, len(c.Nodes))
	for i, n := range c.Nodes {
		addrs[i] = n.Address()
	}

	return RawPolicyChain{TrafficClass: c.TrafficClass, Chain: addrs}
}

// String returns a compact representation for logging.
func (c PolicyChain) String() string {
	parts := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		parts[i] = n.String()
	}

	return fmt.Sprintf("%s:[%s]", c.TrafficClass, strings.Join(parts, " "))
}

// ChainsEqual reports element-wise value equality of two chain lists.
func ChainsEqual(a, b []PolicyChain) bool {
	return slices.EqualFunc(a, b, PolicyChain.Equal)
}

// RawPolicyChain is a chain as exchanged with the traffic-steering side:
// a traffic class and the ordered addresses of its hops.
type RawPolicyChain struct {
	TrafficClass string       `json:"trafficClass" yaml:"trafficClass"`
	Chain        []netip.Addr `json:"chain" yaml:"chain"`
}

// Equal reports value equality.
func (r RawPolicyChain) Equal(o RawPolicyChain) bool {
	return r.TrafficClass == o.TrafficClass && slices.Equal(r.Chain, o.Chain)
}

// RawChainsEqual reports element-wise value equality of two raw chain lists.
func RawChainsEqual(a, b []RawPolicyChain) bool {
	return slices.EqualFunc(a, b, RawPolicyChain.Equal)
}

// ToRawChains converts resolved chains to their boundary form.
func ToRawChains(chains []PolicyChain) []RawPolicyChain {
	result := make([]RawPolicyChain, len(chains))
	for i, c := range chains {
		result[i] = c.Raw()
	}

	return result
}

// Fingerprint returns a 64-bit digest of a raw chain list.
//
// Equal lists always have equal fingerprints; the digest is order sensitive.
func Fingerprint(chains []RawPolicyChain) uint64 {
	var buf []byte
	for _, c := range chains {
		buf = binary.AppendUvarint(buf, uint64(len(c.TrafficClass)))
		buf = append(buf, c.TrafficClass...)
		buf = binary.AppendUvarint(buf, uint64(len(c.Chain)))
		for _, addr := range c.Chain {
			b, _ := addr.MarshalBinary()
			buf = binary.AppendUvarint(buf, uint64(len(b)))
			buf = append(buf, b...)
		}
	}

	return xxh3.Hash(buf)
}
