// Package chainbuilder splices serving instances into policy chains.
package chainbuilder

import "github.com/DeepnessLab/moly/types"

// Build returns the steered form of chains.
//
// Every instance node already present is dropped, and when owners knows the
// instance serving a chain's traffic class that instance is placed at the
// head of the chain. owners may be nil. The input is not modified.
func Build(chains []types.PolicyChain, owners types.ChainOwners) []types.PolicyChain {
	result := make([]types.PolicyChain, 0, len(chains))
	for _, c := range chains {
		nodes := make([]types.ChainNode, 0, len(c.Nodes)+1)
		if owners != nil {
			if inst, ok := owners.ChainInstance(c.TrafficClass); ok {
				nodes = append(nodes, types.InstanceNode(inst))
			}
		}
		for _, n := range c.Nodes {
			switch n.Kind {
			case types.NodeInstance:
				continue
			case types.NodeMiddlebox, types.NodeGeneric:
				nodes = append(nodes, n)
			}
		}
		result = append(result, types.PolicyChain{TrafficClass: c.TrafficClass, Nodes: nodes})
	}

	return result
}
