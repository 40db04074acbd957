package strategy

import (
	"fmt"
	"slices"

	"github.com/DeepnessLab/moly/types"
)

// ChainAffinity assigns whole policy chains to service instances.
//
// It spreads chains so that each instance serves as few chains as possible,
// ideally one, and guarantees that an instance serving a chain holds the
// union of the rules of every middlebox in that chain. A middlebox shared by
// chains served by different instances has its rules replicated on all of
// them.
//
// Self-healing: every rebalance re-derives each owner's rules from the rule
// source, so a batch rejected by AddRules is placed by the next rebalance.
type ChainAffinity struct {
	options
	ledger types.Ledger
	rules  types.RuleSource

	chains []types.PolicyChain
	// owned maps an instance id to the chains it serves.
	owned map[string][]types.PolicyChain
	// owners maps a traffic class to the instance serving it.
	owners map[string]types.ServiceInstance
}

var (
	_ types.LoadBalancer = (*ChainAffinity)(nil)
	_ types.ChainOwners  = (*ChainAffinity)(nil)
)

// NewChainAffinity creates a chain affinity strategy.
//
// Parameters:
//   - rules: Resolves a middlebox to its current internal rules
//   - opts: Optional logger and metrics
//
// Returns:
//   - *ChainAffinity: Strategy with no chains and no owners
func NewChainAffinity(rules types.RuleSource, opts ...Option) *ChainAffinity {
	return &ChainAffinity{
		options: applyOptions(opts),
		rules:   rules,
		owned:   make(map[string][]types.PolicyChain),
		owners:  make(map[string]types.ServiceInstance),
	}
}

// Bind attaches the ledger.
func (s *ChainAffinity) Bind(ledger types.Ledger) {
	s.ledger = ledger
}

// SetPolicyChains replaces the chain set and rebalances if it changed.
func (s *ChainAffinity) SetPolicyChains(chains []types.PolicyChain) {
	if types.ChainsEqual(s.chains, chains) {
		return
	}
	s.chains = slices.Clone(chains)
	s.rebalance()
}

// InstanceAdded rebalances unless the current balance is already optimal.
func (s *ChainAffinity) InstanceAdded(inst types.ServiceInstance) {
	if s.optimal() {
		s.logger.Debug("instance not needed, balance is optimal", "instance", inst.ID)
		return
	}
	s.rebalance()
}

// InstanceRemoved rebalances if the removed instance served any chain.
func (s *ChainAffinity) InstanceRemoved(inst types.ServiceInstance, _ []types.InternalRule) {
	if _, ok := s.owned[inst.ID]; !ok {
		s.logger.Debug("removed instance served no chain", "instance", inst.ID)
		return
	}
	s.rebalance()
}

// AddRules pushes rules of mb to the owner of every chain containing mb.
//
// Returns an error wrapping types.ErrNoCapacity when there are no chains, no
// chain owners, or no chain containing mb.
func (s *ChainAffinity) AddRules(rules []types.InternalRule, mb *types.Middlebox) error {
	if s.ledger == nil {
		return ErrNotBound
	}
	if len(s.chains) == 0 {
		s.metrics.RecordRejectedBatch(NameChainAffinity, len(rules))
		return fmt.Errorf("chain-affinity: no policy chains: %w", types.ErrNoCapacity)
	}
	if len(s.owned) == 0 {
		s.metrics.RecordRejectedBatch(NameChainAffinity, len(rules))
		return fmt.Errorf("chain-affinity: no instances serve chains: %w", types.ErrNoCapacity)
	}
	if mb == nil {
		return fmt.Errorf("chain-affinity: rules without middlebox: %w", types.ErrNoCapacity)
	}

	placed := false
	for _, chain := range s.chains {
		if !chain.ContainsMiddlebox(mb.ID) {
			continue
		}
		inst, ok := s.owners[chain.TrafficClass]
		if !ok {
			continue
		}
		s.ledger.AssignRules(rules, inst)
		placed = true
	}

	if !placed {
		s.metrics.RecordRejectedBatch(NameChainAffinity, len(rules))
		return fmt.Errorf("chain-affinity: middlebox %q is in no served chain: %w", mb.ID, types.ErrNoCapacity)
	}

	return nil
}

// RemoveRules withdraws rules from whichever instances hold them.
func (s *ChainAffinity) RemoveRules(rules []types.InternalRule, _ *types.Middlebox) error {
	if s.ledger == nil {
		return ErrNotBound
	}
	s.ledger.DeallocateRules(rules)

	return nil
}

// ChainInstance returns the instance serving trafficClass.
func (s *ChainAffinity) ChainInstance(trafficClass string) (types.ServiceInstance, bool) {
	inst, ok := s.owners[trafficClass]
	return inst, ok
}

// ChainOwners returns a copy of the traffic class to instance id mapping.
func (s *ChainAffinity) ChainOwners() map[string]string {
	result := make(map[string]string, len(s.owners))
	for tc, inst := range s.owners {
		result[tc] = inst.ID
	}

	return result
}

// ChainsOf returns the traffic classes served by an instance, in assignment order.
func (s *ChainAffinity) ChainsOf(instanceID string) []string {
	chains := s.owned[instanceID]
	result := make([]string, len(chains))
	for i, c := range chains {
		result[i] = c.TrafficClass
	}

	return result
}

// optimal reports whether adding an instance could not lower the number of
// chains any instance serves.
func (s *ChainAffinity) optimal() bool {
	if len(s.chains) == 0 {
		return true
	}
	if len(s.owned) == 0 {
		return false
	}
	for _, chains := range s.owned {
		if len(chains) > 1 {
			return false
		}
	}

	return true
}

// rebalance withdraws every assigned rule and distributes the chains afresh.
//
// Instances are taken last-registered-first; each of the first K instances
// gets an equal run of chains from the front, and the remaining chains go one
// each to the used instances in the order they were used.
func (s *ChainAffinity) rebalance() {
	if s.ledger == nil {
		return
	}

	instances := s.ledger.Instances()
	s.ledger.DeallocateRules(s.ledger.AllRules())
	clear(s.owned)
	clear(s.owners)

	if len(s.chains) == 0 || len(instances) == 0 {
		s.logger.Info("cleared chain assignment", "chains", len(s.chains), "instances", len(instances))
		return
	}

	k := min(len(s.chains), len(instances))
	perInstance := len(s.chains) / k
	s.metrics.RecordRebalance(NameChainAffinity, len(s.chains), len(instances))

	next := 0
	used := make([]types.ServiceInstance, 0, k)
	for i := range k {
		inst := instances[len(instances)-1-i]
		batch := s.chains[next : next+perInstance]
		next += perInstance

		s.own(inst, batch)
		used = append(used, inst)
	}

	for i := 0; next < len(s.chains); i, next = i+1, next+1 {
		s.own(used[i], s.chains[next:next+1])
	}

	s.logger.Info("rebalanced chains",
		"chains", len(s.chains), "instances", len(instances), "used", types.InstanceIDs(used))
}

// own records inst as the owner of chains and assigns it their rules.
func (s *ChainAffinity) own(inst types.ServiceInstance, chains []types.PolicyChain) {
	s.owned[inst.ID] = append(s.owned[inst.ID], chains...)
	for _, c := range chains {
		s.owners[c.TrafficClass] = inst
	}

	rules := s.chainRules(chains)
	if len(rules) > 0 {
		s.ledger.AssignRules(rules, inst)
	}
}

func (s *ChainAffinity) chainRules(chains []types.PolicyChain) []types.InternalRule {
	var result []types.InternalRule
	for _, c := range chains {
		for _, n := range c.Nodes {
			switch n.Kind {
			case types.NodeMiddlebox:
				rules, err := s.rules.MatchRules(n.Middlebox.ID)
				if err != nil {
					s.logger.Warn("chain references unknown middlebox",
						"chain", c.TrafficClass, "middlebox", n.Middlebox.ID, "error", err)

					continue
				}
				result = append(result, rules...)
			case types.NodeInstance, types.NodeGeneric:
			}
		}
	}

	return types.SortRules(types.DedupRules(result))
}
