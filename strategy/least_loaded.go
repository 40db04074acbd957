package strategy

import (
	"fmt"

	"github.com/DeepnessLab/moly/types"
)

// LeastLoaded places each rule batch on the instance holding the fewest rules.
//
// Self-healing: none. A batch rejected for lack of instances is dropped, and
// the rules of a removed instance are redistributed through AddRules without
// regard to chains.
type LeastLoaded struct {
	options
	ledger types.Ledger
	load   map[string]int
}

var _ types.LoadBalancer = (*LeastLoaded)(nil)

// NewLeastLoaded creates a least-loaded strategy.
//
// Example:
//
//	lb := strategy.NewLeastLoaded(strategy.WithLogger(log))
//	ctrl, err := moly.NewController(&cfg, facade, topology, moly.WithStrategy(lb))
func NewLeastLoaded(opts ...Option) *LeastLoaded {
	return &LeastLoaded{
		options: applyOptions(opts),
		load:    make(map[string]int),
	}
}

// Bind attaches the ledger.
func (s *LeastLoaded) Bind(ledger types.Ledger) {
	s.ledger = ledger
}

// InstanceAdded registers inst at load 0.
func (s *LeastLoaded) InstanceAdded(inst types.ServiceInstance) {
	s.load[inst.ID] = 0
}

// InstanceRemoved forgets inst and re-submits the rules it held.
func (s *LeastLoaded) InstanceRemoved(inst types.ServiceInstance, rules []types.InternalRule) {
	delete(s.load, inst.ID)
	if len(rules) == 0 {
		return
	}

	if err := s.AddRules(rules, nil); err != nil {
		s.logger.Warn("failed to redistribute rules of removed instance",
			"instance", inst.ID, "rules", len(rules), "error", err)
	}
}

// AddRules assigns the whole batch to the least loaded instance.
//
// Instances are scanned in registration order and the first one with no
// rules wins outright.
func (s *LeastLoaded) AddRules(rules []types.InternalRule, _ *types.Middlebox) error {
	if s.ledger == nil {
		return ErrNotBound
	}

	target, ok := s.leastLoaded()
	if !ok {
		s.metrics.RecordRejectedBatch(NameLeastLoaded, len(rules))
		return fmt.Errorf("least-loaded: no instances: %w", types.ErrNoCapacity)
	}

	s.ledger.AssignRules(rules, target)
	s.load[target.ID] = len(s.ledger.RulesFor(target))

	return nil
}

// RemoveRules lowers the load of each rule's first holder and withdraws the
// rules everywhere.
func (s *LeastLoaded) RemoveRules(rules []types.InternalRule, _ *types.Middlebox) error {
	if s.ledger == nil {
		return ErrNotBound
	}

	rules = types.DedupRules(rules)
	for _, r := range rules {
		holders := s.ledger.InstancesFor(r)
		if len(holders) == 0 {
			continue
		}
		if s.load[holders[0].ID] > 0 {
			s.load[holders[0].ID]--
		}
	}
	s.ledger.DeallocateRules(rules)

	return nil
}

// SetPolicyChains is a no-op: placement ignores chains.
func (s *LeastLoaded) SetPolicyChains([]types.PolicyChain) {}

// Load returns the tracked rule count of an instance.
func (s *LeastLoaded) Load(instanceID string) int {
	return s.load[instanceID]
}

func (s *LeastLoaded) leastLoaded() (types.ServiceInstance, bool) {
	var (
		best   types.ServiceInstance
		lowest int
		found  bool
	)
	for _, inst := range s.ledger.Instances() {
		load := s.load[inst.ID]
		if load == 0 {
			return inst, true
		}
		if !found || load < lowest {
			best, lowest, found = inst, load, true
		}
	}

	return best, found
}
