package foreman

import (
	"fmt"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/internal/metrics"
	"github.com/DeepnessLab/moly/types"
)

// Facade operation labels used for metrics.
const (
	opAssign     = "assign"
	opDeallocate = "deallocate"
)

// Foreman keeps the assignment ledger and forwards placement decisions to
// the bound LoadBalancer.
type Foreman struct {
	facade  types.InstanceFacade
	lb      types.LoadBalancer
	ledger  *ledger
	logger  types.Logger
	metrics types.LedgerMetrics
}

// Option configures a Foreman.
type Option func(*Foreman)

// WithLogger sets the logger.
func WithLogger(l types.Logger) Option {
	return func(f *Foreman) {
		f.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.LedgerMetrics) Option {
	return func(f *Foreman) {
		f.metrics = m
	}
}

var _ types.Ledger = (*Foreman)(nil)

// New creates a Foreman and binds lb to its ledger.
//
// Parameters:
//   - facade: Delivers assignments to service instances
//   - lb: Placement strategy
//   - opts: Optional logger and metrics
//
// Returns:
//   - *Foreman: Foreman with an empty ledger
func New(facade types.InstanceFacade, lb types.LoadBalancer, opts ...Option) *Foreman {
	f := &Foreman{
		facade:  facade,
		lb:      lb,
		ledger:  newLedger(),
		logger:  logger.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	lb.Bind(f)

	return f
}

// Strategy returns the bound load balancer.
func (f *Foreman) Strategy() types.LoadBalancer {
	return f.lb
}

// AddWorker opens an empty ledger row for inst and notifies the strategy.
//
// Returns false if an instance with the same id is already registered.
func (f *Foreman) AddWorker(inst types.ServiceInstance) bool {
	if !f.ledger.addInstance(inst) {
		return false
	}
	f.lb.InstanceAdded(inst)

	return true
}

// RemoveWorker drops the row of inst and hands the rules it held to the
// strategy.
//
// Returns false if the instance is unknown.
func (f *Foreman) RemoveWorker(inst types.ServiceInstance) bool {
	stored, ok := f.ledger.instances[inst.ID]
	if !ok {
		return false
	}

	held, _ := f.ledger.removeInstance(inst.ID)
	f.metrics.RecordAssignedRules(len(f.ledger.byRule))
	f.lb.InstanceRemoved(stored, held)

	return true
}

// Instance returns a registered instance by id.
func (f *Foreman) Instance(id string) (types.ServiceInstance, bool) {
	inst, ok := f.ledger.instances[id]
	return inst, ok
}

// AddJobs asks the strategy to place rules submitted by mb.
//
// Returns an error wrapping types.ErrNoCapacity if no instance is registered
// or the strategy could not place the rules.
func (f *Foreman) AddJobs(rules []types.InternalRule, mb *types.Middlebox) error {
	if len(f.ledger.order) == 0 {
		return fmt.Errorf("no service instances registered: %w", types.ErrNoCapacity)
	}

	return f.lb.AddRules(rules, mb)
}

// RemoveJobs asks the strategy to withdraw rules.
func (f *Foreman) RemoveJobs(rules []types.InternalRule, mb *types.Middlebox) error {
	return f.lb.RemoveRules(rules, mb)
}

// SetPolicyChains forwards a new chain set to the strategy.
func (f *Foreman) SetPolicyChains(chains []types.PolicyChain) {
	f.lb.SetPolicyChains(chains)
}

// AssignRules sends inst the rules it does not hold yet and records them.
//
// Assigning a rule the instance already holds is a no-op, so repeated calls
// never reach the facade twice for the same edge. A facade error is logged;
// the edges are recorded regardless.
func (f *Foreman) AssignRules(rules []types.InternalRule, inst types.ServiceInstance) {
	stored, ok := f.ledger.instances[inst.ID]
	if !ok {
		f.logger.Warn("assign to unknown instance", "instance", inst.ID, "rules", len(rules))
		return
	}

	fresh := make([]types.InternalRule, 0, len(rules))
	for _, r := range types.DedupRules(rules) {
		if !f.ledger.holds(stored.ID, r.ID) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return
	}

	err := f.facade.AssignRules(fresh, stored)
	f.metrics.RecordFacadeCall(opAssign, len(fresh), err == nil)
	if err != nil {
		f.logger.Error("failed to assign rules", "instance", stored.ID, "rules", len(fresh), "error", err)
	} else {
		f.logger.Debug("assigned rules", "instance", stored.ID, "rules", types.RuleIDs(fresh))
	}

	for _, r := range fresh {
		f.ledger.link(stored.ID, r)
	}
	f.metrics.RecordAssignedRules(len(f.ledger.byRule))
}

// DeallocateRules withdraws rules from every instance holding them.
//
// Rules are grouped per holder and each affected instance gets one facade
// call, in instance registration order.
func (f *Foreman) DeallocateRules(rules []types.InternalRule) {
	groups := make(map[string][]types.InternalRule)
	for _, r := range types.DedupRules(rules) {
		for _, id := range f.ledger.holders(r.ID) {
			groups[id] = append(groups[id], r)
		}
	}
	if len(groups) == 0 {
		return
	}

	for _, inst := range f.ledger.orderedInstances() {
		group, ok := groups[inst.ID]
		if !ok {
			continue
		}

		err := f.facade.DeallocateRules(group, inst)
		f.metrics.RecordFacadeCall(opDeallocate, len(group), err == nil)
		if err != nil {
			f.logger.Error("failed to deallocate rules", "instance", inst.ID, "rules", len(group), "error", err)
		} else {
			f.logger.Debug("deallocated rules", "instance", inst.ID, "rules", types.RuleIDs(group))
		}

		for _, r := range group {
			f.ledger.unlink(inst.ID, r.ID)
		}
	}
	f.metrics.RecordAssignedRules(len(f.ledger.byRule))
}

// Instances returns registered instances in registration order.
func (f *Foreman) Instances() []types.ServiceInstance {
	return f.ledger.orderedInstances()
}

// InstancesFor returns the instances holding rule, in registration order.
func (f *Foreman) InstancesFor(rule types.InternalRule) []types.ServiceInstance {
	ids := f.ledger.holders(rule.ID)
	result := make([]types.ServiceInstance, len(ids))
	for i, id := range ids {
		result[i] = f.ledger.instances[id]
	}

	return result
}

// RulesFor returns the rules held by inst, ordered by id.
func (f *Foreman) RulesFor(inst types.ServiceInstance) []types.InternalRule {
	return f.ledger.rulesFor(inst.ID)
}

// AllRules returns every rule held by at least one instance, ordered by id.
func (f *Foreman) AllRules() []types.InternalRule {
	return f.ledger.allRules()
}

// NeededInstances returns the deduplicated set of instances holding any of
// rules, in registration order.
func (f *Foreman) NeededInstances(rules []types.InternalRule) []types.ServiceInstance {
	needed := make(map[string]struct{})
	for _, r := range rules {
		for _, id := range f.ledger.holders(r.ID) {
			needed[id] = struct{}{}
		}
	}

	result := make([]types.ServiceInstance, 0, len(needed))
	for _, inst := range f.ledger.orderedInstances() {
		if _, ok := needed[inst.ID]; ok {
			result = append(result, inst)
		}
	}

	return result
}

// Assignment is one ledger row.
type Assignment struct {
	Instance types.ServiceInstance `json:"instance"`
	Rules    []types.RuleID        `json:"rules"`
}

// Assignments returns every ledger row in instance registration order.
func (f *Foreman) Assignments() []Assignment {
	result := make([]Assignment, 0, len(f.ledger.order))
	for _, inst := range f.ledger.orderedInstances() {
		result = append(result, Assignment{Instance: inst, Rules: types.RuleIDs(f.ledger.rulesFor(inst.ID))})
	}

	return result
}
