package foreman

import (
	"maps"
	"slices"

	"github.com/DeepnessLab/moly/types"
)

// ledger is the bidirectional instance/rule relation.
//
// Every mutation updates byInstance and byRule together. The instance order
// slice preserves registration order for deterministic iteration.
type ledger struct {
	instances  map[string]types.ServiceInstance
	order      []string
	byInstance map[string]map[types.RuleID]types.InternalRule
	byRule     map[types.RuleID]map[string]struct{}
}

func newLedger() *ledger {
	return &ledger{
		instances:  make(map[string]types.ServiceInstance),
		byInstance: make(map[string]map[types.RuleID]types.InternalRule),
		byRule:     make(map[types.RuleID]map[string]struct{}),
	}
}

func (l *ledger) addInstance(inst types.ServiceInstance) bool {
	if _, ok := l.instances[inst.ID]; ok {
		return false
	}
	l.instances[inst.ID] = inst
	l.order = append(l.order, inst.ID)
	l.byInstance[inst.ID] = make(map[types.RuleID]types.InternalRule)

	return true
}

// removeInstance drops the instance row and only its own edges. It returns
// the rules the instance held, ordered by id.
func (l *ledger) removeInstance(id string) ([]types.InternalRule, bool) {
	if _, ok := l.instances[id]; !ok {
		return nil, false
	}

	held := l.rulesFor(id)
	for _, r := range held {
		l.unlink(id, r.ID)
	}
	delete(l.byInstance, id)
	delete(l.instances, id)
	l.order = slices.DeleteFunc(l.order, func(s string) bool { return s == id })

	return held, true
}

func (l *ledger) holds(id string, rid types.RuleID) bool {
	_, ok := l.byInstance[id][rid]
	return ok
}

func (l *ledger) link(id string, r types.InternalRule) {
	l.byInstance[id][r.ID] = r
	holders, ok := l.byRule[r.ID]
	if !ok {
		holders = make(map[string]struct{})
		l.byRule[r.ID] = holders
	}
	holders[id] = struct{}{}
}

func (l *ledger) unlink(id string, rid types.RuleID) {
	delete(l.byInstance[id], rid)
	holders := l.byRule[rid]
	delete(holders, id)
	if len(holders) == 0 {
		delete(l.byRule, rid)
	}
}

// holders returns the ids of the instances holding rid in registration order.
func (l *ledger) holders(rid types.RuleID) []string {
	set := l.byRule[rid]
	if len(set) == 0 {
		return nil
	}

	result := make([]string, 0, len(set))
	for _, id := range l.order {
		if _, ok := set[id]; ok {
			result = append(result, id)
		}
	}

	return result
}

func (l *ledger) rulesFor(id string) []types.InternalRule {
	return types.SortRules(slices.Collect(maps.Values(l.byInstance[id])))
}

func (l *ledger) allRules() []types.InternalRule {
	result := make([]types.InternalRule, 0, len(l.byRule))
	for rid := range l.byRule {
		for id := range l.byRule[rid] {
			result = append(result, l.byInstance[id][rid])
			break
		}
	}

	return types.SortRules(result)
}

func (l *ledger) orderedInstances() []types.ServiceInstance {
	result := make([]types.ServiceInstance, len(l.order))
	for i, id := range l.order {
		result[i] = l.instances[id]
	}

	return result
}
