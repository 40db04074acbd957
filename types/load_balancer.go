package types

// LoadBalancer decides which service instances receive which rules.
//
// Implementations are not safe for concurrent use: the Controller calls them
// from its single event loop only.
//
// Each implementation documents its own self-healing contract, that is what
// happens to a batch that AddRules rejects with ErrNoCapacity.
type LoadBalancer interface {
	// Bind attaches the ledger the strategy assigns through. It is called once
	// by the Foreman before any other method.
	Bind(ledger Ledger)

	// InstanceAdded is called after a new instance row was opened.
	InstanceAdded(inst ServiceInstance)

	// InstanceRemoved is called after an instance row was dropped, with the
	// rules the instance held.
	InstanceRemoved(inst ServiceInstance, rules []InternalRule)

	// AddRules places rules submitted by mb. mb is nil when rules are being
	// redistributed rather than submitted.
	AddRules(rules []InternalRule, mb *Middlebox) error

	// RemoveRules withdraws rules that lost their last owner.
	RemoveRules(rules []InternalRule, mb *Middlebox) error

	// SetPolicyChains replaces the current chain set.
	SetPolicyChains(chains []PolicyChain)
}

// ChainOwners resolves the instance serving a traffic class.
type ChainOwners interface {
	// ChainInstance returns the instance serving trafficClass, if any.
	ChainInstance(trafficClass string) (ServiceInstance, bool)
}

// Ledger is the strategy-facing side of the instance to rule assignment
// relation.
type Ledger interface {
	// AssignRules sends the net-new subset of rules to inst and records it.
	AssignRules(rules []InternalRule, inst ServiceInstance)

	// DeallocateRules withdraws rules from every instance holding them.
	DeallocateRules(rules []InternalRule)

	// Instances returns registered instances in registration order.
	Instances() []ServiceInstance

	// InstancesFor returns the instances currently holding rule.
	InstancesFor(rule InternalRule) []ServiceInstance

	// RulesFor returns the rules currently held by inst, ordered by id.
	RulesFor(inst ServiceInstance) []InternalRule

	// AllRules returns every rule held by at least one instance, ordered by id.
	AllRules() []InternalRule
}

// RuleSource exposes the current rule set of a middlebox.
type RuleSource interface {
	// MatchRules returns the deduplicated internal rules of a middlebox.
	MatchRules(mbID string) ([]InternalRule, error)
}
