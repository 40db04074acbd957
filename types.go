package moly

import "github.com/DeepnessLab/moly/types"

// Re-export types from the types package.
//
// Internal packages depend on types rather than on the root package; the
// aliases give users moly.Middlebox, moly.Logger and friends.
type (
	Middlebox       = types.Middlebox
	ServiceInstance = types.ServiceInstance
	MatchRule       = types.MatchRule
	RulePattern     = types.RulePattern
	RuleID          = types.RuleID
	InternalRule    = types.InternalRule
	ChainNode       = types.ChainNode
	NodeKind        = types.NodeKind
	PolicyChain     = types.PolicyChain
	RawPolicyChain  = types.RawPolicyChain
)

// Re-export interfaces from the types package.
type (
	InstanceFacade   = types.InstanceFacade
	ChainTopology    = types.ChainTopology
	ChainHandler     = types.ChainHandler
	LoadBalancer     = types.LoadBalancer
	RuleSource       = types.RuleSource
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export NodeKind constants.
const (
	NodeGeneric   = types.NodeGeneric
	NodeMiddlebox = types.NodeMiddlebox
	NodeInstance  = types.NodeInstance
)
