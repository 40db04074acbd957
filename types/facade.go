package types

import "context"

// InstanceFacade delivers rule assignments to DPI service instances.
//
// The core treats every call as fire-and-forget: a returned error is logged
// and counted, never retried, and in-memory state is not rolled back.
// Encoding, delivery and retry are the facade's responsibility.
type InstanceFacade interface {
	// AssignRules pushes rules that the instance must start matching.
	AssignRules(rules []InternalRule, inst ServiceInstance) error

	// DeallocateRules tells the instance to stop matching rules.
	DeallocateRules(rules []InternalRule, inst ServiceInstance) error

	// SendMessage sends an arbitrary control message to an instance.
	//
	// Returns false if the message could not be delivered.
	SendMessage(inst ServiceInstance, msg any) bool
}

// ChainHandler receives raw policy chains from a ChainTopology.
type ChainHandler func(ctx context.Context, chains []RawPolicyChain)

// ChainTopology is the traffic-steering side of the control plane.
//
// It supplies the operator-defined chains in raw, address-only form and
// accepts the steered chains (each with its serving instance spliced in).
type ChainTopology interface {
	// Watch delivers the current raw chains and every later update to handler
	// until ctx is cancelled. It blocks for the lifetime of the watch.
	Watch(ctx context.Context, handler ChainHandler) error

	// Publish hands the steered chains to the traffic-steering layer.
	Publish(ctx context.Context, chains []RawPolicyChain) error
}
