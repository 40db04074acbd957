// Package types provides core type definitions and interfaces for the moly control plane.
//
// This package contains shared types that are used across multiple packages in the
// module. By keeping these types in a separate package, we avoid import cycles
// between the root moly package, the strategies and the internal implementations.
//
// Key types:
//   - Middlebox, ServiceInstance: registered network functions and DPI workers
//   - MatchRule, InternalRule, RulePattern: external rules and their deduplicated form
//   - ChainNode, PolicyChain, RawPolicyChain: traffic-steering chains
//   - LoadBalancer, Ledger, RuleSource: the assignment engine contracts
//   - InstanceFacade, ChainTopology: external collaborators
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
