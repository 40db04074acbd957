// Package strategy provides the built-in LoadBalancer implementations.
//
// Two strategies are available:
//
//   - ChainAffinity: assigns whole policy chains to service instances so that
//     every instance serving a chain holds the rules of all of the chain's
//     middleboxes (recommended)
//   - LeastLoaded: places every rule batch on the instance with the fewest
//     rules, ignoring chains
//
// # Self-healing
//
// The strategies differ in what happens to a rule batch they reject with
// types.ErrNoCapacity.
//
// ChainAffinity re-derives every instance's rules from the rule source on
// each rebalance, so a rejected batch is placed as soon as a chain containing
// the middlebox and an instance to serve it both exist.
//
// LeastLoaded keeps no record of rejected batches. They stay unassigned until
// the caller submits them again.
//
// Strategies are not safe for concurrent use; the Controller calls them from
// its event loop only.
package strategy
