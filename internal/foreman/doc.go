// Package foreman owns the assignment ledger and fronts the active load
// balancing strategy.
//
// The ledger is the many-to-many relation between service instances and the
// internal rules they hold. The Foreman is the only writer: it filters
// assignments down to net-new rules, talks to the InstanceFacade, and records
// the resulting edges on both sides of the relation in the same call.
//
// Nothing here is safe for concurrent use; the Controller drives it from its
// event loop.
package foreman
