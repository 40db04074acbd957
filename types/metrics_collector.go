package types

// MetricsCollector records operational metrics.
//
// Implementations must be non-blocking and safe for concurrent use.
type MetricsCollector interface {
	ControllerMetrics
	LedgerMetrics
	StrategyMetrics
}

// ControllerMetrics covers the event loop and chain propagation.
type ControllerMetrics interface {
	// RecordEvent records one processed event.
	//
	// Parameters:
	//   - event: Event name ("register_middlebox", "add_rules", "update_chains", ...)
	//   - duration: Handler time in seconds, reconciliation included
	RecordEvent(event string, duration float64)

	// RecordChainPush records a publish of steered chains.
	RecordChainPush(chains int, success bool)

	// RecordRegistrySize sets the registered middlebox and instance gauges.
	RecordRegistrySize(middleboxes, instances int)

	// RecordPatternCount sets the number of distinct interned patterns.
	RecordPatternCount(count int)
}

// LedgerMetrics covers facade traffic issued by the ledger.
type LedgerMetrics interface {
	// RecordFacadeCall records one facade call.
	//
	// Parameters:
	//   - op: "assign" or "deallocate"
	//   - rules: Number of rules in the call
	//   - success: false if the facade returned an error
	RecordFacadeCall(op string, rules int, success bool)

	// RecordAssignedRules sets the number of distinct rules held by instances.
	RecordAssignedRules(count int)
}

// StrategyMetrics covers load balancer decisions.
type StrategyMetrics interface {
	// RecordRebalance records a full rebalance.
	RecordRebalance(strategy string, chains, instances int)

	// RecordRejectedBatch records a rule batch refused with ErrNoCapacity.
	RecordRejectedBatch(strategy string, rules int)
}
