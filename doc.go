// Package moly is the control plane of a DPI service-chaining fabric.
//
// Middleboxes register pattern-matching rules with the Controller. The
// Controller deduplicates them into a canonical rule set, assigns that set to
// DPI service instances through a load-balancing strategy, and steers every
// policy chain through the instance serving it.
//
// # Quick Start
//
//	cfg := moly.DefaultConfig()
//	topo := source.NewStatic([]moly.RawPolicyChain{{
//	    TrafficClass: "web",
//	    Chain:        []netip.Addr{netip.MustParseAddr("10.0.0.1")},
//	}})
//
//	ctrl, err := moly.NewController(&cfg, transport.NewFacade(nc, "moly"), topo)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctrl.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Stop(context.Background())
//
//	_ = ctrl.RegisterMiddlebox(ctx, moly.Middlebox{ID: "ids-1", Address: netip.MustParseAddr("10.0.0.1")})
//	_ = ctrl.RegisterInstance(ctx, moly.ServiceInstance{ID: "dpi-1"})
//	_ = ctrl.AddRules(ctx, "ids-1", []moly.MatchRule{{Pattern: "evil", RID: 1}})
//
// # Strategies
//
// Two load balancers are built in (see package strategy):
//
//   - chain-affinity (default): every instance serving a policy chain holds
//     the rule union of the chain's middleboxes, so traffic is scanned once.
//     Rules that could not be placed are recovered on the next rebalance.
//   - least-loaded: each rule batch goes to the instance holding the fewest
//     rules. Rejected batches are dropped.
//
// # Concurrency
//
// The Controller is an actor: one goroutine owns all coordination state and
// every public method is queued to it as a single atomic event. Methods are
// safe for concurrent use.
//
// See the examples/ directory and cmd/molyd for complete programs.
package moly
