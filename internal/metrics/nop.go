// Package metrics provides MetricsCollector implementations.
package metrics

import "github.com/DeepnessLab/moly/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. It is the default collector and the base that
// partial collectors embed.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	ctrl, err := moly.NewController(&cfg, facade, topology, moly.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// ControllerMetrics implementation

// RecordEvent discards the event metric.
func (n *NopMetrics) RecordEvent(_ /* event */ string, _ /* duration */ float64) {}

// RecordChainPush discards the chain push metric.
func (n *NopMetrics) RecordChainPush(_ /* chains */ int, _ /* success */ bool) {}

// RecordRegistrySize discards the registry size metric.
func (n *NopMetrics) RecordRegistrySize(_ /* middleboxes */, _ /* instances */ int) {}

// RecordPatternCount discards the pattern count metric.
func (n *NopMetrics) RecordPatternCount(_ /* count */ int) {}

// LedgerMetrics implementation

// RecordFacadeCall discards the facade call metric.
func (n *NopMetrics) RecordFacadeCall(_ /* op */ string, _ /* rules */ int, _ /* success */ bool) {}

// RecordAssignedRules discards the assigned rules metric.
func (n *NopMetrics) RecordAssignedRules(_ /* count */ int) {}

// StrategyMetrics implementation

// RecordRebalance discards the rebalance metric.
func (n *NopMetrics) RecordRebalance(_ /* strategy */ string, _ /* chains */, _ /* instances */ int) {}

// RecordRejectedBatch discards the rejected batch metric.
func (n *NopMetrics) RecordRejectedBatch(_ /* strategy */ string, _ /* rules */ int) {}
