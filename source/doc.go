// Package source provides ChainTopology implementations.
//
// A ChainTopology is the traffic-steering side of the control plane: it
// supplies the operator-defined policy chains as raw address lists and
// accepts the steered chains the Controller computes. The package includes:
//
//   - Static: chains held in memory, updated programmatically or from config
//   - KV: chains exchanged through a NATS JetStream KeyValue bucket
//
// Custom sources can be implemented by satisfying types.ChainTopology.
package source
