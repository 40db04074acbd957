// Package testing provides test utilities for moly users.
//
// Key utilities:
//   - StartEmbeddedNATS: in-process NATS server with JetStream
//   - CreateJetStreamKV: KV bucket creation for a test
//   - NewTestLogger: logger writing through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    molytest "github.com/DeepnessLab/moly/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := molytest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
