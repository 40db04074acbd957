package source

import (
	"context"
	"slices"
	"sync"

	"github.com/DeepnessLab/moly/types"
)

// Static is a ChainTopology held in memory.
//
// Watchers receive the current chains immediately and again after every
// Update. Published chains are recorded and can be read back.
type Static struct {
	mu        sync.RWMutex
	raw       []types.RawPolicyChain
	changed   chan struct{}
	published []types.RawPolicyChain
	publishes int
}

var _ types.ChainTopology = (*Static)(nil)

// NewStatic creates a topology serving chains.
//
// Example:
//
//	topo := source.NewStatic([]types.RawPolicyChain{{
//	    TrafficClass: "web",
//	    Chain:        []netip.Addr{netip.MustParseAddr("10.0.0.1")},
//	}})
//	ctrl, err := moly.NewController(&cfg, facade, topo)
func NewStatic(chains []types.RawPolicyChain) *Static {
	return &Static{
		raw:     cloneRaw(chains),
		changed: make(chan struct{}),
	}
}

// Watch hands the current chains to handler, then every update, until ctx
// is cancelled. Rapid updates may be coalesced into the latest one.
func (s *Static) Watch(ctx context.Context, handler types.ChainHandler) error {
	for {
		s.mu.RLock()
		chains := cloneRaw(s.raw)
		changed := s.changed
		s.mu.RUnlock()

		handler(ctx, chains)

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// Publish records the steered chains.
func (s *Static) Publish(_ context.Context, chains []types.RawPolicyChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = cloneRaw(chains)
	s.publishes++

	return nil
}

// Update replaces the raw chains and wakes watchers.
func (s *Static) Update(chains []types.RawPolicyChain) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = cloneRaw(chains)
	close(s.changed)
	s.changed = make(chan struct{})
}

// Chains returns the current raw chains.
func (s *Static) Chains() []types.RawPolicyChain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneRaw(s.raw)
}

// Published returns the last published steered chains.
func (s *Static) Published() []types.RawPolicyChain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneRaw(s.published)
}

// PublishCount returns how many times Publish was called.
func (s *Static) PublishCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.publishes
}

func cloneRaw(chains []types.RawPolicyChain) []types.RawPolicyChain {
	if chains == nil {
		return nil
	}

	result := make([]types.RawPolicyChain, len(chains))
	for i, c := range chains {
		result[i] = types.RawPolicyChain{TrafficClass: c.TrafficClass, Chain: slices.Clone(c.Chain)}
	}

	return result
}
