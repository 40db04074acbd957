package strategy

import (
	"testing"

	"github.com/DeepnessLab/moly/internal/foreman"
	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/internal/rules"
	"github.com/DeepnessLab/moly/internal/testutil"
	"github.com/DeepnessLab/moly/types"
	"github.com/stretchr/testify/require"
)

// harness wires a real rule store and foreman around a strategy.
type harness struct {
	t       *testing.T
	store   *rules.Store
	foreman *foreman.Foreman
	facade  *testutil.RecordingFacade
}

func newChainAffinityHarness(t *testing.T) (*harness, *ChainAffinity) {
	t.Helper()

	store := rules.NewStore(rules.WithLogger(logger.NewTest(t)))
	lb := NewChainAffinity(store, WithLogger(logger.NewTest(t)))
	facade := testutil.NewRecordingFacade()
	f := foreman.New(facade, lb, foreman.WithLogger(logger.NewTest(t)))

	return &harness{t: t, store: store, foreman: f, facade: facade}, lb
}

func newLeastLoadedHarness(t *testing.T) (*harness, *LeastLoaded) {
	t.Helper()

	store := rules.NewStore()
	lb := NewLeastLoaded(WithLogger(logger.NewTest(t)))
	facade := testutil.NewRecordingFacade()
	f := foreman.New(facade, lb, foreman.WithLogger(logger.NewTest(t)))

	return &harness{t: t, store: store, foreman: f, facade: facade}, lb
}

func (h *harness) middlebox(id string) types.Middlebox {
	h.t.Helper()

	mb := types.Middlebox{ID: id}
	h.store.RegisterMiddlebox(mb)

	return mb
}

// addRules stores rules for mb and submits the resulting rule set.
func (h *harness) addRules(mb types.Middlebox, rs ...types.MatchRule) ([]types.InternalRule, error) {
	h.t.Helper()

	internal, err := h.store.AddRules(mb.ID, rs)
	require.NoError(h.t, err)

	return internal, h.foreman.AddJobs(internal, &mb)
}

func (h *harness) instance(id string) types.ServiceInstance {
	h.t.Helper()

	inst := types.ServiceInstance{ID: id}
	require.True(h.t, h.foreman.AddWorker(inst))

	return inst
}

func (h *harness) needed(mb types.Middlebox) []string {
	h.t.Helper()

	rs, err := h.store.MatchRules(mb.ID)
	require.NoError(h.t, err)

	return types.InstanceIDs(h.foreman.NeededInstances(rs))
}

func chain(tc string, mbs ...types.Middlebox) types.PolicyChain {
	nodes := make([]types.ChainNode, len(mbs))
	for i, mb := range mbs {
		nodes[i] = types.MiddleboxNode(mb)
	}

	return types.NewPolicyChain(tc, nodes...)
}

func matchRule(pattern string, rid int) types.MatchRule {
	return types.MatchRule{Pattern: pattern, RID: rid}
}
