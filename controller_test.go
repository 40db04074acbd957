package moly

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeepnessLab/moly/internal/testutil"
	"github.com/DeepnessLab/moly/source"
	"github.com/DeepnessLab/moly/strategy"
	molytest "github.com/DeepnessLab/moly/testing"
	"github.com/DeepnessLab/moly/types"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func raw(tc string, addrs ...string) RawPolicyChain {
	chain := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		chain[i] = addr(a)
	}

	return RawPolicyChain{TrafficClass: tc, Chain: chain}
}

func startController(t *testing.T, cfg Config, topo ChainTopology, opts ...Option) (*Controller, *testutil.RecordingFacade) {
	t.Helper()

	facade := testutil.NewRecordingFacade()
	opts = append([]Option{WithLogger(molytest.NewTestLogger(t))}, opts...)
	ctrl, err := NewController(&cfg, facade, topo, opts...)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
	})

	return ctrl, facade
}

func neededIDs(t *testing.T, ctrl *Controller, mbID string) []string {
	t.Helper()

	insts, err := ctrl.NeededInstances(context.Background(), mbID)
	require.NoError(t, err)

	return types.InstanceIDs(insts)
}

func TestNewController(t *testing.T) {
	facade := testutil.NewRecordingFacade()

	t.Run("nil config", func(t *testing.T) {
		_, err := NewController(nil, facade, nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil facade", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewController(&cfg, nil, nil)
		require.ErrorIs(t, err, ErrFacadeRequired)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := TestConfig()
		cfg.Strategy = "round-robin"
		_, err := NewController(&cfg, facade, nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg := Config{}
		ctrl, err := NewController(&cfg, facade, nil)
		require.NoError(t, err)
		require.Equal(t, strategy.NameChainAffinity, ctrl.cfg.Strategy)
		require.IsType(t, &strategy.ChainAffinity{}, ctrl.lb)
	})
}

func TestController_Lifecycle(t *testing.T) {
	cfg := TestConfig()
	ctrl, err := NewController(&cfg, testutil.NewRecordingFacade(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.ErrorIs(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb"}), ErrNotStarted)
	require.ErrorIs(t, ctrl.Stop(ctx), ErrNotStarted)

	require.NoError(t, ctrl.Start(ctx))
	require.ErrorIs(t, ctrl.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb"}))

	require.NoError(t, ctrl.Stop(ctx))
	require.ErrorIs(t, ctrl.Stop(ctx), ErrNotStarted)
	require.ErrorIs(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb2"}), ErrNotStarted)
}

func TestController_RegistryErrors(t *testing.T) {
	ctrl, _ := startController(t, TestConfig(), nil)
	ctx := context.Background()

	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb1"}))
	require.ErrorIs(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb1"}), ErrAlreadyExists)
	require.ErrorIs(t, ctrl.DeregisterMiddlebox(ctx, "nope"), ErrNotFound)
	require.ErrorIs(t, ctrl.AddRules(ctx, "nope", []MatchRule{{Pattern: "p", RID: 1}}), ErrNotFound)
	require.ErrorIs(t, ctrl.RemoveRules(ctx, "nope", []int{1}), ErrNotFound)

	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))
	require.ErrorIs(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}), ErrAlreadyExists)
	require.ErrorIs(t, ctrl.DeregisterInstance(ctx, "nope"), ErrNotFound)

	_, err := ctrl.NeededInstances(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	t.Run("rules stored without capacity", func(t *testing.T) {
		err := ctrl.AddRules(ctx, "mb1", []MatchRule{{Pattern: "p", RID: 1}})
		require.ErrorIs(t, err, ErrNoCapacity)

		snap, err := ctrl.Snapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, []RulePattern{{Pattern: "p"}}, snap.Patterns)
	})

	t.Run("stale removal is not an error", func(t *testing.T) {
		require.NoError(t, ctrl.RemoveRules(ctx, "mb1", []int{42}))
	})

	mbs, err := ctrl.Middleboxes(ctx)
	require.NoError(t, err)
	require.Len(t, mbs, 1)
	insts, err := ctrl.Instances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"i1"}, types.InstanceIDs(insts))
}

func TestController_ChainAffinitySteering(t *testing.T) {
	topo := source.NewStatic([]RawPolicyChain{
		raw("a", "10.0.0.1", "10.0.0.2"),
		raw("b", "10.0.0.3", "10.0.0.4"),
	})
	ctrl, _ := startController(t, TestConfig(), topo)
	ctx := context.Background()

	ch, unsubscribe := ctrl.SubscribeChains()
	defer unsubscribe()

	for i, id := range []string{"mb1a", "mb1b", "mb2a", "mb2b"} {
		mb := Middlebox{ID: id, Address: addr(fmt.Sprintf("10.0.0.%d", i+1))}
		require.NoError(t, ctrl.RegisterMiddlebox(ctx, mb))
		_ = ctrl.AddRules(ctx, id, []MatchRule{{Pattern: "p-" + id, RID: 1}})
	}
	for i := range 3 {
		inst := ServiceInstance{ID: fmt.Sprintf("ins%d", i+1), Address: addr(fmt.Sprintf("10.0.1.%d", i+1))}
		require.NoError(t, ctrl.RegisterInstance(ctx, inst))
	}

	require.Eventually(t, func() bool {
		snap, err := ctrl.Snapshot(ctx)
		return err == nil && len(snap.ChainOwners) == 2
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("separation", func(t *testing.T) {
		require.Len(t, neededIDs(t, ctrl, "mb1a"), 1)
		require.Equal(t, neededIDs(t, ctrl, "mb1a"), neededIDs(t, ctrl, "mb1b"))
		require.Equal(t, neededIDs(t, ctrl, "mb2a"), neededIDs(t, ctrl, "mb2b"))
		require.NotEqual(t, neededIDs(t, ctrl, "mb1a"), neededIDs(t, ctrl, "mb2a"))
	})

	t.Run("steered chains published", func(t *testing.T) {
		snap, err := ctrl.Snapshot(ctx)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return types.RawChainsEqual(topo.Published(), types.ToRawChains(snap.Steered))
		}, 2*time.Second, 10*time.Millisecond)

		for _, c := range snap.Steered {
			require.Equal(t, types.NodeInstance, c.Nodes[0].Kind, "chain %s", c.TrafficClass)
			require.Equal(t, snap.ChainOwners[c.TrafficClass], c.Nodes[0].Instance.ID)
			require.Len(t, c.Nodes, 3)
		}
	})

	t.Run("subscriber sees latest set", func(t *testing.T) {
		snap, err := ctrl.Snapshot(ctx)
		require.NoError(t, err)

		deadline := time.After(2 * time.Second)
		for {
			select {
			case chains := <-ch:
				if types.ChainsEqual(chains, snap.Steered) {
					return
				}
			case <-deadline:
				t.Fatal("subscriber never received the steered chains")
			}
		}
	})

	t.Run("no-op churn publishes nothing", func(t *testing.T) {
		before := topo.PublishCount()
		require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "off-chain", Address: addr("10.9.9.9")}))
		require.NoError(t, ctrl.UpdateChains(ctx, topo.Chains()))

		// Queries run after the reconcile of earlier events.
		_, err := ctrl.Snapshot(ctx)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, before, topo.PublishCount())
	})

	t.Run("topology update is applied", func(t *testing.T) {
		topo.Update([]RawPolicyChain{raw("a", "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")})

		require.Eventually(t, func() bool {
			snap, err := ctrl.Snapshot(ctx)
			return err == nil && len(snap.Chains) == 1 && len(snap.ChainOwners) == 1
		}, 2*time.Second, 10*time.Millisecond)

		require.Equal(t, neededIDs(t, ctrl, "mb1a"), neededIDs(t, ctrl, "mb2b"))
	})
}

func TestController_OrderIndependence(t *testing.T) {
	scenarios := map[string]bool{
		"rules before instances": true,
		"rules after instances":  false,
	}

	for name, rulesFirst := range scenarios {
		t.Run(name, func(t *testing.T) {
			ctrl, facade := startController(t, TestConfig(), nil)
			ctx := context.Background()

			mb1 := Middlebox{ID: "mb1", Address: addr("10.0.0.1")}
			mb2 := Middlebox{ID: "mb2", Address: addr("10.0.0.2")}
			require.NoError(t, ctrl.RegisterMiddlebox(ctx, mb1))
			require.NoError(t, ctrl.RegisterMiddlebox(ctx, mb2))

			addRules := func() {
				for _, mb := range []Middlebox{mb1, mb2} {
					_ = ctrl.AddRules(ctx, mb.ID, []MatchRule{{Pattern: "shared", RID: 7}})
				}
			}
			addInstances := func() {
				require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))
				require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i2"}))
			}

			if rulesFirst {
				addRules()
			}
			require.NoError(t, ctrl.UpdateChains(ctx, []RawPolicyChain{
				raw("a", "10.0.0.1"),
				raw("b", "10.0.0.2"),
			}))
			addInstances()
			if !rulesFirst {
				addRules()
			}

			snap, err := ctrl.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Patterns, 1)
			for _, row := range snap.Assignments {
				require.Len(t, row.Rules, 1, "instance %s", row.Instance.ID)
			}

			for inst, net := range facade.NetAssignments() {
				for id, n := range net {
					require.Equal(t, 1, n, "instance %s rule %d", inst, id)
				}
			}
		})
	}
}

func TestController_NoRedundantWork(t *testing.T) {
	ctrl, facade := startController(t, TestConfig(), nil)
	ctx := context.Background()

	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb", Address: addr("10.0.0.1")}))
	require.NoError(t, ctrl.UpdateChains(ctx, []RawPolicyChain{raw("a", "10.0.0.1")}))
	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))
	require.NoError(t, ctrl.AddRules(ctx, "mb", []MatchRule{{Pattern: "p", RID: 1}}))

	calls := facade.CallCount()
	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "spare"}))
	require.Equal(t, calls, facade.CallCount())
	require.NoError(t, ctrl.DeregisterInstance(ctx, "spare"))
	require.Equal(t, calls, facade.CallCount())
}

func TestController_OverwrittenRuleIsWithdrawn(t *testing.T) {
	ctrl, facade := startController(t, TestConfig(), nil)
	ctx := context.Background()

	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb", Address: addr("10.0.0.1")}))
	require.NoError(t, ctrl.UpdateChains(ctx, []RawPolicyChain{raw("a", "10.0.0.1")}))
	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))

	require.NoError(t, ctrl.AddRules(ctx, "mb", []MatchRule{{Pattern: "old", RID: 1}}))
	require.NoError(t, ctrl.AddRules(ctx, "mb", []MatchRule{{Pattern: "new", RID: 1}}))

	snap, err := ctrl.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []RulePattern{{Pattern: "new"}}, snap.Patterns)
	require.Len(t, snap.Assignments, 1)
	require.Len(t, snap.Assignments[0].Rules, 1)

	held := 0
	for _, n := range facade.NetAssignments()["i1"] {
		held += n
	}
	require.Equal(t, 1, held, "old pattern deallocated, new one assigned")
}

func TestController_LeastLoaded(t *testing.T) {
	cfg := TestConfig()
	cfg.Strategy = strategy.NameLeastLoaded
	ctrl, _ := startController(t, cfg, nil)
	ctx := context.Background()

	require.IsType(t, &strategy.LeastLoaded{}, ctrl.lb)

	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb1"}))
	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb2"}))

	t.Run("no instances drops the batch", func(t *testing.T) {
		require.ErrorIs(t, ctrl.AddRules(ctx, "mb1", []MatchRule{{Pattern: "lost", RID: 9}}), ErrNoCapacity)
	})

	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))
	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i2"}))
	require.Empty(t, neededIDs(t, ctrl, "mb1"), "rejected batch is not recovered")

	require.NoError(t, ctrl.AddRules(ctx, "mb1", []MatchRule{{Pattern: "a", RID: 1}}))
	require.NoError(t, ctrl.AddRules(ctx, "mb2", []MatchRule{{Pattern: "b", RID: 1}}))
	require.NotEqual(t, neededIDs(t, ctrl, "mb1"), neededIDs(t, ctrl, "mb2"))

	t.Run("removed instance rules move", func(t *testing.T) {
		owner := neededIDs(t, ctrl, "mb2")
		require.Len(t, owner, 1)
		require.NoError(t, ctrl.DeregisterInstance(ctx, owner[0]))

		require.Len(t, neededIDs(t, ctrl, "mb2"), 1)
		require.NotEqual(t, owner, neededIDs(t, ctrl, "mb2"))
	})
}

func TestController_Hooks(t *testing.T) {
	var changed atomic.Int32
	hooks := &Hooks{
		OnChainsChanged: func(_ context.Context, chains []PolicyChain) error {
			changed.Add(1)
			return nil
		},
	}
	ctrl, _ := startController(t, TestConfig(), nil, WithHooks(hooks))
	ctx := context.Background()

	require.NoError(t, ctrl.UpdateChains(ctx, []RawPolicyChain{raw("a", "10.0.0.1")}))
	require.Eventually(t, func() bool { return changed.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.RegisterInstance(ctx, ServiceInstance{ID: "i1"}))
	require.Eventually(t, func() bool { return changed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestController_ConcurrentCallers(t *testing.T) {
	ctrl, _ := startController(t, TestConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("mb%d", i)
			if err := ctrl.RegisterMiddlebox(ctx, Middlebox{ID: id}); err != nil {
				t.Error(err)
				return
			}
			_ = ctrl.AddRules(ctx, id, []MatchRule{{Pattern: "shared", RID: i}})
		}()
	}
	wg.Wait()

	snap, err := ctrl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Middleboxes, 32)
	require.Len(t, snap.Patterns, 1)
}

func TestController_CallerContext(t *testing.T) {
	ctrl, _ := startController(t, TestConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb"}), context.Canceled)
}

// wrappedAffinity is a strategy of a type the Controller does not know.
type wrappedAffinity struct {
	*strategy.ChainAffinity
}

func TestController_CustomStrategyChainOwners(t *testing.T) {
	topo := source.NewStatic([]RawPolicyChain{
		raw("a", "10.0.0.1"),
		raw("b", "10.0.0.2"),
	})
	factory := func(rs RuleSource, l Logger, m MetricsCollector) LoadBalancer {
		return wrappedAffinity{strategy.NewChainAffinity(rs, strategy.WithLogger(l), strategy.WithMetrics(m))}
	}
	ctrl, _ := startController(t, TestConfig(), topo, WithStrategy(factory))
	ctx := context.Background()

	ch, unsubscribe := ctrl.SubscribeChains()
	defer unsubscribe()

	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb1", Address: addr("10.0.0.1")}))
	require.NoError(t, ctrl.RegisterMiddlebox(ctx, Middlebox{ID: "mb2", Address: addr("10.0.0.2")}))
	for i := range 7 {
		inst := ServiceInstance{ID: fmt.Sprintf("ins%d", i+1)}
		require.NoError(t, ctrl.RegisterInstance(ctx, inst))
	}

	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = ctrl.Snapshot(ctx)
		return err == nil && len(snap.ChainOwners) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, c := range snap.Steered {
		require.Equal(t, snap.ChainOwners[c.TrafficClass], c.Nodes[0].Instance.ID)
	}

	// The subscriber reads only after every publish; its last set is the
	// current steered one.
	require.Eventually(t, func() bool {
		return types.RawChainsEqual(topo.Published(), types.ToRawChains(snap.Steered))
	}, 2*time.Second, 10*time.Millisecond)

	var last []PolicyChain
	for drained := false; !drained; {
		select {
		case chains := <-ch:
			last = chains
		case <-time.After(100 * time.Millisecond):
			drained = true
		}
	}
	require.True(t, types.ChainsEqual(last, snap.Steered))
}
