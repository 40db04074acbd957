package transport

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeepnessLab/moly"
	molytest "github.com/DeepnessLab/moly/testing"
	"github.com/DeepnessLab/moly/types"
)

// controlLog collects the control messages one instance received.
type controlLog struct {
	mu   sync.Mutex
	held map[types.RuleID]bool
}

func (l *controlLog) handle(msg any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch m := msg.(type) {
	case RuleAdd:
		for _, r := range m.Rules {
			l.held[r.ID] = true
		}
	case RuleRemove:
		for _, id := range m.Rules {
			delete(l.held, id)
		}
	}
}

func (l *controlLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.held)
}

func startStack(t *testing.T) (*Client, *moly.Controller) {
	t.Helper()

	_, nc := molytest.StartEmbeddedNATS(t)
	log := molytest.NewTestLogger(t)

	cfg := moly.TestConfig()
	ctrl, err := moly.NewController(&cfg, NewFacade(nc, "moly", WithFacadeLogger(log)), nil, moly.WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	srv := NewServer(nc, "moly", ctrl, WithServerLogger(log), WithRequestTimeout(time.Second))
	require.NoError(t, srv.Start())
	require.ErrorIs(t, srv.Start(), ErrServerStarted)

	t.Cleanup(func() {
		srv.Stop()
		_ = ctrl.Stop(context.Background())
	})

	return NewClient(nc, "moly"), ctrl
}

func TestServer_EndToEnd(t *testing.T) {
	client, ctrl := startStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instLog := &controlLog{held: make(map[types.RuleID]bool)}
	sub, err := client.SubscribeControl("dpi-1", instLog.handle)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	mb := types.Middlebox{ID: "ids-1", Name: "snort", Address: netip.MustParseAddr("10.0.0.1")}
	require.NoError(t, client.RegisterMiddlebox(ctx, mb))
	require.ErrorIs(t, client.RegisterMiddlebox(ctx, mb), types.ErrAlreadyExists)
	require.NoError(t, ctrl.UpdateChains(ctx, []types.RawPolicyChain{{
		TrafficClass: "web",
		Chain:        []netip.Addr{mb.Address},
	}}))

	require.NoError(t, client.RegisterInstance(ctx, types.ServiceInstance{ID: "dpi-1", Address: netip.MustParseAddr("10.0.1.1")}))

	rules := []types.MatchRule{{Pattern: "evil", RID: 1}, {Pattern: "^ba+d$", IsRegex: true, RID: 2}}
	require.NoError(t, client.AddRules(ctx, mb.ID, rules))
	require.Eventually(t, func() bool { return instLog.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	t.Run("queries", func(t *testing.T) {
		mbs, err := client.Middleboxes(ctx)
		require.NoError(t, err)
		require.Equal(t, []types.Middlebox{mb}, mbs)

		insts, err := client.Instances(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"dpi-1"}, types.InstanceIDs(insts))

		needed, err := client.NeededInstances(ctx, mb.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"dpi-1"}, types.InstanceIDs(needed))

		_, err = client.NeededInstances(ctx, "unknown")
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("remove rules", func(t *testing.T) {
		require.NoError(t, client.RemoveRules(ctx, mb.ID, []int{1, 99}))
		require.Eventually(t, func() bool { return instLog.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("exception is acknowledged", func(t *testing.T) {
		require.NoError(t, client.ReportException(ctx, InstanceException{
			ID: "dpi-1", Code: 3, Name: "EngineError", Message: "automaton build failed",
		}))
	})

	t.Run("deregister middlebox withdraws its rules", func(t *testing.T) {
		require.NoError(t, client.DeregisterMiddlebox(ctx, mb.ID))
		require.Eventually(t, func() bool { return instLog.count() == 0 }, 2*time.Second, 10*time.Millisecond)
		require.ErrorIs(t, client.DeregisterMiddlebox(ctx, mb.ID), types.ErrNotFound)
	})

	t.Run("deregister instance", func(t *testing.T) {
		require.NoError(t, client.DeregisterInstance(ctx, "dpi-1"))
		require.ErrorIs(t, client.DeregisterInstance(ctx, "dpi-1"), types.ErrNotFound)
	})
}

func TestServer_BadRequests(t *testing.T) {
	client, _ := startStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("invalid id", func(t *testing.T) {
		err := client.RegisterInstance(ctx, types.ServiceInstance{ID: "dpi.1"})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, CodeBadRequest, remote.Code)
		require.ErrorIs(t, err, ErrRequestFailed)
	})

	t.Run("wrong class", func(t *testing.T) {
		_, err := client.request(ctx, subjectMiddleboxRegister, InstanceRegister{ClassName: ClassInstanceRegister, ID: "x"})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, CodeBadRequest, remote.Code)
	})

	t.Run("undecodable", func(t *testing.T) {
		msg, err := client.nc.RequestWithContext(ctx, Subject("moly", subjectRulesAdd), []byte("{"))
		require.NoError(t, err)
		require.Contains(t, string(msg.Data), CodeBadRequest)
	})

	t.Run("no capacity", func(t *testing.T) {
		require.NoError(t, client.RegisterMiddlebox(ctx, types.Middlebox{ID: "mb"}))
		err := client.AddRules(ctx, "mb", []types.MatchRule{{Pattern: "p", RID: 1}})
		require.ErrorIs(t, err, types.ErrNoCapacity)
	})
}

func TestErrorCode(t *testing.T) {
	tests := map[error]string{
		types.ErrNotFound:        CodeNotFound,
		types.ErrAlreadyExists:   CodeAlreadyExists,
		types.ErrNoCapacity:      CodeNoCapacity,
		types.ErrNotStarted:      CodeUnavailable,
		context.DeadlineExceeded: CodeUnavailable,
		errBadRequest:            CodeBadRequest,
		context.Canceled:         CodeInternal,
	}
	for err, code := range tests {
		require.Equal(t, code, errorCode(err), "error %v", err)
		require.ErrorIs(t, &RemoteError{Code: code}, codeError(code))
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"dpi-1", "mb_2", "A"} {
		require.True(t, validID(id), id)
	}
	for _, id := range []string{"", "a.b", "*", ">", "a b"} {
		require.False(t, validID(id), id)
	}
}
