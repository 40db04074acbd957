package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/DeepnessLab/moly/types"
	"github.com/stretchr/testify/require"
)

func TestNewNop(t *testing.T) {
	hooks := NewNop()

	require.NotNil(t, hooks.OnChainsChanged)
	require.NotNil(t, hooks.OnError)

	ctx := context.Background()
	require.NoError(t, hooks.OnChainsChanged(ctx, []types.PolicyChain{types.NewPolicyChain("web")}))
	require.NoError(t, hooks.OnError(ctx, context.Canceled))
}

func TestFill(t *testing.T) {
	sentinel := errors.New("custom")
	filled := Fill(types.Hooks{
		OnError: func(context.Context, error) error { return sentinel },
	})

	require.NotNil(t, filled.OnChainsChanged)
	require.NoError(t, filled.OnChainsChanged(context.Background(), nil))
	require.ErrorIs(t, filled.OnError(context.Background(), nil), sentinel)
}
