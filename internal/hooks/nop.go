// Package hooks provides default Hooks implementations.
package hooks

import (
	"context"

	"github.com/DeepnessLab/moly/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// It is the default when no custom hooks are provided, so callers never need
// nil checks.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, []types.PolicyChain) error = (*NopHooks)(nil).OnChainsChanged
	_ func(context.Context, error) error               = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - types.Hooks: Hooks with no-op implementations
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnChainsChanged: h.OnChainsChanged,
		OnError:         h.OnError,
	}
}

// Fill returns h with every nil callback replaced by its no-op version.
func Fill(h types.Hooks) types.Hooks {
	nop := NewNop()
	if h.OnChainsChanged == nil {
		h.OnChainsChanged = nop.OnChainsChanged
	}
	if h.OnError == nil {
		h.OnError = nop.OnError
	}

	return h
}

// OnChainsChanged is a no-op implementation.
func (h *NopHooks) OnChainsChanged(ctx context.Context, chains []types.PolicyChain) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(ctx context.Context, err error) error {
	return nil
}
