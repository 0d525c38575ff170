package hooks

import (
	"context"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, []string, []string) error = (*NopHooks)(nil).OnNodesChanged
	_ func(context.Context, []int, []int) error       = (*NopHooks)(nil).OnPartitionsChanged
	_ func(context.Context, error) error              = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - *types.Hooks: Hooks with no-op implementations
func NewNop() *types.Hooks {
	h := &NopHooks{}
	return &types.Hooks{
		OnNodesChanged:      h.OnNodesChanged,
		OnPartitionsChanged: h.OnPartitionsChanged,
		OnError:             h.OnError,
	}
}

// WithDefaults returns a copy of hooks where every nil callback is a no-op.
//
// Parameters:
//   - hooks: User hooks, may be nil
//
// Returns:
//   - *types.Hooks: Hooks safe to call without nil checks
func WithDefaults(hooks *types.Hooks) *types.Hooks {
	nop := NewNop()
	if hooks == nil {
		return nop
	}

	out := *hooks
	if out.OnNodesChanged == nil {
		out.OnNodesChanged = nop.OnNodesChanged
	}
	if out.OnPartitionsChanged == nil {
		out.OnPartitionsChanged = nop.OnPartitionsChanged
	}
	if out.OnError == nil {
		out.OnError = nop.OnError
	}

	return &out
}

// OnNodesChanged is a no-op implementation.
func (h *NopHooks) OnNodesChanged(ctx context.Context, joined, left []string) error {
	return nil
}

// OnPartitionsChanged is a no-op implementation.
func (h *NopHooks) OnPartitionsChanged(ctx context.Context, added, removed []int) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(ctx context.Context, err error) error {
	return nil
}
