package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thingsboard/thingsboard-sub020/types"
)

func TestNewNop(t *testing.T) {
	hooks := NewNop()

	require.NotNil(t, hooks.OnNodesChanged)
	require.NotNil(t, hooks.OnPartitionsChanged)
	require.NotNil(t, hooks.OnError)

	ctx := context.Background()
	require.NoError(t, hooks.OnNodesChanged(ctx, []string{"node-b"}, nil))
	require.NoError(t, hooks.OnPartitionsChanged(ctx, []int{1, 2}, []int{3}))
	require.NoError(t, hooks.OnError(ctx, errors.New("boom")))
}

func TestWithDefaults(t *testing.T) {
	t.Run("nil hooks", func(t *testing.T) {
		hooks := WithDefaults(nil)

		require.NotNil(t, hooks.OnNodesChanged)
		require.NotNil(t, hooks.OnPartitionsChanged)
		require.NotNil(t, hooks.OnError)
	})

	t.Run("keeps user callbacks", func(t *testing.T) {
		var got []int
		user := &types.Hooks{
			OnPartitionsChanged: func(_ context.Context, added, _ []int) error {
				got = added
				return nil
			},
		}

		hooks := WithDefaults(user)
		require.NotNil(t, hooks.OnNodesChanged)
		require.NotNil(t, hooks.OnError)
		require.NoError(t, hooks.OnPartitionsChanged(context.Background(), []int{4}, nil))
		require.Equal(t, []int{4}, got)
		require.Nil(t, user.OnError, "user hooks are not modified")
	})
}
