package flagstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitgate/internal/launch"
)

var (
	_ launch.FlagStore = (*RedisStore)(nil)
	_ launch.FlagStore = (*MemoryStore)(nil)
)

func TestMemoryStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Remove(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)

	assert.NoError(t, s.Remove(ctx, "k"), "存在しないキーの削除はエラーにしないべき")
}

func TestMemoryStore_WithPaywallSkip(t *testing.T) {
	ctx := context.Background()
	skip := launch.NewPaywallSkip(NewMemoryStore(), nil)

	assert.False(t, skip.IsSkipped(ctx, "user-1"))
	require.NoError(t, skip.Skip(ctx, "user-1"))
	assert.True(t, skip.IsSkipped(ctx, "user-1"))
	assert.False(t, skip.IsSkipped(ctx, "user-2"), "他ユーザーのフラグは共有されないべき")

	require.NoError(t, skip.Clear(ctx, "user-1"))
	assert.False(t, skip.IsSkipped(ctx, "user-1"))
}
