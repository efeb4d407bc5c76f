//go:build integration

package flagstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/testutil/containers"
)

func TestRedisStore_Integration(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	s := NewRedisStore(rc.Client)

	t.Run("未設定のキーは存在しない", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("保存した値を取得・削除できる", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", "v"))

		v, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)

		ttl, err := rc.Client.TTL(ctx, keyPrefix+"k").Result()
		require.NoError(t, err)
		assert.Equal(t, time.Duration(-1), ttl, "フラグに有効期限は設定しないべき")

		require.NoError(t, s.Remove(ctx, "k"))
		_, ok, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ペイウォールスキップの保存形式", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		skip := launch.NewPaywallSkip(s, nil)

		require.NoError(t, skip.Skip(ctx, "user-1"))
		raw, err := rc.Client.Get(ctx, keyPrefix+launch.SkipKey("user-1")).Result()
		require.NoError(t, err)
		assert.JSONEq(t, `{"skipped":true,"userId":"user-1"}`, raw)
		assert.True(t, skip.IsSkipped(ctx, "user-1"))
	})
}
