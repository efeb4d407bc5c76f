// Package cache はRedisクライアントの生成と接続確認を提供する。
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/fitgate/internal/config"
)

// Client はgo-redisのクライアントにヘルスチェックを加えたもの。
type Client struct {
	*redis.Client
}

// New は設定からRedisクライアントを生成して接続を確認する。
// URLが空の場合（Redis未設定）はnilを返す。
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	applyOverrides(opts, cfg)

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{Client: client}, nil
}

func applyOverrides(opts *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

// Cmdable はコマンド実行用のインターフェースを返す。
// レシーバがnilの場合はnilインターフェースを返すため、呼び出し側はnil比較で未設定を判定できる。
func (c *Client) Cmdable() redis.Cmdable {
	if c == nil {
		return nil
	}
	return c.Client
}

// Health はRedis接続が正常かを確認する。
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。nilの場合は何もしない。
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.Client.Close()
}
