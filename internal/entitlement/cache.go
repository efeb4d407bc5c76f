package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/fitgate/internal/model"
)

const cacheKeyPrefix = "entitlement:"

// DefaultCacheTTL は権限状態キャッシュの既定の有効期間。
const DefaultCacheTTL = 24 * time.Hour

// cachedStatus はキャッシュに保存する権限状態の形式。
type cachedStatus struct {
	IsPremium     bool       `json:"is_premium"`
	ProductID     string     `json:"product_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	WillRenew     bool       `json:"will_renew"`
	PeriodType    string     `json:"period_type,omitempty"`
	InGracePeriod bool       `json:"in_grace_period"`
	CheckedAt     time.Time  `json:"checked_at"`
}

func toCached(s model.EntitlementStatus) cachedStatus {
	return cachedStatus{
		IsPremium:     s.IsPremium,
		ProductID:     s.ProductID,
		ExpiresAt:     s.ExpiresAt,
		WillRenew:     s.WillRenew,
		PeriodType:    string(s.PeriodType),
		InGracePeriod: s.InGracePeriod,
		CheckedAt:     s.CheckedAt,
	}
}

func (c cachedStatus) toModel() model.EntitlementStatus {
	return model.EntitlementStatus{
		IsPremium:     c.IsPremium,
		ProductID:     c.ProductID,
		ExpiresAt:     c.ExpiresAt,
		WillRenew:     c.WillRenew,
		PeriodType:    model.PeriodType(c.PeriodType),
		InGracePeriod: c.InGracePeriod,
		CheckedAt:     c.CheckedAt,
	}
}

// RedisStatusCache はRedisを使用した権限状態キャッシュ。
type RedisStatusCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStatusCache はRedisStatusCacheを生成する。
func NewRedisStatusCache(client redis.Cmdable, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

// Load はキャッシュ済みの権限状態を返す。
func (c *RedisStatusCache) Load(ctx context.Context, userID string) (model.EntitlementStatus, bool, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EntitlementStatus{}, false, nil
	}
	if err != nil {
		return model.EntitlementStatus{}, false, fmt.Errorf("failed to load entitlement status: %w", err)
	}
	var cs cachedStatus
	if err := json.Unmarshal(raw, &cs); err != nil {
		return model.EntitlementStatus{}, false, fmt.Errorf("failed to decode entitlement status: %w", err)
	}
	return cs.toModel(), true, nil
}

// Store は権限状態を保存する。
func (c *RedisStatusCache) Store(ctx context.Context, userID string, status model.EntitlementStatus) error {
	b, err := json.Marshal(toCached(status))
	if err != nil {
		return fmt.Errorf("failed to encode entitlement status: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+userID, b, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store entitlement status: %w", err)
	}
	return nil
}

// Delete は権限状態を破棄する。
func (c *RedisStatusCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cacheKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete entitlement status: %w", err)
	}
	return nil
}

// MemoryStatusCache はプロセス内メモリの権限状態キャッシュ。
type MemoryStatusCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	status    model.EntitlementStatus
	expiresAt time.Time
}

// NewMemoryStatusCache はMemoryStatusCacheを生成する。
func NewMemoryStatusCache(ttl time.Duration) *MemoryStatusCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryStatusCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Load はキャッシュ済みの権限状態を返す。期限切れのエントリは削除する。
func (c *MemoryStatusCache) Load(_ context.Context, userID string) (model.EntitlementStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return model.EntitlementStatus{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return model.EntitlementStatus{}, false, nil
	}
	return e.status, true, nil
}

// Store は権限状態を保存する。
func (c *MemoryStatusCache) Store(_ context.Context, userID string, status model.EntitlementStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryEntry{status: status, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Delete は権限状態を破棄する。
func (c *MemoryStatusCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}
