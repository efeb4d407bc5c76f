package launch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/timeutil"
)

// Source は権限状態の取得元。
type Source string

const (
	// SourceLive は課金SDKから取得した。
	SourceLive Source = "live"
	// SourceCache は最後に確認できた状態をキャッシュから返した。
	SourceCache Source = "cache"
	// SourceDefault は失敗・タイムアウトのため既定値（非プレミアム）を返した。
	SourceDefault Source = "default"
)

// EntitlementPolicy は権限確認の待機時間。
type EntitlementPolicy struct {
	IdentifyTimeout time.Duration
	IdentifySettle  time.Duration
	CheckTimeout    time.Duration
	RefreshSettle   time.Duration
}

// DefaultEntitlementPolicy は既定の待機時間を返す。
func DefaultEntitlementPolicy() EntitlementPolicy {
	return EntitlementPolicy{
		IdentifyTimeout: 3 * time.Second,
		IdentifySettle:  500 * time.Millisecond,
		CheckTimeout:    3 * time.Second,
		RefreshSettle:   time.Second,
	}
}

// EntitlementResult は権限確認の結果。
type EntitlementResult struct {
	Status  model.EntitlementStatus
	Source  Source
	Outcome Outcome
}

// EntitlementChecker はユーザーのプレミアム権限を確認する。
// 失敗時は非プレミアムに倒し、タイムアウト時は最後に確認できた状態を返す。
type EntitlementChecker struct {
	provider EntitlementProvider
	cache    StatusCache
	policy   EntitlementPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	group    singleflight.Group
	logger   *slog.Logger
}

// CheckerOption はEntitlementCheckerのオプション。
type CheckerOption func(*EntitlementChecker)

// WithCheckerSleep は待機関数を差し替える。
func WithCheckerSleep(fn func(ctx context.Context, d time.Duration) error) CheckerOption {
	return func(c *EntitlementChecker) {
		c.sleep = fn
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(fn func() time.Time) CheckerOption {
	return func(c *EntitlementChecker) {
		c.now = fn
	}
}

// NewEntitlementChecker は新しいEntitlementCheckerを生成する。
// cacheがnilの場合はキャッシュによるフォールバックを行わない。
func NewEntitlementChecker(provider EntitlementProvider, cache StatusCache, policy EntitlementPolicy, logger *slog.Logger, opts ...CheckerOption) *EntitlementChecker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &EntitlementChecker{
		provider: provider,
		cache:    cache,
		policy:   policy,
		sleep:    timeutil.Sleep,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check はユーザーの権限を確認する。同一ユーザーへの同時呼び出しは1回にまとめる。
// まとめた確認は呼び出し元のキャンセルから切り離して実行し、各フェーズのタイムアウトで打ち切る。
// 各呼び出し元は自身のコンテキストが終了した時点で待機をやめ、フォールバックの結果を返す。
func (c *EntitlementChecker) Check(ctx context.Context, userID string) EntitlementResult {
	if userID == "" {
		return EntitlementResult{Status: model.NotPremium(c.now()), Source: SourceDefault, Outcome: OutcomeError}
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(userID, func() (any, error) {
		return c.check(shared, userID), nil
	})

	select {
	case res := <-ch:
		return res.Val.(EntitlementResult)
	case <-ctx.Done():
		c.logger.Warn("entitlement check abandoned by caller",
			slog.String("user_id", userID),
		)
		return c.fallback(userID, OutcomeTimeout)
	}
}

// Refresh は購入・復元・ユーザー切り替えの直後に、課金SDKの反映を待ってから権限を再確認する。
func (c *EntitlementChecker) Refresh(ctx context.Context, userID, reason string) EntitlementResult {
	c.logger.Info("refreshing entitlement",
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	_ = c.sleep(ctx, c.policy.RefreshSettle)
	c.group.Forget(userID)
	return c.Check(ctx, userID)
}

// Invalidate はキャッシュ済みの権限状態を破棄する。
func (c *EntitlementChecker) Invalidate(ctx context.Context, userID string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, userID)
}

func (c *EntitlementChecker) check(ctx context.Context, userID string) EntitlementResult {
	identify := Race(ctx, c.policy.IdentifyTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.SetUserID(ctx, userID)
	})
	if identify.Outcome == OutcomeOK {
		// SDK側のユーザー切り替えが反映されるまで待つ
		_ = c.sleep(ctx, c.policy.IdentifySettle)
	} else {
		c.logger.Warn("failed to identify user with entitlement provider",
			slog.String("user_id", userID),
			slog.String("outcome", identify.Outcome.String()),
			slog.Any("error", identify.Err),
		)
	}

	r := Race(ctx, c.policy.CheckTimeout, func(ctx context.Context) (model.EntitlementStatus, error) {
		return c.fetchStatus(ctx, userID)
	})

	switch r.Outcome {
	case OutcomeOK:
		if c.cache != nil {
			if err := c.cache.Store(ctx, userID, r.Value); err != nil {
				c.logger.Warn("failed to cache entitlement status",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
		}
		return EntitlementResult{Status: r.Value, Source: SourceLive, Outcome: OutcomeOK}
	case OutcomeTimeout:
		c.logger.Warn("entitlement check timed out",
			slog.String("user_id", userID),
		)
		return c.fallback(userID, OutcomeTimeout)
	default:
		c.logger.Warn("entitlement check failed",
			slog.String("user_id", userID),
			slog.Any("error", r.Err),
		)
		return EntitlementResult{Status: model.NotPremium(c.now()), Source: SourceDefault, Outcome: OutcomeError}
	}
}

func (c *EntitlementChecker) fetchStatus(ctx context.Context, userID string) (model.EntitlementStatus, error) {
	now := c.now()
	premium, err := c.provider.IsPremiumActive(ctx, userID)
	if err != nil {
		return model.NotPremium(now), err
	}
	if !premium {
		return model.NotPremium(now), nil
	}

	info, err := c.provider.GetSubscriptionInfo(ctx, userID)
	if err != nil {
		// 詳細が取れなくてもプレミアムであることは確定している
		c.logger.Warn("failed to get subscription info",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.EntitlementStatus{IsPremium: true, CheckedAt: now}, nil
	}
	info.IsPremium = true
	info.CheckedAt = now
	return info, nil
}

// fallback は最後に確認できた状態があればそれを、なければ非プレミアムを返す。
func (c *EntitlementChecker) fallback(userID string, outcome Outcome) EntitlementResult {
	if cached, ok := c.loadCached(userID); ok {
		return EntitlementResult{Status: cached, Source: SourceCache, Outcome: outcome}
	}
	return EntitlementResult{Status: model.NotPremium(c.now()), Source: SourceDefault, Outcome: outcome}
}

// loadCached はキャッシュから状態を読む。呼び出し元のコンテキストは期限切れの可能性があるため独立した期限で読む。
func (c *EntitlementChecker) loadCached(userID string) (model.EntitlementStatus, bool) {
	if c.cache == nil {
		return model.EntitlementStatus{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	status, ok, err := c.cache.Load(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to load cached entitlement status",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.EntitlementStatus{}, false
	}
	return status, ok
}
