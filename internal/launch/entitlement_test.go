package launch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitgate/internal/model"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestChecker(provider EntitlementProvider, cache StatusCache, policy EntitlementPolicy, sleeper *recordingSleep) *EntitlementChecker {
	return NewEntitlementChecker(provider, cache, policy, nil,
		WithCheckerSleep(sleeper.sleep),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func TestCheck_PremiumLive(t *testing.T) {
	expires := fixedNow.Add(30 * 24 * time.Hour)
	provider := &mockEntitlementProvider{
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) { return true, nil },
		infoFn: func(ctx context.Context, userID string) (model.EntitlementStatus, error) {
			return model.EntitlementStatus{
				ProductID:  "fitness_monthly",
				ExpiresAt:  &expires,
				WillRenew:  true,
				PeriodType: model.PeriodMonthly,
			}, nil
		},
	}
	cache := newMemStatusCache()
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, cache, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "user-1")

	assert.Equal(t, SourceLive, res.Source)
	assert.True(t, res.Status.IsPremium)
	assert.Equal(t, "fitness_monthly", res.Status.ProductID)
	assert.Equal(t, fixedNow, res.Status.CheckedAt)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sleeper.durations(), "ユーザー識別後は反映を待つべき")

	cached, ok, _ := cache.Load(context.Background(), "user-1")
	require.True(t, ok)
	assert.True(t, cached.IsPremium)
}

func TestCheck_NotPremium(t *testing.T) {
	provider := &mockEntitlementProvider{}
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, nil, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "user-1")

	assert.Equal(t, SourceLive, res.Source)
	assert.False(t, res.Status.IsPremium)
}

func TestCheck_PremiumWithoutDetails(t *testing.T) {
	provider := &mockEntitlementProvider{
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) { return true, nil },
		infoFn: func(ctx context.Context, userID string) (model.EntitlementStatus, error) {
			return model.EntitlementStatus{}, errors.New("info unavailable")
		},
	}
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, nil, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "user-1")

	assert.True(t, res.Status.IsPremium)
	assert.Equal(t, SourceLive, res.Source)
}

func TestCheck_ErrorFailsClosed(t *testing.T) {
	provider := &mockEntitlementProvider{
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) {
			return false, errors.New("503 service unavailable")
		},
	}
	cache := newMemStatusCache()
	_ = cache.Store(context.Background(), "user-1", model.EntitlementStatus{IsPremium: true})
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, cache, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "user-1")

	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.False(t, res.Status.IsPremium, "エラー時は非プレミアムに倒すべき")
}

func blockingPremium(ctx context.Context, userID string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCheck_TimeoutUsesCachedStatus(t *testing.T) {
	provider := &mockEntitlementProvider{isPremiumFn: blockingPremium}
	cache := newMemStatusCache()
	_ = cache.Store(context.Background(), "user-1", model.EntitlementStatus{IsPremium: true, ProductID: "fitness_lifetime"})
	policy := DefaultEntitlementPolicy()
	policy.CheckTimeout = 20 * time.Millisecond
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, cache, policy, sleeper).Check(context.Background(), "user-1")

	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.True(t, res.Status.IsPremium)
	assert.Equal(t, "fitness_lifetime", res.Status.ProductID)
}

func TestCheck_TimeoutWithoutCacheIsNotPremium(t *testing.T) {
	provider := &mockEntitlementProvider{isPremiumFn: blockingPremium}
	policy := DefaultEntitlementPolicy()
	policy.CheckTimeout = 20 * time.Millisecond
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, newMemStatusCache(), policy, sleeper).Check(context.Background(), "user-1")

	assert.Equal(t, SourceDefault, res.Source)
	assert.False(t, res.Status.IsPremium)
}

func TestCheck_IdentifyFailureSkipsSettle(t *testing.T) {
	provider := &mockEntitlementProvider{
		setUserIDFn: func(ctx context.Context, userID string) error { return errors.New("identify failed") },
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) { return true, nil },
	}
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, nil, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "user-1")

	assert.Empty(t, sleeper.durations())
	assert.True(t, res.Status.IsPremium, "識別に失敗しても権限確認は続行するべき")
}

func TestCheck_IdentifyTimeoutIsBounded(t *testing.T) {
	provider := &mockEntitlementProvider{
		setUserIDFn: func(ctx context.Context, userID string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	policy := DefaultEntitlementPolicy()
	policy.IdentifyTimeout = 20 * time.Millisecond
	sleeper := &recordingSleep{}

	start := time.Now()
	res := newTestChecker(provider, nil, policy, sleeper).Check(context.Background(), "user-1")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SourceLive, res.Source)
	assert.Equal(t, int32(1), provider.isPremiumCalls.Load())
}

func TestCheck_EmptyUserID(t *testing.T) {
	provider := &mockEntitlementProvider{}
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, nil, DefaultEntitlementPolicy(), sleeper).Check(context.Background(), "")

	assert.Equal(t, SourceDefault, res.Source)
	assert.False(t, res.Status.IsPremium)
	assert.Equal(t, int32(0), provider.isPremiumCalls.Load())
}

// 同時に確認した呼び出し元の一方がキャンセルされても、もう一方は確認結果を受け取ることを検証
func TestCheck_SharedCheckSurvivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	provider := &mockEntitlementProvider{
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return true, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		},
	}
	checker := newTestChecker(provider, nil, DefaultEntitlementPolicy(), &recordingSleep{})

	ctxA, cancelA := context.WithCancel(context.Background())
	resA := make(chan EntitlementResult, 1)
	go func() { resA <- checker.Check(ctxA, "user-1") }()
	<-entered

	resB := make(chan EntitlementResult, 1)
	go func() { resB <- checker.Check(context.Background(), "user-1") }()
	// Bが進行中の確認に合流するのを待つ
	time.Sleep(20 * time.Millisecond)

	cancelA()
	a := <-resA
	assert.Equal(t, SourceDefault, a.Source, "キャンセルされた呼び出し元はフォールバックを返す")
	assert.Equal(t, OutcomeTimeout, a.Outcome)

	close(release)
	select {
	case b := <-resB:
		assert.Equal(t, SourceLive, b.Source)
		assert.Equal(t, OutcomeOK, b.Outcome)
		assert.True(t, b.Status.IsPremium, "有効なコンテキストの呼び出し元はプレミアムと判定されるべき")
	case <-time.After(2 * time.Second):
		t.Fatal("Bの権限確認が完了しなかった")
	}
}

// 呼び出し元のキャンセル時はキャッシュ済みの状態を返すことを検証
func TestCheck_CancelledCallerUsesCachedStatus(t *testing.T) {
	provider := &mockEntitlementProvider{isPremiumFn: blockingPremium}
	cache := newMemStatusCache()
	_ = cache.Store(context.Background(), "user-1", model.EntitlementStatus{IsPremium: true})
	policy := DefaultEntitlementPolicy()
	policy.CheckTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := newTestChecker(provider, cache, policy, &recordingSleep{}).Check(ctx, "user-1")

	assert.Equal(t, SourceCache, res.Source)
	assert.True(t, res.Status.IsPremium)
}

func TestRefresh_WaitsBeforeCheck(t *testing.T) {
	provider := &mockEntitlementProvider{
		isPremiumFn: func(ctx context.Context, userID string) (bool, error) { return true, nil },
	}
	sleeper := &recordingSleep{}

	res := newTestChecker(provider, nil, DefaultEntitlementPolicy(), sleeper).Refresh(context.Background(), "user-1", "purchase")

	assert.True(t, res.Status.IsPremium)
	assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, sleeper.durations())
}

func TestInvalidate(t *testing.T) {
	cache := newMemStatusCache()
	_ = cache.Store(context.Background(), "user-1", model.EntitlementStatus{IsPremium: true})
	c := NewEntitlementChecker(&mockEntitlementProvider{}, cache, DefaultEntitlementPolicy(), nil)

	require.NoError(t, c.Invalidate(context.Background(), "user-1"))
	_, ok, _ := cache.Load(context.Background(), "user-1")
	assert.False(t, ok)
}
