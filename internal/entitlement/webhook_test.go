package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitgate/internal/model"
)

const webhookSecret = "whsec_test"

type mockProfileUpdater struct {
	current   map[string]*model.EntitlementStatus
	updates   map[string]model.EntitlementStatus
	updateErr error
}

func newMockProfileUpdater(userIDs ...string) *mockProfileUpdater {
	m := &mockProfileUpdater{
		current: make(map[string]*model.EntitlementStatus),
		updates: make(map[string]model.EntitlementStatus),
	}
	for _, id := range userIDs {
		m.current[id] = &model.EntitlementStatus{}
	}
	return m
}

func (m *mockProfileUpdater) UpdateEntitlement(ctx context.Context, userID string, status model.EntitlementStatus) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates[userID] = status
	s := status
	m.current[userID] = &s
	return nil
}

func (m *mockProfileUpdater) GetEntitlement(ctx context.Context, userID string) (*model.EntitlementStatus, error) {
	return m.current[userID], nil
}

type mockEventLog struct {
	events []*model.SubscriptionEvent
	err    error
}

func (m *mockEventLog) Create(ctx context.Context, event *model.SubscriptionEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

type mockWebhookRecorder struct {
	outcomes map[string]string
}

func (m *mockWebhookRecorder) RecordWebhookEvent(eventType, outcome string) {
	if m.outcomes == nil {
		m.outcomes = make(map[string]string)
	}
	m.outcomes[eventType] = outcome
}

type webhookFixture struct {
	processor *WebhookProcessor
	profiles  *mockProfileUpdater
	events    *mockEventLog
	cache     *MemoryStatusCache
	recorder  *mockWebhookRecorder
}

func newWebhookFixture(userIDs ...string) *webhookFixture {
	f := &webhookFixture{
		profiles: newMockProfileUpdater(userIDs...),
		events:   &mockEventLog{},
		cache:    NewMemoryStatusCache(time.Hour),
		recorder: &mockWebhookRecorder{},
	}
	f.processor = NewWebhookProcessor(webhookSecret, f.profiles, f.events, f.cache, f.recorder, nil)
	f.processor.now = func() time.Time { return fixedNow }
	return f
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	f := newWebhookFixture()
	body := []byte(`{"type":"RENEWAL"}`)

	assert.True(t, f.processor.VerifySignature(body, sign(body)))
	assert.False(t, f.processor.VerifySignature(body, ""))
	assert.False(t, f.processor.VerifySignature(body, "zz-not-hex"))
	assert.False(t, f.processor.VerifySignature([]byte(`{"type":"EXPIRATION"}`), sign(body)))

	unset := NewWebhookProcessor("", nil, nil, nil, nil, nil)
	assert.False(t, unset.VerifySignature(body, sign(body)), "シークレット未設定なら常に拒否するべき")
}

func TestHandle_InvalidSignature(t *testing.T) {
	f := newWebhookFixture("user-1")
	body := []byte(`{"event":{"type":"INITIAL_PURCHASE","app_user_id":"user-1"}}`)

	_, err := f.processor.Handle(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, f.events.events, "署名不正のイベントは記録しないべき")
	assert.Equal(t, "invalid_signature", f.recorder.outcomes["unknown"])
}

func TestProcess_InitialPurchase(t *testing.T) {
	f := newWebhookFixture("user-1")
	body := []byte(`{"event":{"type":"INITIAL_PURCHASE","app_user_id":"user-1","entitlements":{"premium":{"product_identifier":"fitgate_premium_monthly","expires_date":"2026-03-31T12:00:00Z","will_renew":true}}}}`)

	res, err := f.processor.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"user-1"}, res.UserIDs)

	got := f.profiles.updates["user-1"]
	assert.True(t, got.IsPremium)
	assert.True(t, got.WillRenew)
	assert.Equal(t, "fitgate_premium_monthly", got.ProductID)
	assert.Equal(t, model.PeriodMonthly, got.PeriodType)

	cached, ok, _ := f.cache.Load(context.Background(), "user-1")
	assert.True(t, ok)
	assert.True(t, cached.IsPremium)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "INITIAL_PURCHASE", f.events.events[0].EventType)
	assert.Equal(t, "user-1", f.events.events[0].UserID)
	assert.Equal(t, body, f.events.events[0].Payload)
	assert.Equal(t, "applied", f.recorder.outcomes["INITIAL_PURCHASE"])
}

func TestProcess_TopLevelTypeAndProEntitlement(t *testing.T) {
	f := newWebhookFixture("user-1")
	body := []byte(`{"type":"RENEWAL","event":{"app_user_id":"user-1","entitlements":{"pro":{"product_identifier":"fitgate_premium_lifetime","expires_date":null}}}}`)

	res, err := f.processor.Process(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, "RENEWAL", res.EventType)

	got := f.profiles.updates["user-1"]
	assert.True(t, got.IsPremium)
	assert.Equal(t, model.PeriodLifetime, got.PeriodType)
	assert.False(t, got.WillRenew, "買い切りは更新しないべき")
}

func TestProcess_FlatEventFormat(t *testing.T) {
	f := newWebhookFixture("user-1")
	body := []byte(`{"event":{"type":"RENEWAL","app_user_id":"user-1","product_id":"fitgate_premium_monthly","entitlement_ids":["premium"],"expiration_at_ms":1774958400000}}`)

	_, err := f.processor.Process(context.Background(), body)
	require.NoError(t, err)

	got := f.profiles.updates["user-1"]
	assert.True(t, got.IsPremium)
	assert.True(t, got.WillRenew)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, int64(1774958400000), got.ExpiresAt.UnixMilli())
}

func TestProcess_StateTransitions(t *testing.T) {
	future := fixedNow.Add(10 * 24 * time.Hour)
	past := fixedNow.Add(-time.Hour)

	tests := []struct {
		name      string
		current   model.EntitlementStatus
		body      string
		premium   bool
		willRenew bool
	}{
		{
			name:      "解約は期限まで有効のまま更新停止",
			current:   model.EntitlementStatus{IsPremium: true, WillRenew: true, ProductID: "m", ExpiresAt: &future},
			body:      `{"event":{"type":"CANCELLATION","app_user_id":"user-1"}}`,
			premium:   true,
			willRenew: false,
		},
		{
			name:      "期限切れ後の解約は無効",
			current:   model.EntitlementStatus{IsPremium: true, WillRenew: true, ProductID: "m", ExpiresAt: &past},
			body:      `{"event":{"type":"CANCELLATION","app_user_id":"user-1"}}`,
			premium:   false,
			willRenew: false,
		},
		{
			name:      "解約取り消しで更新再開",
			current:   model.EntitlementStatus{IsPremium: true, WillRenew: false, ProductID: "m", ExpiresAt: &future},
			body:      `{"event":{"type":"UNCANCELLATION","app_user_id":"user-1"}}`,
			premium:   true,
			willRenew: true,
		},
		{
			name:      "期限切れで無効",
			current:   model.EntitlementStatus{IsPremium: true, WillRenew: true, ProductID: "m", ExpiresAt: &future},
			body:      `{"event":{"type":"EXPIRATION","app_user_id":"user-1"}}`,
			premium:   false,
			willRenew: false,
		},
		{
			name:      "非更新購入",
			current:   model.EntitlementStatus{},
			body:      `{"event":{"type":"NON_RENEWING_PURCHASE","app_user_id":"user-1","entitlements":{"premium":{"product_identifier":"pack","expires_date":"2026-04-01T00:00:00Z","will_renew":true}}}}`,
			premium:   true,
			willRenew: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture()
			cur := tt.current
			f.profiles.current["user-1"] = &cur

			_, err := f.processor.Process(context.Background(), []byte(tt.body))
			require.NoError(t, err)

			got, ok := f.profiles.updates["user-1"]
			require.True(t, ok)
			assert.Equal(t, tt.premium, got.IsPremium)
			assert.Equal(t, tt.willRenew, got.WillRenew)
			if tt.current.ProductID != "" {
				assert.Equal(t, tt.current.ProductID, got.ProductID, "イベントにない項目は現在の値を引き継ぐべき")
			}
		})
	}
}

func TestProcess_Transfer(t *testing.T) {
	f := newWebhookFixture("old-user", "new-user")
	f.profiles.current["old-user"] = &model.EntitlementStatus{IsPremium: true, ProductID: "m"}
	body := []byte(`{"event":{"type":"TRANSFER","transferred_from":["old-user"],"transferred_to":["new-user"],"entitlements":{"premium":{"product_identifier":"m","expires_date":"2026-04-01T00:00:00Z","will_renew":true}}}}`)

	res, err := f.processor.Process(context.Background(), body)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-user", "new-user"}, res.UserIDs)
	assert.False(t, f.profiles.updates["old-user"].IsPremium)
	assert.True(t, f.profiles.updates["new-user"].IsPremium)
}

func TestProcess_LogOnlyEvents(t *testing.T) {
	for _, eventType := range []string{EventBillingIssue, EventSubscriptionPaused, "TEST", "SOMETHING_NEW"} {
		t.Run(eventType, func(t *testing.T) {
			f := newWebhookFixture("user-1")
			body := []byte(`{"event":{"type":"` + eventType + `","app_user_id":"user-1"}}`)

			res, err := f.processor.Process(context.Background(), body)
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Empty(t, f.profiles.updates)
			assert.Len(t, f.events.events, 1, "すべてのイベントは監査ログに記録するべき")
			assert.Equal(t, "logged", f.recorder.outcomes[eventType])
		})
	}
}

func TestProcess_SkipsAnonymousAndUnknownUsers(t *testing.T) {
	f := newWebhookFixture()
	for _, userID := range []string{"$RCAnonymousID:abc", "missing-user"} {
		body := []byte(`{"event":{"type":"INITIAL_PURCHASE","app_user_id":"` + userID + `"}}`)
		res, err := f.processor.Process(context.Background(), body)
		require.NoError(t, err)
		assert.False(t, res.Applied, userID)
	}
	assert.Empty(t, f.profiles.updates)
	assert.Len(t, f.events.events, 2)
}

func TestProcess_OtherEntitlementIsLoggedOnly(t *testing.T) {
	f := newWebhookFixture("user-1")
	body := []byte(`{"event":{"type":"INITIAL_PURCHASE","app_user_id":"user-1","entitlement_ids":["coach"]}}`)

	res, err := f.processor.Process(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Empty(t, f.profiles.updates)
}

func TestProcess_Errors(t *testing.T) {
	t.Run("JSONでない本文", func(t *testing.T) {
		f := newWebhookFixture()
		_, err := f.processor.Process(context.Background(), []byte(`{`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("種別なし", func(t *testing.T) {
		f := newWebhookFixture()
		_, err := f.processor.Process(context.Background(), []byte(`{"event":{"app_user_id":"user-1"}}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("監査ログの記録失敗", func(t *testing.T) {
		f := newWebhookFixture("user-1")
		f.events.err = errors.New("db down")
		_, err := f.processor.Process(context.Background(), []byte(`{"event":{"type":"RENEWAL","app_user_id":"user-1"}}`))
		assert.Error(t, err)
		assert.Empty(t, f.profiles.updates)
		assert.Equal(t, "error", f.recorder.outcomes["RENEWAL"])
	})

	t.Run("プロフィール更新失敗", func(t *testing.T) {
		f := newWebhookFixture("user-1")
		f.profiles.updateErr = errors.New("db down")
		_, err := f.processor.Process(context.Background(), []byte(`{"event":{"type":"RENEWAL","app_user_id":"user-1"}}`))
		assert.Error(t, err)
	})
}
