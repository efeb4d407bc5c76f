package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fitgate/internal/model"
)

// Webhookのイベント種別。
const (
	EventInitialPurchase     = "INITIAL_PURCHASE"
	EventRenewal             = "RENEWAL"
	EventCancellation        = "CANCELLATION"
	EventUncancellation      = "UNCANCELLATION"
	EventNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	EventExpiration          = "EXPIRATION"
	EventProductChange       = "PRODUCT_CHANGE"
	EventTransfer            = "TRANSFER"
	EventBillingIssue        = "BILLING_ISSUE"
	EventSubscriptionPaused  = "SUBSCRIPTION_PAUSED"
)

// anonymousPrefix はRevenueCatが匿名ユーザーに割り当てるIDの接頭辞。
const anonymousPrefix = "$RCAnonymousID:"

var (
	// ErrInvalidSignature は署名の検証に失敗したことを表す。
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload はWebhookの本文を解釈できないことを表す。
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// ProfileUpdater はプロフィールの課金状態を更新する。
type ProfileUpdater interface {
	UpdateEntitlement(ctx context.Context, userID string, status model.EntitlementStatus) error
	GetEntitlement(ctx context.Context, userID string) (*model.EntitlementStatus, error)
}

// EventLog はWebhookイベントを監査ログとして記録する。
type EventLog interface {
	Create(ctx context.Context, event *model.SubscriptionEvent) error
}

// StatusStore は権限状態キャッシュの書き込み側。
type StatusStore interface {
	Store(ctx context.Context, userID string, status model.EntitlementStatus) error
}

// WebhookRecorder はWebhook処理のメトリクスを記録する。
type WebhookRecorder interface {
	RecordWebhookEvent(eventType, outcome string)
}

// WebhookResult はWebhook処理の結果。
type WebhookResult struct {
	EventType string
	UserIDs   []string
	Applied   bool
}

// webhookPayload はWebhookの本文。種別はトップレベルとevent内のどちらにあってもよい。
type webhookPayload struct {
	Type  string       `json:"type"`
	Event webhookEvent `json:"event"`
}

type webhookEvent struct {
	Type            string                        `json:"type"`
	AppUserID       string                        `json:"app_user_id"`
	ProductID       string                        `json:"product_id"`
	ExpirationAtMs  *int64                        `json:"expiration_at_ms"`
	EntitlementIDs  []string                      `json:"entitlement_ids"`
	Entitlements    map[string]webhookEntitlement `json:"entitlements"`
	TransferredTo   []string                      `json:"transferred_to"`
	TransferredFrom []string                      `json:"transferred_from"`
}

type webhookEntitlement struct {
	ProductIdentifier string     `json:"product_identifier"`
	ExpiresDate       *time.Time `json:"expires_date"`
	WillRenew         *bool      `json:"will_renew"`
}

// WebhookProcessor は課金Webhookのイベントをプロフィールとキャッシュに反映する。
type WebhookProcessor struct {
	secret   []byte
	profiles ProfileUpdater
	events   EventLog
	cache    StatusStore
	recorder WebhookRecorder
	now      func() time.Time
	logger   *slog.Logger
}

// NewWebhookProcessor はWebhookProcessorを生成する。cacheとrecorderはnilでもよい。
func NewWebhookProcessor(secret string, profiles ProfileUpdater, events EventLog, cache StatusStore, recorder WebhookRecorder, logger *slog.Logger) *WebhookProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookProcessor{
		secret:   []byte(secret),
		profiles: profiles,
		events:   events,
		cache:    cache,
		recorder: recorder,
		now:      time.Now,
		logger:   logger,
	}
}

// VerifySignature は本文のHMAC-SHA256（16進）と署名ヘッダーを定数時間で比較する。
// シークレット未設定の場合は常に失敗する。
func (p *WebhookProcessor) VerifySignature(body []byte, signature string) bool {
	if len(p.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Handle は署名を検証してからイベントを処理する。
func (p *WebhookProcessor) Handle(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	if !p.VerifySignature(body, signature) {
		p.record("unknown", "invalid_signature")
		return WebhookResult{}, ErrInvalidSignature
	}
	return p.Process(ctx, body)
}

// Process はイベントを監査ログに記録し、種別に応じてプロフィールの課金状態を更新する。
func (p *WebhookProcessor) Process(ctx context.Context, body []byte) (WebhookResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.record("unknown", "malformed")
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := payload.Event
	eventType := payload.Type
	if eventType == "" {
		eventType = ev.Type
	}
	if eventType == "" {
		p.record("unknown", "malformed")
		return WebhookResult{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	result := WebhookResult{EventType: eventType}

	if err := p.events.Create(ctx, &model.SubscriptionEvent{
		ID:        uuid.New().String(),
		UserID:    ev.AppUserID,
		EventType: eventType,
		Payload:   body,
		CreatedAt: p.now(),
	}); err != nil {
		p.record(eventType, "error")
		return result, fmt.Errorf("failed to record subscription event: %w", err)
	}

	if !concernsPremium(ev) {
		p.record(eventType, "logged")
		p.logger.Info("subscription event for another entitlement",
			slog.String("event_type", eventType),
			slog.String("user_id", ev.AppUserID),
		)
		return result, nil
	}

	var err error
	switch eventType {
	case EventInitialPurchase, EventRenewal, EventProductChange:
		err = p.apply(ctx, &result, ev.AppUserID, func(_ *model.EntitlementStatus) model.EntitlementStatus {
			return p.fromEvent(ev, true)
		})
	case EventNonRenewingPurchase:
		err = p.apply(ctx, &result, ev.AppUserID, func(_ *model.EntitlementStatus) model.EntitlementStatus {
			s := p.fromEvent(ev, true)
			s.WillRenew = false
			return s
		})
	case EventCancellation:
		err = p.apply(ctx, &result, ev.AppUserID, func(cur *model.EntitlementStatus) model.EntitlementStatus {
			s := mergeMissing(p.fromEvent(ev, cur.IsPremium), cur)
			s.IsPremium = s.IsPremium && p.notExpired(s)
			s.WillRenew = false
			return s
		})
	case EventUncancellation:
		err = p.apply(ctx, &result, ev.AppUserID, func(cur *model.EntitlementStatus) model.EntitlementStatus {
			s := mergeMissing(p.fromEvent(ev, cur.IsPremium), cur)
			s.IsPremium = s.IsPremium && p.notExpired(s)
			s.WillRenew = s.IsPremium && s.PeriodType != model.PeriodLifetime
			return s
		})
	case EventExpiration:
		err = p.apply(ctx, &result, ev.AppUserID, func(cur *model.EntitlementStatus) model.EntitlementStatus {
			s := p.fromEvent(ev, false)
			s.IsPremium = false
			s.WillRenew = false
			return mergeMissing(s, cur)
		})
	case EventTransfer:
		err = p.transfer(ctx, &result, ev)
	case EventBillingIssue, EventSubscriptionPaused:
		p.logger.Warn("subscription needs attention",
			slog.String("event_type", eventType),
			slog.String("user_id", ev.AppUserID),
		)
	default:
		p.logger.Info("unhandled subscription event",
			slog.String("event_type", eventType),
			slog.String("user_id", ev.AppUserID),
		)
	}
	if err != nil {
		p.record(eventType, "error")
		return result, err
	}

	outcome := "logged"
	if result.Applied {
		outcome = "applied"
	}
	p.record(eventType, outcome)
	p.logger.Info("processed subscription event",
		slog.String("event_type", eventType),
		slog.String("user_id", ev.AppUserID),
		slog.Bool("applied", result.Applied),
	)
	return result, nil
}

// apply は現在の状態からbuildで新しい状態を求めて保存する。
// 匿名ユーザーはプロフィールを持たないため何もしない。
func (p *WebhookProcessor) apply(ctx context.Context, result *WebhookResult, userID string, build func(cur *model.EntitlementStatus) model.EntitlementStatus) error {
	if userID == "" || strings.HasPrefix(userID, anonymousPrefix) {
		p.logger.Info("skipping subscription event for anonymous user",
			slog.String("event_type", result.EventType),
			slog.String("user_id", userID),
		)
		return nil
	}

	cur, err := p.profiles.GetEntitlement(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load current entitlement: %w", err)
	}
	if cur == nil {
		p.logger.Warn("subscription event for unknown user",
			slog.String("event_type", result.EventType),
			slog.String("user_id", userID),
		)
		return nil
	}

	status := build(cur)
	status.CheckedAt = p.now()
	if err := p.profiles.UpdateEntitlement(ctx, userID, status); err != nil {
		return fmt.Errorf("failed to update entitlement: %w", err)
	}
	if p.cache != nil {
		if err := p.cache.Store(ctx, userID, status); err != nil {
			p.logger.Warn("failed to refresh cached entitlement",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	result.UserIDs = append(result.UserIDs, userID)
	result.Applied = true
	return nil
}

// transfer は購入の移行元ユーザーから権限を外し、移行先ユーザーに報告された状態を反映する。
func (p *WebhookProcessor) transfer(ctx context.Context, result *WebhookResult, ev webhookEvent) error {
	for _, from := range ev.TransferredFrom {
		if err := p.apply(ctx, result, from, func(_ *model.EntitlementStatus) model.EntitlementStatus {
			return model.EntitlementStatus{}
		}); err != nil {
			return err
		}
	}
	for _, to := range ev.TransferredTo {
		if err := p.apply(ctx, result, to, func(_ *model.EntitlementStatus) model.EntitlementStatus {
			return p.fromEvent(ev, true)
		}); err != nil {
			return err
		}
	}
	return nil
}

// fromEvent はイベントに含まれるプレミアム権限から状態を組み立てる。
// entitlementsがない形式の場合はproduct_idとexpiration_at_msを使う。
func (p *WebhookProcessor) fromEvent(ev webhookEvent, active bool) model.EntitlementStatus {
	s := model.EntitlementStatus{IsPremium: active}

	if ent, ok := premiumEntitlement(ev.Entitlements); ok {
		s.ProductID = ent.ProductIdentifier
		s.ExpiresAt = ent.ExpiresDate
		if ent.WillRenew != nil {
			s.WillRenew = *ent.WillRenew
		} else {
			s.WillRenew = active
		}
	} else {
		s.ProductID = ev.ProductID
		if ev.ExpirationAtMs != nil {
			t := time.UnixMilli(*ev.ExpirationAtMs).UTC()
			s.ExpiresAt = &t
		}
		s.WillRenew = active && ev.ExpirationAtMs != nil
	}

	if s.ProductID != "" {
		s.PeriodType = model.PeriodTypeFromProduct(s.ProductID)
	}
	if s.PeriodType == model.PeriodLifetime {
		s.WillRenew = false
	}
	return s
}

// premiumEntitlement は "premium"、なければ "pro" の権限を返す。
func premiumEntitlement(ents map[string]webhookEntitlement) (webhookEntitlement, bool) {
	for _, id := range []string{model.PremiumEntitlementID, "pro"} {
		if ent, ok := ents[id]; ok {
			return ent, true
		}
	}
	return webhookEntitlement{}, false
}

// concernsPremium はイベントがプレミアム権限に関係するかを返す。
// 権限の情報を含まない形式のイベントは関係するものとして扱う。
func concernsPremium(ev webhookEvent) bool {
	if len(ev.Entitlements) > 0 {
		_, ok := premiumEntitlement(ev.Entitlements)
		return ok
	}
	if len(ev.EntitlementIDs) > 0 {
		for _, id := range ev.EntitlementIDs {
			if id == model.PremiumEntitlementID || id == "pro" {
				return true
			}
		}
		return false
	}
	return true
}

// mergeMissing はイベントに含まれない項目を現在の状態で補う。
func mergeMissing(s model.EntitlementStatus, cur *model.EntitlementStatus) model.EntitlementStatus {
	if cur == nil {
		return s
	}
	if s.ProductID == "" {
		s.ProductID = cur.ProductID
		s.PeriodType = cur.PeriodType
	}
	if s.ExpiresAt == nil {
		s.ExpiresAt = cur.ExpiresAt
	}
	return s
}

// notExpired は有効期限がないか、まだ期限前であるかを返す。
func (p *WebhookProcessor) notExpired(s model.EntitlementStatus) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(p.now())
}

func (p *WebhookProcessor) record(eventType, outcome string) {
	if p.recorder != nil {
		p.recorder.RecordWebhookEvent(eventType, outcome)
	}
}
