package model

import (
	"strings"
	"time"
)

// PremiumEntitlementID は課金SDK上のプレミアム権限ID。
const PremiumEntitlementID = "premium"

// PeriodType はサブスクリプションの期間種別を表す。
type PeriodType string

const (
	// PeriodMonthly は自動更新の月額プラン。
	PeriodMonthly PeriodType = "monthly"
	// PeriodLifetime は買い切りプラン。
	PeriodLifetime PeriodType = "lifetime"
)

// PeriodTypeFromProduct はプロダクトIDから期間種別を判定する。
// プロダクトIDに "lifetime" を含む場合は買い切りとみなす。
func PeriodTypeFromProduct(productID string) PeriodType {
	if strings.Contains(productID, "lifetime") {
		return PeriodLifetime
	}
	return PeriodMonthly
}

// EntitlementStatus は課金SDKの状態から導出したプレミアム権限の状態。
// 永続化はせず、プロセスメモリと短期キャッシュにのみ保持する。
type EntitlementStatus struct {
	IsPremium     bool
	ProductID     string
	ExpiresAt     *time.Time
	WillRenew     bool
	PeriodType    PeriodType
	InGracePeriod bool
	CheckedAt     time.Time
}

// NotPremium は失敗時・タイムアウト時に返す既定の状態（フェイルクローズ）。
func NotPremium(now time.Time) EntitlementStatus {
	return EntitlementStatus{IsPremium: false, CheckedAt: now}
}

// SubscriptionEvent は課金Webhookから受信したイベントの監査ログ。
type SubscriptionEvent struct {
	ID        string
	UserID    string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}
