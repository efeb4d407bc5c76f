// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationDenied は行レベル認可によって読み取りが拒否されたことを表す。
	ErrAuthorizationDenied = errors.New("authorization denied by row level policy")
	// ErrRefreshTokenInvalid はリフレッシュトークンが失効・破損していることを表す。
	ErrRefreshTokenInvalid = errors.New("invalid refresh token: refresh token not found")
)

// SessionInvalidError は破損・失効したセッションを表す。
// errors.Is で ErrRefreshTokenInvalid と一致する。
type SessionInvalidError struct {
	SessionID string
	Reason    string
}

// Error はerrorインターフェースを実装する。
func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("session %s is invalid: %s", e.SessionID, e.Reason)
}

// Unwrap は ErrRefreshTokenInvalid を返す。
func (e *SessionInvalidError) Unwrap() error {
	return ErrRefreshTokenInvalid
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, subscription, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeNoPurchasesFound  = "NO_PURCHASES_FOUND"
	ErrCodeEntitlementFailed = "ENTITLEMENT_CHECK_FAILED"
	ErrCodePaywallFlagFailed = "PAYWALL_FLAG_FAILED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidSignatureError はWebhook署名の検証に失敗した場合のエラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "署名が不正です。",
		Category: "auth",
		Action:   "Webhookシークレットの設定を確認してください。",
	}
}

// NewNoPurchasesFoundError は購入の復元で有効な購入が見つからない場合のエラーを生成する。
func NewNoPurchasesFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPurchasesFound,
		Message:  "復元できる購入が見つかりませんでした。",
		Category: "subscription",
		Action:   "購入時と同じアカウントでログインしているか確認してください。",
	}
}

// NewEntitlementFailedError はユーザー操作による権限確認が失敗した場合のエラーを生成する。
func NewEntitlementFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeEntitlementFailed,
		Message:  "購入状態の確認に失敗しました。",
		Category: "subscription",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewPaywallFlagFailedError はペイウォールスキップ状態の保存に失敗した場合のエラーを生成する。
func NewPaywallFlagFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePaywallFlagFailed,
		Message:  "設定の保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
