package launch

import (
	"context"

	"github.com/hitoshi/fitgate/internal/model"
)

// SessionEventKind はセッション変更通知の種別。
type SessionEventKind string

const (
	// SessionSignedIn は新しいセッションが発行された。
	SessionSignedIn SessionEventKind = "signed_in"
	// SessionSignedOut はセッションが破棄された。
	SessionSignedOut SessionEventKind = "signed_out"
)

// SessionEvent は認証プロバイダーからのセッション変更通知。
type SessionEvent struct {
	Kind      SessionEventKind
	UserID    string
	SessionID string
}

// SessionProvider は認証・セッション管理のコラボレーター。
type SessionProvider interface {
	// GetSession はアクセストークンに対応するセッションを返す。
	// セッションがない場合は (nil, nil) を返す。
	// リフレッシュトークンが無効な場合は model.ErrRefreshTokenInvalid をラップしたエラーを返す。
	GetSession(ctx context.Context, accessToken string) (*model.Session, error)
	// SignOut はアクセストークンが指すセッションを破棄する。
	SignOut(ctx context.Context, accessToken string) error
	// OnSessionChange はセッション変更通知を購読し、購読解除関数を返す。
	OnSessionChange(fn func(SessionEvent)) (unsubscribe func())
}

// ProfileStore はプロフィールの読み書きを行うコラボレーター。
type ProfileStore interface {
	// GetProfileByID はプロフィールを取得する。見つからない場合は (nil, nil) を返す。
	// 行レベル認可で拒否された場合は model.ErrAuthorizationDenied を返す。
	GetProfileByID(ctx context.Context, id string) (*model.Profile, error)
	// CreateProfile は既定値でプロフィールを作成する。
	CreateProfile(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error)
}

// DirectProfileReader はキャッシュを経由しない直接読み取りを提供する。
// ProfileStoreが実装していない場合、最終検証にはGetProfileByIDを使う。
type DirectProfileReader interface {
	ReadProfileDirect(ctx context.Context, id string) (*model.Profile, error)
}

// EntitlementProvider は課金SDK（RevenueCat）のコラボレーター。
type EntitlementProvider interface {
	IsPremiumActive(ctx context.Context, userID string) (bool, error)
	GetSubscriptionInfo(ctx context.Context, userID string) (model.EntitlementStatus, error)
	SetUserID(ctx context.Context, userID string) error
}

// StatusCache は最後に確認できた権限状態を保持する。
type StatusCache interface {
	Load(ctx context.Context, userID string) (model.EntitlementStatus, bool, error)
	Store(ctx context.Context, userID string, status model.EntitlementStatus) error
	Delete(ctx context.Context, userID string) error
}

// FlagStore はユーザーごとの小さなフラグを保持するキーバリューストア。
type FlagStore interface {
	// Get は値を返す。キーが存在しない場合は ("", false, nil) を返す。
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// TextSanitizer はプロフィールの表示項目をサニタイズする。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Recorder は起動ルーティングのメトリクスを記録する。
type Recorder interface {
	RecordDecision(route string, forced bool)
	RecordProfileVerdict(verdict string, attempts int)
	RecordEntitlementCheck(source string)
	RecordSafetyValve()
}

// nopRecorder はメトリクスを記録しないRecorder。
type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, bool)      {}
func (nopRecorder) RecordProfileVerdict(string, int) {}
func (nopRecorder) RecordEntitlementCheck(string)    {}
func (nopRecorder) RecordSafetyValve()               {}
