// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、profilesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// ListByUserID はユーザーに紐付く全identityを作成順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error)

	// Create はidentityを作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れ・失効済みのセッションも返すため、呼び出し側で IsUsable を確認すること。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Revoke はセッションのリフレッシュトークンを失効させる。
	Revoke(ctx context.Context, id string, at time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はbefore以前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
// 読み取りはコンテキストの主体（model.SubjectFromContext）で行レベル認可を適用する。
type ProfileRepository interface {
	// GetProfileByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	// 認可で拒否された場合は model.ErrAuthorizationDenied を返す。
	GetProfileByID(ctx context.Context, id string) (*model.Profile, error)

	// CreateProfile は既定値でプロフィールを作成する。既に存在する場合は既存の行を返す。
	CreateProfile(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error)

	// DeleteByID は指定IDのプロフィールを削除する。
	DeleteByID(ctx context.Context, id string) error

	// UpdateEntitlement はプロフィールに保存している課金状態を更新する。
	UpdateEntitlement(ctx context.Context, userID string, status model.EntitlementStatus) error

	// GetEntitlement はプロフィールに保存している課金状態を返す。見つからない場合はnilを返す。
	GetEntitlement(ctx context.Context, userID string) (*model.EntitlementStatus, error)

	// ListExpiredPremium はプレミアムのまま有効期限を過ぎたユーザーIDを返す。
	ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// SubscriptionEventRepository は課金Webhookイベントの監査ログの永続化インターフェース。
type SubscriptionEventRepository interface {
	// Create はイベントを記録する。
	Create(ctx context.Context, event *model.SubscriptionEvent) error
	// DeleteOlderThan はbeforeより前に記録されたイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
