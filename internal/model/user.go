// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 認証バックエンド側のユーザーと同じIDを持つ。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
// 1ユーザーに複数のIdP（email, apple, google等）が紐付く場合がある。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// RevokedAt が設定されたセッションはリフレッシュトークンが無効化されている。
type Session struct {
	ID          string
	UserID      string
	Email       string
	DisplayName string
	Providers   []string
	ExpiresAt   time.Time
	RefreshedAt time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// HasMultipleIdentities は複数のIdPが紐付いた「リンク済みアカウント」かを返す。
func (s *Session) HasMultipleIdentities() bool {
	return len(s.Providers) >= 2
}

// IsUsable はセッションが有効期限内かつ失効していないかを返す。
func (s *Session) IsUsable(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}
