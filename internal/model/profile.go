package model

import "time"

// Profile はアプリケーション側のユーザープロフィールを表す。
// IDはセッションのユーザーIDと一致しなければならない（行レベル認可の前提）。
type Profile struct {
	ID                  string
	Username            string
	FullName            string
	OnboardingCompleted bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProfileDefaults は初回サインイン時に遅延作成するプロフィールの初期値。
type ProfileDefaults struct {
	Username string
	FullName string
}
