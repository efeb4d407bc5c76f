// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/repository"
)

// SessionTerminator はセッションの破棄インターフェース。
type SessionTerminator interface {
	SignOut(ctx context.Context, accessToken string) error
	SignOutUser(ctx context.Context, userID string) error
}

// ProfileDeleter はプロフィールの削除インターフェース。
type ProfileDeleter interface {
	DeleteByID(ctx context.Context, id string) error
}

// SkipFlagClearer はペイウォールスキップフラグの取り消しインターフェース。
type SkipFlagClearer interface {
	Clear(ctx context.Context, userID string) error
}

// EntitlementInvalidator はキャッシュ済み権限状態の破棄インターフェース。
type EntitlementInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Service はユーザー管理のサービス層。
// ログアウトと退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo     repository.UserRepository
	sessions     SessionTerminator
	profiles     ProfileDeleter
	skip         SkipFlagClearer
	entitlements EntitlementInvalidator
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessions SessionTerminator,
	profiles ProfileDeleter,
	skip SkipFlagClearer,
	entitlements EntitlementInvalidator,
) *Service {
	return &Service{
		userRepo:     userRepo,
		sessions:     sessions,
		profiles:     profiles,
		skip:         skip,
		entitlements: entitlements,
	}
}

// Logout はセッションを破棄し、ユーザーに紐付く端末側の状態を消去する。
// フラグとキャッシュの消去に失敗してもログアウト自体は成功させる。
func (s *Service) Logout(ctx context.Context, userID, accessToken string) error {
	if err := s.sessions.SignOut(ctx, accessToken); err != nil {
		return fmt.Errorf("セッションの破棄に失敗しました: %w", err)
	}
	s.clearLocalState(ctx, userID)

	slog.Info("ログアウトしました",
		slog.String("user_id", userID),
	)
	return nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → profile → user（+ CASCADE: identities）→ スキップフラグ・権限キャッシュ
// subscription_events は監査ログとして残す。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. セッションを削除（進行中の起動ルーティングには未認証が通知される）
	if s.sessions != nil {
		if err := s.sessions.SignOutUser(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 2. プロフィールを削除（本人として削除するため主体を設定する）
	if s.profiles != nil {
		if err := s.profiles.DeleteByID(model.ContextWithSubject(ctx, userID), userID); err != nil {
			return fmt.Errorf("プロフィールの削除に失敗しました: %w", err)
		}
	}

	// 3. ユーザーを削除（identitiesはCASCADE削除）
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	// 4. スキップフラグと権限キャッシュを消去
	s.clearLocalState(ctx, userID)

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

func (s *Service) clearLocalState(ctx context.Context, userID string) {
	if s.skip != nil {
		if err := s.skip.Clear(ctx, userID); err != nil {
			slog.Warn("ペイウォールスキップフラグの消去に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.entitlements != nil {
		if err := s.entitlements.Invalidate(ctx, userID); err != nil {
			slog.Warn("権限キャッシュの消去に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}
