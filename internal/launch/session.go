package launch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/fitgate/internal/model"
)

// refreshTokenInvalidSignatures はリフレッシュトークン失効を示すエラーメッセージの断片。
var refreshTokenInvalidSignatures = []string{
	"invalid refresh token",
	"refresh token not found",
	"refresh_token_not_found",
	"invalid_grant",
}

// IsRefreshTokenInvalid はエラーがリフレッシュトークン失効を示すかを判定する。
func IsRefreshTokenInvalid(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRefreshTokenInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range refreshTokenInvalidSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// SessionResult はセッション解決の結果。
type SessionResult struct {
	Presence    Presence
	UserID      string
	SessionID   string
	Email       string
	DisplayName string
	Providers   []string
	// Linked はセッションに2つ以上のIDプロバイダーが紐付いていることを表す。
	Linked bool
	// Cleared は破損したセッションを破棄したことを表す。
	Cleared bool
}

// SessionResolver は現在のセッションを解決する。
type SessionResolver struct {
	provider SessionProvider
	logger   *slog.Logger
}

// NewSessionResolver は新しいSessionResolverを生成する。
func NewSessionResolver(provider SessionProvider, logger *slog.Logger) *SessionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionResolver{provider: provider, logger: logger}
}

// Resolve はアクセストークンからセッションを解決する。
// エラーは呼び出し元へ返さず、セッションなしとして扱う。
// リフレッシュトークン失効の場合はセッションを破棄してからセッションなしを返す。
func (r *SessionResolver) Resolve(ctx context.Context, accessToken string) SessionResult {
	if accessToken == "" {
		return SessionResult{Presence: Absent}
	}

	sess, err := r.provider.GetSession(ctx, accessToken)
	if err != nil {
		if IsRefreshTokenInvalid(err) {
			r.logger.Info("invalid session detected, signing out",
				slog.String("error", err.Error()),
			)
			if signOutErr := r.provider.SignOut(ctx, accessToken); signOutErr != nil {
				r.logger.Warn("failed to sign out invalid session",
					slog.String("error", signOutErr.Error()),
				)
			}
			return SessionResult{Presence: Absent, Cleared: true}
		}
		r.logger.Warn("failed to get session",
			slog.String("error", err.Error()),
		)
		return SessionResult{Presence: Absent}
	}
	if sess == nil {
		return SessionResult{Presence: Absent}
	}

	return SessionResult{
		Presence:    Present,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		Email:       sess.Email,
		DisplayName: sess.DisplayName,
		Providers:   sess.Providers,
		Linked:      sess.HasMultipleIdentities(),
	}
}

// ActiveIdentity は読み取り時点でアクティブなセッションのユーザーIDを返す。
// セッションがない場合は空文字列を返す。
func (r *SessionResolver) ActiveIdentity(ctx context.Context, accessToken string) (string, error) {
	sess, err := r.provider.GetSession(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.UserID, nil
}
