package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fitgate/internal/auth"
	"github.com/hitoshi/fitgate/internal/middleware"
	"github.com/hitoshi/fitgate/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// SignIn はアクセストークンからサーバー側のセッションを登録する。
	SignIn(ctx context.Context, accessToken string) (*model.Session, error)
}

// LogoutServiceInterface はログアウト処理のサービスインターフェース。
type LogoutServiceInterface interface {
	Logout(ctx context.Context, userID, accessToken string) error
}

// AuthHandler はセッション管理のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	logout  LogoutServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, logout LogoutServiceInterface) *AuthHandler {
	return &AuthHandler{
		service: service,
		logout:  logout,
	}
}

// sessionResponse はセッション登録のAPIレスポンス。
type sessionResponse struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Providers []string  `json:"providers"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession はサインイン直後のアクセストークンからセッションを登録する。
// POST /api/auth/session
func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		writeUnauthorized(w)
		return
	}

	session, err := h.service.SignIn(r.Context(), token)
	if err != nil {
		if isCredentialError(err) {
			slog.Warn("sign in rejected", slog.String("error", err.Error()))
			writeUnauthorized(w)
			return
		}
		handleServiceError(w, err)
		return
	}

	providers := session.Providers
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: session.ID,
		UserID:    session.UserID,
		Email:     session.Email,
		Providers: providers,
		ExpiresAt: session.ExpiresAt,
	})
}

// Logout はセッションを破棄し、ペイウォールスキップと権限キャッシュを消去する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.logout.Logout(r.Context(), userID, middleware.AccessTokenFromContext(r.Context())); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// isCredentialError はトークンまたはセッションの不備によるエラーかを判定する。
func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, model.ErrRefreshTokenInvalid)
}
