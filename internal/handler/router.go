package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/fitgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionLookup     middleware.SessionLookup
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 起動ルーティング
	Launch LaunchResolverInterface

	// ペイウォール・権限
	PaywallSkip  PaywallSkipInterface
	Entitlements EntitlementServiceInterface
	Webhooks     WebhookServiceInterface

	// 認証・ユーザー
	AuthService   AuthServiceInterface
	LogoutService LogoutServiceInterface
	UserService   UserServiceInterface

	// 運用
	HealthDB Pinger
	Metrics  http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//	  → (認証が必要なルートのみ) SessionMiddleware → RateLimit(General)
//
// 起動ルーティング（/api/launch）はトークンを任意とし、未認証でも判定を返す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	launchHandler := NewLaunchHandler(deps.Launch)
	paywallHandler := NewPaywallHandler(deps.PaywallSkip)
	entHandler := NewEntitlementHandler(deps.Entitlements)
	webhookHandler := NewWebhookHandler(deps.Webhooks)
	authHandler := NewAuthHandler(deps.AuthService, deps.LogoutService)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthDB))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// 課金Webhook（署名で検証する）
	r.Post("/webhooks/revenuecat", webhookHandler.RevenueCat)

	// 起動ルーティング
	r.Get("/api/launch", launchHandler.GetLaunch)
	r.Get("/api/launch/stream", launchHandler.StreamLaunch)

	// セッション登録（トークン自体を検証する）
	r.Post("/api/auth/session", authHandler.CreateSession)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionLookup))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/auth/logout", authHandler.Logout)

		r.Route("/api/paywall/skip", func(r chi.Router) {
			r.Post("/", paywallHandler.Skip)
			r.Delete("/", paywallHandler.Clear)
		})

		r.Route("/api/entitlement", func(r chi.Router) {
			r.Get("/", entHandler.GetEntitlement)
			// 課金サービスへの問い合わせを伴うため専用のレート制限を追加
			r.With(deps.RateLimiter.RefreshMiddleware()).Post("/refresh", entHandler.Refresh)
		})

		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r
}
