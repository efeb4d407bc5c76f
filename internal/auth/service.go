// Package auth はアクセストークンの検証とサーバー側セッションの管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge time.Duration // セッション有効期間
}

// Provider はアクセストークンとセッションテーブルからセッションを解決する。
// launch.SessionProviderを実装する。
type Provider struct {
	verifier    *TokenVerifier
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
	logger      *slog.Logger

	mu        sync.RWMutex
	listeners map[int]func(launch.SessionEvent)
	nextID    int
}

// NewProvider はProviderを生成する。
func NewProvider(
	verifier *TokenVerifier,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
	logger *slog.Logger,
) *Provider {
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		verifier:    verifier,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
		logger:      logger,
		listeners:   make(map[int]func(launch.SessionEvent)),
	}
}

// GetSession はアクセストークンに対応するセッションを返す。
// トークンが期限切れの場合はセッションなし (nil, nil) を返す。
// セッション行が存在しない・期限切れ・失効済みの場合は *model.SessionInvalidError を返す。
func (p *Provider) GetSession(ctx context.Context, accessToken string) (*model.Session, error) {
	claims, err := p.verifier.Verify(accessToken)
	if errors.Is(err, ErrTokenExpired) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id claim is missing", ErrInvalidToken)
	}

	session, err := p.sessionRepo.FindByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "refresh token not found"}
	}
	if session.UserID != claims.Subject {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "subject mismatch"}
	}
	if session.RevokedAt != nil {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "revoked"}
	}
	if !session.IsUsable(p.now()) {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "expired"}
	}

	if session.Email == "" {
		session.Email = claims.Email
	}
	if session.DisplayName == "" {
		session.DisplayName = claims.DisplayName()
	}
	session.Providers = p.providers(ctx, session.UserID)
	return session, nil
}

// providers はユーザーに紐付いたIdPを返す。取得に失敗した場合は未リンクとして扱う。
func (p *Provider) providers(ctx context.Context, userID string) []string {
	identities, err := p.identRepo.ListByUserID(ctx, userID)
	if err != nil {
		p.logger.Warn("failed to list identities",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	seen := make(map[string]struct{}, len(identities))
	var names []string
	for _, ident := range identities {
		if _, ok := seen[ident.Provider]; ok {
			continue
		}
		seen[ident.Provider] = struct{}{}
		names = append(names, ident.Provider)
	}
	return names
}

// SignIn は認証バックエンドが発行したアクセストークンからサーバー側のセッションを登録する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを作成する。
// トークンに含まれる新しいIdPはidentitiesに追加する。
func (p *Provider) SignIn(ctx context.Context, accessToken string) (*model.Session, error) {
	claims, err := p.verifier.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id claim is missing", ErrInvalidToken)
	}

	userID := claims.Subject
	providers := claims.ProviderNames()
	if len(providers) == 0 {
		providers = []string{"email"}
	}
	now := p.now()

	user, err := p.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		newUser := &model.User{
			ID:        userID,
			Email:     claims.Email,
			Name:      claims.DisplayName(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         userID,
			Provider:       providers[0],
			ProviderUserID: userID,
			CreatedAt:      now,
		}
		if err := p.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
			return nil, fmt.Errorf("failed to create user and identity: %w", err)
		}
		p.logger.Info("new user created",
			slog.String("user_id", userID),
			slog.String("provider", providers[0]),
		)
	}

	for _, provider := range providers {
		if err := p.identRepo.Create(ctx, &model.Identity{
			ID:             uuid.New().String(),
			UserID:         userID,
			Provider:       provider,
			ProviderUserID: userID,
			CreatedAt:      now,
		}); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
	}

	session, err := p.sessionRepo.FindByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session != nil && session.UserID != userID {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "subject mismatch"}
	}
	if session != nil && session.RevokedAt != nil {
		return nil, &model.SessionInvalidError{SessionID: claims.SessionID, Reason: "revoked"}
	}
	if session == nil {
		session = &model.Session{
			ID:          claims.SessionID,
			UserID:      userID,
			ExpiresAt:   now.Add(p.config.SessionMaxAge),
			RefreshedAt: now,
			CreatedAt:   now,
		}
		if err := p.sessionRepo.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		p.logger.Info("session registered",
			slog.String("user_id", userID),
			slog.String("session_id", session.ID),
		)
	}

	session.Email = claims.Email
	session.DisplayName = claims.DisplayName()
	session.Providers = p.providers(ctx, userID)

	p.notify(launch.SessionEvent{Kind: launch.SessionSignedIn, UserID: userID, SessionID: session.ID})
	return session, nil
}

// SignOut はアクセストークンが指すセッションを破棄する。
// 期限切れのトークンでもセッションを特定できるよう、有効期限は検証しない。
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.verifier.ParseIgnoringExpiry(accessToken)
	if err != nil {
		return fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.SessionID == "" {
		return fmt.Errorf("%w: session_id claim is missing", ErrInvalidToken)
	}

	if err := p.sessionRepo.DeleteByID(ctx, claims.SessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	p.logger.Info("user signed out",
		slog.String("user_id", claims.Subject),
		slog.String("session_id", claims.SessionID),
	)
	p.notify(launch.SessionEvent{Kind: launch.SessionSignedOut, UserID: claims.Subject, SessionID: claims.SessionID})
	return nil
}

// SignOutUser はユーザーの全セッションを破棄する。退会時に使う。
func (p *Provider) SignOutUser(ctx context.Context, userID string) error {
	if err := p.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	p.notify(launch.SessionEvent{Kind: launch.SessionSignedOut, UserID: userID})
	return nil
}

// OnSessionChange はセッション変更通知を購読し、購読解除関数を返す。
func (p *Provider) OnSessionChange(fn func(launch.SessionEvent)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// notify は購読者へ通知する。購読者の処理は呼び出し元のロックの外で同期的に実行する。
func (p *Provider) notify(ev launch.SessionEvent) {
	p.mu.RLock()
	fns := make([]func(launch.SessionEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// compile-time interface check
var _ launch.SessionProvider = (*Provider)(nil)
