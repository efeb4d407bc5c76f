package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/fitgate/internal/model"
)

const profileCacheKeyPrefix = "profile:"

// DefaultProfileCacheTTL はプロフィールキャッシュの既定の有効期間。
const DefaultProfileCacheTTL = 5 * time.Minute

// cachedProfile はRedisに保存するプロフィールの形式。
type cachedProfile struct {
	ID                  string    `json:"id"`
	Username            string    `json:"username"`
	FullName            string    `json:"full_name"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CachedProfileStore はRedisによる読み取りキャッシュを持つプロフィールストア。
// 「存在しない」という結果とオンボーディング未完了のプロフィールはキャッシュしない。
// onboarding_completedはクライアントがDBを直接更新するため、未完了の状態を保持すると
// 完了後もTTLの間オンボーディングへ誘導してしまう。
// ReadProfileDirect はキャッシュを経由せずに読み取る。
type CachedProfileStore struct {
	ProfileRepository
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProfileStore はCachedProfileStoreを生成する。clientがnilの場合はキャッシュを使わない。
func NewCachedProfileStore(repo ProfileRepository, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedProfileStore {
	if ttl <= 0 {
		ttl = DefaultProfileCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProfileStore{
		ProfileRepository: repo,
		client:            client,
		ttl:               ttl,
		logger:            logger,
	}
}

// GetProfileByID はキャッシュを優先してプロフィールを取得する。
// 主体と照会対象が異なる場合は行レベル認可を適用するためキャッシュを使わない。
func (s *CachedProfileStore) GetProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	if !s.cacheable(ctx, id) {
		return s.ProfileRepository.GetProfileByID(ctx, id)
	}

	raw, err := s.client.Get(ctx, profileCacheKeyPrefix+id).Bytes()
	switch {
	case err == nil:
		var c cachedProfile
		if jsonErr := json.Unmarshal(raw, &c); jsonErr == nil {
			return c.toModel(), nil
		}
		s.logger.Warn("discarding malformed cached profile", slog.String("user_id", id))
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("profile cache read failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
	}

	profile, err := s.ProfileRepository.GetProfileByID(ctx, id)
	if err != nil || profile == nil {
		return profile, err
	}
	s.store(ctx, profile)
	return profile, nil
}

// ReadProfileDirect はキャッシュを経由せずにプロフィールを取得する。
// 取得できた場合はキャッシュを更新する。
func (s *CachedProfileStore) ReadProfileDirect(ctx context.Context, id string) (*model.Profile, error) {
	profile, err := s.ProfileRepository.GetProfileByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		s.Invalidate(ctx, id)
		return nil, nil
	}
	if s.cacheable(ctx, id) {
		s.store(ctx, profile)
	}
	return profile, nil
}

// CreateProfile はプロフィールを作成してキャッシュに保存する。
func (s *CachedProfileStore) CreateProfile(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error) {
	profile, err := s.ProfileRepository.CreateProfile(ctx, id, defaults)
	if err != nil {
		return nil, err
	}
	if s.cacheable(ctx, id) {
		s.store(ctx, profile)
	}
	return profile, nil
}

// DeleteByID はプロフィールを削除してキャッシュを破棄する。
func (s *CachedProfileStore) DeleteByID(ctx context.Context, id string) error {
	if err := s.ProfileRepository.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.Invalidate(ctx, id)
	return nil
}

// Invalidate はキャッシュ済みのプロフィールを破棄する。
func (s *CachedProfileStore) Invalidate(ctx context.Context, id string) {
	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, profileCacheKeyPrefix+id).Err(); err != nil {
		s.logger.Warn("profile cache invalidation failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CachedProfileStore) cacheable(ctx context.Context, id string) bool {
	if s.client == nil {
		return false
	}
	sub := model.SubjectFromContext(ctx)
	return sub == "" || sub == id
}

func (s *CachedProfileStore) store(ctx context.Context, p *model.Profile) {
	if !p.OnboardingCompleted {
		s.Invalidate(ctx, p.ID)
		return
	}
	b, err := json.Marshal(cachedProfile{
		ID:                  p.ID,
		Username:            p.Username,
		FullName:            p.FullName,
		OnboardingCompleted: p.OnboardingCompleted,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, profileCacheKeyPrefix+p.ID, b, s.ttl).Err(); err != nil {
		s.logger.Warn("profile cache write failed",
			slog.String("user_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c cachedProfile) toModel() *model.Profile {
	return &model.Profile{
		ID:                  c.ID,
		Username:            c.Username,
		FullName:            c.FullName,
		OnboardingCompleted: c.OnboardingCompleted,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// compile-time interface check
var _ ProfileRepository = (*CachedProfileStore)(nil)
