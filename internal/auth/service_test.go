package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockIdentityRepo struct {
	listByUserIDFn func(ctx context.Context, userID string) ([]*model.Identity, error)
	createFn       func(ctx context.Context, identity *model.Identity) error
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, _, _ string) (*model.Identity, error) {
	return nil, nil
}

func (m *mockIdentityRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error) {
	if m.listByUserIDFn != nil {
		return m.listByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) Revoke(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

func (m *mockSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)

// --- ヘルパー ---

const testSecret = "test-jwt-secret-32bytes-long!!!!"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func validClaims(userID, sessionID string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: sessionID,
		Email:     "user@example.com",
		AppMetadata: AppMetadata{
			Provider:  "email",
			Providers: []string{"email", "apple"},
		},
		UserMetadata: UserMetadata{FullName: "Test User"},
	}
}

func newTestProvider(users *mockUserRepo, idents *mockIdentityRepo, sessions *mockSessionRepo) *Provider {
	p := NewProvider(NewTokenVerifier(testSecret, nil, ""), users, idents, sessions, ServiceConfig{SessionMaxAge: 24 * time.Hour}, nil)
	p.now = func() time.Time { return testNow }
	return p
}

func usableSession(id, userID string) *model.Session {
	return &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: testNow.Add(time.Hour),
		CreatedAt: testNow.Add(-time.Hour),
	}
}

// --- テスト ---

func TestGetSession_ReturnsSessionWithProviders(t *testing.T) {
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			if id != "sess-1" {
				t.Errorf("FindByID id = %q, want %q", id, "sess-1")
			}
			return usableSession(id, "user-1"), nil
		},
	}
	idents := &mockIdentityRepo{
		listByUserIDFn: func(_ context.Context, _ string) ([]*model.Identity, error) {
			return []*model.Identity{{Provider: "email"}, {Provider: "apple"}, {Provider: "apple"}}, nil
		},
	}
	p := newTestProvider(&mockUserRepo{}, idents, sessions)

	sess, err := p.GetSession(context.Background(), signHS256(t, validClaims("user-1", "sess-1")))
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess == nil {
		t.Fatal("expected non-nil session")
	}
	if sess.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", sess.UserID, "user-1")
	}
	if len(sess.Providers) != 2 {
		t.Errorf("Providers = %v, want 2 distinct providers", sess.Providers)
	}
	if !sess.HasMultipleIdentities() {
		t.Error("expected linked session")
	}
	if sess.Email != "user@example.com" || sess.DisplayName != "Test User" {
		t.Errorf("Email/DisplayName = %q/%q, want claims values", sess.Email, sess.DisplayName)
	}
}

func TestGetSession_InvalidSessionRows(t *testing.T) {
	revokedAt := testNow.Add(-time.Minute)
	tests := []struct {
		name    string
		session *model.Session
	}{
		{"セッション行なし", nil},
		{"失効済み", &model.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: testNow.Add(time.Hour), RevokedAt: &revokedAt}},
		{"期限切れ", &model.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: testNow.Add(-time.Hour)}},
		{"別ユーザーのセッション", usableSession("sess-1", "user-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessionRepo{
				findByIDFn: func(_ context.Context, _ string) (*model.Session, error) {
					return tt.session, nil
				},
			}
			p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, sessions)

			sess, err := p.GetSession(context.Background(), signHS256(t, validClaims("user-1", "sess-1")))
			if sess != nil {
				t.Errorf("expected nil session, got %+v", sess)
			}
			if !errors.Is(err, model.ErrRefreshTokenInvalid) {
				t.Errorf("error = %v, want ErrRefreshTokenInvalid", err)
			}
			if !launch.IsRefreshTokenInvalid(err) {
				t.Error("launch should classify the error as refresh token invalid")
			}
		})
	}
}

func TestGetSession_ExpiredTokenIsNoSession(t *testing.T) {
	claims := validClaims("user-1", "sess-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{
		findByIDFn: func(_ context.Context, _ string) (*model.Session, error) {
			t.Error("FindByID should not be called for an expired token")
			return nil, nil
		},
	})

	sess, err := p.GetSession(context.Background(), signHS256(t, claims))
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil session, got %+v", sess)
	}
}

func TestGetSession_BadSignature(t *testing.T) {
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1", "sess-1")).SignedString([]byte("another-secret"))
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})

	_, err := p.GetSession(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
	if errors.Is(err, model.ErrRefreshTokenInvalid) {
		t.Error("a bad signature must not be treated as a corrupted session")
	}
}

func TestGetSession_IdentityListFailureTreatedAsUnlinked(t *testing.T) {
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return usableSession(id, "user-1"), nil
		},
	}
	idents := &mockIdentityRepo{
		listByUserIDFn: func(_ context.Context, _ string) ([]*model.Identity, error) {
			return nil, errors.New("db error")
		},
	}
	p := newTestProvider(&mockUserRepo{}, idents, sessions)

	sess, err := p.GetSession(context.Background(), signHS256(t, validClaims("user-1", "sess-1")))
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.HasMultipleIdentities() {
		t.Error("expected unlinked session when identities cannot be listed")
	}
}

func TestSignIn_NewUser_CreatesUserIdentitiesAndSession(t *testing.T) {
	var createdUser *model.User
	var linked []string
	var createdSession *model.Session

	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			if identity.Provider != "email" {
				t.Errorf("first identity provider = %q, want %q", identity.Provider, "email")
			}
			return nil
		},
	}
	idents := &mockIdentityRepo{
		createFn: func(_ context.Context, identity *model.Identity) error {
			linked = append(linked, identity.Provider)
			return nil
		},
	}
	sessions := &mockSessionRepo{
		createFn: func(_ context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}
	p := newTestProvider(users, idents, sessions)

	var events []launch.SessionEvent
	p.OnSessionChange(func(ev launch.SessionEvent) { events = append(events, ev) })

	sess, err := p.SignIn(context.Background(), signHS256(t, validClaims("user-1", "sess-1")))
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if createdUser == nil || createdUser.ID != "user-1" || createdUser.Name != "Test User" {
		t.Errorf("created user = %+v, want id user-1 named Test User", createdUser)
	}
	if len(linked) != 2 || linked[0] != "email" || linked[1] != "apple" {
		t.Errorf("linked providers = %v, want [email apple]", linked)
	}
	if createdSession == nil {
		t.Fatal("expected session to be created")
	}
	if !createdSession.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", createdSession.ExpiresAt, testNow.Add(24*time.Hour))
	}
	if sess.ID != "sess-1" {
		t.Errorf("session ID = %q, want %q", sess.ID, "sess-1")
	}
	if len(events) != 1 || events[0].Kind != launch.SessionSignedIn || events[0].UserID != "user-1" {
		t.Errorf("events = %+v, want one signed_in event for user-1", events)
	}
}

func TestSignIn_ExistingSessionIsReused(t *testing.T) {
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		createWithIdentityFn: func(_ context.Context, _ *model.User, _ *model.Identity) error {
			t.Error("CreateWithIdentity should not be called for an existing user")
			return nil
		},
	}
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return usableSession(id, "user-1"), nil
		},
		createFn: func(_ context.Context, _ *model.Session) error {
			t.Error("Create should not be called for an existing session")
			return nil
		},
	}
	p := newTestProvider(users, &mockIdentityRepo{}, sessions)

	if _, err := p.SignIn(context.Background(), signHS256(t, validClaims("user-1", "sess-1"))); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
}

func TestSignIn_RevokedSessionIsRejected(t *testing.T) {
	revokedAt := testNow
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1", ExpiresAt: testNow.Add(time.Hour), RevokedAt: &revokedAt}, nil
		},
	}
	p := newTestProvider(&mockUserRepo{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
		return &model.User{ID: id}, nil
	}}, &mockIdentityRepo{}, sessions)

	_, err := p.SignIn(context.Background(), signHS256(t, validClaims("user-1", "sess-1")))
	if !errors.Is(err, model.ErrRefreshTokenInvalid) {
		t.Errorf("error = %v, want ErrRefreshTokenInvalid", err)
	}
}

func TestSignOut_DeletesSessionEvenWithExpiredToken(t *testing.T) {
	var deleted string
	sessions := &mockSessionRepo{
		deleteByIDFn: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, sessions)

	var events []launch.SessionEvent
	unsubscribe := p.OnSessionChange(func(ev launch.SessionEvent) { events = append(events, ev) })
	defer unsubscribe()

	claims := validClaims("user-1", "sess-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	if err := p.SignOut(context.Background(), signHS256(t, claims)); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if deleted != "sess-1" {
		t.Errorf("deleted session = %q, want %q", deleted, "sess-1")
	}
	if len(events) != 1 || events[0].Kind != launch.SessionSignedOut {
		t.Errorf("events = %+v, want one signed_out event", events)
	}
}

func TestSignOut_RejectsForgedToken(t *testing.T) {
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1", "sess-1")).SignedString([]byte("forged"))
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{
		deleteByIDFn: func(_ context.Context, _ string) error {
			t.Error("DeleteByID should not be called for a forged token")
			return nil
		},
	})

	if err := p.SignOut(context.Background(), token); err == nil {
		t.Error("expected error for forged token")
	}
}

func TestSignOutUser_DeletesAllSessions(t *testing.T) {
	var deletedFor string
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{
		deleteByUserIDFn: func(_ context.Context, userID string) error {
			deletedFor = userID
			return nil
		},
	})

	if err := p.SignOutUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("SignOutUser() error = %v", err)
	}
	if deletedFor != "user-1" {
		t.Errorf("DeleteByUserID user = %q, want %q", deletedFor, "user-1")
	}
}

func TestOnSessionChange_Unsubscribe(t *testing.T) {
	p := newTestProvider(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})

	var mu sync.Mutex
	count := 0
	unsubscribe := p.OnSessionChange(func(launch.SessionEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	p.notify(launch.SessionEvent{Kind: launch.SessionSignedOut, UserID: "user-1"})
	unsubscribe()
	unsubscribe()
	p.notify(launch.SessionEvent{Kind: launch.SessionSignedOut, UserID: "user-1"})

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("listener called %d times, want 1", count)
	}
}
