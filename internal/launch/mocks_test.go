package launch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
)

// --- SessionProvider ---

type mockSessionProvider struct {
	getSessionFn func(ctx context.Context, token string) (*model.Session, error)
	signOutFn    func(ctx context.Context, token string) error

	mu           sync.Mutex
	listeners    map[int]func(SessionEvent)
	nextID       int
	signOutCalls atomic.Int32
}

func (m *mockSessionProvider) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, token)
	}
	return nil, nil
}

func (m *mockSessionProvider) SignOut(ctx context.Context, token string) error {
	m.signOutCalls.Add(1)
	if m.signOutFn != nil {
		return m.signOutFn(ctx, token)
	}
	return nil
}

func (m *mockSessionProvider) OnSessionChange(fn func(SessionEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[int]func(SessionEvent))
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *mockSessionProvider) emit(ev SessionEvent) {
	m.mu.Lock()
	fns := make([]func(SessionEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func staticSession(userID string, providers ...string) func(context.Context, string) (*model.Session, error) {
	if len(providers) == 0 {
		providers = []string{"email"}
	}
	return func(_ context.Context, token string) (*model.Session, error) {
		return &model.Session{
			ID:          "session-1",
			UserID:      userID,
			Email:       userID + "@example.com",
			DisplayName: "Test User",
			Providers:   providers,
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}
}

// --- ProfileStore ---

type mockProfileStore struct {
	getFn    func(ctx context.Context, id string) (*model.Profile, error)
	createFn func(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error)

	getCalls    atomic.Int32
	createCalls atomic.Int32
}

func (m *mockProfileStore) GetProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	m.getCalls.Add(1)
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfileStore) CreateProfile(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error) {
	m.createCalls.Add(1)
	if m.createFn != nil {
		return m.createFn(ctx, id, defaults)
	}
	return &model.Profile{ID: id, Username: defaults.Username, FullName: defaults.FullName}, nil
}

// mockDirectProfileStore はキャッシュを経由しない読み取りを持つProfileStore。
type mockDirectProfileStore struct {
	mockProfileStore
	readDirectFn func(ctx context.Context, id string) (*model.Profile, error)
	directCalls  atomic.Int32
}

func (m *mockDirectProfileStore) ReadProfileDirect(ctx context.Context, id string) (*model.Profile, error) {
	m.directCalls.Add(1)
	if m.readDirectFn != nil {
		return m.readDirectFn(ctx, id)
	}
	return nil, nil
}

func completedProfile(id string) *model.Profile {
	return &model.Profile{ID: id, Username: id, OnboardingCompleted: true}
}

// --- EntitlementProvider ---

type mockEntitlementProvider struct {
	setUserIDFn func(ctx context.Context, userID string) error
	isPremiumFn func(ctx context.Context, userID string) (bool, error)
	infoFn      func(ctx context.Context, userID string) (model.EntitlementStatus, error)

	isPremiumCalls atomic.Int32
}

func (m *mockEntitlementProvider) SetUserID(ctx context.Context, userID string) error {
	if m.setUserIDFn != nil {
		return m.setUserIDFn(ctx, userID)
	}
	return nil
}

func (m *mockEntitlementProvider) IsPremiumActive(ctx context.Context, userID string) (bool, error) {
	m.isPremiumCalls.Add(1)
	if m.isPremiumFn != nil {
		return m.isPremiumFn(ctx, userID)
	}
	return false, nil
}

func (m *mockEntitlementProvider) GetSubscriptionInfo(ctx context.Context, userID string) (model.EntitlementStatus, error) {
	if m.infoFn != nil {
		return m.infoFn(ctx, userID)
	}
	return model.EntitlementStatus{IsPremium: true}, nil
}

// --- StatusCache ---

type memStatusCache struct {
	mu       sync.Mutex
	statuses map[string]model.EntitlementStatus
}

func newMemStatusCache() *memStatusCache {
	return &memStatusCache{statuses: make(map[string]model.EntitlementStatus)}
}

func (c *memStatusCache) Load(_ context.Context, userID string) (model.EntitlementStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[userID]
	return s, ok, nil
}

func (c *memStatusCache) Store(_ context.Context, userID string, status model.EntitlementStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[userID] = status
	return nil
}

func (c *memStatusCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, userID)
	return nil
}

// --- FlagStore ---

type memFlagStore struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
}

func newMemFlagStore() *memFlagStore {
	return &memFlagStore{values: make(map[string]string)}
}

func (s *memFlagStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memFlagStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *memFlagStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// --- sleep ---

// recordingSleep は待機せずに要求された待機時間を記録する。
type recordingSleep struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.calls))
	copy(out, s.calls)
	return out
}

// --- Recorder ---

type mockRecorder struct {
	mu         sync.Mutex
	decisions  []string
	verdicts   []string
	sources    []string
	valveFired int
}

func (r *mockRecorder) RecordDecision(route string, forced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, route)
}

func (r *mockRecorder) RecordProfileVerdict(verdict string, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, verdict)
}

func (r *mockRecorder) RecordEntitlementCheck(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

func (r *mockRecorder) RecordSafetyValve() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valveFired++
}

type bracketSanitizer struct{}

func (bracketSanitizer) SanitizeText(s string) string {
	return "[" + s + "]"
}
