package launch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/timeutil"
)

const tracerName = "github.com/hitoshi/fitgate/internal/launch"

// RouterConfig は起動ルーターの設定。
type RouterConfig struct {
	// SafetyValve は解決パス全体の上限時間。経過すると未確定の事実を既定値で確定させる。
	SafetyValve time.Duration
	// CreateMissingProfiles はプロフィールなしが確定した場合にプロフィールを作成するか。
	CreateMissingProfiles bool
	// IdentityChangeSettle はサインイン通知から権限の再確認までの待機時間。
	IdentityChangeSettle time.Duration
}

// DefaultRouterConfig は既定の設定を返す。
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SafetyValve:           8 * time.Second,
		CreateMissingProfiles: true,
		IdentityChangeSettle:  2 * time.Second,
	}
}

// RouterDeps はRouterが依存するコンポーネント。
type RouterDeps struct {
	Provider     SessionProvider
	Sessions     *SessionResolver
	Profiles     *ProfileVerifier
	ProfileStore ProfileStore
	Entitlements *EntitlementChecker
	PaywallSkip  *PaywallSkip
	Sanitizer    TextSanitizer
	Store        *Store
	Recorder     Recorder
	Config       RouterConfig
	Logger       *slog.Logger

	// TracerProvider はフェーズのスパンの発行元。nilの場合はグローバルのプロバイダーを使う。
	TracerProvider trace.TracerProvider
}

// Decision は1回の解決パスの結論。
type Decision struct {
	Key    string
	State  State
	Route  State
	Forced bool
	Facts  Inputs

	UserID string
	Linked bool

	Profile         *model.Profile
	ProfileVerdict  Verdict
	ProfileAttempts int

	Entitlement       model.EntitlementStatus
	EntitlementSource Source

	PaywallSkipped bool
}

// Router はセッション、プロフィール、権限、ペイウォールスキップを順に解決し、
// 起動時の遷移先を決定する。
type Router struct {
	provider     SessionProvider
	sessions     *SessionResolver
	profiles     *ProfileVerifier
	profileStore ProfileStore
	entitlements *EntitlementChecker
	skip         *PaywallSkip
	sanitizer    TextSanitizer
	store        *Store
	recorder     Recorder
	cfg          RouterConfig
	logger       *slog.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	baseCtx context.Context
}

// NewRouter は新しいRouterを生成する。
func NewRouter(deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Store
	if store == nil {
		store = NewStore()
	}
	var recorder Recorder = nopRecorder{}
	if deps.Recorder != nil {
		recorder = deps.Recorder
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	cfg := deps.Config
	if cfg.SafetyValve <= 0 {
		cfg.SafetyValve = DefaultRouterConfig().SafetyValve
	}
	return &Router{
		provider:     deps.Provider,
		sessions:     deps.Sessions,
		profiles:     deps.Profiles,
		profileStore: deps.ProfileStore,
		entitlements: deps.Entitlements,
		skip:         deps.PaywallSkip,
		sanitizer:    deps.Sanitizer,
		store:        store,
		recorder:     recorder,
		cfg:          cfg,
		logger:       logger,
		tracer:       tp.Tracer(tracerName),
		baseCtx:      context.Background(),
	}
}

// Store はルーティング状態のストアを返す。
func (r *Router) Store() *Store {
	return r.store
}

// Start はセッション変更通知の購読を開始する。ctxが終了すると購読を解除する。
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	if r.provider == nil {
		return
	}
	unsubscribe := r.provider.OnSessionChange(r.HandleSessionEvent)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
}

// HandleSessionEvent はセッション変更通知を処理する。
// サインアウトされたセッションの進行中の解決パスは未認証で確定させる。
// SessionIDのない通知（全セッションの終了）はユーザーのすべての解決パスが対象となる。
// 他の端末のセッションで進行中の解決パスには影響しない。
// サインインしたユーザーは待機後に権限を再確認する。
func (r *Router) HandleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case SessionSignedOut:
		for _, key := range r.store.KeysForSession(ev.UserID, ev.SessionID) {
			st := StateUnauthenticated
			r.store.Publish(Snapshot{
				Key:    key,
				UserID: ev.UserID,
				Facts:  Inputs{Session: Absent},
				State:  st,
				Route:  st.Destination(),
				Final:  true,
			})
		}
	case SessionSignedIn:
		if r.entitlements == nil || ev.UserID == "" {
			return
		}
		r.mu.Lock()
		ctx := r.baseCtx
		r.mu.Unlock()
		go func() {
			if err := timeutil.Sleep(ctx, r.cfg.IdentityChangeSettle); err != nil {
				return
			}
			r.entitlements.Refresh(ctx, ev.UserID, "identity_change")
		}()
	}
}

// Resolve は新しい解決パスを実行して遷移先を返す。
func (r *Router) Resolve(ctx context.Context, accessToken string) Decision {
	return r.ResolveKey(ctx, uuid.NewString(), accessToken)
}

// ResolveKey はkeyをストアのキーとして解決パスを実行する。
// 途中経過はストアへ公開されるため、Subscribeで購読できる。
// SafetyValveを超えた場合は未確定の事実を既定値で確定させ、Forcedを立てて返す。
func (r *Router) ResolveKey(ctx context.Context, key, accessToken string) Decision {
	ctx, span := r.tracer.Start(ctx, "launch.Resolve")
	defer span.End()

	start := time.Now()
	vctx, cancel := context.WithTimeout(ctx, r.cfg.SafetyValve)
	defer cancel()

	p := &pass{key: key, store: r.store}
	p.update(func(*Inputs, *Decision) {})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(vctx, p, accessToken)
	}()

	var d Decision
	select {
	case <-done:
		d = p.finish(false)
	case <-vctx.Done():
		if errors.Is(vctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.recorder.RecordSafetyValve()
			r.logger.Warn("launch safety valve fired, forcing route",
				slog.String("key", key),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
		d = p.finish(true)
	}
	r.store.Forget(key)

	r.recorder.RecordDecision(string(d.Route), d.Forced)
	span.SetAttributes(
		attribute.String("launch.route", string(d.Route)),
		attribute.Bool("launch.forced", d.Forced),
	)
	r.logger.Info("launch route resolved",
		slog.String("key", key),
		slog.String("user_id", d.UserID),
		slog.String("route", string(d.Route)),
		slog.Bool("forced", d.Forced),
		slog.Duration("elapsed", time.Since(start)),
	)
	return d
}

// run はフェーズを順に実行する。各フェーズの後に、外部からパスが確定されていないかを確認する。
func (r *Router) run(ctx context.Context, p *pass, accessToken string) {
	sctx, span := r.tracer.Start(ctx, "launch.session")
	sess := r.sessions.Resolve(sctx, accessToken)
	span.SetAttributes(attribute.Bool("launch.session.present", sess.Presence == Present))
	span.End()

	if sess.Presence == Present {
		r.store.Bind(p.key, sess.UserID, sess.SessionID)
	}
	if !p.update(func(in *Inputs, d *Decision) {
		in.Session = sess.Presence
		d.UserID = sess.UserID
		d.Linked = sess.Linked
	}) {
		return
	}
	if sess.Presence != Present {
		return
	}

	pctx, span := r.tracer.Start(ctx, "launch.profile")
	res := r.profiles.Verify(pctx, VerifyRequest{
		UserID: sess.UserID,
		Linked: sess.Linked,
		ActiveIdentity: func(c context.Context) (string, error) {
			return r.sessions.ActiveIdentity(c, accessToken)
		},
	})
	span.SetAttributes(
		attribute.String("launch.profile.verdict", string(res.Verdict)),
		attribute.Int("launch.profile.attempts", res.Attempts),
	)
	span.End()
	r.recorder.RecordProfileVerdict(string(res.Verdict), res.Attempts)

	profile := res.Profile
	if res.Verdict == VerdictAbsent && r.cfg.CreateMissingProfiles && ctx.Err() == nil {
		profile = r.createProfile(ctx, sess)
	}
	if !p.update(func(in *Inputs, d *Decision) {
		if profile != nil {
			in.Profile = Present
			in.OnboardingCompleted = profile.OnboardingCompleted
		} else {
			in.Profile = Absent
		}
		d.Profile = profile
		d.ProfileVerdict = res.Verdict
		d.ProfileAttempts = res.Attempts
	}) {
		return
	}
	if profile == nil || !profile.OnboardingCompleted {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ectx, span := r.tracer.Start(gctx, "launch.entitlement")
		er := r.entitlements.Check(ectx, sess.UserID)
		span.SetAttributes(
			attribute.Bool("launch.entitlement.premium", er.Status.IsPremium),
			attribute.String("launch.entitlement.source", string(er.Source)),
		)
		span.End()
		r.recorder.RecordEntitlementCheck(string(er.Source))
		p.update(func(in *Inputs, d *Decision) {
			in.EntitlementSettled = true
			in.IsPremium = er.Status.IsPremium
			d.Entitlement = er.Status
			d.EntitlementSource = er.Source
		})
		return nil
	})
	g.Go(func() error {
		skipped := r.skip.IsSkipped(gctx, sess.UserID)
		p.update(func(in *Inputs, d *Decision) {
			in.SkipSettled = true
			in.PaywallSkipped = skipped
			d.PaywallSkipped = skipped
		})
		return nil
	})
	_ = g.Wait()
}

// createProfile はセッションの情報から既定値のプロフィールを作成する。失敗時はnilを返す。
func (r *Router) createProfile(ctx context.Context, sess SessionResult) *model.Profile {
	if r.profileStore == nil {
		return nil
	}
	defaults := model.ProfileDefaults{
		Username: sess.Email,
		FullName: sess.DisplayName,
	}
	if r.sanitizer != nil {
		defaults.Username = r.sanitizer.SanitizeText(defaults.Username)
		defaults.FullName = r.sanitizer.SanitizeText(defaults.FullName)
	}
	defaults.Username = strings.TrimSpace(defaults.Username)
	defaults.FullName = strings.TrimSpace(defaults.FullName)

	profile, err := r.profileStore.CreateProfile(model.ContextWithSubject(ctx, sess.UserID), sess.UserID, defaults)
	if err != nil {
		r.logger.Warn("failed to create profile",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	r.logger.Info("profile created",
		slog.String("user_id", sess.UserID),
	)
	return profile
}

// pass は1回の解決パスの可変状態。確定後の書き込みは無視する。
type pass struct {
	mu       sync.Mutex
	key      string
	store    *Store
	facts    Inputs
	decision Decision
	frozen   bool
}

// update は事実を更新して途中経過を公開する。パスが確定済みの場合はfalseを返す。
func (p *pass) update(fn func(in *Inputs, d *Decision)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen || p.closedExternally() {
		return false
	}
	fn(&p.facts, &p.decision)
	st := Evaluate(p.facts)
	p.store.Publish(Snapshot{
		Key:    p.key,
		UserID: p.decision.UserID,
		Facts:  p.facts,
		State:  st,
		Route:  st.Destination(),
	})
	return true
}

// finish はパスを確定させる。forcedの場合は未確定の事実を既定値で確定させる。
func (p *pass) finish(forced bool) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen || p.closedExternally() {
		return p.decision
	}
	p.frozen = true

	facts := p.facts
	if forced {
		facts = Force(facts)
	}
	st := Evaluate(facts)
	p.decision.Key = p.key
	p.decision.Facts = facts
	p.decision.State = st
	p.decision.Route = st.Destination()
	p.decision.Forced = forced
	p.store.Publish(Snapshot{
		Key:    p.key,
		UserID: p.decision.UserID,
		Facts:  facts,
		State:  st,
		Route:  st.Destination(),
		Final:  true,
		Forced: forced,
	})
	return p.decision
}

// closedExternally はサインアウト通知などでパスが外部から確定されたかを確認し、
// 確定されていれば結論を取り込む。p.muを保持した状態で呼び出す。
func (p *pass) closedExternally() bool {
	snap, ok := p.store.Latest(p.key)
	if !ok || !snap.Final {
		return false
	}
	p.frozen = true
	p.facts = snap.Facts
	p.decision.Key = p.key
	p.decision.Facts = snap.Facts
	p.decision.State = snap.State
	p.decision.Route = snap.Route
	p.decision.Forced = snap.Forced
	return true
}
