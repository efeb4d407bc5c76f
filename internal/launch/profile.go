package launch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
	"github.com/hitoshi/fitgate/internal/timeutil"
)

// Verdict はプロフィール検証の結論。
type Verdict string

const (
	// VerdictFound はプロフィールが見つかった。
	VerdictFound Verdict = "found"
	// VerdictAbsent は身元の一致した直接読み取りでプロフィールがないことを確認した。
	VerdictAbsent Verdict = "absent"
	// VerdictAbsentAfterTimeout は上限時間に達したためプロフィールなしとみなした。
	VerdictAbsentAfterTimeout Verdict = "absent_after_timeout"
	// VerdictInconclusive は最終検証でも確定できなかった。プロフィールなしとして扱う。
	VerdictInconclusive Verdict = "inconclusive_exhausted"
)

// VerifyPolicy はプロフィール検証のリトライ方針。
type VerifyPolicy struct {
	// LinkedRetries / LinkedDelay は複数IDプロバイダーが紐付くセッションのリトライ回数と間隔。
	LinkedRetries int
	LinkedDelay   time.Duration
	// StandardRetries / StandardDelay は通常セッションのリトライ回数と間隔。
	StandardRetries int
	StandardDelay   time.Duration
	// AttemptTimeout は通常の読み取り1回あたりの上限時間。
	AttemptTimeout time.Duration
	// FinalReadTimeout は最終検証の直接読み取り1回あたりの上限時間。
	FinalReadTimeout time.Duration
	// FinalCeiling は最終検証全体の上限時間。
	FinalCeiling time.Duration
	// RetryCeiling はリトライループ全体の上限時間。
	RetryCeiling time.Duration
}

// DefaultVerifyPolicy は既定のリトライ方針を返す。
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		LinkedRetries:    5,
		LinkedDelay:      time.Second,
		StandardRetries:  1,
		StandardDelay:    500 * time.Millisecond,
		AttemptTimeout:   5 * time.Second,
		FinalReadTimeout: 2 * time.Second,
		FinalCeiling:     8 * time.Second,
		RetryCeiling:     25 * time.Second,
	}
}

// VerifyRequest はプロフィール検証の入力。
type VerifyRequest struct {
	UserID string
	Linked bool
	// ActiveIdentity は読み取り時点のセッションのユーザーIDを返す。nilの場合は照合しない。
	ActiveIdentity func(ctx context.Context) (string, error)
}

// ProfileResult はプロフィール検証の結果。
type ProfileResult struct {
	Profile  *model.Profile
	Verdict  Verdict
	Attempts int
	// UserID は最後に照会したユーザーID。
	UserID string
}

// Presence は検証結果をルーティング入力に変換する。
func (r ProfileResult) Presence() Presence {
	if r.Verdict == VerdictFound && r.Profile != nil {
		return Present
	}
	return Absent
}

type lookupKind int

const (
	lookupFound lookupKind = iota
	lookupNotFound
	lookupDenied
	lookupTimeout
	lookupFailed
)

// ProfileVerifier はレプリケーション遅延や認可の一時的な拒否を考慮して
// プロフィールの有無を確定させる。
type ProfileVerifier struct {
	store  ProfileStore
	direct DirectProfileReader
	policy VerifyPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// VerifierOption はProfileVerifierのオプション。
type VerifierOption func(*ProfileVerifier)

// WithSleep はリトライ間隔の待機関数を差し替える。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) VerifierOption {
	return func(v *ProfileVerifier) {
		v.sleep = fn
	}
}

// NewProfileVerifier は新しいProfileVerifierを生成する。
func NewProfileVerifier(store ProfileStore, policy VerifyPolicy, logger *slog.Logger, opts ...VerifierOption) *ProfileVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &ProfileVerifier{
		store:  store,
		policy: policy,
		sleep:  timeutil.Sleep,
		logger: logger,
	}
	if d, ok := store.(DirectProfileReader); ok {
		v.direct = d
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify はプロフィールの有無を判定する。
// リトライ予算またはRetryCeilingを使い切るまでプロフィールなしとは結論しない。
// 予算を使い切った後は、キャッシュを経由しない直接読み取りで最終検証を行う。
func (v *ProfileVerifier) Verify(ctx context.Context, req VerifyRequest) ProfileResult {
	res := ProfileResult{UserID: req.UserID}

	retries, delay := v.policy.StandardRetries, v.policy.StandardDelay
	if req.Linked {
		retries, delay = v.policy.LinkedRetries, v.policy.LinkedDelay
	}

	loopCtx, cancel := context.WithTimeout(ctx, v.policy.RetryCeiling)
	defer cancel()

	timedOut := false
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := v.sleep(loopCtx, delay); err != nil {
				timedOut = true
				break
			}
		}

		res.Attempts++
		r := Race(loopCtx, v.policy.AttemptTimeout, func(c context.Context) (*model.Profile, error) {
			return v.store.GetProfileByID(model.ContextWithSubject(c, req.UserID), req.UserID)
		})
		kind := classifyLookup(r)
		if kind == lookupFound {
			res.Profile = r.Value
			res.Verdict = VerdictFound
			return res
		}
		v.logger.Debug("profile not yet visible",
			slog.String("user_id", req.UserID),
			slog.Int("attempt", res.Attempts),
			slog.Bool("linked", req.Linked),
			slog.String("outcome", r.Outcome.String()),
		)
		if kind == lookupTimeout && loopCtx.Err() != nil {
			timedOut = true
			break
		}
	}

	// 親コンテキストが終了している場合は最終検証を行わない
	if ctx.Err() != nil {
		res.Verdict = VerdictAbsentAfterTimeout
		return res
	}

	final := v.finalVerify(ctx, req)
	final.Attempts += res.Attempts
	if final.Verdict == VerdictAbsent && timedOut {
		v.logger.Info("profile absence confirmed after retry ceiling",
			slog.String("user_id", req.UserID),
		)
	}
	return final
}

// finalVerify はキャッシュを経由しない直接読み取りでプロフィールの有無を確定させる。
// 身元の不一致や認可拒否は確定不能として、もう1回だけ解決を試みる。
func (v *ProfileVerifier) finalVerify(ctx context.Context, req VerifyRequest) ProfileResult {
	fctx, cancel := context.WithTimeout(ctx, v.policy.FinalCeiling)
	defer cancel()

	identity := req.UserID
	res := ProfileResult{UserID: identity}
	for pass := 0; pass < 2; pass++ {
		res.Attempts++
		res.UserID = identity
		r := Race(fctx, v.policy.FinalReadTimeout, func(c context.Context) (*model.Profile, error) {
			return v.readDirect(c, identity)
		})

		active := identity
		if req.ActiveIdentity != nil {
			id, err := req.ActiveIdentity(fctx)
			switch {
			case err != nil:
				v.logger.Warn("failed to read active identity during final verification",
					slog.String("user_id", identity),
					slog.String("error", err.Error()),
				)
			case id == "":
				// 検証中にサインアウトされた
				res.Verdict = VerdictAbsent
				return res
			default:
				active = id
			}
		}
		mismatch := active != identity

		kind := classifyLookup(r)
		switch {
		case kind == lookupFound && !mismatch && r.Value.ID == identity:
			res.Profile = r.Value
			res.Verdict = VerdictFound
			return res
		case kind == lookupNotFound && !mismatch:
			res.Verdict = VerdictAbsent
			return res
		case kind == lookupTimeout && fctx.Err() != nil:
			res.Verdict = VerdictAbsentAfterTimeout
			return res
		}

		v.logger.Warn("final profile verification inconclusive",
			slog.String("user_id", identity),
			slog.String("active_user_id", active),
			slog.Bool("identity_mismatch", mismatch),
			slog.String("outcome", r.Outcome.String()),
			slog.Int("pass", pass+1),
		)
		identity = active
	}

	res.Verdict = VerdictInconclusive
	return res
}

// readDirect は照会に使う身元を主体として直接読み取りを行う。
func (v *ProfileVerifier) readDirect(ctx context.Context, id string) (*model.Profile, error) {
	ctx = model.ContextWithSubject(ctx, id)
	if v.direct != nil {
		return v.direct.ReadProfileDirect(ctx, id)
	}
	return v.store.GetProfileByID(ctx, id)
}

// classifyLookup は読み取り結果をエラー分類に変換する。
func classifyLookup(r Result[*model.Profile]) lookupKind {
	switch r.Outcome {
	case OutcomeTimeout:
		return lookupTimeout
	case OutcomeError:
		if errors.Is(r.Err, model.ErrAuthorizationDenied) {
			return lookupDenied
		}
		return lookupFailed
	}
	if r.Value == nil {
		return lookupNotFound
	}
	return lookupFound
}
