// Package launch はアプリ起動時の遷移先決定（セッション解決、プロフィール検証、
// 権限確認、ペイウォールスキップ判定）を提供する。
//
// 各フェーズは外部サービスのエラーを呼び出し元へ伝播させず、
// pending / absent / present のいずれかの値に正規化してから返す。
package launch

// State は起動ルーティングの状態を表す。
type State string

const (
	// StateLoading はいずれかの判定が未確定でローディング表示を続ける状態。
	StateLoading State = "loading"
	// StateUnauthenticated はセッションがなくサインイン画面へ遷移する状態。
	StateUnauthenticated State = "unauthenticated"
	// StateNeedsOnboarding はプロフィール未作成またはオンボーディング未完了の状態。
	StateNeedsOnboarding State = "needs_onboarding"
	// StateNeedsEntitlementDecision はオンボーディング完了済みで、
	// 権限確認またはペイウォールスキップ判定を待っている状態。遷移先はローディング。
	StateNeedsEntitlementDecision State = "needs_entitlement_decision"
	// StatePaywallRequired は非プレミアムかつスキップしていないためペイウォールを表示する状態。
	StatePaywallRequired State = "paywall_required"
	// StateAuthorized はメイン画面へ遷移できる状態。
	StateAuthorized State = "authorized"
)

// Destination は状態に対応するナビゲーション先を返す。
// 権限判定待ちはUI上ローディングとして扱う。
func (s State) Destination() State {
	if s == StateNeedsEntitlementDecision {
		return StateLoading
	}
	return s
}

// IsTerminal は状態がこれ以上のフェーズを必要としないかを返す。
func (s State) IsTerminal() bool {
	switch s {
	case StateUnauthenticated, StateNeedsOnboarding, StatePaywallRequired, StateAuthorized:
		return true
	default:
		return false
	}
}

// Presence は非同期に解決される事実の確定状況を表す。
type Presence int

const (
	// Pending は未確定。
	Pending Presence = iota
	// Absent は存在しないことが確定した。
	Absent
	// Present は存在することが確定した。
	Present
)

// String はログ出力用の表現を返す。
func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "pending"
	}
}

// Inputs はルーティング判定に使う確定済み・未確定の事実の集合。
type Inputs struct {
	Session Presence

	Profile             Presence
	OnboardingCompleted bool

	EntitlementSettled bool
	IsPremium          bool

	SkipSettled    bool
	PaywallSkipped bool
}

// Evaluate は入力から状態を決定する純粋関数。
// 判定は以下の順に評価し、最初に一致した規則の状態を返す。
//
//  1. セッション未確定 → Loading
//  2. セッションなし → Unauthenticated
//  3. プロフィール未確定 → Loading
//  4. プロフィールなし → NeedsOnboarding
//  5. オンボーディング未完了 → NeedsOnboarding
//  6. 権限またはスキップ判定が未確定 → NeedsEntitlementDecision（遷移先はLoading）
//  7. 非プレミアムかつ未スキップ → PaywallRequired
//  8. それ以外 → Authorized
func Evaluate(in Inputs) State {
	switch {
	case in.Session == Pending:
		return StateLoading
	case in.Session == Absent:
		return StateUnauthenticated
	case in.Profile == Pending:
		return StateLoading
	case in.Profile == Absent:
		return StateNeedsOnboarding
	case !in.OnboardingCompleted:
		return StateNeedsOnboarding
	case !in.EntitlementSettled || !in.SkipSettled:
		return StateNeedsEntitlementDecision
	case !in.IsPremium && !in.PaywallSkipped:
		return StatePaywallRequired
	default:
		return StateAuthorized
	}
}

// Force はセーフティバルブ発火時に未確定の事実を既定値で確定させた入力を返す。
// セッションとプロフィールは「なし」、権限は非プレミアム、スキップはfalseに倒す。
func Force(in Inputs) Inputs {
	if in.Session == Pending {
		in.Session = Absent
	}
	if in.Profile == Pending {
		in.Profile = Absent
	}
	if !in.EntitlementSettled {
		in.EntitlementSettled = true
		in.IsPremium = false
	}
	if !in.SkipSettled {
		in.SkipSettled = true
		in.PaywallSkipped = false
	}
	return in
}
