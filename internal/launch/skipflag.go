package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// skipRecord はペイウォールスキップフラグの保存形式。
type skipRecord struct {
	Skipped bool   `json:"skipped"`
	UserID  string `json:"userId"`
}

// SkipKey はユーザーのペイウォールスキップフラグのキーを返す。
func SkipKey(userID string) string {
	return "paywall_skipped_" + userID
}

// PaywallSkip はユーザーごとのペイウォールスキップフラグを管理する。
type PaywallSkip struct {
	store  FlagStore
	logger *slog.Logger
}

// NewPaywallSkip は新しいPaywallSkipを生成する。
func NewPaywallSkip(store FlagStore, logger *slog.Logger) *PaywallSkip {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaywallSkip{store: store, logger: logger}
}

// IsSkipped はユーザーがペイウォールをスキップ済みかを返す。
// 読み取りエラー、解析エラー、ユーザーIDの不一致はすべてfalseとして扱う。
func (p *PaywallSkip) IsSkipped(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	raw, ok, err := p.store.Get(ctx, SkipKey(userID))
	if err != nil {
		p.logger.Warn("failed to read paywall skip flag",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		return false
	}

	var rec skipRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		p.logger.Warn("malformed paywall skip flag",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return rec.Skipped && rec.UserID == userID
}

// Skip はユーザーのペイウォールスキップを記録する。
func (p *PaywallSkip) Skip(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	b, err := json.Marshal(skipRecord{Skipped: true, UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to encode paywall skip flag: %w", err)
	}
	if err := p.store.Set(ctx, SkipKey(userID), string(b)); err != nil {
		return fmt.Errorf("failed to store paywall skip flag: %w", err)
	}
	return nil
}

// Clear はユーザーのペイウォールスキップを取り消す。ログアウト時に呼び出す。
func (p *PaywallSkip) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := p.store.Remove(ctx, SkipKey(userID)); err != nil {
		return fmt.Errorf("failed to clear paywall skip flag: %w", err)
	}
	return nil
}
