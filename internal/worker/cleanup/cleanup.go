// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 期限切れのセッションと、保持期間（デフォルト90日）を超過した
// 課金Webhookイベントの監査ログを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションの削除を抽象化するインターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EventPurger は古い監査ログの削除を抽象化するインターフェース。
type EventPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Recorder は削除件数を記録する。
type Recorder interface {
	RecordCleanup(target string, deleted int64)
}

// 削除対象の名前。ログとメトリクスのラベルに使う。
const (
	TargetSessions = "sessions"
	TargetEvents   = "subscription_events"
)

// CleanupJob は期限切れデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	sessions      SessionPurger
	events        EventPurger
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 監査ログの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, events EventPurger, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions:      sessions,
		events:        events,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Run は期限切れセッションと保持期間を超過した監査ログを削除する。
// 片方が失敗してももう片方は実行し、最初のエラーを返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	sessionCount, sessionErr := j.purge(ctx, TargetSessions, func() (int64, error) {
		return j.sessions.DeleteExpired(ctx, start)
	})

	eventsBefore := start.Add(-time.Duration(j.RetentionDays) * 24 * time.Hour)
	eventCount, eventErr := j.purge(ctx, TargetEvents, func() (int64, error) {
		return j.events.DeleteOlderThan(ctx, eventsBefore)
	})

	if sessionErr != nil {
		return sessionErr
	}
	if eventErr != nil {
		return eventErr
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_events", eventCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *CleanupJob) purge(ctx context.Context, target string, fn func() (int64, error)) (int64, error) {
	n, err := fn()
	if err != nil {
		j.logger.ErrorContext(ctx, "クリーンアップの実行に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", target, err)
	}
	if j.recorder != nil {
		j.recorder.RecordCleanup(target, n)
	}
	return n, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
