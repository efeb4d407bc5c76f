// Package reconcile はプロフィールに保存した課金状態の再照合ジョブを提供する。
// Webhookの取りこぼしに備え、プレミアムのまま有効期限を過ぎたユーザーを
// 定期的に課金サービスへ問い合わせ、プロフィールと権限キャッシュを更新する。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
)

// 再照合の結果。ログとメトリクスのラベルに使う。
const (
	ResultRenewed = "renewed"
	ResultExpired = "expired"
	ResultError   = "error"
)

// ProfileStore は再照合に必要なプロフィール操作。
type ProfileStore interface {
	ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error)
	UpdateEntitlement(ctx context.Context, userID string, status model.EntitlementStatus) error
}

// SubscriptionSource は課金サービスの現在の購読状態を返す。
type SubscriptionSource interface {
	GetSubscriptionInfo(ctx context.Context, userID string) (model.EntitlementStatus, error)
}

// StatusStore は権限状態キャッシュの書き込み側。
type StatusStore interface {
	Store(ctx context.Context, userID string, status model.EntitlementStatus) error
}

// Recorder は再照合の結果を記録する。
type Recorder interface {
	RecordReconcile(result string)
}

// Reconciler は期限切れプレミアムの再照合と並列制御を行う。
type Reconciler struct {
	profiles       ProfileStore
	source         SubscriptionSource
	cache          StatusStore
	recorder       Recorder
	logger         *slog.Logger
	now            func() time.Time
	maxConcurrency int
	batchSize      int
}

// NewReconciler はReconcilerを生成する。
// maxConcurrencyが0以下の場合は4、batchSizeが0以下の場合は100を使用する。
// cacheとrecorderはnilでもよい。
func NewReconciler(
	profiles ProfileStore,
	source SubscriptionSource,
	cache StatusStore,
	recorder Recorder,
	logger *slog.Logger,
	maxConcurrency, batchSize int,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		profiles:       profiles,
		source:         source,
		cache:          cache,
		recorder:       recorder,
		logger:         logger,
		now:            time.Now,
		maxConcurrency: maxConcurrency,
		batchSize:      batchSize,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("再照合ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", r.maxConcurrency),
	)

	r.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("再照合ジョブを停止しました")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("再照合サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は対象ユーザーを1回取得し、並列で再照合する。
// 個々のユーザーの失敗はログに残して続行し、処理した件数を返す。
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	start := r.now()

	ids, err := r.profiles.ListExpiredPremium(ctx, start, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired premium profiles: %w", err)
	}
	if len(ids) == 0 {
		r.logger.Info("再照合の対象はありません")
		return 0, nil
	}

	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.record(r.reconcileOne(ctx, userID))
		}(id)
	}

	wg.Wait()

	r.logger.Info("再照合サイクルが完了しました",
		slog.Int("user_count", len(ids)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return len(ids), nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, userID string) string {
	status, err := r.source.GetSubscriptionInfo(ctx, userID)
	if err != nil {
		r.logger.Warn("課金サービスへの問い合わせに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return ResultError
	}

	if err := r.profiles.UpdateEntitlement(ctx, userID, status); err != nil {
		r.logger.Error("課金状態の更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return ResultError
	}

	if r.cache != nil {
		if err := r.cache.Store(ctx, userID, status); err != nil {
			r.logger.Warn("権限キャッシュの更新に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	if status.IsPremium {
		return ResultRenewed
	}
	return ResultExpired
}

func (r *Reconciler) record(result string) {
	if r.recorder != nil {
		r.recorder.RecordReconcile(result)
	}
}
