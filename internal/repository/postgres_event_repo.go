package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fitgate/internal/model"
)

// PostgresSubscriptionEventRepo はPostgreSQLを使用した課金イベントリポジトリ。
type PostgresSubscriptionEventRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionEventRepo はPostgresSubscriptionEventRepoを生成する。
func NewPostgresSubscriptionEventRepo(db *sql.DB) *PostgresSubscriptionEventRepo {
	return &PostgresSubscriptionEventRepo{db: db}
}

// Create はイベントを記録する。
func (r *PostgresSubscriptionEventRepo) Create(ctx context.Context, event *model.SubscriptionEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_events (id, user_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.UserID, event.EventType, payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription event: %w", err)
	}
	return nil
}

// DeleteOlderThan はbeforeより前に記録されたイベントを削除し、削除件数を返す。
func (r *PostgresSubscriptionEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscription_events WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscription events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SubscriptionEventRepository = (*PostgresSubscriptionEventRepo)(nil)
