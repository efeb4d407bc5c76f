package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fitgate/internal/model"
)

// pqInsufficientPrivilege はPostgreSQLの権限不足エラーのSQLSTATE。
const pqInsufficientPrivilege = "42501"

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
// profilesテーブルの行レベルセキュリティは request.jwt.claim.sub を主体として評価される。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// withSubject はコンテキストの主体を設定したトランザクション内でfnを実行する。
func (r *PostgresProfileRepo) withSubject(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('request.jwt.claim.sub', $1, true)`,
		model.SubjectFromContext(ctx),
	); err != nil {
		return fmt.Errorf("failed to set request subject: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// GetProfileByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
//
// 行レベルセキュリティはSELECTでは行を除外するだけで42501を発生させないため、
// 主体と照会対象が食い違っていても結果は「見つからない」(nil, nil)になる。
// 読み取りでErrAuthorizationDeniedが返るのはテーブル権限そのものがない場合に限られる。
// 身元の食い違いは launch.ProfileVerifier の最終検証が現在の身元と照合して検出する。
func (r *PostgresProfileRepo) GetProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	var profile *model.Profile
	err := r.withSubject(ctx, true, func(tx *sql.Tx) error {
		p, err := scanProfile(tx.QueryRowContext(ctx,
			`SELECT id, username, full_name, onboarding_completed, created_at, updated_at
			 FROM profiles WHERE id = $1`,
			id,
		))
		profile = p
		return err
	})
	if err != nil {
		return nil, mapProfileError("failed to get profile", err)
	}
	return profile, nil
}

// CreateProfile は既定値でプロフィールを作成する。既に存在する場合は既存の行を返す。
func (r *PostgresProfileRepo) CreateProfile(ctx context.Context, id string, defaults model.ProfileDefaults) (*model.Profile, error) {
	var profile *model.Profile
	err := r.withSubject(ctx, false, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (id, username, full_name, onboarding_completed, created_at, updated_at)
			 VALUES ($1, $2, $3, false, $4, $4)
			 ON CONFLICT (id) DO NOTHING`,
			id, defaults.Username, defaults.FullName, now,
		); err != nil {
			return err
		}
		p, err := scanProfile(tx.QueryRowContext(ctx,
			`SELECT id, username, full_name, onboarding_completed, created_at, updated_at
			 FROM profiles WHERE id = $1`,
			id,
		))
		if err != nil {
			return err
		}
		if p == nil {
			return model.ErrAuthorizationDenied
		}
		profile = p
		return nil
	})
	if err != nil {
		return nil, mapProfileError("failed to create profile", err)
	}
	return profile, nil
}

// DeleteByID は指定IDのプロフィールを削除する。
func (r *PostgresProfileRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM profiles WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// UpdateEntitlement はプロフィールに保存している課金状態を更新する。
func (r *PostgresProfileRepo) UpdateEntitlement(ctx context.Context, userID string, status model.EntitlementStatus) error {
	var productID sql.NullString
	if status.ProductID != "" {
		productID = sql.NullString{String: status.ProductID, Valid: true}
	}
	var expiresAt sql.NullTime
	if status.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *status.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles
		 SET is_premium = $2,
		     subscription_product_id = $3,
		     subscription_expires_at = $4,
		     subscription_will_renew = $5,
		     subscription_updated_at = now(),
		     updated_at = now()
		 WHERE id = $1`,
		userID, status.IsPremium, productID, expiresAt, status.WillRenew,
	)
	if err != nil {
		return fmt.Errorf("failed to update entitlement: %w", err)
	}
	return nil
}

// GetEntitlement はプロフィールに保存している課金状態を返す。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) GetEntitlement(ctx context.Context, userID string) (*model.EntitlementStatus, error) {
	var (
		status    model.EntitlementStatus
		productID sql.NullString
		expiresAt sql.NullTime
		updatedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT is_premium, subscription_product_id, subscription_expires_at,
		        subscription_will_renew, subscription_updated_at
		 FROM profiles WHERE id = $1`,
		userID,
	).Scan(&status.IsPremium, &productID, &expiresAt, &status.WillRenew, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	status.ProductID = productID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		status.ExpiresAt = &t
	}
	if updatedAt.Valid {
		status.CheckedAt = updatedAt.Time
	}
	if status.ProductID != "" {
		status.PeriodType = model.PeriodTypeFromProduct(status.ProductID)
	}
	return &status, nil
}

// ListExpiredPremium はプレミアムのまま有効期限を過ぎたユーザーIDを期限の古い順に返す。
func (r *PostgresProfileRepo) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM profiles
		 WHERE is_premium = true
		   AND subscription_expires_at IS NOT NULL
		   AND subscription_expires_at < $1
		 ORDER BY subscription_expires_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired premium profiles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan profile id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return ids, nil
}

func scanProfile(row *sql.Row) (*model.Profile, error) {
	p := &model.Profile{}
	var username, fullName sql.NullString
	err := row.Scan(&p.ID, &username, &fullName, &p.OnboardingCompleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Username = username.String
	p.FullName = fullName.String
	return p, nil
}

// mapProfileError は権限不足エラーを model.ErrAuthorizationDenied に変換する。
func mapProfileError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqInsufficientPrivilege {
		return fmt.Errorf("%s: %w", op, model.ErrAuthorizationDenied)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
