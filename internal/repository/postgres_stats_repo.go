package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/internboard/internal/model"
)

// PostgresStatsRepo はPostgreSQLを使用した集計値リポジトリ。
type PostgresStatsRepo struct {
	db *sql.DB
}

// NewPostgresStatsRepo はPostgresStatsRepoを生成する。
func NewPostgresStatsRepo(db *sql.DB) *PostgresStatsRepo {
	return &PostgresStatsRepo{db: db}
}

// GlobalApplicationCounts は get_global_application_counts() を呼び出し、募集ごとの応募総数を返す。
func (r *PostgresStatsRepo) GlobalApplicationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT listing_id, application_count FROM get_global_application_counts()`,
	)
	if err != nil {
		return nil, fmt.Errorf("応募総数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("応募総数のスキャンに失敗しました: %w", err)
		}
		counts[id] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("応募総数の読み取りに失敗しました: %w", err)
	}
	return counts, nil
}

// MonthlyCount は指定年月の月次応募数を返す。行がない場合は0を返す。
func (r *PostgresStatsRepo) MonthlyCount(ctx context.Context, year, month int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count FROM monthly_application_stats WHERE year = $1 AND month = $2`,
		year, month,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("月次応募数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// PostgresRoleRepo はPostgreSQLを使用した役割リポジトリ。
type PostgresRoleRepo struct {
	db *sql.DB
}

// NewPostgresRoleRepo はPostgresRoleRepoを生成する。
func NewPostgresRoleRepo(db *sql.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db}
}

// HasRole はユーザーが指定の役割を持つかを返す。
func (r *PostgresRoleRepo) HasRole(ctx context.Context, userID string, role model.Role) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`,
		userID, string(role),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("役割の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountByRole は指定の役割を持つユーザー数を返す。
func (r *PostgresRoleRepo) CountByRole(ctx context.Context, role model.Role) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM user_roles WHERE role = $1`,
		string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("役割ごとのユーザー数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var (
	_ StatsRepository = (*PostgresStatsRepo)(nil)
	_ RoleRepository  = (*PostgresRoleRepo)(nil)
)
