package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/internboard/internal/model"
	"github.com/lib/pq"
)

const listingColumns = `id, title, company, location, duration, description,
	majors, industries, application_method, application_value, image_url,
	expires_at, listing_duration, created_by, views, apply_clicks,
	link_status, link_checked_at, created_at, updated_at, deleted_at`

// PostgresListingRepo はPostgreSQLを使用した募集リポジトリ。
type PostgresListingRepo struct {
	db *sql.DB
}

// NewPostgresListingRepo はPostgresListingRepoを生成する。
func NewPostgresListingRepo(db *sql.DB) *PostgresListingRepo {
	return &PostgresListingRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(s rowScanner) (*model.Listing, error) {
	l := &model.Listing{}
	var (
		imageURL, createdBy, linkStatus     sql.NullString
		expiresAt, linkCheckedAt, deletedAt sql.NullTime
		listingDuration                     sql.NullInt64
		method                              string
	)

	err := s.Scan(
		&l.ID, &l.Title, &l.Company, &l.Location, &l.Duration, &l.Description,
		pq.Array(&l.Majors), pq.Array(&l.Industries), &method, &l.ApplicationValue, &imageURL,
		&expiresAt, &listingDuration, &createdBy, &l.Views, &l.ApplyClicks,
		&linkStatus, &linkCheckedAt, &l.CreatedAt, &l.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	l.ApplicationMethod = model.ApplicationMethod(method)
	l.ImageURL = nullStringPtr(imageURL)
	l.CreatedBy = nullStringPtr(createdBy)
	l.ExpiresAt = nullTimePtr(expiresAt)
	l.LinkCheckedAt = nullTimePtr(linkCheckedAt)
	l.DeletedAt = nullTimePtr(deletedAt)
	if listingDuration.Valid {
		d := int(listingDuration.Int64)
		l.ListingDuration = &d
	}
	if linkStatus.Valid {
		status := model.LinkStatus(linkStatus.String)
		l.LinkStatus = &status
	}

	return l, nil
}

// FindByID は指定IDの募集を取得する。見つからない場合はnilを返す。
func (r *PostgresListingRepo) FindByID(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(r.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("募集の取得に失敗しました: %w", err)
	}
	return l, nil
}

// ListActive はアーカイブされていない募集を新しい順に返す。
func (r *PostgresListingRepo) ListActive(ctx context.Context) ([]model.Listing, error) {
	return r.list(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE deleted_at IS NULL ORDER BY created_at DESC`,
	)
}

// ListAll はアーカイブ済みを含む全募集を新しい順に返す。
func (r *PostgresListingRepo) ListAll(ctx context.Context) ([]model.Listing, error) {
	return r.list(ctx,
		`SELECT `+listingColumns+` FROM listings ORDER BY created_at DESC`,
	)
}

func (r *PostgresListingRepo) list(ctx context.Context, query string, args ...any) ([]model.Listing, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("募集一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("募集のスキャンに失敗しました: %w", err)
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("募集一覧の読み取りに失敗しました: %w", err)
	}

	return listings, nil
}

// Create は募集を作成する。
func (r *PostgresListingRepo) Create(ctx context.Context, l *model.Listing) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listings (id, title, company, location, duration, description,
		     majors, industries, application_method, application_value, image_url,
		     expires_at, listing_duration, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.Title, l.Company, l.Location, l.Duration, l.Description,
		pq.Array(l.Majors), pq.Array(l.Industries), string(l.ApplicationMethod), l.ApplicationValue, l.ImageURL,
		l.ExpiresAt, l.ListingDuration, l.CreatedBy, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("募集の作成に失敗しました: %w", err)
	}
	return nil
}

// Update はアーカイブされていない募集の編集可能な項目を更新する。
// アーカイブ済みの行には一致しないため、更新で復活することはない。
func (r *PostgresListingRepo) Update(ctx context.Context, l *model.Listing) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET
		    title = $2, company = $3, location = $4, duration = $5, description = $6,
		    majors = $7, industries = $8, application_method = $9, application_value = $10,
		    image_url = $11, expires_at = $12, listing_duration = $13, updated_at = $14
		 WHERE id = $1 AND deleted_at IS NULL`,
		l.ID, l.Title, l.Company, l.Location, l.Duration, l.Description,
		pq.Array(l.Majors), pq.Array(l.Industries), string(l.ApplicationMethod), l.ApplicationValue,
		l.ImageURL, l.ExpiresAt, l.ListingDuration, l.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("募集の更新に失敗しました: %w", err)
	}
	return affected(result)
}

// SoftDelete はdeleted_atを設定してアーカイブする。
func (r *PostgresListingRepo) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("募集のアーカイブに失敗しました: %w", err)
	}
	return affected(result)
}

// Restore はアーカイブを取り消す。
func (r *PostgresListingRepo) Restore(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET deleted_at = NULL, updated_at = now() WHERE id = $1 AND deleted_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("募集の復元に失敗しました: %w", err)
	}
	return affected(result)
}

// HardDelete は募集を物理削除する。
func (r *PostgresListingRepo) HardDelete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("募集の削除に失敗しました: %w", err)
	}
	return affected(result)
}

// IncrementViews は閲覧数を1加算する。
// 読み取った値に加算して書き戻すのではなく、UPDATE文の中で加算するため並行実行でも更新が失われない。
func (r *PostgresListingRepo) IncrementViews(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET views = views + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("閲覧数の加算に失敗しました: %w", err)
	}
	return affected(result)
}

// IncrementApplyClicks は応募クリック数を1加算する。
func (r *PostgresListingRepo) IncrementApplyClicks(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET apply_clicks = apply_clicks + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("応募クリック数の加算に失敗しました: %w", err)
	}
	return affected(result)
}

// Locations はアーカイブされていない募集の勤務地を重複なく返す。
func (r *PostgresListingRepo) Locations(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT location FROM listings WHERE deleted_at IS NULL ORDER BY location`,
	)
	if err != nil {
		return nil, fmt.Errorf("勤務地一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("勤務地のスキャンに失敗しました: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// ArchiveExpired は掲載期限を過ぎた募集をアーカイブする。
func (r *PostgresListingRepo) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET deleted_at = $1, updated_at = $1
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れ募集のアーカイブに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("アーカイブ件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListLinkCheckTargets はリンク死活チェック対象を未チェック・古い順に返す。
func (r *PostgresListingRepo) ListLinkCheckTargets(ctx context.Context, checkedBefore time.Time, limit int) ([]model.LinkCheckTarget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, application_value FROM listings
		 WHERE deleted_at IS NULL
		   AND application_method = 'external'
		   AND (link_checked_at IS NULL OR link_checked_at < $1)
		 ORDER BY link_checked_at NULLS FIRST
		 LIMIT $2`,
		checkedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リンクチェック対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var targets []model.LinkCheckTarget
	for rows.Next() {
		var t model.LinkCheckTarget
		if err := rows.Scan(&t.ListingID, &t.URL); err != nil {
			return nil, fmt.Errorf("リンクチェック対象のスキャンに失敗しました: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpdateLinkStatus はリンク死活チェックの結果を記録する。
// updated_atは変更しない（管理者の編集日時ではないため）。
func (r *PostgresListingRepo) UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus, checkedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE listings SET link_status = $2, link_checked_at = $3 WHERE id = $1`,
		id, string(status), checkedAt,
	)
	if err != nil {
		return fmt.Errorf("リンクチェック結果の更新に失敗しました: %w", err)
	}
	return nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ ListingRepository = (*PostgresListingRepo)(nil)
