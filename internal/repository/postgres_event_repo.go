package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/internboard/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したイベントログリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// EventCursor はイベントログの検索結果を1件ずつ読み出すカーソル。
// 読み終わると自動的にクローズされ、巻き戻すことはできない。
type EventCursor struct {
	rows    *sql.Rows
	current model.Event
	err     error
	done    bool
}

// Next は次のイベントに進む。読み終わったかエラーの場合はfalseを返す。
func (c *EventCursor) Next() bool {
	if c.done {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		c.Close()
		return false
	}

	var (
		userID, method sql.NullString
		metadata       []byte
		kind           string
	)
	e := model.Event{}
	if err := c.rows.Scan(&e.ID, &e.CreatedAt, &kind, &e.ListingID, &userID, &method, &metadata); err != nil {
		c.err = fmt.Errorf("イベントのスキャンに失敗しました: %w", err)
		c.Close()
		return false
	}
	e.Kind = model.EventKind(kind)
	e.UserID = nullStringPtr(userID)
	if method.Valid {
		m := model.ApplyMethod(method.String)
		e.Method = &m
	}
	e.Metadata = metadata
	c.current = e
	return true
}

// Event は現在のイベントを返す。
func (c *EventCursor) Event() model.Event {
	return c.current
}

// Err は読み出し中に発生したエラーを返す。
func (c *EventCursor) Err() error {
	return c.err
}

// Close はカーソルを閉じる。複数回呼んでもよい。
func (c *EventCursor) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.rows.Close()
}

// Insert はイベントを1件追加する。
func (r *PostgresEventRepo) Insert(ctx context.Context, e *model.Event) error {
	var method *string
	if e.Method != nil {
		m := string(*e.Method)
		method = &m
	}
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, created_at, event, listing_id, user_id, method, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.CreatedAt, string(e.Kind), e.ListingID, e.UserID, method, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("イベントの追加に失敗しました: %w", err)
	}
	return nil
}

// Query は条件に合うイベントを新しい順に最大limit件返すカーソルを開く。
func (r *PostgresEventRepo) Query(ctx context.Context, filter model.EventFilter, limit int) (EventIterator, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Kind != "" {
		add("event = $%d", string(filter.Kind))
	}
	if filter.ListingID != "" {
		add("listing_id = $%d", filter.ListingID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if filter.Before != nil {
		add("created_at < $%d", *filter.Before)
	}

	query := `SELECT id, created_at, event, listing_id, user_id, method, metadata FROM activity_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベントの検索に失敗しました: %w", err)
	}
	return &EventCursor{rows: rows}, nil
}

// Delete はイベントを物理削除する。
func (r *PostgresEventRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	return affected(result)
}

// CountByKind は [from, to) に作成された指定種別のイベント数を返す。
func (r *PostgresEventRepo) CountByKind(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM activity_logs WHERE event = $1 AND created_at >= $2 AND created_at < $3`,
		string(kind), from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("イベント数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountAll は指定種別のイベント総数を返す。
func (r *PostgresEventRepo) CountAll(ctx context.Context, kind model.EventKind) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM activity_logs WHERE event = $1`,
		string(kind),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("イベント総数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// Recent は [from, to) のイベントを募集名付きで新しい順に返す。
// 物理削除された募集を参照する行は募集名が空になる。
func (r *PostgresEventRepo) Recent(ctx context.Context, from, to time.Time, limit int) ([]model.RecentActivity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.created_at, a.event, a.listing_id,
		        COALESCE(l.title, ''), COALESCE(l.company, '')
		 FROM activity_logs a
		 LEFT JOIN listings l ON l.id = a.listing_id
		 WHERE a.created_at >= $1 AND a.created_at < $2
		 ORDER BY a.created_at DESC
		 LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("最近のアクティビティの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var activities []model.RecentActivity
	for rows.Next() {
		var a model.RecentActivity
		var kind string
		if err := rows.Scan(&a.ID, &a.CreatedAt, &kind, &a.ListingID, &a.ListingTitle, &a.ListingCompany); err != nil {
			return nil, fmt.Errorf("アクティビティのスキャンに失敗しました: %w", err)
		}
		a.Kind = model.EventKind(kind)
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// ApplyListingIDs は [from, to) の応募イベントの募集IDを返す。集計は呼び出し側で行う。
func (r *PostgresEventRepo) ApplyListingIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT listing_id FROM activity_logs
		 WHERE event = 'apply' AND created_at >= $1 AND created_at < $2`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("応募イベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("応募イベントのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplicationLogs は応募ログを新しい順に返す。
// プロフィールが見つからない応募者の名前はmodel.UnknownUserNameになる。
func (r *PostgresEventRepo) ApplicationLogs(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error) {
	query := `SELECT a.id, a.created_at, a.listing_id,
	                 COALESCE(l.title, ''), COALESCE(l.company, ''),
	                 a.user_id, COALESCE(p.name, $1), a.method
	          FROM activity_logs a
	          LEFT JOIN listings l ON l.id = a.listing_id
	          LEFT JOIN profiles p ON p.id = a.user_id
	          WHERE a.event = 'apply'`
	args := []any{model.UnknownUserName}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND a.created_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND a.created_at < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY a.created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("応募ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var logs []model.ApplicationLog
	for rows.Next() {
		var lg model.ApplicationLog
		var userID, method sql.NullString
		if err := rows.Scan(&lg.ID, &lg.CreatedAt, &lg.ListingID, &lg.ListingTitle, &lg.ListingCompany,
			&userID, &lg.UserName, &method); err != nil {
			return nil, fmt.Errorf("応募ログのスキャンに失敗しました: %w", err)
		}
		lg.UserID = nullStringPtr(userID)
		if method.Valid {
			m := model.ApplyMethod(method.String)
			lg.Method = &m
		}
		logs = append(logs, lg)
	}
	return logs, rows.Err()
}

// compile-time interface check
var (
	_ EventRepository = (*PostgresEventRepo)(nil)
	_ EventIterator   = (*EventCursor)(nil)
)
