// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/internboard/internal/model"
)

// ListingRepository は募集データの永続化インターフェース。
// 更新系の bool 戻り値は対象行が存在したかどうかを表す。
type ListingRepository interface {
	// FindByID は指定IDの募集を取得する。アーカイブ済みも含む。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Listing, error)

	// ListActive はアーカイブされていない募集を新しい順に返す。
	ListActive(ctx context.Context) ([]model.Listing, error)

	// ListAll はアーカイブ済みを含む全募集を新しい順に返す（管理者用）。
	ListAll(ctx context.Context) ([]model.Listing, error)

	// Create は募集を作成する。
	Create(ctx context.Context, listing *model.Listing) error

	// Update はアーカイブされていない募集の編集可能な項目を更新する。
	// カウンタ（views, apply_clicks）は更新しない。
	Update(ctx context.Context, listing *model.Listing) (bool, error)

	// SoftDelete はdeleted_atを設定してアーカイブする。
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)

	// Restore はアーカイブを取り消す。
	Restore(ctx context.Context, id string) (bool, error)

	// HardDelete は募集を物理削除する。イベントログと閲覧状態はCASCADE削除される。
	HardDelete(ctx context.Context, id string) (bool, error)

	// IncrementViews は閲覧数をDB上で原子的に1加算する。
	IncrementViews(ctx context.Context, id string) (bool, error)

	// IncrementApplyClicks は応募クリック数をDB上で原子的に1加算する。
	IncrementApplyClicks(ctx context.Context, id string) (bool, error)

	// Locations はアーカイブされていない募集の勤務地を重複なく昇順で返す。
	Locations(ctx context.Context) ([]string, error)

	// ArchiveExpired は掲載期限を過ぎた募集をアーカイブし、件数を返す。
	ArchiveExpired(ctx context.Context, now time.Time) (int64, error)

	// ListLinkCheckTargets はリンク死活チェックが必要な外部リンク応募の募集を返す。
	// checkedBefore より前にチェックされたもの、または未チェックのものが対象。
	ListLinkCheckTargets(ctx context.Context, checkedBefore time.Time, limit int) ([]model.LinkCheckTarget, error)

	// UpdateLinkStatus はリンク死活チェックの結果を記録する。
	UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus, checkedAt time.Time) error
}

// EventIterator はイベントの検索結果を先頭から1件ずつ読み出す。
// 呼び出し側は読み終わったらCloseを呼ぶ。
type EventIterator interface {
	Next() bool
	Event() model.Event
	Err() error
	Close() error
}

// EventRepository はイベントログの永続化インターフェース。
// 更新操作は持たない。
type EventRepository interface {
	// Insert はイベントを1件追加する。
	Insert(ctx context.Context, event *model.Event) error

	// Query は条件に合うイベントを新しい順に最大limit件返すカーソルを開く。
	Query(ctx context.Context, filter model.EventFilter, limit int) (EventIterator, error)

	// Delete はイベントを物理削除する。
	Delete(ctx context.Context, id string) (bool, error)

	// CountByKind は [from, to) に作成された指定種別のイベント数を返す。
	CountByKind(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error)

	// CountAll は指定種別のイベント総数を返す。
	CountAll(ctx context.Context, kind model.EventKind) (int, error)

	// Recent は [from, to) のイベントを募集名付きで新しい順に最大limit件返す。
	Recent(ctx context.Context, from, to time.Time, limit int) ([]model.RecentActivity, error)

	// ApplyListingIDs は [from, to) の応募イベントの募集IDを1イベント1要素で返す。
	ApplyListingIDs(ctx context.Context, from, to time.Time) ([]string, error)

	// ApplicationLogs は応募ログを募集名・応募者名付きで新しい順に最大limit件返す。
	// from/toがnilの場合は制限しない。
	ApplicationLogs(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error)
}

// InteractionRepository はユーザーごとの募集状態の永続化インターフェース。
// すべての書き込みは (user_id, listing_id) のUNIQUE制約を使ったUPSERTで行う。
type InteractionRepository interface {
	// FindByUserAndListing は状態を取得する。見つからない場合はnilを返す。
	FindByUserAndListing(ctx context.Context, userID, listingID string) (*model.Interaction, error)

	// SetStarred はスター状態を指定値にする。
	SetStarred(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error)

	// ToggleStar は行がなければスター付きで作成し、あれば反転する。
	ToggleStar(ctx context.Context, userID, listingID string) (*model.Interaction, error)

	// MarkViewed は閲覧済みにする。一度trueになったら変化しない。
	MarkViewed(ctx context.Context, userID, listingID string) (*model.Interaction, error)

	// ListByUser はユーザーの全状態を返す。
	ListByUser(ctx context.Context, userID string) ([]model.Interaction, error)
}

// StatsRepository は集計値の読み取りインターフェース。
type StatsRepository interface {
	// GlobalApplicationCounts は募集ごとの応募総数を返す。
	// 行レベルの閲覧制限を越えるSECURITY DEFINER関数を呼び出す。
	GlobalApplicationCounts(ctx context.Context) (map[string]int, error)

	// MonthlyCount は指定年月の月次応募数を返す。行がない場合は0を返す。
	MonthlyCount(ctx context.Context, year, month int) (int, error)
}

// RoleRepository はユーザーの役割の読み取りインターフェース。
type RoleRepository interface {
	// HasRole はユーザーが指定の役割を持つかを返す。
	HasRole(ctx context.Context, userID string, role model.Role) (bool, error)

	// CountByRole は指定の役割を持つユーザー数を返す。
	CountByRole(ctx context.Context, role model.Role) (int, error)
}
