// Package realtime はPostgreSQLの変更通知を購読し、集計リーダーへの無効化メッセージと
// 画面の「更新しました」表示用のパルスに変換する。
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table は変更通知を購読するテーブル名。
type Table string

const (
	TableListings     Table = "listings"
	TableActivityLogs Table = "activity_logs"
	TableInteractions Table = "listing_interactions"
	TableMonthlyStats Table = "monthly_application_stats"
)

// WatchedTables は同期レイヤーが購読する全テーブル。
var WatchedTables = []Table{TableListings, TableActivityLogs, TableInteractions, TableMonthlyStats}

// ChangeKind は変更の種類。
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	// ChangeResync は通知を取りこぼした可能性があることを表す。受け取った側は全件再取得する。
	ChangeResync ChangeKind = "resync"
)

// Row は通知に含まれる行の識別子。行全体は含まない。
type Row struct {
	ID        string     `json:"id"`
	ListingID string     `json:"listing_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Event     string     `json:"event,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Change はトリガーが送る変更通知1件。
type Change struct {
	Table Table      `json:"table"`
	Kind  ChangeKind `json:"kind"`
	New   *Row       `json:"new"`
	Old   *Row       `json:"old"`
}

// ParseChange はNOTIFYのペイロードをデコードする。
func ParseChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("変更通知のデコードに失敗しました: %w", err)
	}
	if c.Table == "" {
		return Change{}, fmt.Errorf("変更通知にテーブル名がありません")
	}
	switch c.Kind {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return Change{}, fmt.Errorf("不明な変更種別です: %q", c.Kind)
	}
	return c, nil
}

// Invalidation は集計リーダーに配送される無効化メッセージ。
// Kindが ChangeResync の場合、Tableは空で全テーブルが対象。
type Invalidation struct {
	Table  Table
	Kind   ChangeKind
	Row    *Row
	OldRow *Row
	At     time.Time
}

// Resync は全テーブルの再取得を求めるメッセージを返す。
func Resync(at time.Time) Invalidation {
	return Invalidation{Kind: ChangeResync, At: at}
}

// IsResync は全件再取得が必要なメッセージかを返す。
func (inv Invalidation) IsResync() bool {
	return inv.Kind == ChangeResync
}

// Affects はメッセージがtableに影響するかを返す。Resyncはすべてに影響する。
func (inv Invalidation) Affects(table Table) bool {
	return inv.IsResync() || inv.Table == table
}

// ApplyInsert は応募イベントの追加であれば、その行を返す。
func (inv Invalidation) ApplyInsert() (*Row, bool) {
	if inv.Table != TableActivityLogs || inv.Kind != ChangeInsert || inv.Row == nil {
		return nil, false
	}
	if inv.Row.Event != "apply" {
		return nil, false
	}
	return inv.Row, true
}
