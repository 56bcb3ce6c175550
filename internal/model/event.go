package model

import (
	"encoding/json"
	"time"
)

// EventKind はイベントログの種別を表す。
type EventKind string

const (
	// EventView は募集の閲覧。
	EventView EventKind = "view"
	// EventApply は応募ボタンの操作。
	EventApply EventKind = "apply"
)

// Valid は定義済みのイベント種別かどうかを返す。
func (k EventKind) Valid() bool {
	return k == EventView || k == EventApply
}

// ApplyMethod は応募イベントの経路を表す。
type ApplyMethod string

const (
	// ApplyExternalLink は外部リンクを開いた応募。
	ApplyExternalLink ApplyMethod = "external_link"
	// ApplyCopiedEmail はメールアドレスをコピーした応募。
	ApplyCopiedEmail ApplyMethod = "copied_email"
)

// Valid は定義済みの応募経路かどうかを返す。
func (m ApplyMethod) Valid() bool {
	return m == ApplyExternalLink || m == ApplyCopiedEmail
}

// EventPageSize はイベントログ1回の取得上限。
const EventPageSize = 100

// Event はイベントログの1行を表す。一度書き込まれたら変更されない。
type Event struct {
	ID        string
	CreatedAt time.Time
	Kind      EventKind
	ListingID string
	UserID    *string // 匿名ならnil
	Method    *ApplyMethod
	Metadata  json.RawMessage
}

// EventFilter はイベントログの検索条件を表す。
// From/Toは半開区間 [From, To)。Beforeはページングのカーソル。
type EventFilter struct {
	Kind      EventKind
	ListingID string
	UserID    string
	From      *time.Time
	To        *time.Time
	Before    *time.Time
}

// ApplicationLog は管理画面の応募ログ1件を表す。
type ApplicationLog struct {
	ID             string
	CreatedAt      time.Time
	ListingID      string
	ListingTitle   string
	ListingCompany string
	UserID         *string
	UserName       string
	Method         *ApplyMethod
}

// UnknownUserName はプロフィールが見つからない応募者の表示名。
const UnknownUserName = "Unknown User"

// ApplicationLogFilter は応募ログの絞り込み条件を表す。
// StartDate/EndDateは報告タイムゾーンでの日付（時刻部分は無視）で、両端を含む。
type ApplicationLogFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	Title     string
	UserName  string
}

// RecentActivity は本日の最近のアクティビティ1件を表す。
type RecentActivity struct {
	ID             string
	CreatedAt      time.Time
	Kind           EventKind
	ListingID      string
	ListingTitle   string
	ListingCompany string
}
