package model

import "time"

// ApplicationMethod は募集への応募方法を表す。
type ApplicationMethod string

const (
	// ApplicationExternal は外部リンクからの応募。
	ApplicationExternal ApplicationMethod = "external"
	// ApplicationEmail はメールでの応募。
	ApplicationEmail ApplicationMethod = "email"
)

// Valid は定義済みの応募方法かどうかを返す。
func (m ApplicationMethod) Valid() bool {
	return m == ApplicationExternal || m == ApplicationEmail
}

// 掲載期間（月数）の範囲と既定値
const (
	DefaultListingDuration = 6
	MinListingDuration     = 1
	MaxListingDuration     = 24
)

// LinkStatus はリンク死活チェックの結果を表す。
type LinkStatus string

const (
	LinkStatusOK        LinkStatus = "ok"
	LinkStatusBroken    LinkStatus = "broken"
	LinkStatusTemporary LinkStatus = "temporary"
)

// Listing はインターンシップ募集を表す。
// DeletedAtが設定されたものはアーカイブ済みで、学生向けの一覧には出ない。
type Listing struct {
	ID                string
	Title             string
	Company           string
	Location          string
	Duration          string // 自由記述（例: "3ヶ月"）
	Description       string // サニタイズ済みプレーンテキスト
	Majors            []string
	Industries        []string
	ApplicationMethod ApplicationMethod
	ApplicationValue  string // URLまたはメールアドレス
	ImageURL          *string
	ExpiresAt         *time.Time
	ListingDuration   *int
	CreatedBy         *string
	Views             int
	ApplyClicks       int
	LinkStatus        *LinkStatus
	LinkCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// IsActive はアーカイブされていないかを返す。
func (l *Listing) IsActive() bool {
	return l.DeletedAt == nil
}

// ListingInput は募集の作成・部分更新の入力を表す。
// nilのフィールドは更新対象外。
type ListingInput struct {
	Title             *string
	Company           *string
	Location          *string
	Duration          *string
	Description       *string
	Majors            []string // nilなら対象外
	Industries        []string // nilなら対象外
	ApplicationMethod *ApplicationMethod
	ApplicationValue  *string
	ImageURL          *string // 空文字で画像を外す
	ListingDuration   *int
}

// LinkCheckTarget はリンク死活チェック対象の募集を表す。
type LinkCheckTarget struct {
	ListingID string
	URL       string
}
