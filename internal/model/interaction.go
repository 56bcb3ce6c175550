package model

import "time"

// Interaction はユーザーごと・募集ごとのスター/閲覧済み状態を表す。
// (UserID, ListingID) につき最大1行。
type Interaction struct {
	ID        string
	UserID    string
	ListingID string
	IsStarred bool
	IsViewed  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MonthlyStat は月次応募数の集計行を表す。
type MonthlyStat struct {
	Year  int
	Month int
	Count int
}
