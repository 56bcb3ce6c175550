package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/internboard/internal/aggregate"
	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/repository"
)

// SnapshotReader は集計リーダーのうちハンドラーが使う部分。
// Refetchは一時的な障害で直前の値に留まったリーダーをクライアントから取り直すために使う。
type SnapshotReader[T any] interface {
	Data() T
	IsLoading() bool
	Refetch(ctx context.Context)
}

// StudentCounter は学生ユーザー数を返す。
type StudentCounter interface {
	CountByRole(ctx context.Context, role model.Role) (int, error)
}

// ActiveUserCounter は現在オンラインのユーザー数を返す。
type ActiveUserCounter interface {
	ActiveUsers(ctx context.Context) (int, error)
}

// StatsReaders は集計APIが参照するリーダー群。
type StatsReaders struct {
	Global    SnapshotReader[map[string]int]
	Today     SnapshotReader[aggregate.TodaySnapshot]
	Rolling   SnapshotReader[aggregate.RollingSnapshot]
	Aggregate SnapshotReader[model.MonthlyStat]
}

// StatsReadersFromSet はaggregate.SetからStatsReadersを組み立てる。
func StatsReadersFromSet(s *aggregate.Set) StatsReaders {
	return StatsReaders{
		Global:    s.Global,
		Today:     s.Today,
		Rolling:   s.Rolling,
		Aggregate: s.Aggregate,
	}
}

// StatsHandler は集計値のHTTPハンドラー。
// 値はリーダーが保持している最新のものをそのまま返し、DBには問い合わせない。
type StatsHandler struct {
	readers  StatsReaders
	students StudentCounter
	presence ActiveUserCounter
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(readers StatsReaders, students StudentCounter, presence ActiveUserCounter) *StatsHandler {
	return &StatsHandler{readers: readers, students: students, presence: presence}
}

type globalStatsResponse struct {
	Loading bool           `json:"loading"`
	Counts  map[string]int `json:"counts"`
}

type rollingStatsResponse struct {
	Loading bool           `json:"loading"`
	Year    int            `json:"year"`
	Month   int            `json:"month"`
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
}

type recentActivityResponse struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Event          string    `json:"event"`
	ListingID      string    `json:"listing_id"`
	ListingTitle   string    `json:"listing_title"`
	ListingCompany string    `json:"listing_company"`
}

type todayStatsResponse struct {
	Loading  bool                     `json:"loading"`
	DayStart time.Time                `json:"day_start"`
	Views    int                      `json:"views"`
	Applies  int                      `json:"applies"`
	Recent   []recentActivityResponse `json:"recent"`
}

type monthlyStatsResponse struct {
	Loading bool `json:"loading"`
	Year    int  `json:"year"`
	Month   int  `json:"month"`
	Count   int  `json:"count"`
}

type countResponse struct {
	Count int `json:"count"`
}

func countsOrEmpty(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

// Global は募集ごとの応募総数を返す。
// GET /api/stats/global
func (h *StatsHandler) Global(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, globalStatsResponse{
		Loading: h.readers.Global.IsLoading(),
		Counts:  countsOrEmpty(h.readers.Global.Data()),
	})
}

// Rolling は今月の募集ごとの応募数を返す。
// GET /api/stats/rolling
func (h *StatsHandler) Rolling(w http.ResponseWriter, r *http.Request) {
	snap := h.readers.Rolling.Data()
	writeJSON(w, http.StatusOK, rollingStatsResponse{
		Loading: h.readers.Rolling.IsLoading(),
		Year:    snap.Year,
		Month:   snap.Month,
		Counts:  countsOrEmpty(snap.Counts),
		Total:   snap.Total,
	})
}

// Today は本日の閲覧数・応募数と最近のアクティビティを返す。
// GET /api/stats/today
func (h *StatsHandler) Today(w http.ResponseWriter, r *http.Request) {
	snap := h.readers.Today.Data()
	recent := make([]recentActivityResponse, 0, len(snap.Recent))
	for _, a := range snap.Recent {
		recent = append(recent, recentActivityResponse{
			ID:             a.ID,
			CreatedAt:      a.CreatedAt,
			Event:          string(a.Kind),
			ListingID:      a.ListingID,
			ListingTitle:   a.ListingTitle,
			ListingCompany: a.ListingCompany,
		})
	}
	writeJSON(w, http.StatusOK, todayStatsResponse{
		Loading:  h.readers.Today.IsLoading(),
		DayStart: snap.DayStart,
		Views:    snap.Views,
		Applies:  snap.Applies,
		Recent:   recent,
	})
}

// Monthly は今月の月次応募数を返す。
// GET /api/stats/monthly
func (h *StatsHandler) Monthly(w http.ResponseWriter, r *http.Request) {
	stat := h.readers.Aggregate.Data()
	writeJSON(w, http.StatusOK, monthlyStatsResponse{
		Loading: h.readers.Aggregate.IsLoading(),
		Year:    stat.Year,
		Month:   stat.Month,
		Count:   stat.Count,
	})
}

// refetchThen はリーダーを取り直してから、viewで最新の値を返す。
// 取得に失敗してもリーダーは直前の値を保つため、エラーにはしない。
func refetchThen(refetch func(ctx context.Context), view http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refetch(r.Context())
		view(w, r)
	}
}

// RefetchGlobal は募集ごとの応募総数を取り直して返す。
// POST /api/stats/global/refetch
func (h *StatsHandler) RefetchGlobal(w http.ResponseWriter, r *http.Request) {
	refetchThen(h.readers.Global.Refetch, h.Global)(w, r)
}

// RefetchRolling は今月の募集ごとの応募数を取り直して返す。
// POST /api/stats/rolling/refetch
func (h *StatsHandler) RefetchRolling(w http.ResponseWriter, r *http.Request) {
	refetchThen(h.readers.Rolling.Refetch, h.Rolling)(w, r)
}

// RefetchToday は本日の集計を取り直して返す。
// POST /api/stats/today/refetch
func (h *StatsHandler) RefetchToday(w http.ResponseWriter, r *http.Request) {
	refetchThen(h.readers.Today.Refetch, h.Today)(w, r)
}

// RefetchMonthly は月次応募数を取り直して返す。
// POST /api/stats/monthly/refetch
func (h *StatsHandler) RefetchMonthly(w http.ResponseWriter, r *http.Request) {
	refetchThen(h.readers.Aggregate.Refetch, h.Monthly)(w, r)
}

// Students は学生ユーザー数を返す。
// GET /api/stats/students
func (h *StatsHandler) Students(w http.ResponseWriter, r *http.Request) {
	n, err := h.students.CountByRole(r.Context(), model.RoleStudent)
	if err != nil {
		middleware.WriteError(w, repository.Wrap(err, "学生数の取得に失敗しました"))
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// ActiveUsers は現在オンラインのユーザー数を返す。
// GET /api/stats/active-users
func (h *StatsHandler) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	n, err := h.presence.ActiveUsers(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}
