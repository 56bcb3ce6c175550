package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/reporting"
	"github.com/hitoshi/internboard/internal/repository"
)

// dateLayout は応募ログの絞り込みで受け付ける日付の形式。
const dateLayout = "2006-01-02"

// AdminHandler は管理画面向けのHTTPハンドラー。
// ルーティング側でNewRequireAdminMiddlewareを通すこと。
type AdminHandler struct {
	listings ListingServiceInterface
	activity ActivityServiceInterface
	logger   *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(listings ListingServiceInterface, activity ActivityServiceInterface, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{listings: listings, activity: activity, logger: logger}
}

// listingRequest は募集の作成・部分更新リクエストのボディ。
// 省略した項目は更新しない。
type listingRequest struct {
	Title             *string  `json:"title"`
	Company           *string  `json:"company"`
	Location          *string  `json:"location"`
	Duration          *string  `json:"duration"`
	Description       *string  `json:"description"`
	Majors            []string `json:"majors"`
	Industries        []string `json:"industries"`
	ApplicationMethod *string  `json:"application_method"`
	ApplicationValue  *string  `json:"application_value"`
	ImageURL          *string  `json:"image_url"`
	ListingDuration   *int     `json:"listing_duration"`
}

func (req listingRequest) toInput() model.ListingInput {
	in := model.ListingInput{
		Title:            req.Title,
		Company:          req.Company,
		Location:         req.Location,
		Duration:         req.Duration,
		Description:      req.Description,
		Majors:           req.Majors,
		Industries:       req.Industries,
		ApplicationValue: req.ApplicationValue,
		ImageURL:         req.ImageURL,
		ListingDuration:  req.ListingDuration,
	}
	if req.ApplicationMethod != nil {
		m := model.ApplicationMethod(*req.ApplicationMethod)
		in.ApplicationMethod = &m
	}
	return in
}

// listingResultResponse は募集の作成・更新のレスポンス。
type listingResultResponse struct {
	resultResponse
	Listing listingResponse `json:"listing"`
}

// applicationLogResponse は応募ログ1件のAPIレスポンス。
type applicationLogResponse struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ListingID      string    `json:"listing_id"`
	ListingTitle   string    `json:"listing_title"`
	ListingCompany string    `json:"listing_company"`
	UserID         *string   `json:"user_id,omitempty"`
	UserName       string    `json:"user_name"`
	Method         *string   `json:"method,omitempty"`
}

// applicationLogsResponse は応募ログ一覧のAPIレスポンス。
type applicationLogsResponse struct {
	Logs  []applicationLogResponse `json:"logs"`
	Total int                      `json:"total"`
}

// eventResponse はイベントログ1件のAPIレスポンス。
type eventResponse struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      string          `json:"kind"`
	ListingID string          `json:"listing_id"`
	UserID    *string         `json:"user_id,omitempty"`
	Method    *string         `json:"method,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// eventsResponse はイベントログ一覧のAPIレスポンス。
// NextBeforeは1ページ分埋まったときだけ設定され、次のページのbeforeに渡す。
type eventsResponse struct {
	Events     []eventResponse `json:"events"`
	NextBefore *time.Time      `json:"next_before,omitempty"`
}

// ListAllListings はアーカイブ済みを含む全募集を返す。
// GET /api/admin/listings
func (h *AdminHandler) ListAllListings(w http.ResponseWriter, r *http.Request) {
	list, err := h.listings.ListAll(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponses(list))
}

// CreateListing は募集を作成する。
// POST /api/admin/listings
func (h *AdminHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	var req listingRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	l, err := h.listings.Create(r.Context(), req.toInput(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listingResultResponse{
		resultResponse: ok("募集を作成しました"),
		Listing:        toListingResponse(l),
	})
}

// UpdateListing は指定された項目だけを更新する。
// PATCH /api/admin/listings/{id}
func (h *AdminHandler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	l, err := h.listings.Update(r.Context(), chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResultResponse{
		resultResponse: ok("募集を更新しました"),
		Listing:        toListingResponse(l),
	})
}

// DeleteListing は募集をアーカイブする。?permanent=true の場合は物理削除する。
// DELETE /api/admin/listings/{id}
func (h *AdminHandler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	id := chi.URLParam(r, "id")

	if err := h.listings.Delete(r.Context(), id, permanent); err != nil {
		middleware.WriteError(w, err)
		return
	}

	msg := "募集をアーカイブしました"
	if permanent {
		msg = "募集を完全に削除しました"
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

// RestoreListing はアーカイブを取り消す。
// POST /api/admin/listings/{id}/restore
func (h *AdminHandler) RestoreListing(w http.ResponseWriter, r *http.Request) {
	if err := h.listings.Restore(r.Context(), chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("募集を復元しました"))
}

// ApplicationLogs は応募ログを新しい順に返す。
// クエリ: start_date, end_date（YYYY-MM-DD、両端を含む）, title, user_name
// GET /api/admin/logs
func (h *AdminHandler) ApplicationLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ApplicationLogFilter{
		Title:    q.Get("title"),
		UserName: q.Get("user_name"),
	}
	var err error
	if filter.StartDate, err = parseDate("start_date", q.Get("start_date")); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if filter.EndDate, err = parseDate("end_date", q.Get("end_date")); err != nil {
		middleware.WriteError(w, err)
		return
	}

	page, err := h.activity.ApplicationLogs(r.Context(), filter)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := applicationLogsResponse{
		Logs:  make([]applicationLogResponse, 0, len(page.Logs)),
		Total: page.Total,
	}
	for _, lg := range page.Logs {
		item := applicationLogResponse{
			ID:             lg.ID,
			CreatedAt:      lg.CreatedAt,
			ListingID:      lg.ListingID,
			ListingTitle:   lg.ListingTitle,
			ListingCompany: lg.ListingCompany,
			UserID:         lg.UserID,
			UserName:       lg.UserName,
		}
		if lg.Method != nil {
			m := string(*lg.Method)
			item.Method = &m
		}
		resp.Logs = append(resp.Logs, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents はイベントログを新しい順に1ページ分返す。
// クエリ: kind, listing_id, user_id, start_date, end_date（YYYY-MM-DD、両端を含む）, before（RFC3339）
// GET /api/admin/events
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EventFilter{
		Kind:      model.EventKind(q.Get("kind")),
		ListingID: q.Get("listing_id"),
		UserID:    q.Get("user_id"),
	}

	startDate, err := parseDate("start_date", q.Get("start_date"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	endDate, err := parseDate("end_date", q.Get("end_date"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	filter.From, filter.To = reporting.DateRange(startDate, endDate)

	if v := q.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			middleware.WriteError(w, model.NewValidationError("before", "RFC3339形式で指定してください"))
			return
		}
		filter.Before = &before
	}

	cur, err := h.activity.Query(r.Context(), filter)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	defer cur.Close()

	resp := eventsResponse{Events: []eventResponse{}}
	for cur.Next() {
		e := cur.Event()
		item := eventResponse{
			ID:        e.ID,
			CreatedAt: e.CreatedAt,
			Kind:      string(e.Kind),
			ListingID: e.ListingID,
			UserID:    e.UserID,
			Metadata:  e.Metadata,
		}
		if e.Method != nil {
			m := string(*e.Method)
			item.Method = &m
		}
		resp.Events = append(resp.Events, item)
	}
	if err := cur.Err(); err != nil {
		middleware.WriteError(w, repository.Wrap(err, "イベントの読み出しに失敗しました"))
		return
	}

	if len(resp.Events) == model.EventPageSize {
		last := resp.Events[len(resp.Events)-1].CreatedAt
		resp.NextBefore = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteLog はイベントを物理削除する。
// DELETE /api/admin/logs/{id}
func (h *AdminHandler) DeleteLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.activity.Delete(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.logger.Info("イベントを削除しました", slog.String("event_id", id))
	writeJSON(w, http.StatusOK, ok("ログを削除しました"))
}

// parseDate はYYYY-MM-DDを報告タイムゾーンの日付として解釈する。空ならnilを返す。
func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(dateLayout, value, reporting.Location)
	if err != nil {
		return nil, model.NewValidationError(field, "YYYY-MM-DD形式で指定してください")
	}
	return &d, nil
}
