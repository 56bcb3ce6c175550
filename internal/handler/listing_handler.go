package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/internboard/internal/activity"
	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/repository"
)

// ListingServiceInterface は募集ハンドラーが必要とするサービスインターフェース。
type ListingServiceInterface interface {
	Get(ctx context.Context, id string) (*model.Listing, error)
	ListActive(ctx context.Context) ([]model.Listing, error)
	ListAll(ctx context.Context) ([]model.Listing, error)
	Locations(ctx context.Context) ([]string, error)
	Create(ctx context.Context, in model.ListingInput, createdBy string) (*model.Listing, error)
	Update(ctx context.Context, id string, in model.ListingInput) (*model.Listing, error)
	Delete(ctx context.Context, id string, permanent bool) error
	Restore(ctx context.Context, id string) error
	// IncrementViews は閲覧数を加算する。間引かれた場合はfalseを返す。
	IncrementViews(ctx context.Context, id string) (bool, error)
	// IncrementApplyClicks は応募クリック数を加算する。間引かれた場合はfalseを返す。
	IncrementApplyClicks(ctx context.Context, id string) (bool, error)
}

// ActivityServiceInterface はイベントログ操作のサービスインターフェース。
type ActivityServiceInterface interface {
	TrackView(ctx context.Context, listingID string, userID *string) (bool, error)
	TrackApply(ctx context.Context, listingID string, method model.ApplyMethod, userID *string, metadata json.RawMessage) (bool, error)
	ApplicationLogs(ctx context.Context, filter model.ApplicationLogFilter) (*activity.ApplicationLogPage, error)
	Query(ctx context.Context, filter model.EventFilter) (repository.EventIterator, error)
	Delete(ctx context.Context, id string) error
}

// InteractionServiceInterface はスター・閲覧済み状態のサービスインターフェース。
type InteractionServiceInterface interface {
	SetStarred(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error)
	ToggleStar(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	MarkViewed(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	Get(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	ListForUser(ctx context.Context, userID string) ([]model.Interaction, error)
}

// ListingHandler は学生向けの募集APIのHTTPハンドラー。
type ListingHandler struct {
	listings     ListingServiceInterface
	activity     ActivityServiceInterface
	interactions InteractionServiceInterface
	logger       *slog.Logger
}

// NewListingHandler はListingHandlerを生成する。
func NewListingHandler(
	listings ListingServiceInterface,
	activity ActivityServiceInterface,
	interactions InteractionServiceInterface,
	logger *slog.Logger,
) *ListingHandler {
	return &ListingHandler{
		listings:     listings,
		activity:     activity,
		interactions: interactions,
		logger:       logger,
	}
}

// listingResponse は募集のAPIレスポンス。
type listingResponse struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Company           string     `json:"company"`
	Location          string     `json:"location"`
	Duration          string     `json:"duration"`
	Description       string     `json:"description"`
	Majors            []string   `json:"majors"`
	Industries        []string   `json:"industries"`
	ApplicationMethod string     `json:"application_method"`
	ApplicationValue  string     `json:"application_value"`
	ImageURL          *string    `json:"image_url,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	ListingDuration   *int       `json:"listing_duration,omitempty"`
	Views             int        `json:"views"`
	ApplyClicks       int        `json:"apply_clicks"`
	LinkStatus        *string    `json:"link_status,omitempty"`
	LinkCheckedAt     *time.Time `json:"link_checked_at,omitempty"`
	Archived          bool       `json:"archived"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

func toListingResponse(l *model.Listing) listingResponse {
	resp := listingResponse{
		ID:                l.ID,
		Title:             l.Title,
		Company:           l.Company,
		Location:          l.Location,
		Duration:          l.Duration,
		Description:       l.Description,
		Majors:            nonNil(l.Majors),
		Industries:        nonNil(l.Industries),
		ApplicationMethod: string(l.ApplicationMethod),
		ApplicationValue:  l.ApplicationValue,
		ImageURL:          l.ImageURL,
		ExpiresAt:         l.ExpiresAt,
		ListingDuration:   l.ListingDuration,
		Views:             l.Views,
		ApplyClicks:       l.ApplyClicks,
		LinkCheckedAt:     l.LinkCheckedAt,
		Archived:          !l.IsActive(),
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
		DeletedAt:         l.DeletedAt,
	}
	if l.LinkStatus != nil {
		s := string(*l.LinkStatus)
		resp.LinkStatus = &s
	}
	return resp
}

func toListingResponses(list []model.Listing) []listingResponse {
	out := make([]listingResponse, 0, len(list))
	for i := range list {
		out = append(out, toListingResponse(&list[i]))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// interactionResponse はスター・閲覧済み状態のAPIレスポンス。
type interactionResponse struct {
	ListingID string    `json:"listing_id"`
	IsStarred bool      `json:"is_starred"`
	IsViewed  bool      `json:"is_viewed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toInteractionResponse(in *model.Interaction) interactionResponse {
	return interactionResponse{
		ListingID: in.ListingID,
		IsStarred: in.IsStarred,
		IsViewed:  in.IsViewed,
		UpdatedAt: in.UpdatedAt,
	}
}

// trackResponse は閲覧・応募記録のレスポンス。
// Countedは間引かれずにカウンタを加算できたかどうか。
type trackResponse struct {
	resultResponse
	Counted bool `json:"counted"`
}

// applyRequest は応募記録リクエストのボディ。
type applyRequest struct {
	Method   string          `json:"method"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// starRequest はスター更新リクエストのボディ。Starredを省略するとトグルする。
type starRequest struct {
	Starred *bool `json:"starred"`
}

// starResponse はスター更新のレスポンス。
type starResponse struct {
	resultResponse
	Interaction interactionResponse `json:"interaction"`
}

// ListListings は公開中の募集一覧を返す。
// GET /api/listings
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	list, err := h.listings.ListActive(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponses(list))
}

// GetListing は募集を1件返す。アーカイブ済みも返す。
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

// Locations は公開中の募集の勤務地一覧を返す。
// GET /api/locations
func (h *ListingHandler) Locations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.listings.Locations(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locs))
}

// ViewListing は閲覧数を加算し、閲覧イベントを記録する。
// ログイン中なら閲覧済みにもする。
// POST /api/listings/{id}/view
func (h *ListingHandler) ViewListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	userID := optionalUserID(r)

	counted, err := h.listings.IncrementViews(ctx, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if _, err := h.activity.TrackView(ctx, id, userID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if userID != nil {
		if _, err := h.interactions.MarkViewed(ctx, *userID, id); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}

	msg := "閲覧を記録しました"
	if !counted {
		msg = "直前の閲覧として記録済みです"
	}
	writeJSON(w, http.StatusOK, trackResponse{resultResponse: ok(msg), Counted: counted})
}

// ApplyListing は応募イベントを記録し、応募クリック数を加算する。
// POST /api/listings/{id}/apply
func (h *ListingHandler) ApplyListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	method := model.ApplyMethod(req.Method)
	if !method.Valid() {
		middleware.WriteError(w, model.NewValidationError("method", "external_link または copied_email を指定してください"))
		return
	}

	counted, err := h.listings.IncrementApplyClicks(ctx, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if _, err := h.activity.TrackApply(ctx, id, method, optionalUserID(r), req.Metadata); err != nil {
		middleware.WriteError(w, err)
		return
	}

	msg := "応募を記録しました"
	if !counted {
		msg = "直前の応募として記録済みです"
	}
	writeJSON(w, http.StatusOK, trackResponse{resultResponse: ok(msg), Counted: counted})
}

// StarListing はスター状態を設定する。starredを省略した場合は反転する。
// PUT /api/listings/{id}/star
func (h *ListingHandler) StarListing(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	var req starRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	var in *model.Interaction
	if req.Starred != nil {
		in, err = h.interactions.SetStarred(r.Context(), userID, id, *req.Starred)
	} else {
		in, err = h.interactions.ToggleStar(r.Context(), userID, id)
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	msg := "スターを外しました"
	if in.IsStarred {
		msg = "スターを付けました"
	}
	writeJSON(w, http.StatusOK, starResponse{resultResponse: ok(msg), Interaction: toInteractionResponse(in)})
}

// GetMyInteraction はログイン中ユーザーの1件の募集に対する状態を返す。
// GET /api/listings/{id}/interaction
func (h *ListingHandler) GetMyInteraction(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	in, err := h.interactions.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInteractionResponse(in))
}

// ListMyInteractions はログイン中ユーザーのスター・閲覧済み状態を返す。
// GET /api/me/interactions
func (h *ListingHandler) ListMyInteractions(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	list, err := h.interactions.ListForUser(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]interactionResponse, 0, len(list))
	for i := range list {
		out = append(out, toInteractionResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// currentUserID はログイン中のユーザーIDを返す。匿名ならAuthErrorを返す。
func currentUserID(r *http.Request) (string, error) {
	id, err := middleware.UserIDFromContext(r.Context())
	if err != nil || id == "" {
		return "", model.NewAuthError()
	}
	return id, nil
}
