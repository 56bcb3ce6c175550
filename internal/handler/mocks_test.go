package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/internboard/internal/activity"
	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/repository"
)

// --- モック定義 ---

// mockListingService はListingServiceInterfaceのモック実装。
type mockListingService struct {
	getFn                  func(ctx context.Context, id string) (*model.Listing, error)
	listActiveFn           func(ctx context.Context) ([]model.Listing, error)
	listAllFn              func(ctx context.Context) ([]model.Listing, error)
	locationsFn            func(ctx context.Context) ([]string, error)
	createFn               func(ctx context.Context, in model.ListingInput, createdBy string) (*model.Listing, error)
	updateFn               func(ctx context.Context, id string, in model.ListingInput) (*model.Listing, error)
	deleteFn               func(ctx context.Context, id string, permanent bool) error
	restoreFn              func(ctx context.Context, id string) error
	incrementViewsFn       func(ctx context.Context, id string) (bool, error)
	incrementApplyClicksFn func(ctx context.Context, id string) (bool, error)
}

func (m *mockListingService) Get(ctx context.Context, id string) (*model.Listing, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewListingNotFoundError(id)
}

func (m *mockListingService) ListActive(ctx context.Context) ([]model.Listing, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx)
	}
	return nil, nil
}

func (m *mockListingService) ListAll(ctx context.Context) ([]model.Listing, error) {
	if m.listAllFn != nil {
		return m.listAllFn(ctx)
	}
	return nil, nil
}

func (m *mockListingService) Locations(ctx context.Context) ([]string, error) {
	if m.locationsFn != nil {
		return m.locationsFn(ctx)
	}
	return nil, nil
}

func (m *mockListingService) Create(ctx context.Context, in model.ListingInput, createdBy string) (*model.Listing, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in, createdBy)
	}
	return &model.Listing{}, nil
}

func (m *mockListingService) Update(ctx context.Context, id string, in model.ListingInput) (*model.Listing, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, in)
	}
	return &model.Listing{ID: id}, nil
}

func (m *mockListingService) Delete(ctx context.Context, id string, permanent bool) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id, permanent)
	}
	return nil
}

func (m *mockListingService) Restore(ctx context.Context, id string) error {
	if m.restoreFn != nil {
		return m.restoreFn(ctx, id)
	}
	return nil
}

func (m *mockListingService) IncrementViews(ctx context.Context, id string) (bool, error) {
	if m.incrementViewsFn != nil {
		return m.incrementViewsFn(ctx, id)
	}
	return true, nil
}

func (m *mockListingService) IncrementApplyClicks(ctx context.Context, id string) (bool, error) {
	if m.incrementApplyClicksFn != nil {
		return m.incrementApplyClicksFn(ctx, id)
	}
	return true, nil
}

// mockActivityService はActivityServiceInterfaceのモック実装。
type mockActivityService struct {
	trackViewFn       func(ctx context.Context, listingID string, userID *string) (bool, error)
	trackApplyFn      func(ctx context.Context, listingID string, method model.ApplyMethod, userID *string, metadata json.RawMessage) (bool, error)
	applicationLogsFn func(ctx context.Context, filter model.ApplicationLogFilter) (*activity.ApplicationLogPage, error)
	queryFn           func(ctx context.Context, filter model.EventFilter) (repository.EventIterator, error)
	deleteFn          func(ctx context.Context, id string) error
}

func (m *mockActivityService) TrackView(ctx context.Context, listingID string, userID *string) (bool, error) {
	if m.trackViewFn != nil {
		return m.trackViewFn(ctx, listingID, userID)
	}
	return true, nil
}

func (m *mockActivityService) TrackApply(ctx context.Context, listingID string, method model.ApplyMethod, userID *string, metadata json.RawMessage) (bool, error) {
	if m.trackApplyFn != nil {
		return m.trackApplyFn(ctx, listingID, method, userID, metadata)
	}
	return true, nil
}

func (m *mockActivityService) ApplicationLogs(ctx context.Context, filter model.ApplicationLogFilter) (*activity.ApplicationLogPage, error) {
	if m.applicationLogsFn != nil {
		return m.applicationLogsFn(ctx, filter)
	}
	return &activity.ApplicationLogPage{}, nil
}

func (m *mockActivityService) Query(ctx context.Context, filter model.EventFilter) (repository.EventIterator, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, filter)
	}
	return &sliceIterator{}, nil
}

// sliceIterator はスライスを順に返すrepository.EventIteratorの実装。
type sliceIterator struct {
	events []model.Event
	pos    int
	err    error
	closed bool
}

func (it *sliceIterator) Next() bool {
	if it.closed || it.pos >= len(it.events) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Event() model.Event { return it.events[it.pos-1] }
func (it *sliceIterator) Err() error         { return it.err }
func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

func (m *mockActivityService) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

// mockInteractionService はInteractionServiceInterfaceのモック実装。
type mockInteractionService struct {
	setStarredFn  func(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error)
	toggleStarFn  func(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	markViewedFn  func(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	getFn         func(ctx context.Context, userID, listingID string) (*model.Interaction, error)
	listForUserFn func(ctx context.Context, userID string) ([]model.Interaction, error)
}

func (m *mockInteractionService) SetStarred(ctx context.Context, userID, listingID string, value bool) (*model.Interaction, error) {
	if m.setStarredFn != nil {
		return m.setStarredFn(ctx, userID, listingID, value)
	}
	return &model.Interaction{UserID: userID, ListingID: listingID, IsStarred: value}, nil
}

func (m *mockInteractionService) ToggleStar(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if m.toggleStarFn != nil {
		return m.toggleStarFn(ctx, userID, listingID)
	}
	return &model.Interaction{UserID: userID, ListingID: listingID, IsStarred: true}, nil
}

func (m *mockInteractionService) MarkViewed(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if m.markViewedFn != nil {
		return m.markViewedFn(ctx, userID, listingID)
	}
	return &model.Interaction{UserID: userID, ListingID: listingID, IsViewed: true}, nil
}

func (m *mockInteractionService) Get(ctx context.Context, userID, listingID string) (*model.Interaction, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, listingID)
	}
	return &model.Interaction{UserID: userID, ListingID: listingID}, nil
}

func (m *mockInteractionService) ListForUser(ctx context.Context, userID string) ([]model.Interaction, error) {
	if m.listForUserFn != nil {
		return m.listForUserFn(ctx, userID)
	}
	return nil, nil
}

// mockPresence はPresenceServiceのモック実装。
type mockPresence struct {
	joinFn        func(ctx context.Context, key string, userID *string) error
	heartbeatFn   func(ctx context.Context, key string) error
	leaveFn       func(ctx context.Context, key string) error
	activeUsersFn func(ctx context.Context) (int, error)
}

func (m *mockPresence) Join(ctx context.Context, key string, userID *string) error {
	if m.joinFn != nil {
		return m.joinFn(ctx, key, userID)
	}
	return nil
}

func (m *mockPresence) Heartbeat(ctx context.Context, key string) error {
	if m.heartbeatFn != nil {
		return m.heartbeatFn(ctx, key)
	}
	return nil
}

func (m *mockPresence) Leave(ctx context.Context, key string) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, key)
	}
	return nil
}

func (m *mockPresence) ActiveUsers(ctx context.Context) (int, error) {
	if m.activeUsersFn != nil {
		return m.activeUsersFn(ctx)
	}
	return 0, nil
}

// fakeReader は集計リーダーのスタブ。Refetchではnextがあればdataに反映する。
type fakeReader[T any] struct {
	data      T
	loading   bool
	next      *T
	refetches int
}

func (f *fakeReader[T]) Data() T         { return f.data }
func (f *fakeReader[T]) IsLoading() bool { return f.loading }
func (f *fakeReader[T]) Refetch(ctx context.Context) {
	f.refetches++
	if f.next != nil {
		f.data = *f.next
	}
}

// mockPulse はPulseSubscriberのモック実装。
type mockPulse struct {
	ch   chan realtime.PulseEvent
	last realtime.PulseEvent

	unsubscribed chan struct{}
}

func newMockPulse() *mockPulse {
	return &mockPulse{
		ch:           make(chan realtime.PulseEvent, 4),
		unsubscribed: make(chan struct{}),
	}
}

func (m *mockPulse) Subscribe() (<-chan realtime.PulseEvent, func()) {
	return m.ch, func() { close(m.unsubscribed) }
}

func (m *mockPulse) Last() realtime.PulseEvent { return m.last }

// --- ヘルパー ---

// withUser はテスト用にリクエストのコンテキストに認証済みユーザーを設定するヘルパー。
func withUser(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUser(r.Context(), &model.CurrentUser{ID: userID, Email: userID + "@example.ac.id"})
	return r.WithContext(ctx)
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// jsonBody はvをJSONにしたリクエストボディを返す。
func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

// decodeBody はレスポンスボディをmapに読み込む。
func decodeBody(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }
