package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/repository"
)

// --- モック ---

type mockEventRepo struct {
	mu       sync.Mutex
	inserted []model.Event

	insertFn          func(ctx context.Context, e *model.Event) error
	queryFn           func(ctx context.Context, filter model.EventFilter, limit int) (repository.EventIterator, error)
	deleteFn          func(ctx context.Context, id string) (bool, error)
	applicationLogsFn func(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error)
	countAllFn        func(ctx context.Context, kind model.EventKind) (int, error)
}

func (m *mockEventRepo) Insert(ctx context.Context, e *model.Event) error {
	if m.insertFn != nil {
		if err := m.insertFn(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, *e)
	return nil
}
func (m *mockEventRepo) Query(ctx context.Context, filter model.EventFilter, limit int) (repository.EventIterator, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, filter, limit)
	}
	return nil, nil
}

// eventList はスライスを順に返すrepository.EventIteratorの実装。
type eventList struct {
	events []model.Event
	pos    int
}

func (l *eventList) Next() bool {
	if l.pos >= len(l.events) {
		return false
	}
	l.pos++
	return true
}
func (l *eventList) Event() model.Event { return l.events[l.pos-1] }
func (l *eventList) Err() error         { return nil }
func (l *eventList) Close() error       { return nil }

func (m *mockEventRepo) Delete(ctx context.Context, id string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return true, nil
}
func (m *mockEventRepo) CountByKind(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error) {
	return 0, nil
}
func (m *mockEventRepo) CountAll(ctx context.Context, kind model.EventKind) (int, error) {
	if m.countAllFn != nil {
		return m.countAllFn(ctx, kind)
	}
	return 0, nil
}
func (m *mockEventRepo) Recent(ctx context.Context, from, to time.Time, limit int) ([]model.RecentActivity, error) {
	return nil, nil
}
func (m *mockEventRepo) ApplyListingIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	return nil, nil
}
func (m *mockEventRepo) ApplicationLogs(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error) {
	if m.applicationLogsFn != nil {
		return m.applicationLogsFn(ctx, from, to, limit)
	}
	return nil, nil
}

func (m *mockEventRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- ヘルパー ---

const testListingID = "7d9f3c2e-1b4a-4c6d-8e2f-0a1b2c3d4e5f"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestService(repo *mockEventRepo) (*Service, *fakeClock) {
	var buf bytes.Buffer
	clock := &fakeClock{now: time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)}
	return NewService(repo, nil, newTestLogger(&buf), Options{Now: clock.Now}), clock
}

// --- Append ---

func TestService_Append(t *testing.T) {
	repo := &mockEventRepo{}
	svc, clock := newTestService(repo)

	id, err := svc.Append(context.Background(), &model.Event{Kind: model.EventView, ListingID: testListingID})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if id == "" {
		t.Error("Append should return the new id")
	}
	if repo.count() != 1 {
		t.Fatalf("inserted = %d, want 1", repo.count())
	}
	if got := repo.inserted[0].CreatedAt; !got.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", got, clock.Now())
	}
}

func TestService_Append_Validation(t *testing.T) {
	bad := model.ApplyMethod("fax")
	tests := []struct {
		name  string
		event model.Event
		code  string
	}{
		{"不明な種別", model.Event{Kind: "click", ListingID: testListingID}, model.ErrCodeInvalidEventKind},
		{"募集IDなし", model.Event{Kind: model.EventApply}, model.ErrCodeListingRequired},
		{"募集IDが不正", model.Event{Kind: model.EventApply, ListingID: "abc"}, model.ErrCodeListingRequired},
		{"応募経路が不正", model.Event{Kind: model.EventApply, ListingID: testListingID, Method: &bad}, model.ErrCodeInvalidInput},
		{"メタデータが不正", model.Event{Kind: model.EventView, ListingID: testListingID, Metadata: json.RawMessage("{")}, model.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockEventRepo{}
			svc, _ := newTestService(repo)

			e := tt.event
			_, err := svc.Append(context.Background(), &e)
			apiErr, ok := err.(*model.APIError)
			if !ok {
				t.Fatalf("err = %v, want *model.APIError", err)
			}
			if apiErr.Code != tt.code {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.code)
			}
			if apiErr.Kind != model.KindValidation {
				t.Errorf("Kind = %q, want validation", apiErr.Kind)
			}
			if repo.count() != 0 {
				t.Error("nothing should be written on validation error")
			}
		})
	}
}

func TestService_Append_MissingListing(t *testing.T) {
	repo := &mockEventRepo{
		insertFn: func(ctx context.Context, e *model.Event) error {
			return &pq.Error{Code: "23503"}
		},
	}
	svc, _ := newTestService(repo)

	_, err := svc.Append(context.Background(), &model.Event{Kind: model.EventView, ListingID: testListingID})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("err = %v, want validation error for unknown listing", err)
	}
}

// --- Query / Delete ---

func TestService_Query_PageSize(t *testing.T) {
	var gotLimit int
	var gotFilter model.EventFilter
	repo := &mockEventRepo{
		queryFn: func(ctx context.Context, filter model.EventFilter, limit int) (repository.EventIterator, error) {
			gotLimit = limit
			gotFilter = filter
			return &eventList{events: []model.Event{{ID: "e-1", Kind: model.EventApply, ListingID: testListingID}}}, nil
		},
	}
	svc, _ := newTestService(repo)

	cur, err := svc.Query(context.Background(), model.EventFilter{Kind: model.EventApply, ListingID: testListingID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var ids []string
	for cur.Next() {
		ids = append(ids, cur.Event().ID)
	}
	cur.Close()
	if len(ids) != 1 || ids[0] != "e-1" {
		t.Errorf("ids = %v, want [e-1]", ids)
	}
	if gotLimit != model.EventPageSize {
		t.Errorf("limit = %d, want %d", gotLimit, model.EventPageSize)
	}
	if gotFilter.ListingID != testListingID {
		t.Errorf("ListingID = %q, want %q", gotFilter.ListingID, testListingID)
	}

	if _, err := svc.Query(context.Background(), model.EventFilter{Kind: "bogus"}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestService_Delete(t *testing.T) {
	repo := &mockEventRepo{
		deleteFn: func(ctx context.Context, id string) (bool, error) {
			return id == testListingID, nil
		},
	}
	svc, _ := newTestService(repo)

	if err := svc.Delete(context.Background(), testListingID); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	err := svc.Delete(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if err := svc.Delete(context.Background(), "nope"); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("err = %v, want not found for malformed id", err)
	}
}

// --- Track ---

func TestService_TrackApply_Throttled(t *testing.T) {
	repo := &mockEventRepo{}
	svc, clock := newTestService(repo)
	ctx := context.Background()

	recorded, err := svc.TrackApply(ctx, testListingID, model.ApplyExternalLink, nil, nil)
	if err != nil || !recorded {
		t.Fatalf("first TrackApply = (%v, %v), want (true, nil)", recorded, err)
	}
	clock.Advance(2 * time.Second)
	recorded, _ = svc.TrackApply(ctx, testListingID, model.ApplyCopiedEmail, nil, nil)
	if recorded {
		t.Error("second TrackApply within 3s should be throttled")
	}
	clock.Advance(time.Second)
	recorded, _ = svc.TrackApply(ctx, testListingID, model.ApplyCopiedEmail, nil, nil)
	if !recorded {
		t.Error("TrackApply after 3s should be recorded")
	}

	if repo.count() != 2 {
		t.Fatalf("inserted = %d, want 2", repo.count())
	}
	if m := repo.inserted[1].Method; m == nil || *m != model.ApplyCopiedEmail {
		t.Errorf("Method = %v, want copied_email", m)
	}
}

func TestService_TrackApply_ThreeApplies(t *testing.T) {
	repo := &mockEventRepo{}
	svc, clock := newTestService(repo)
	ctx := context.Background()

	for _, m := range []model.ApplyMethod{model.ApplyExternalLink, model.ApplyExternalLink, model.ApplyCopiedEmail} {
		if ok, err := svc.TrackApply(ctx, testListingID, m, nil, json.RawMessage(`{"source":"card"}`)); err != nil || !ok {
			t.Fatalf("TrackApply = (%v, %v)", ok, err)
		}
		clock.Advance(3 * time.Second)
	}
	if repo.count() != 3 {
		t.Errorf("inserted = %d, want 3", repo.count())
	}
}

func TestService_TrackApply_InvalidMethod(t *testing.T) {
	repo := &mockEventRepo{}
	svc, _ := newTestService(repo)

	_, err := svc.TrackApply(context.Background(), testListingID, "carrier_pigeon", nil, nil)
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestService_TrackView_Debounced(t *testing.T) {
	repo := &mockEventRepo{}
	svc, clock := newTestService(repo)
	user := "user-1"

	svc.TrackView(context.Background(), testListingID, &user)
	clock.Advance(time.Second)
	svc.TrackView(context.Background(), testListingID, &user)

	if repo.count() != 1 {
		t.Errorf("inserted = %d, want 1", repo.count())
	}
	if u := repo.inserted[0].UserID; u == nil || *u != "user-1" {
		t.Errorf("UserID = %v, want user-1", u)
	}
}

// --- ApplicationLogs ---

func TestService_ApplicationLogs_Filters(t *testing.T) {
	var gotFrom, gotTo *time.Time
	repo := &mockEventRepo{
		applicationLogsFn: func(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error) {
			gotFrom, gotTo = from, to
			return []model.ApplicationLog{
				{ID: "1", ListingTitle: "Backend Intern", UserName: "Somchai"},
				{ID: "2", ListingTitle: "Design Intern", UserName: "Anong"},
				{ID: "3", ListingTitle: "Backend Intern", UserName: model.UnknownUserName},
			}, nil
		},
		countAllFn: func(ctx context.Context, kind model.EventKind) (int, error) {
			if kind != model.EventApply {
				t.Errorf("kind = %q, want apply", kind)
			}
			return 57, nil
		},
	}
	svc, _ := newTestService(repo)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	page, err := svc.ApplicationLogs(context.Background(), model.ApplicationLogFilter{
		StartDate: &start,
		EndDate:   &end,
		Title:     "backend",
		UserName:  "SOM",
	})
	if err != nil {
		t.Fatalf("ApplicationLogs failed: %v", err)
	}
	if len(page.Logs) != 1 || page.Logs[0].ID != "1" {
		t.Errorf("Logs = %+v, want only id 1", page.Logs)
	}
	if page.Total != 57 {
		t.Errorf("Total = %d, want 57", page.Total)
	}

	wantFrom := time.Date(2024, 2, 29, 17, 0, 0, 0, time.UTC)
	wantTo := time.Date(2024, 3, 31, 17, 0, 0, 0, time.UTC)
	if gotFrom == nil || !gotFrom.Equal(wantFrom) {
		t.Errorf("from = %v, want %v", gotFrom, wantFrom)
	}
	if gotTo == nil || !gotTo.Equal(wantTo) {
		t.Errorf("to = %v, want %v", gotTo, wantTo)
	}
}

func TestService_ApplicationLogs_NoFilter(t *testing.T) {
	repo := &mockEventRepo{
		applicationLogsFn: func(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error) {
			if from != nil || to != nil {
				t.Errorf("from/to should be nil without dates")
			}
			return []model.ApplicationLog{{ID: "1"}, {ID: "2"}}, nil
		},
	}
	svc, _ := newTestService(repo)

	page, err := svc.ApplicationLogs(context.Background(), model.ApplicationLogFilter{})
	if err != nil {
		t.Fatalf("ApplicationLogs failed: %v", err)
	}
	if len(page.Logs) != 2 {
		t.Errorf("len(Logs) = %d, want 2", len(page.Logs))
	}
}
