package aggregate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/reporting"
	"github.com/hitoshi/internboard/internal/repository"
)

// --- モック ---

// memoryStore はイベントログと月次集計をメモリ上に保持し、
// EventRepositoryとStatsRepositoryの両方を実装する。
type memoryStore struct {
	mu      sync.Mutex
	events  []model.Event
	monthly map[[2]int]int
	fail    error
	fetches int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{monthly: make(map[[2]int]int)}
}

func (s *memoryStore) add(kind model.EventKind, listingID string, at time.Time) model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := model.Event{ID: listingID + at.String(), Kind: kind, ListingID: listingID, CreatedAt: at}
	s.events = append(s.events, e)
	return e
}

func (s *memoryStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return
		}
	}
}

func (s *memoryStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *memoryStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *memoryStore) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return s.fail
}

func (s *memoryStore) Insert(ctx context.Context, e *model.Event) error { return nil }
func (s *memoryStore) Query(ctx context.Context, filter model.EventFilter, limit int) (repository.EventIterator, error) {
	return nil, nil
}
func (s *memoryStore) Delete(ctx context.Context, id string) (bool, error) { return true, nil }
func (s *memoryStore) CountAll(ctx context.Context, kind model.EventKind) (int, error) {
	return 0, nil
}
func (s *memoryStore) ApplicationLogs(ctx context.Context, from, to *time.Time, limit int) ([]model.ApplicationLog, error) {
	return nil, nil
}

func (s *memoryStore) inRange(e model.Event, from, to time.Time) bool {
	return !e.CreatedAt.Before(from) && e.CreatedAt.Before(to)
}

func (s *memoryStore) CountByKind(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind && s.inRange(e, from, to) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Recent(ctx context.Context, from, to time.Time, limit int) ([]model.RecentActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RecentActivity
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if s.inRange(e, from, to) {
			out = append(out, model.RecentActivity{ID: e.ID, Kind: e.Kind, ListingID: e.ListingID, CreatedAt: e.CreatedAt})
		}
	}
	return out, nil
}

func (s *memoryStore) ApplyListingIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, e := range s.events {
		if e.Kind == model.EventApply && s.inRange(e, from, to) {
			ids = append(ids, e.ListingID)
		}
	}
	return ids, nil
}

func (s *memoryStore) GlobalApplicationCounts(ctx context.Context) (map[string]int, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range s.events {
		if e.Kind == model.EventApply {
			counts[e.ListingID]++
		}
	}
	return counts, nil
}

func (s *memoryStore) MonthlyCount(ctx context.Context, year, month int) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monthly[[2]int{year, month}], nil
}

// --- ヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func applyInsert(e model.Event) realtime.Invalidation {
	at := e.CreatedAt
	return realtime.Invalidation{
		Table: realtime.TableActivityLogs,
		Kind:  realtime.ChangeInsert,
		Row:   &realtime.Row{ID: e.ID, ListingID: e.ListingID, Event: string(e.Kind), CreatedAt: &at},
	}
}

func applyDelete(e model.Event) realtime.Invalidation {
	return realtime.Invalidation{
		Table:  realtime.TableActivityLogs,
		Kind:   realtime.ChangeDelete,
		OldRow: &realtime.Row{ID: e.ID, ListingID: e.ListingID, Event: string(e.Kind)},
	}
}

// reportingTime は報告タイムゾーンの日時を返す。
func reportingTime(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, reporting.Location)
}

// --- GlobalTotals ---

func TestGlobalTotals_IncrementalInsert(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()

	g.Refetch(ctx)
	fetched := store.fetchCount()

	now := time.Now()
	// 追加順を入れ替えても結果は同じ
	order := []string{"X", "Y", "X", "X", "Y"}
	for i, id := range order {
		e := store.add(model.EventApply, id, now.Add(time.Duration(i)*time.Second))
		g.Handle(ctx, applyInsert(e))
	}

	if got := g.Count("X"); got != 3 {
		t.Errorf("Count(X) = %d, want 3", got)
	}
	if got := g.Count("Y"); got != 2 {
		t.Errorf("Count(Y) = %d, want 2", got)
	}
	if store.fetchCount() != fetched {
		t.Error("inserts should be patched without refetching")
	}
}

func TestGlobalTotals_DeleteRefetches(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()

	now := time.Now()
	a := store.add(model.EventApply, "X", now)
	store.add(model.EventApply, "X", now.Add(time.Second))
	g.Refetch(ctx)

	store.remove(a.ID)
	g.Handle(ctx, applyDelete(a))

	if got := g.Count("X"); got != 1 {
		t.Errorf("Count(X) = %d, want 1", got)
	}
}

func TestGlobalTotals_IgnoresViews(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()
	g.Refetch(ctx)

	e := store.add(model.EventView, "X", time.Now())
	g.Handle(ctx, applyInsert(e))

	if got := g.Count("X"); got != 0 {
		t.Errorf("Count(X) = %d, want 0", got)
	}
}

func TestGlobalTotals_KeepsLastValueOnError(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()

	store.add(model.EventApply, "X", time.Now())
	g.Refetch(ctx)

	store.setFail(errors.New("connection reset"))
	g.Refetch(ctx)

	if got := g.Count("X"); got != 1 {
		t.Errorf("Count(X) = %d, want last known 1", got)
	}
	if g.IsLoading() {
		t.Error("IsLoading should be false after a failed refetch")
	}
	if !bytes.Contains(buf.Bytes(), []byte("global_totals")) {
		t.Errorf("failure should be logged, got %s", buf.String())
	}
}

func TestGlobalTotals_ZeroBeforeLoad(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	store.setFail(errors.New("down"))
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))

	g.Refetch(context.Background())
	if got := g.Count("X"); got != 0 {
		t.Errorf("Count(X) = %d, want 0", got)
	}
}

func TestGlobalTotals_DataIsNotSharedWithPatches(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()
	store.add(model.EventApply, "X", time.Now())
	g.Refetch(ctx)

	before := g.Data()
	e := store.add(model.EventApply, "X", time.Now().Add(time.Second))
	g.Handle(ctx, applyInsert(e))

	if before["X"] != 1 {
		t.Error("a snapshot returned by Data must not change after a patch")
	}
}

func TestGlobalTotals_InsertBeforeFirstLoadRefetches(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		store.add(model.EventApply, "L", now.Add(time.Duration(i)*time.Second))
	}
	store.setFail(errors.New("connection refused"))
	g.Refetch(ctx)
	store.setFail(nil)

	e := store.add(model.EventApply, "L", now.Add(time.Minute))
	g.Handle(ctx, applyInsert(e))

	if got := g.Count("L"); got != 4 {
		t.Errorf("Count(L) = %d, want 4", got)
	}
}

// 遅いリーダーのキューがあふれても、全件再取得と増分が二重に数えないことを確かめる
func TestReaders_BusOverflowDoesNotDoubleCount(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := time.Now()
	ctx := context.Background()

	g := NewGlobalTotals(store, nil, newTestLogger(&buf))
	rolling := NewMonthlyRolling(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	g.Refetch(ctx)
	rolling.Refetch(ctx)

	bus := realtime.NewBus(2)
	defer bus.Close()
	gsub := bus.Subscribe("global_totals")
	rsub := bus.Subscribe("monthly_rolling")

	for i := 0; i < 6; i++ {
		e := store.add(model.EventApply, "L", now.Add(time.Duration(i)*time.Millisecond))
		bus.Publish(applyInsert(e))
	}

	drain := func(ch <-chan realtime.Invalidation, handle func(context.Context, realtime.Invalidation)) {
		for {
			select {
			case inv := <-ch:
				handle(ctx, inv)
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}
	drain(gsub.C(), g.Handle)
	drain(rsub.C(), rolling.Handle)

	if got := g.Count("L"); got != 6 {
		t.Errorf("GlobalTotals.Count(L) = %d, want 6", got)
	}
	if got := rolling.Count("L"); got != 6 {
		t.Errorf("MonthlyRolling.Count(L) = %d, want 6", got)
	}
	if gsub.Overflows() == 0 {
		t.Error("expected the queue to overflow")
	}
}

// --- TodayTotals ---

func TestTodayTotals_ReportingDayBoundary(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 15, 23, 59, 59)
	today := NewTodayTotals(store, func() time.Time { return now }, nil, newTestLogger(&buf))

	store.add(model.EventApply, "L", reportingTime(2024, 3, 15, 23, 59, 59))
	store.add(model.EventApply, "L", reportingTime(2024, 3, 16, 0, 0, 1))
	store.add(model.EventApply, "L", reportingTime(2024, 3, 14, 23, 59, 59))
	store.add(model.EventView, "L", reportingTime(2024, 3, 15, 0, 0, 0))

	today.Refetch(context.Background())
	snap := today.Data()

	if snap.Applies != 1 {
		t.Errorf("Applies = %d, want 1", snap.Applies)
	}
	if snap.Views != 1 {
		t.Errorf("Views = %d, want 1", snap.Views)
	}
	if len(snap.Recent) != 2 {
		t.Errorf("len(Recent) = %d, want 2", len(snap.Recent))
	}
	wantStart := time.Date(2024, 3, 14, 17, 0, 0, 0, time.UTC)
	if !snap.DayStart.Equal(wantStart) {
		t.Errorf("DayStart = %v, want %v", snap.DayStart, wantStart)
	}
}

func TestTodayTotals_RefetchesOnAnyEventChange(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := time.Now()
	today := NewTodayTotals(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	ctx := context.Background()
	today.Refetch(ctx)

	e := store.add(model.EventView, "L", now)
	today.Handle(ctx, applyInsert(e))
	if got := today.Data().Views; got != 1 {
		t.Errorf("Views = %d, want 1", got)
	}

	fetched := store.fetchCount()
	today.Handle(ctx, realtime.Invalidation{Table: realtime.TableListings, Kind: realtime.ChangeUpdate})
	if store.fetchCount() != fetched {
		t.Error("listing changes should not refetch today's totals")
	}
}

// --- MonthlyRolling ---

func TestMonthlyRolling_ThreeApplies(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 15, 12, 0, 0)
	rolling := NewMonthlyRolling(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	ctx := context.Background()
	rolling.Refetch(ctx)

	for i := 0; i < 3; i++ {
		e := store.add(model.EventApply, "L", now.Add(time.Duration(i)*time.Minute))
		rolling.Handle(ctx, applyInsert(e))
	}

	snap := rolling.Data()
	if rolling.Count("L") != 3 || snap.Total != 3 {
		t.Errorf("Count(L) = %d, Total = %d, want 3 and 3", rolling.Count("L"), snap.Total)
	}
	if snap.Year != 2024 || snap.Month != 3 {
		t.Errorf("month = %d-%d, want 2024-3", snap.Year, snap.Month)
	}
}

func TestMonthlyRolling_OnlyCurrentMonth(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 1, 0, 30, 0)
	rolling := NewMonthlyRolling(store, func() time.Time { return now }, nil, newTestLogger(&buf))

	// UTCでは2月29日だが報告タイムゾーンでは3月
	store.add(model.EventApply, "L", time.Date(2024, 2, 29, 17, 30, 0, 0, time.UTC))
	store.add(model.EventApply, "L", time.Date(2024, 2, 29, 16, 59, 0, 0, time.UTC))
	rolling.Refetch(context.Background())

	if got := rolling.Count("L"); got != 1 {
		t.Errorf("Count(L) = %d, want 1", got)
	}
}

func TestMonthlyRolling_OtherMonthInsertRefetches(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 31, 23, 59, 0)
	rolling := NewMonthlyRolling(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	ctx := context.Background()
	rolling.Refetch(ctx)

	// 月替わり後のイベントが境界ジョブより先に届いた
	now = reportingTime(2024, 4, 1, 0, 0, 5)
	e := store.add(model.EventApply, "L", now)
	rolling.Handle(ctx, applyInsert(e))

	snap := rolling.Data()
	if snap.Month != 4 || snap.Total != 1 {
		t.Errorf("snapshot = %d-%d total %d, want April with 1", snap.Year, snap.Month, snap.Total)
	}
}

func TestMonthlyRolling_DeleteRefetches(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := time.Now()
	rolling := NewMonthlyRolling(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	ctx := context.Background()

	e := store.add(model.EventApply, "L", now)
	rolling.Refetch(ctx)
	store.remove(e.ID)
	rolling.Handle(ctx, applyDelete(e))

	if got := rolling.Count("L"); got != 0 {
		t.Errorf("Count(L) = %d, want 0", got)
	}
}

// --- MonthlyAggregate ---

func TestMonthlyAggregate_MissingRowIsZero(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 15, 12, 0, 0)
	agg := NewMonthlyAggregate(store, func() time.Time { return now }, nil, newTestLogger(&buf))

	agg.Refetch(context.Background())
	got := agg.Data()
	if got.Count != 0 || got.Year != 2024 || got.Month != 3 {
		t.Errorf("Data() = %+v, want 2024-3 count 0", got)
	}
}

func TestMonthlyAggregate_RefreshTriggers(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 15, 12, 0, 0)
	agg := NewMonthlyAggregate(store, func() time.Time { return now }, nil, newTestLogger(&buf))
	ctx := context.Background()
	agg.Refetch(ctx)

	store.mu.Lock()
	store.monthly[[2]int{2024, 3}] = 5
	store.mu.Unlock()

	view := store.add(model.EventView, "L", now)
	agg.Handle(ctx, applyInsert(view))
	if got := agg.Data().Count; got != 0 {
		t.Errorf("view insert should not refresh, Count = %d", got)
	}

	apply := store.add(model.EventApply, "L", now)
	agg.Handle(ctx, applyInsert(apply))
	if got := agg.Data().Count; got != 5 {
		t.Errorf("Count = %d, want 5 after apply insert", got)
	}

	store.mu.Lock()
	store.monthly[[2]int{2024, 3}] = 4
	store.mu.Unlock()
	agg.Handle(ctx, realtime.Invalidation{Table: realtime.TableMonthlyStats, Kind: realtime.ChangeUpdate})
	if got := agg.Data().Count; got != 4 {
		t.Errorf("Count = %d, want 4 after stats update", got)
	}
}

// --- Set ---

func TestSet_ConsumesBus(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := time.Now()
	set := NewSet(store, store, func() time.Time { return now }, nil, newTestLogger(&buf))
	bus := realtime.NewBus(16)
	defer bus.Close()

	e := store.add(model.EventApply, "L", now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set.Start(ctx, bus)

	waitCounts := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for set.Global.Count("L") != want || set.Today.Data().Applies != want || set.Rolling.Count("L") != want {
			if time.Now().After(deadline) {
				t.Fatalf("readers did not reach %d: global=%d today=%d rolling=%d", want,
					set.Global.Count("L"), set.Today.Data().Applies, set.Rolling.Count("L"))
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitCounts(1)

	store.remove(e.ID)
	bus.Publish(applyDelete(e))
	waitCounts(0)

	cancel()
	set.Wait()
}

func TestSet_BoundaryHooks(t *testing.T) {
	var buf bytes.Buffer
	store := newMemoryStore()
	now := reportingTime(2024, 3, 31, 23, 59, 59)
	clock := func() time.Time { return now }
	set := NewSet(store, store, clock, nil, newTestLogger(&buf))
	ctx := context.Background()
	set.RefetchAll(ctx)

	now = reportingTime(2024, 4, 1, 0, 0, 0)
	set.OnDayBoundary(ctx)
	set.OnMonthBoundary(ctx)

	if got := set.Rolling.Data().Month; got != 4 {
		t.Errorf("rolling month = %d, want 4", got)
	}
	if got := set.Aggregate.Data().Month; got != 4 {
		t.Errorf("aggregate month = %d, want 4", got)
	}
	wantStart := time.Date(2024, 3, 31, 17, 0, 0, 0, time.UTC)
	if got := set.Today.Data().DayStart; !got.Equal(wantStart) {
		t.Errorf("today start = %v, want %v", got, wantStart)
	}
}
