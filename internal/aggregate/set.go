package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/repository"
)

// Set は4つの集計リーダーをまとめたもの。
type Set struct {
	Global    *GlobalTotals
	Today     *TodayTotals
	Rolling   *MonthlyRolling
	Aggregate *MonthlyAggregate

	wg sync.WaitGroup
}

// NewSet は4つの集計リーダーを生成する。
func NewSet(
	events repository.EventRepository,
	stats repository.StatsRepository,
	now func() time.Time,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Set {
	return &Set{
		Global:    NewGlobalTotals(stats, collector, logger),
		Today:     NewTodayTotals(events, now, collector, logger),
		Rolling:   NewMonthlyRolling(events, now, collector, logger),
		Aggregate: NewMonthlyAggregate(stats, now, collector, logger),
	}
}

// Start は各リーダーをBusの個別の購読者として起動する。
// リーダーごとにキューが分かれるため、遅いリーダーが他を待たせることはない。
func (s *Set) Start(ctx context.Context, bus *realtime.Bus) {
	subs := []struct {
		name string
		run  func(ctx context.Context, in <-chan realtime.Invalidation)
	}{
		{"global_totals", s.Global.Run},
		{"today_totals", s.Today.Run},
		{"monthly_rolling", s.Rolling.Run},
		{"monthly_aggregate", s.Aggregate.Run},
	}
	for _, sub := range subs {
		bs := bus.Subscribe(sub.name)
		run := sub.run
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer bs.Close()
			run(ctx, bs.C())
		}()
	}
}

// Wait はStartで起動したリーダーの終了を待つ。
func (s *Set) Wait() {
	s.wg.Wait()
}

// OnDayBoundary は報告日の切り替わりで本日の集計を数え直す。
func (s *Set) OnDayBoundary(ctx context.Context) {
	s.Today.Refetch(ctx)
}

// OnMonthBoundary は報告月の切り替わりで月次の集計を数え直す。
func (s *Set) OnMonthBoundary(ctx context.Context) {
	s.Rolling.Refetch(ctx)
	s.Aggregate.Refetch(ctx)
}

// RefetchAll はすべてのリーダーを数え直す。
func (s *Set) RefetchAll(ctx context.Context) {
	s.Global.Refetch(ctx)
	s.Today.Refetch(ctx)
	s.Rolling.Refetch(ctx)
	s.Aggregate.Refetch(ctx)
}

// compile-time interface check
var (
	_ Reader[map[string]int]    = (*GlobalTotals)(nil)
	_ Reader[TodaySnapshot]     = (*TodayTotals)(nil)
	_ Reader[RollingSnapshot]   = (*MonthlyRolling)(nil)
	_ Reader[model.MonthlyStat] = (*MonthlyAggregate)(nil)
)
