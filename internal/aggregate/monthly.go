package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/reporting"
	"github.com/hitoshi/internboard/internal/repository"
)

// RollingSnapshot は報告月のイベントログから数えた募集別応募数。
type RollingSnapshot struct {
	Year   int
	Month  int
	Counts map[string]int
	Total  int
}

// MonthlyRolling は報告月の応募イベントを読み出して募集別に数える。
// 応募の追加は+1で反映し、削除や月替わりでは数え直す。
type MonthlyRolling struct {
	*state[RollingSnapshot]
	now func() time.Time
}

// NewMonthlyRolling はMonthlyRollingを生成する。nowがnilの場合はtime.Nowを使う。
func NewMonthlyRolling(events repository.EventRepository, now func() time.Time, collector metrics.MetricsCollector, logger *slog.Logger) *MonthlyRolling {
	if now == nil {
		now = time.Now
	}
	fetch := func(ctx context.Context) (RollingSnapshot, error) {
		t := now()
		from, to := reporting.MonthBounds(t)
		ids, err := events.ApplyListingIDs(ctx, from, to)
		if err != nil {
			return RollingSnapshot{}, fmt.Errorf("当月の応募イベントの取得に失敗しました: %w", err)
		}
		y, m := reporting.YearMonth(t)
		snap := RollingSnapshot{Year: y, Month: m, Counts: make(map[string]int)}
		for _, id := range ids {
			snap.Counts[id]++
		}
		snap.Total = len(ids)
		return snap, nil
	}
	return &MonthlyRolling{
		state: newState("monthly_rolling", fetch, collector, logger),
		now:   now,
	}
}

// Count はlistingIDの当月応募数を返す。
func (r *MonthlyRolling) Count(listingID string) int {
	return r.Data().Counts[listingID]
}

// Handle は無効化メッセージを1件反映する。
func (r *MonthlyRolling) Handle(ctx context.Context, inv realtime.Invalidation) {
	if row, ok := inv.ApplyInsert(); ok {
		at := r.now()
		if row.CreatedAt != nil {
			at = *row.CreatedAt
		}
		y, m := reporting.YearMonth(at)
		snap := r.Data()
		if snap.Year != y || snap.Month != m {
			// 月が変わった直後など、手元の集計が別の月のもの
			r.Refetch(ctx)
			return
		}
		r.update(func(s RollingSnapshot) RollingSnapshot {
			counts := make(map[string]int, len(s.Counts)+1)
			for k, v := range s.Counts {
				counts[k] = v
			}
			counts[row.ListingID]++
			s.Counts = counts
			s.Total++
			return s
		})
		return
	}
	if inv.IsResync() || (inv.Table == realtime.TableActivityLogs && inv.Kind == realtime.ChangeDelete) {
		r.Refetch(ctx)
	}
}

// Run は無効化メッセージを受け取り続ける。
func (r *MonthlyRolling) Run(ctx context.Context, in <-chan realtime.Invalidation) {
	r.consume(ctx, in, r.Handle)
}

// MonthlyAggregate は monthly_application_stats の当月行の値。
// 行の更新はトリガーが行い、このリーダーは読むだけ。行がなければ0。
type MonthlyAggregate struct {
	*state[model.MonthlyStat]
}

// NewMonthlyAggregate はMonthlyAggregateを生成する。nowがnilの場合はtime.Nowを使う。
func NewMonthlyAggregate(stats repository.StatsRepository, now func() time.Time, collector metrics.MetricsCollector, logger *slog.Logger) *MonthlyAggregate {
	if now == nil {
		now = time.Now
	}
	fetch := func(ctx context.Context) (model.MonthlyStat, error) {
		y, m := reporting.YearMonth(now())
		count, err := stats.MonthlyCount(ctx, y, m)
		if err != nil {
			return model.MonthlyStat{}, fmt.Errorf("月次応募数の取得に失敗しました: %w", err)
		}
		return model.MonthlyStat{Year: y, Month: m, Count: count}, nil
	}
	return &MonthlyAggregate{state: newState("monthly_aggregate", fetch, collector, logger)}
}

// Handle は応募の追加と集計テーブルの変更で読み直す。
func (a *MonthlyAggregate) Handle(ctx context.Context, inv realtime.Invalidation) {
	if _, ok := inv.ApplyInsert(); ok {
		a.Refetch(ctx)
		return
	}
	if inv.Affects(realtime.TableMonthlyStats) {
		a.Refetch(ctx)
	}
}

// Run は無効化メッセージを受け取り続ける。
func (a *MonthlyAggregate) Run(ctx context.Context, in <-chan realtime.Invalidation) {
	a.consume(ctx, in, a.Handle)
}
