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

// RecentLimit は本日の最近のアクティビティの表示件数。
const RecentLimit = 20

// TodaySnapshot は報告日1日分の集計。
type TodaySnapshot struct {
	DayStart time.Time
	Views    int
	Applies  int
	Recent   []model.RecentActivity
}

// TodayTotals は報告日（UTC+7）の閲覧数と応募数。
// 件数が少ないため増分更新はせず、イベントログが変わるたびに数え直す。
type TodayTotals struct {
	*state[TodaySnapshot]
}

// NewTodayTotals はTodayTotalsを生成する。nowがnilの場合はtime.Nowを使う。
func NewTodayTotals(events repository.EventRepository, now func() time.Time, collector metrics.MetricsCollector, logger *slog.Logger) *TodayTotals {
	if now == nil {
		now = time.Now
	}
	fetch := func(ctx context.Context) (TodaySnapshot, error) {
		from, to := reporting.DayBounds(now())
		views, err := events.CountByKind(ctx, model.EventView, from, to)
		if err != nil {
			return TodaySnapshot{}, fmt.Errorf("本日の閲覧数の取得に失敗しました: %w", err)
		}
		applies, err := events.CountByKind(ctx, model.EventApply, from, to)
		if err != nil {
			return TodaySnapshot{}, fmt.Errorf("本日の応募数の取得に失敗しました: %w", err)
		}
		recent, err := events.Recent(ctx, from, to, RecentLimit)
		if err != nil {
			return TodaySnapshot{}, fmt.Errorf("本日のアクティビティの取得に失敗しました: %w", err)
		}
		return TodaySnapshot{DayStart: from, Views: views, Applies: applies, Recent: recent}, nil
	}
	return &TodayTotals{state: newState("today_totals", fetch, collector, logger)}
}

// Handle はイベントログの変更であれば数え直す。
func (t *TodayTotals) Handle(ctx context.Context, inv realtime.Invalidation) {
	if inv.Affects(realtime.TableActivityLogs) {
		t.Refetch(ctx)
	}
}

// Run は無効化メッセージを受け取り続ける。
func (t *TodayTotals) Run(ctx context.Context, in <-chan realtime.Invalidation) {
	t.consume(ctx, in, t.Handle)
}
