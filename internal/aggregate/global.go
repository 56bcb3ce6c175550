package aggregate

import (
	"context"
	"log/slog"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/repository"
)

// GlobalTotals は全期間の募集別応募数。
// 学生が他人のイベント行を読めなくても合計だけ見られるよう、SECURITY DEFINER関数で集計する。
type GlobalTotals struct {
	*state[map[string]int]
}

// NewGlobalTotals はGlobalTotalsを生成する。
func NewGlobalTotals(stats repository.StatsRepository, collector metrics.MetricsCollector, logger *slog.Logger) *GlobalTotals {
	return &GlobalTotals{
		state: newState("global_totals", stats.GlobalApplicationCounts, collector, logger),
	}
}

// Count はlistingIDの応募数を返す。
func (g *GlobalTotals) Count(listingID string) int {
	return g.Data()[listingID]
}

// Handle は無効化メッセージを1件反映する。
// 応募の追加は該当募集に+1し、削除は何件減ったか分からないため全件再取得する。
// 一度も取得できていない間は+1する元の値がないので、追加でも全件再取得する。
func (g *GlobalTotals) Handle(ctx context.Context, inv realtime.Invalidation) {
	if row, ok := inv.ApplyInsert(); ok {
		if g.LoadedAt().IsZero() {
			g.Refetch(ctx)
			return
		}
		g.update(func(m map[string]int) map[string]int {
			next := make(map[string]int, len(m)+1)
			for k, v := range m {
				next[k] = v
			}
			next[row.ListingID]++
			return next
		})
		return
	}
	if inv.IsResync() || (inv.Table == realtime.TableActivityLogs && inv.Kind == realtime.ChangeDelete) {
		g.Refetch(ctx)
	}
}

// Run は無効化メッセージを受け取り続ける。
func (g *GlobalTotals) Run(ctx context.Context, in <-chan realtime.Invalidation) {
	g.consume(ctx, in, g.Handle)
}
