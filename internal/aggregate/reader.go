// Package aggregate は応募数・閲覧数の4つの集計リーダーを提供する。
//
// 4つのリーダーは同じ「応募数」を異なる方法で数える。
//   - GlobalTotals: 全期間の募集別応募数。追加通知で+1し、削除通知で全件再取得する。
//   - TodayTotals: 報告日（UTC+7）の閲覧数・応募数。イベントログの変更で毎回全件再取得する。
//   - MonthlyRolling: 報告月のイベントログを募集別に数える。追加通知で+1、削除通知で全件再取得する。
//   - MonthlyAggregate: monthly_application_stats の当月行を読むだけ。
//
// 更新タイミングとタイムゾーンの扱いがそれぞれ異なるため、表示される値が一時的に食い違うことがある。
// 統一すると画面に見える挙動が変わるので、まとめる場合は意図して設計し直すこと。
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/realtime"
)

// Reader は集計リーダー共通のインターフェース。
type Reader[T any] interface {
	// Data は最後に取得できた値を返す。一度も取得できていなければゼロ値。
	Data() T
	// IsLoading は取得中かどうかを返す。
	IsLoading() bool
	// Refetch は全件を取得し直す。失敗してもエラーは返さず、直前の値を保つ。
	Refetch(ctx context.Context)
	// Run はinから無効化メッセージを受け取り、ctxがキャンセルされるまで値を更新し続ける。
	Run(ctx context.Context, in <-chan realtime.Invalidation)
}

// state は値と取得中フラグを保持する。
// 取得処理は並行して走ることがあり、最後に完了したものの結果が残る。
type state[T any] struct {
	name    string
	fetch   func(ctx context.Context) (T, error)
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu       sync.RWMutex
	data     T
	loading  int
	loadedAt time.Time
}

func newState[T any](name string, fetch func(ctx context.Context) (T, error), collector metrics.MetricsCollector, logger *slog.Logger) *state[T] {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &state[T]{name: name, fetch: fetch, metrics: collector, logger: logger}
}

func (s *state[T]) Data() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *state[T]) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// LoadedAt は最後に取得が成功した時刻を返す。
func (s *state[T]) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *state[T]) Refetch(ctx context.Context) {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()

	v, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading--
	if err != nil {
		s.metrics.RecordRefetch(s.name, false)
		s.logger.Error("集計の取得に失敗しました",
			slog.String("reader", s.name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordRefetch(s.name, true)
	s.data = v
	s.loadedAt = time.Now()
}

// update は現在の値をfnで書き換える。増分更新に使う。
func (s *state[T]) update(fn func(v T) T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = fn(s.data)
}

// consume は初回取得のあと、inのメッセージごとにhandleを呼ぶ。
func (s *state[T]) consume(ctx context.Context, in <-chan realtime.Invalidation, handle func(ctx context.Context, inv realtime.Invalidation)) {
	s.Refetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-in:
			if !ok {
				return
			}
			handle(ctx, inv)
		}
	}
}
