package linkcheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
)

// Store はチェック対象の取得と結果の記録を抽象化するインターフェース。
// repository.ListingRepository が満たす。
type Store interface {
	ListLinkCheckTargets(ctx context.Context, checkedBefore time.Time, limit int) ([]model.LinkCheckTarget, error)
	UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus, checkedAt time.Time) error
}

// LinkChecker はURLを1件チェックするインターフェース。テスト時にモックに差し替え可能。
type LinkChecker interface {
	Check(ctx context.Context, rawURL string) Result
}

// RunnerConfig はチェックサイクルの設定。
type RunnerConfig struct {
	// RecheckAfter は同じリンクを再チェックするまでの間隔（デフォルト: 24時間）。
	RecheckAfter time.Duration
	// MaxConcurrent は同時にチェックする最大数（デフォルト: 5）。
	MaxConcurrent int
	// BatchSize は1サイクルでチェックする最大件数（デフォルト: 100）。
	BatchSize int
}

// DefaultRunnerConfig はデフォルトの設定を返す。
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		RecheckAfter:  24 * time.Hour,
		MaxConcurrent: 5,
		BatchSize:     100,
	}
}

// Runner はチェック対象を取得し、並列数を制限しながらチェックする。
type Runner struct {
	store   Store
	checker LinkChecker
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	config  RunnerConfig
	now     func() time.Time
}

// NewRunner はRunnerを生成する。0以下の設定値はデフォルト値になる。
func NewRunner(store Store, checker LinkChecker, collector metrics.MetricsCollector, logger *slog.Logger, config RunnerConfig) *Runner {
	def := DefaultRunnerConfig()
	if config.RecheckAfter <= 0 {
		config.RecheckAfter = def.RecheckAfter
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Runner{
		store:   store,
		checker: checker,
		metrics: collector,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// RunOnce は1回のチェックサイクルを実行する。
// 個々のリンクの失敗はログに残して次に進み、サイクル自体は失敗しない。
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()

	targets, err := r.store.ListLinkCheckTargets(ctx, r.now().Add(-r.config.RecheckAfter), r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("リンクチェック対象の取得に失敗しました: %w", err)
	}
	if len(targets) == 0 {
		r.logger.Debug("リンクチェック対象の募集はありません")
		return nil
	}

	sem := make(chan struct{}, r.config.MaxConcurrent)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = make(map[model.LinkStatus]int)
	)

	for _, target := range targets {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)

		go func(t model.LinkCheckTarget) {
			defer wg.Done()
			defer func() { <-sem }()

			res := r.checker.Check(ctx, t.URL)
			r.metrics.RecordLinkCheck(string(res.Status))
			if res.Err != nil {
				r.logger.Warn("リンクチェックでエラーが発生しました",
					slog.String("listing_id", t.ListingID),
					slog.String("url", t.URL),
					slog.String("status", string(res.Status)),
					slog.String("error", res.Err.Error()),
				)
			}
			if err := r.store.UpdateLinkStatus(ctx, t.ListingID, res.Status, r.now().UTC()); err != nil {
				r.logger.Error("リンクチェック結果の記録に失敗しました",
					slog.String("listing_id", t.ListingID),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			counts[res.Status]++
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	r.logger.Info("リンクチェックサイクルが完了しました",
		slog.Int("target_count", len(targets)),
		slog.Int("ok", counts[model.LinkStatusOK]),
		slog.Int("broken", counts[model.LinkStatusBroken]),
		slog.Int("temporary", counts[model.LinkStatusTemporary]),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
