// Package archive は掲載期限を過ぎた募集の自動アーカイブジョブを提供する。
// アーカイブはdeleted_atを設定するだけなので、管理画面から元に戻せる。
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Archiver は期限切れ募集をアーカイブする操作を抽象化するインターフェース。
// repository.ListingRepository が満たす。
type Archiver interface {
	ArchiveExpired(ctx context.Context, now time.Time) (int64, error)
}

// Job は期限切れ募集のアーカイブジョブ。冪等で、対象がなくてもエラーにならない。
type Job struct {
	repo   Archiver
	logger *slog.Logger
	now    func() time.Time
}

// NewJob はJobを生成する。
func NewJob(repo Archiver, logger *slog.Logger) *Job {
	return &Job{repo: repo, logger: logger, now: time.Now}
}

// Run はexpires_atが現在時刻以前の募集をアーカイブする。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	n, err := j.repo.ArchiveExpired(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("期限切れ募集のアーカイブに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れ募集のアーカイブに失敗: %w", err)
	}

	j.logger.Info("期限切れ募集のアーカイブが完了しました",
		slog.Int64("archived_count", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
