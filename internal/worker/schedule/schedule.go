// Package schedule はrobfig/cronで定期ジョブを実行する。
// 日付や月の切り替わりは報告タイムゾーン（UTC+7）で判定する。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/internboard/internal/reporting"
)

// 定期ジョブのスケジュール
const (
	// SpecDayBoundary は報告日の切り替わり（UTC+7の0時）。
	SpecDayBoundary = "0 0 * * *"
	// SpecMonthBoundary は報告月の切り替わり（UTC+7の1日0時）。
	SpecMonthBoundary = "0 0 1 * *"
	// SpecArchive は期限切れ募集のアーカイブ（毎時）。
	SpecArchive = "@hourly"
)

// Every は指定間隔で実行するスケジュールを返す。
func Every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Job は定期実行するジョブ。
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler はcronのラッパー。前回の実行が終わっていないジョブは重ねて実行しない。
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New はSchedulerを生成する。
func New(logger *slog.Logger) *Scheduler {
	cl := &cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(reporting.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Add はジョブを登録する。ctxはジョブの実行に渡される。
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("定期ジョブの実行に失敗しました",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Debug("定期ジョブが完了しました",
			slog.String("job", job.Name),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	})
	if err != nil {
		return fmt.Errorf("定期ジョブ %s の登録に失敗しました: %w", job.Name, err)
	}
	return nil
}

// Start はスケジューラを開始する。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("定期ジョブのスケジューラを開始しました", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop は新しい実行を止め、実行中のジョブの終了をctxの期限まで待つ。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("実行中の定期ジョブの終了を待たずに停止しました")
	}
	s.logger.Info("定期ジョブのスケジューラを停止しました")
}

// cronLogger はcron.Loggerをslogにつなぐ。
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
