package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/internboard/internal/config"
	"github.com/hitoshi/internboard/internal/handler"
	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/repository"
	"github.com/hitoshi/internboard/internal/security"
	"github.com/hitoshi/internboard/internal/worker/archive"
	"github.com/hitoshi/internboard/internal/worker/linkcheck"
	"github.com/hitoshi/internboard/internal/worker/schedule"
)

// runWorker はバックグラウンドワーカーを起動する。
// 期限切れ募集のアーカイブと応募先リンクの死活チェックを定期実行する。
// コンテナのヘルスチェック用に /health と /metrics だけを公開する。
func runWorker(cfg *config.Config) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetrics()

	listingRepo := repository.NewPostgresListingRepo(db)
	guard := security.NewURLGuard()

	archiveJob := archive.NewJob(listingRepo, logger)

	runnerCfg := linkcheck.DefaultRunnerConfig()
	runnerCfg.MaxConcurrent = cfg.LinkCheckMaxConcurrent
	checker := linkcheck.NewChecker(guard.NewSafeClient(cfg.LinkCheckTimeout), guard, collector)
	runner := linkcheck.NewRunner(listingRepo, checker, collector, logger, runnerCfg)

	sched := schedule.New(logger)
	jobs := []schedule.Job{
		{Name: "archive_expired", Spec: schedule.SpecArchive, Run: archiveJob.Run},
		{Name: "link_check", Spec: schedule.Every(cfg.LinkCheckInterval), Run: runner.RunOnce},
	}
	for _, job := range jobs {
		if err := sched.Add(ctx, job); err != nil {
			return err
		}
	}

	// 起動直後に1回実行する。失敗しても次のスケジュールで再試行される
	for _, job := range jobs {
		if err := job.Run(ctx); err != nil {
			slog.Warn("起動時のジョブ実行に失敗しました",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	sched.Start()

	r := chi.NewRouter()
	r.Get("/health", handler.NewHealthHandler(db, logger))
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ワーカーの運用エンドポイントを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("運用エンドポイントの起動に失敗しました", slog.String("error", err.Error()))
		}
	}()

	slog.Info("ワーカーを起動しました",
		slog.Duration("linkcheck_interval", cfg.LinkCheckInterval),
	)
	<-ctx.Done()
	slog.Info("ワーカーを停止します")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("運用エンドポイントの停止に失敗しました", slog.String("error", err.Error()))
	}
	sched.Stop(shutdownCtx)

	slog.Info("ワーカーを停止しました")
	return nil
}
