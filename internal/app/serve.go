package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/internboard/internal/activity"
	"github.com/hitoshi/internboard/internal/aggregate"
	"github.com/hitoshi/internboard/internal/auth"
	"github.com/hitoshi/internboard/internal/config"
	"github.com/hitoshi/internboard/internal/handler"
	"github.com/hitoshi/internboard/internal/interaction"
	"github.com/hitoshi/internboard/internal/listing"
	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/presence"
	"github.com/hitoshi/internboard/internal/realtime"
	"github.com/hitoshi/internboard/internal/repository"
	"github.com/hitoshi/internboard/internal/security"
	"github.com/hitoshi/internboard/internal/worker/schedule"
)

// runServe はAPIサーバーを起動する。
// 変更通知の同期、集計リーダー、パルス、オンライン状態もこのプロセスで動かす。
func runServe(cfg *config.Config) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- インフラ ---
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	reg, collector := newMetrics()
	instance := instanceID(cfg)

	// --- リポジトリ ---
	listingRepo := repository.NewPostgresListingRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	interactionRepo := repository.NewPostgresInteractionRepo(db)
	statsRepo := repository.NewPostgresStatsRepo(db)
	roleRepo := repository.NewPostgresRoleRepo(db)

	// --- サービス ---
	listingService := listing.NewService(
		listingRepo,
		security.NewURLGuard(),
		security.NewTextSanitizer(),
		collector,
		logger,
		listing.Options{DebounceWindow: cfg.ViewDebounce},
	)
	activityService := activity.NewService(eventRepo, collector, logger, activity.Options{
		ViewWindow:  cfg.ViewDebounce,
		ApplyWindow: cfg.ApplyThrottle,
	})
	interactionService := interaction.NewService(interactionRepo)

	// --- リアルタイム ---
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	bus := realtime.NewBus(realtime.DefaultQueueSize)
	bus.OnOverflow(collector.RecordBusOverflow)
	source := realtime.NewPGSource(cfg.DatabaseURL, logger)
	syncer := realtime.NewSyncer(source, bus, realtime.WatchedTables, collector, logger)

	set := aggregate.NewSet(eventRepo, statsRepo, time.Now, collector, logger)
	set.Start(runCtx, bus)

	pulse := realtime.NewPulse(cfg.PulseDebounce, cfg.PulseHideAfter)
	pulseSub := bus.Subscribe("pulse")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer pulseSub.Close()
		pulse.Run(runCtx, pulseSub.C())
	}()

	if rdb != nil {
		fanout := realtime.NewRedisFanout(rdb, instance, logger)
		pulse.OnFire(func(tables []realtime.Table) {
			if err := fanout.Publish(runCtx, tables); err != nil {
				logger.Warn("パルスの転送に失敗しました", slog.String("error", err.Error()))
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fanout.Run(runCtx, pulse.NotifyTables); err != nil {
				logger.Error("パルスの受信が終了しました", slog.String("error", err.Error()))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := syncer.Run(runCtx); err != nil {
			logger.Error("変更通知の同期が終了しました", slog.String("error", err.Error()))
		}
	}()

	var channel presence.Channel = presence.NewMemoryChannel()
	if rdb != nil {
		channel = presence.NewRedisChannel(rdb, logger)
	}
	tracker := presence.NewTracker(channel, collector, logger, presence.Options{
		Instance:  instance,
		Heartbeat: cfg.PresenceHeartbeat,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tracker.Run(runCtx); err != nil {
			logger.Error("オンライン状態の管理が終了しました", slog.String("error", err.Error()))
		}
	}()

	// --- 定期ジョブ ---
	sched := schedule.New(logger)
	jobs := []schedule.Job{
		{
			Name: "day_boundary",
			Spec: schedule.SpecDayBoundary,
			Run: func(ctx context.Context) error {
				set.OnDayBoundary(ctx)
				return nil
			},
		},
		{
			Name: "month_boundary",
			Spec: schedule.SpecMonthBoundary,
			Run: func(ctx context.Context) error {
				set.OnMonthBoundary(ctx)
				return nil
			},
		},
		{
			Name: "presence_sweep",
			Spec: schedule.Every(cfg.PresenceHeartbeat),
			Run: func(ctx context.Context) error {
				_, err := tracker.Sweep(ctx)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(runCtx, job); err != nil {
			return err
		}
	}
	sched.Start()

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             logger,
		Verifier:           auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Roles:              roleRepo,
		CORSAllowedOrigin:  cfg.CORSAllowedOrigin,
		RateLimiter:        limiter,
		ListingService:     listingService,
		ActivityService:    activityService,
		InteractionService: interactionService,
		Stats:              handler.StatsReadersFromSet(set),
		Students:           roleRepo,
		Pulse:              pulse,
		Presence:           tracker,
		PresenceHeartbeat:  cfg.PresenceHeartbeat,
		DB:                 db,
		Metrics:            metrics.Handler(reg),
		BaseURL:            cfg.BaseURL,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTPサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("シャットダウンを開始します")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("HTTPサーバーの起動に失敗しました: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPサーバーの停止に失敗しました", slog.String("error", err.Error()))
	}
	sched.Stop(shutdownCtx)

	cancel()
	if err := source.Close(); err != nil {
		slog.Warn("変更通知の接続を閉じられませんでした", slog.String("error", err.Error()))
	}
	wg.Wait()
	set.Wait()
	bus.Close()

	slog.Info("シャットダウンが完了しました")
	return runErr
}

// rateLimiterConfig は分あたりのリクエスト数の設定をRateLimiterConfigに変換する。
// バーストは1分間の上限と同じにする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	rc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rc.GeneralBurst = cfg.RateLimitGeneral
	rc.TrackRate = rate.Limit(float64(cfg.RateLimitTrack) / 60.0)
	rc.TrackBurst = cfg.RateLimitTrack
	return rc
}
