package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/internboard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Verifier          middleware.TokenVerifier
	Roles             middleware.RoleChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 募集・イベント
	ListingService     ListingServiceInterface
	ActivityService    ActivityServiceInterface
	InteractionService InteractionServiceInterface

	// 集計
	Stats    StatsReaders
	Students StudentCounter

	// リアルタイム
	Pulse             PulseSubscriber
	Presence          PresenceService
	PresenceHeartbeat time.Duration

	// 運用
	DB      Pinger
	Metrics http.Handler
	BaseURL string
}

// PresenceService はオンライン状態の記録と人数の取得を行う。
type PresenceService interface {
	PresenceTrackerInterface
	ActiveUserCounter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → CORS → Auth → Logging → RateLimit(General)
//
// Authはトークンがなければ匿名として通す。ログイン必須のルートはRequireUser、
// 管理者用のルートはRequireAdminで絞る。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	listingHandler := NewListingHandler(deps.ListingService, deps.ActivityService, deps.InteractionService, deps.Logger)
	adminHandler := NewAdminHandler(deps.ListingService, deps.ActivityService, deps.Logger)
	statsHandler := NewStatsHandler(deps.Stats, deps.Students, deps.Presence)
	liveHandler := NewLiveHandler(deps.Pulse, DefaultKeepAlive, deps.Logger)
	presenceHandler := NewPresenceHandler(deps.Presence, deps.PresenceHeartbeat, deps.Logger)
	rssHandler := NewRSSHandler(deps.ListingService, deps.BaseURL, deps.Logger)
	requireAdmin := middleware.NewRequireAdminMiddleware(deps.Roles)

	// --- 運用系（認証・レート制限なし） ---
	r.Get("/health", NewHealthHandler(deps.DB, deps.Logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/feed.xml", rssHandler.Feed)

		r.Route("/api", func(r chi.Router) {
			// 募集
			r.Get("/listings", listingHandler.ListListings)
			r.Get("/locations", listingHandler.Locations)
			r.Route("/listings/{id}", func(r chi.Router) {
				r.Get("/", listingHandler.GetListing)

				// 閲覧・応募の記録は専用のレート制限を追加
				r.With(deps.RateLimiter.TrackMiddleware()).Post("/view", listingHandler.ViewListing)
				r.With(deps.RateLimiter.TrackMiddleware()).Post("/apply", listingHandler.ApplyListing)

				r.With(middleware.RequireUser).Put("/star", listingHandler.StarListing)
				r.With(middleware.RequireUser).Get("/interaction", listingHandler.GetMyInteraction)
			})
			r.With(middleware.RequireUser).Get("/me/interactions", listingHandler.ListMyInteractions)

			// 集計
			r.Route("/stats", func(r chi.Router) {
				r.Get("/global", statsHandler.Global)
				r.Get("/rolling", statsHandler.Rolling)
				r.Get("/active-users", statsHandler.ActiveUsers)
				r.Post("/global/refetch", statsHandler.RefetchGlobal)
				r.Post("/rolling/refetch", statsHandler.RefetchRolling)

				r.Group(func(r chi.Router) {
					r.Use(requireAdmin)
					r.Get("/today", statsHandler.Today)
					r.Get("/monthly", statsHandler.Monthly)
					r.Post("/today/refetch", statsHandler.RefetchToday)
					r.Post("/monthly/refetch", statsHandler.RefetchMonthly)
					r.Get("/students", statsHandler.Students)
				})
			})

			// リアルタイム
			r.Get("/live", liveHandler.Stream)
			r.Post("/presence", presenceHandler.Track)
			r.Delete("/presence", presenceHandler.Leave)

			// 管理
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)

				r.Get("/listings", adminHandler.ListAllListings)
				r.Post("/listings", adminHandler.CreateListing)
				r.Route("/listings/{id}", func(r chi.Router) {
					r.Patch("/", adminHandler.UpdateListing)
					r.Delete("/", adminHandler.DeleteListing)
					r.Post("/restore", adminHandler.RestoreListing)
				})

				r.Get("/logs", adminHandler.ApplicationLogs)
				r.Delete("/logs/{id}", adminHandler.DeleteLog)
				r.Get("/events", adminHandler.ListEvents)
			})
		})
	})

	return r
}
