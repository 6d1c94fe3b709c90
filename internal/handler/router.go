package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/calsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// カレンダー連携
	AuthService AuthServiceInterface
	SyncService SyncServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//
// POST /calendar/sync にのみレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	calendarHandler := NewCalendarHandler(deps.AuthService, deps.SyncService, logger)

	r.Get("/", Root)
	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/calendar", func(r chi.Router) {
		r.Get("/auth", calendarHandler.Auth)
		r.Get("/oauth2callback", calendarHandler.OAuth2Callback)

		if deps.RateLimiter != nil {
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/sync", calendarHandler.Sync)
		} else {
			r.Post("/sync", calendarHandler.Sync)
		}
	})

	return r
}
