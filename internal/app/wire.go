package app

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/calsync/internal/auth"
	"github.com/hitoshi/calsync/internal/calendar"
	"github.com/hitoshi/calsync/internal/config"
	"github.com/hitoshi/calsync/internal/eventsync"
	"github.com/hitoshi/calsync/internal/handler"
	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/security"
)

// components はserve/worker/syncで共有するワイヤリング済みの依存関係。
type components struct {
	registry    *prometheus.Registry
	authService *auth.Service
	syncService *eventsync.Service
}

// newComponents はDB接続と設定から全サービスを構築する。
// HTTPクライアントにはプロバイダータイムアウトより少し長いタイムアウトを設定する。
func newComponents(db *sql.DB, cfg *config.Config, logger *slog.Logger) *components {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "calsync"),
	)
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	credRepo := repository.NewPostgresCredentialRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)

	// 3. 外部プロバイダー
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout + 5*time.Second}
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		TokenURL:     cfg.GoogleTokenURL,
		HTTPClient:   httpClient,
	})
	fetcher := calendar.NewGoogleFetcher(calendar.GoogleFetcherConfig{
		Endpoint:   cfg.CalendarEndpoint,
		HTTPClient: httpClient,
		Timeout:    cfg.ProviderTimeout,
	}, collector, logger)

	// 4. ドメインサービスの初期化
	authService := auth.NewService(oauthProvider, credRepo, collector, logger,
		auth.ServiceConfig{ProviderTimeout: cfg.ProviderTimeout})
	syncService := eventsync.NewService(authService, fetcher, eventRepo,
		security.NewDescriptionSanitizer(), collector, logger)

	return &components{
		registry:    reg,
		authService: authService,
		syncService: syncService,
	}
}

// newRouter はAPIサーバーのルーターを構築する。
func (c *components) newRouter(db *sql.DB, cfg *config.Config, rl *middleware.RateLimiter, logger *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rl,
		Logger:             logger,
		HealthChecker:      db,
		MetricsHandler:     metrics.Handler(c.registry),
		AuthService:        c.authService,
		SyncService:        c.syncService,
	})
}
