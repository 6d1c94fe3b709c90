package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/calsync/internal/config"
	"github.com/hitoshi/calsync/internal/database"
	"github.com/hitoshi/calsync/internal/logger"
	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/worker/scheduler"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("error", err.Error()))
		logger.SetLevel("info")
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandSync:
		return runSync(ctx, w, cfg, commandArgs(args))
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続プールを開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pool := database.DefaultPoolConfig()
	pool.MaxOpenConns = cfg.DBMaxOpenConns
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}

	db, err := database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	c := newComponents(db, cfg, slog.Default())

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitSync), slog.Default())
	defer rateLimiter.Stop()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.newRouter(db, cfg, rateLimiter, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.ProviderTimeout*2 + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はサーバーを起動し、コンテキストがキャンセルされたらシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラを起動する。
// WorkerMetricsPortが設定されている場合は/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. 依存関係のワイヤリング
	c := newComponents(db, cfg, slog.Default())

	// 3. メトリクスサーバーをバックグラウンドで起動
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(c.registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, metricsServer, "metrics server"); err != nil {
				slog.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// 4. スケジューラの起動
	s := scheduler.NewScheduler(c.syncService, cfg.SyncCalendarIDs, slog.Default(), cfg.SyncMaxConcurrent)

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Any("calendar_ids", cfg.SyncCalendarIDs),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	s.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSync はカレンダーを1回だけ同期して結果をwに出力する。
// 引数でカレンダーIDを指定した場合はそれらを、指定しない場合は設定値を同期する。
// 1件でも失敗した場合はエラーを返す。
func runSync(ctx context.Context, w io.Writer, cfg *config.Config, args []string) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := newComponents(db, cfg, slog.Default())

	calendarIDs := args
	if len(calendarIDs) == 0 {
		calendarIDs = cfg.SyncCalendarIDs
	}

	return syncCalendars(ctx, w, c.syncService, calendarIDs)
}

// syncCalendars は指定カレンダーを順に同期し、カレンダーごとの結果メッセージを出力する。
func syncCalendars(ctx context.Context, w io.Writer, syncer scheduler.SyncService, calendarIDs []string) error {
	var errs []error
	for _, id := range calendarIDs {
		calendarID := id
		result, err := syncer.SyncEvents(ctx, model.SyncRequest{CalendarID: &calendarID})
		if err != nil {
			fmt.Fprintf(w, "%s: %s\n", calendarID, model.PublicMessage(err))
			errs = append(errs, fmt.Errorf("sync %s: %w", calendarID, err))
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", calendarID, result.Message)
	}
	return errors.Join(errs...)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
