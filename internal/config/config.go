package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleTokenURL     string // 空ならGoogleのデフォルトエンドポイント

	// Calendar API
	CalendarEndpoint string // 空ならGoogleのデフォルトエンドポイント
	ProviderTimeout  time.Duration

	// Sync worker
	SyncInterval      time.Duration
	SyncCalendarIDs   []string
	SyncMaxConcurrent int
	WorkerMetricsPort string // 空ならworkerはメトリクスを公開しない

	// Rate Limit
	RateLimitSync int // 1分あたりのリクエスト数

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envファイルがあれば、未設定の環境変数を補完する。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URI")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URI")
	}

	dbURL, dbMissing := databaseURLFromEnv()
	cfg.DatabaseURL = dbURL
	missing = append(missing, dbMissing...)

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.GoogleTokenURL = getEnvString("GOOGLE_TOKEN_URL", "")
	cfg.CalendarEndpoint = getEnvString("GOOGLE_CALENDAR_ENDPOINT", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 15*time.Minute)
	cfg.SyncCalendarIDs = getEnvList("SYNC_CALENDAR_ID", []string{"primary"})
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 4)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9090")
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("PORT", "3000")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:3000",
		"http://127.0.0.1:5500",
	})

	return cfg, nil
}

// loadDotEnv は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
// 既に設定されている環境変数は上書きしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// databaseURLFromEnv はDATABASE_URL、またはDB_*環境変数から接続URLを組み立てる。
// DATABASE_URLが優先される。不足している環境変数名を2番目の戻り値で返す。
func databaseURLFromEnv() (string, []string) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v, nil
	}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	host := required("DB_HOST")
	user := required("DB_USER")
	password := required("DB_PASSWORD")
	name := required("DB_NAME")
	if len(missing) > 0 {
		return "", []string{"DATABASE_URL or " + strings.Join(missing, ", ")}
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, getEnvString("DB_PORT", "5432")),
		Path:     "/" + name,
		RawQuery: "sslmode=" + url.QueryEscape(getEnvString("DB_SSLMODE", "disable")),
	}
	return u.String(), nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvDuration は期間を読み込む。解釈できない値と0以下の値はデフォルト値にする。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を読み込む。空要素と重複は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	var list []string
	seen := make(map[string]bool)
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		list = append(list, item)
	}
	if len(list) == 0 {
		return defaultVal
	}
	return list
}
