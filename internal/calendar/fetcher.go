// Package calendar はGoogle Calendar APIからのイベント取得を提供する。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/model"
)

const (
	// maxResults は1回の同期で取得するイベントの上限。最初のページのみを取得する。
	maxResults = 100
	// defaultTimeout はTimeout未設定時のAPI呼び出しタイムアウト。
	defaultTimeout = 30 * time.Second
)

// Fetcher はカレンダーイベントを取得するインターフェース。
type Fetcher interface {
	// FetchEvents は有効な認証情報を使って、クエリに一致するイベントを開始時刻順に取得する。
	FetchEvents(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error)
}

// GoogleFetcherConfig はGoogleFetcherの設定。
type GoogleFetcherConfig struct {
	// Endpoint はAPIのベースURL。空の場合はGoogleの本番エンドポイントを使用する。
	Endpoint string
	// HTTPClient はAPI呼び出しの下位トランスポートとして使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	// Timeout は1回のAPI呼び出しのタイムアウト。
	Timeout time.Duration
}

// GoogleFetcher はGoogle Calendar API v3のevents.listでイベントを取得する。
// 渡されたアクセストークンをそのまま使用し、自身ではリフレッシュしない。
type GoogleFetcher struct {
	config  GoogleFetcherConfig
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewGoogleFetcher はGoogleFetcherを生成する。
func NewGoogleFetcher(cfg GoogleFetcherConfig, collector metrics.MetricsCollector, logger *slog.Logger) *GoogleFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleFetcher{
		config:  cfg,
		metrics: collector,
		logger:  logger,
	}
}

// FetchEvents はevents.listを呼び出し、結果をRemoteEventに変換して返す。
// TimeMin/TimeMaxは検証済みの文字列をそのまま渡す。
func (f *GoogleFetcher) FetchEvents(ctx context.Context, cred model.Credential, query model.EventQuery) ([]model.RemoteEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	svc, err := f.newService(ctx, cred)
	if err != nil {
		return nil, model.NewExternalAPIError("Google API error", err)
	}

	call := svc.Events.List(query.CalendarID).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(maxResults).
		Context(ctx)
	if query.TimeMin != "" {
		call = call.TimeMin(query.TimeMin)
	}
	if query.TimeMax != "" {
		call = call.TimeMax(query.TimeMax)
	}

	start := time.Now()
	res, err := call.Do()
	if f.metrics != nil {
		f.metrics.RecordProviderLatency("events.list", time.Since(start))
	}
	if err != nil {
		return nil, f.classifyError(ctx, query.CalendarID, err)
	}
	if f.metrics != nil {
		f.metrics.RecordProviderStatus(res.HTTPStatusCode)
	}

	events := make([]model.RemoteEvent, 0, len(res.Items))
	for _, item := range res.Items {
		events = append(events, toRemoteEvent(item))
	}

	f.logger.Info("カレンダーイベントを取得しました",
		slog.String("calendar_id", query.CalendarID),
		slog.Int("event_count", len(events)),
	)

	return events, nil
}

// newService はアクセストークンを固定で付与するHTTPクライアントでCalendarサービスを生成する。
func (f *GoogleFetcher) newService(ctx context.Context, cred model.Credential) (*calendar.Service, error) {
	base := f.config.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
	})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), src)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.config.Endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// classifyError はAPI呼び出しの失敗をAppErrorに分類する。
func (f *GoogleFetcher) classifyError(ctx context.Context, calendarID string, err error) error {
	f.logger.Error("カレンダーイベントの取得に失敗しました",
		slog.String("calendar_id", calendarID),
		slog.String("error", err.Error()),
	)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewTimedOutError("Event fetch", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if f.metrics != nil {
			f.metrics.RecordProviderStatus(apiErr.Code)
		}
		message := apiErr.Message
		if message == "" {
			message = http.StatusText(apiErr.Code)
		}
		return model.NewExternalAPIError("Google API error: "+message, err)
	}

	return model.NewExternalAPIError("Google API error", err)
}

// toRemoteEvent はAPIレスポンスのイベントをRemoteEventに変換する。
func toRemoteEvent(item *calendar.Event) model.RemoteEvent {
	return model.RemoteEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       toEventTime(item.Start),
		End:         toEventTime(item.End),
	}
}

func toEventTime(dt *calendar.EventDateTime) model.EventTime {
	if dt == nil {
		return model.EventTime{}
	}
	return model.EventTime{DateTime: dt.DateTime, Date: dt.Date}
}

// compile-time interface check
var _ Fetcher = (*GoogleFetcher)(nil)
