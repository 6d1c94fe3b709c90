// Package eventsync はカレンダーイベントの同期パイプラインを提供する。
// 入力検証、有効な認証情報の取得、イベント取得、単一トランザクションでの保存を順に実行する。
package eventsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/calsync/internal/calendar"
	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/security"
)

// CredentialLoader は有効な認証情報を返すインターフェース。
// 期限切れの場合はリフレッシュと永続化が完了してから返す。
type CredentialLoader interface {
	LoadValidCredential(ctx context.Context) (model.Credential, error)
}

// Service はイベント同期を実行する。
type Service struct {
	creds     CredentialLoader
	fetcher   calendar.Fetcher
	eventRepo repository.EventRepository
	sanitizer security.DescriptionSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService はServiceを生成する。
func NewService(
	creds CredentialLoader,
	fetcher calendar.Fetcher,
	eventRepo repository.EventRepository,
	sanitizer security.DescriptionSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		creds:     creds,
		fetcher:   fetcher,
		eventRepo: eventRepo,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// SyncEvents はリクエストに一致するイベントを取得し、ローカルに保存する。
//
// 入力が不正な場合はValidationErrorを返し、DBにもプロバイダーにもアクセスしない。
// 取得結果が0件の場合は"No events found"を返し、DBには書き込まない。
// 保存は全件を1トランザクションで行い、1件でも失敗すれば何も保存されない。
func (s *Service) SyncEvents(ctx context.Context, req model.SyncRequest) (*model.SyncResult, error) {
	syncID := s.newID()
	logger := s.logger.With(slog.String("sync_id", syncID))

	query, err := req.Normalize()
	if err != nil {
		logger.Warn("同期リクエストが不正です", slog.String("error", err.Error()))
		s.recordFailure("", err)
		return nil, err
	}
	logger = logger.With(slog.String("calendar_id", query.CalendarID))

	cred, err := s.creds.LoadValidCredential(ctx)
	if err != nil {
		logger.Error("認証情報の取得に失敗しました", slog.String("error", err.Error()))
		s.recordFailure(query.CalendarID, err)
		return nil, err
	}

	remote, err := s.fetcher.FetchEvents(ctx, cred, query)
	if err != nil {
		s.recordFailure(query.CalendarID, err)
		return nil, err
	}

	if len(remote) == 0 {
		logger.Info("同期対象のイベントはありません")
		s.recordSuccess(query.CalendarID, 0)
		return model.NewSyncResult(syncID, query.CalendarID, 0), nil
	}

	events, err := s.convert(query.CalendarID, remote)
	if err != nil {
		logger.Error("イベントの変換に失敗しました", slog.String("error", err.Error()))
		s.recordFailure(query.CalendarID, err)
		return nil, err
	}

	if err := s.eventRepo.UpsertBatch(ctx, events); err != nil {
		logger.Error("イベントの保存に失敗しました",
			slog.Int("event_count", len(events)),
			slog.String("error", err.Error()),
		)
		s.recordFailure(query.CalendarID, err)
		return nil, err
	}

	logger.Info("イベントを同期しました", slog.Int("event_count", len(events)))
	s.recordSuccess(query.CalendarID, len(events))
	return model.NewSyncResult(syncID, query.CalendarID, len(events)), nil
}

// convert は取得したイベントを保存用に変換し、説明文をサニタイズする。
// 1件でも変換できないイベントがあれば書き込み前にエラーを返す。
func (s *Service) convert(calendarID string, remote []model.RemoteEvent) ([]model.CalendarEvent, error) {
	syncedAt := s.now().UTC()
	events := make([]model.CalendarEvent, 0, len(remote))
	for _, r := range remote {
		ev, err := r.ToCalendarEvent(calendarID, syncedAt)
		if err != nil {
			return nil, model.NewExternalAPIError("Google API error: invalid event data", err)
		}
		if s.sanitizer != nil {
			ev.Description = s.sanitizer.Sanitize(ev.Description)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Service) recordSuccess(calendarID string, count int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSyncSuccess(calendarID)
	if count > 0 {
		s.metrics.RecordEventsUpserted(count)
	}
}

func (s *Service) recordFailure(calendarID string, err error) {
	if s.metrics != nil {
		s.metrics.RecordSyncFailure(calendarID, string(model.KindOf(err)))
	}
}
