// Package scheduler はカレンダーイベントの定期同期を提供する。
// スケジューラとリトライ/バックオフ戦略を含む。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// SyncService は同期1回分の実行インターフェース。
type SyncService interface {
	SyncEvents(ctx context.Context, req model.SyncRequest) (*model.SyncResult, error)
}

// Scheduler はカレンダー同期のスケジューリングと並列制御を行う。
// ティッカーごとに対象カレンダーを同期し、失敗したカレンダーは
// 指数バックオフで次回以降の同期を遅らせる。
type Scheduler struct {
	syncer         SyncService
	calendarIDs    []string
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time

	mu     sync.Mutex
	states map[string]*calendarState
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// calendarIDsが空の場合は"primary"のみを同期する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	syncer SyncService,
	calendarIDs []string,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if len(calendarIDs) == 0 {
		calendarIDs = []string{model.DefaultCalendarID}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	ids := make([]string, 0, len(calendarIDs))
	states := make(map[string]*calendarState, len(calendarIDs))
	for _, id := range calendarIDs {
		if _, dup := states[id]; dup {
			continue
		}
		ids = append(ids, id)
		states[id] = &calendarState{}
	}

	return &Scheduler{
		syncer:         syncer,
		calendarIDs:    ids,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
		states:         states,
	}
}

// DefaultInterval はStartに0以下の間隔が渡された場合の同期間隔。
const DefaultInterval = 15 * time.Minute

// Start は指定間隔のティッカーでスケジューラを起動する。
// intervalが0以下の場合はDefaultIntervalを使用する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Warn("同期間隔が不正なためデフォルト値を使用します",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("calendar_count", len(s.calendarIDs)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は同期対象のカレンダーを並列で1回ずつ同期し、同期したカレンダー数を返す。
// バックオフ中または停止中のカレンダーはスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := s.now()
	due := s.dueCalendars(start)

	if len(due) == 0 {
		s.logger.Info("同期対象のカレンダーはありません")
		return 0
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("calendar_count", len(due)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, calendarID := range due {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			s.syncCalendar(ctx, id)
		}(calendarID)
	}

	wg.Wait()

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("calendar_count", len(due)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return len(due)
}

// syncCalendar は1カレンダーを同期し、結果に応じて状態を更新する。
func (s *Scheduler) syncCalendar(ctx context.Context, calendarID string) {
	id := calendarID
	result, err := s.syncer.SyncEvents(ctx, model.SyncRequest{CalendarID: &id})

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[calendarID]

	switch ClassifyError(err) {
	case SyncOutcomeOK:
		if n, lastErr := state.applySuccess(); n > 0 {
			s.logger.Info("カレンダーの同期が回復しました",
				slog.String("calendar_id", calendarID),
				slog.Int("recovered_errors", n),
				slog.String("last_error", lastErr),
			)
		}
		s.logger.Info("カレンダーを同期しました",
			slog.String("calendar_id", calendarID),
			slog.String("sync_id", result.SyncID),
			slog.Int("event_count", result.Count),
		)
	case SyncOutcomeStop:
		state.applyStop(err.Error())
		s.logger.Error("カレンダーの同期を停止しました",
			slog.String("calendar_id", calendarID),
			slog.String("error", err.Error()),
		)
	default:
		delay := state.applyBackoff(s.now(), err.Error())
		s.logger.Warn("カレンダーの同期に失敗しました",
			slog.String("calendar_id", calendarID),
			slog.String("kind", string(model.KindOf(err))),
			slog.Int("consecutive_errors", state.consecutiveErrors),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
	}
}

// dueCalendars はnow時点で同期対象のカレンダーIDを設定順に返す。
func (s *Scheduler) dueCalendars(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]string, 0, len(s.calendarIDs))
	for _, id := range s.calendarIDs {
		if s.states[id].due(now) {
			due = append(due, id)
		}
	}
	return due
}
