package scheduler

import (
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// SyncOutcome はエラー分類に基づく同期結果の分類。
type SyncOutcome int

const (
	// SyncOutcomeOK は同期成功。
	SyncOutcomeOK SyncOutcome = iota
	// SyncOutcomeStop は設定を直さない限り成功しない失敗（ValidationError）。
	SyncOutcomeStop
	// SyncOutcomeBackoff はバックオフ後に再試行する失敗。
	SyncOutcomeBackoff
)

const (
	// initialBackoff は指数バックオフの初回遅延（5分）。
	initialBackoff = 5 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（6時間）。
	maxBackoff = 6 * time.Hour
)

// ClassifyError は同期エラーを結果に分類する。
func ClassifyError(err error) SyncOutcome {
	if err == nil {
		return SyncOutcomeOK
	}
	if model.KindOf(err) == model.KindValidation {
		return SyncOutcomeStop
	}
	return SyncOutcomeBackoff
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回5分、2倍ずつ増加、最大6時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// calendarState はカレンダーごとの同期状態。
type calendarState struct {
	consecutiveErrors int
	nextSyncAt        time.Time
	stopped           bool
	lastError         string
}

// due はnow時点で同期対象かどうかを返す。
func (s *calendarState) due(now time.Time) bool {
	return !s.stopped && !now.Before(s.nextSyncAt)
}

// applySuccess は同期成功時に状態をリセットし、直前まで続いていたエラーの回数と内容を返す。
func (s *calendarState) applySuccess() (recoveredErrors int, lastError string) {
	recoveredErrors, lastError = s.consecutiveErrors, s.lastError
	s.consecutiveErrors = 0
	s.nextSyncAt = time.Time{}
	s.lastError = ""
	return recoveredErrors, lastError
}

// applyBackoff は連続エラー回数をインクリメントし、指数バックオフで次回同期時刻を設定する。
func (s *calendarState) applyBackoff(now time.Time, reason string) time.Duration {
	s.consecutiveErrors++
	s.lastError = reason
	delay := CalculateBackoff(s.consecutiveErrors - 1)
	s.nextSyncAt = now.Add(delay)
	return delay
}

// applyStop はカレンダーの同期を停止する。
func (s *calendarState) applyStop(reason string) {
	s.stopped = true
	s.lastError = reason
}
