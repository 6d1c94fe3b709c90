package model

import (
	"fmt"
	"time"
)

// SyncRequest はイベント同期リクエスト。
type SyncRequest struct {
	CalendarID *string `json:"calendarId,omitempty"`
	TimeMin    *string `json:"timeMin,omitempty"`
	TimeMax    *string `json:"timeMax,omitempty"`
}

// Normalize はリクエストを検証し、デフォルト値を補完したEventQueryを返す。
// calendarIdは未指定なら"primary"、timeMin/timeMaxは指定時にRFC 3339の日時として解釈できる必要がある。
// 日付のみ（"2024-01-01"）は受け付けない。timeMinとtimeMaxの前後関係はプロバイダーに委ねる。
func (r SyncRequest) Normalize() (EventQuery, error) {
	q := EventQuery{CalendarID: DefaultCalendarID}

	if r.CalendarID != nil {
		if *r.CalendarID == "" {
			return EventQuery{}, NewValidationError(`"calendarId" is not allowed to be empty`)
		}
		q.CalendarID = *r.CalendarID
	}

	if r.TimeMin != nil {
		if _, err := parseInstant(*r.TimeMin); err != nil {
			return EventQuery{}, NewValidationError(`"timeMin" must be in ISO 8601 date format`)
		}
		q.TimeMin = *r.TimeMin
	}
	if r.TimeMax != nil {
		if _, err := parseInstant(*r.TimeMax); err != nil {
			return EventQuery{}, NewValidationError(`"timeMax" must be in ISO 8601 date format`)
		}
		q.TimeMax = *r.TimeMax
	}

	return q, nil
}

func parseInstant(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SyncResult は同期1回分の結果。
type SyncResult struct {
	SyncID     string
	CalendarID string
	Count      int
	Message    string
}

// NewSyncResult は同期件数からSyncResultを生成する。
func NewSyncResult(syncID, calendarID string, count int) *SyncResult {
	msg := "No events found"
	if count > 0 {
		msg = fmt.Sprintf("Synced %d events", count)
	}
	return &SyncResult{
		SyncID:     syncID,
		CalendarID: calendarID,
		Count:      count,
		Message:    msg,
	}
}
