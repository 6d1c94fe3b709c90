package model

import (
	"fmt"
	"time"
)

// DefaultCalendarID はcalendarId未指定時に使用するカレンダーID。
const DefaultCalendarID = "primary"

// allDayLayout は終日イベントの日付フォーマット。
const allDayLayout = "2006-01-02"

// CalendarEvent はローカルに保存されるカレンダーイベント。
// EventIDはプロバイダー側の一意キーで、UPSERTの衝突キーになる。
type CalendarEvent struct {
	EventID     string
	CalendarID  string
	Summary     string
	StartTime   *time.Time
	EndTime     *time.Time
	Description string
	SyncedAt    time.Time
}

// EventTime はプロバイダーの開始・終了時刻表現。
// 時刻付きイベントはDateTime、終日イベントはDateのみを持つ。
type EventTime struct {
	DateTime string
	Date     string
}

// Time はEventTimeをタイムスタンプに変換する。
// Dateのみの場合はUTCの0時として扱う。どちらも空の場合はnilを返す。
func (t EventTime) Time() (*time.Time, error) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return nil, fmt.Errorf("invalid dateTime %q: %w", t.DateTime, err)
		}
		return &ts, nil
	}
	if t.Date != "" {
		ts, err := time.ParseInLocation(allDayLayout, t.Date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", t.Date, err)
		}
		return &ts, nil
	}
	return nil, nil
}

// RemoteEvent はプロバイダーから取得したイベント。
type RemoteEvent struct {
	ID          string
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
}

// ToCalendarEvent はRemoteEventを保存用のCalendarEventに変換する。
func (e RemoteEvent) ToCalendarEvent(calendarID string, syncedAt time.Time) (CalendarEvent, error) {
	if e.ID == "" {
		return CalendarEvent{}, fmt.Errorf("event without id")
	}
	start, err := e.Start.Time()
	if err != nil {
		return CalendarEvent{}, fmt.Errorf("event %s start: %w", e.ID, err)
	}
	end, err := e.End.Time()
	if err != nil {
		return CalendarEvent{}, fmt.Errorf("event %s end: %w", e.ID, err)
	}
	return CalendarEvent{
		EventID:     e.ID,
		CalendarID:  calendarID,
		Summary:     e.Summary,
		StartTime:   start,
		EndTime:     end,
		Description: e.Description,
		SyncedAt:    syncedAt,
	}, nil
}

// EventQuery はイベント一覧取得の条件。
// TimeMin/TimeMaxはRFC 3339文字列をそのままプロバイダーに渡す。空文字は未指定。
type EventQuery struct {
	CalendarID string
	TimeMin    string
	TimeMax    string
}
