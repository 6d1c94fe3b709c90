// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// ConnProvider はコネクションプールから排他的なコネクションを払い出す。
// *sql.DB がこのインターフェースを満たす。
type ConnProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// CredentialRepository はOAuth認証情報（単一行）の永続化インターフェース。
type CredentialRepository interface {
	// Find は保存済みの認証情報を取得する。存在しない場合はnilを返す。
	Find(ctx context.Context) (*model.Credential, error)

	// Upsert は固定IDの行に認証情報をUPSERTする。
	// RefreshTokenが空の場合、既存のリフレッシュトークンは上書きしない。
	Upsert(ctx context.Context, cred model.Credential) error

	// UpdateRefreshed はリフレッシュ結果を保存する。
	// 保存済みのexpiry_dateがprevExpiryと一致する場合のみ更新し、
	// 他の呼び出しが先に更新していた場合はfalseを返す。
	UpdateRefreshed(ctx context.Context, cred model.Credential, prevExpiry time.Time) (bool, error)
}

// EventRepository はカレンダーイベントの永続化インターフェース。
type EventRepository interface {
	// UpsertBatch はイベントを単一トランザクションでevent_idをキーにUPSERTする。
	// いずれかの書き込みが失敗した場合は全体をロールバックする。
	UpsertBatch(ctx context.Context, events []model.CalendarEvent) error

	// FindByEventID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByEventID(ctx context.Context, eventID string) (*model.CalendarEvent, error)

	// Count は保存済みイベント数を返す。
	Count(ctx context.Context) (int, error)
}
