package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

const upsertEventSQL = `INSERT INTO calendar_events (event_id, calendar_id, summary, start_time, end_time, description, synced_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7)
 ON CONFLICT (event_id) DO UPDATE SET
   calendar_id = EXCLUDED.calendar_id,
   summary     = EXCLUDED.summary,
   start_time  = EXCLUDED.start_time,
   end_time    = EXCLUDED.end_time,
   description = EXCLUDED.description,
   synced_at   = EXCLUDED.synced_at`

// PostgresEventRepo はPostgreSQLを使用したカレンダーイベントリポジトリ。
type PostgresEventRepo struct {
	pool ConnProvider
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(pool ConnProvider) *PostgresEventRepo {
	return &PostgresEventRepo{pool: pool}
}

// UpsertBatch はイベントを単一トランザクションでUPSERTする。
// 1件でも失敗した場合はロールバックし、そのバッチのイベントは1件も保存されない。
// 空のスライスに対してはコネクションを取得せずに返る。
func (r *PostgresEventRepo) UpsertBatch(ctx context.Context, events []model.CalendarEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, ev := range events {
			_, err := tx.ExecContext(ctx, upsertEventSQL,
				ev.EventID, ev.CalendarID, ev.Summary,
				toNullTime(ev.StartTime), toNullTime(ev.EndTime),
				ev.Description, ev.SyncedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert event %s: %w", ev.EventID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})

	return classifyError("Failed to insert events", err)
}

// FindByEventID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByEventID(ctx context.Context, eventID string) (*model.CalendarEvent, error) {
	var found *model.CalendarEvent

	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		ev := &model.CalendarEvent{}
		var start, end sql.NullTime

		err := conn.QueryRowContext(ctx,
			`SELECT event_id, calendar_id, summary, start_time, end_time, description, synced_at
			 FROM calendar_events WHERE event_id = $1`,
			eventID,
		).Scan(&ev.EventID, &ev.CalendarID, &ev.Summary, &start, &end, &ev.Description, &ev.SyncedAt)

		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select event: %w", err)
		}

		if start.Valid {
			ev.StartTime = &start.Time
		}
		if end.Valid {
			ev.EndTime = &end.Time
		}
		found = ev
		return nil
	})
	if err != nil {
		return nil, classifyError("Failed to load event", err)
	}

	return found, nil
}

// Count は保存済みイベント数を返す。
func (r *PostgresEventRepo) Count(ctx context.Context) (int, error) {
	var count int

	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT count(*) FROM calendar_events`).Scan(&count)
	})
	if err != nil {
		return 0, classifyError("Failed to count events", err)
	}

	return count, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
