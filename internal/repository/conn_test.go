package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/calsync/internal/model"
)

// newMockDB はsqlmockのDBを生成する。テスト終了時にクローズする。
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// assertConnReleased はプールに貸し出し中のコネクションが残っていないことを検証する。
func assertConnReleased(t *testing.T, db *sql.DB) {
	t.Helper()
	if inUse := db.Stats().InUse; inUse != 0 {
		t.Errorf("connections in use = %d, want 0", inUse)
	}
}

type failingConnProvider struct {
	err error
}

func (p *failingConnProvider) Conn(ctx context.Context) (*sql.Conn, error) {
	return nil, p.err
}

func TestWithConn_AcquireFailure(t *testing.T) {
	called := false
	err := withConn(context.Background(), &failingConnProvider{err: errors.New("dial tcp: connection refused")}, func(conn *sql.Conn) error {
		called = true
		return nil
	})

	if called {
		t.Error("fn should not be called when acquiring a connection fails")
	}
	if kind := model.KindOf(err); kind != model.KindConnection {
		t.Errorf("KindOf(err) = %q, want %q", kind, model.KindConnection)
	}
}

func TestWithConn_ReleasesOnError(t *testing.T) {
	db, _ := newMockDB(t)

	err := withConn(context.Background(), db, func(conn *sql.Conn) error {
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	assertConnReleased(t, db)
}

func TestWithConn_ReleasesOnPanic(t *testing.T) {
	db, _ := newMockDB(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = withConn(context.Background(), db, func(conn *sql.Conn) error {
			panic("unexpected")
		})
	}()

	assertConnReleased(t, db)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"nilはnil", nil, ""},
		{"AppErrorはそのまま", model.NewValidationError("bad"), model.KindValidation},
		{"ErrBadConnは接続エラー", fmt.Errorf("exec: %w", driver.ErrBadConn), model.KindConnection},
		{"ErrConnDoneは接続エラー", sql.ErrConnDone, model.KindConnection},
		{"SQLSTATE 08は接続エラー", &pq.Error{Code: "08006"}, model.KindConnection},
		{"制約違反はストレージエラー", &pq.Error{Code: "23505"}, model.KindStorage},
		{"その他はストレージエラー", errors.New("syntax error"), model.KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError("Failed", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Errorf("classifyError(nil) = %v, want nil", got)
				}
				return
			}
			if kind := model.KindOf(got); kind != tt.want {
				t.Errorf("KindOf = %q, want %q", kind, tt.want)
			}
		})
	}
}

func TestClassifyError_StorageMessage(t *testing.T) {
	err := classifyError("Failed to insert events", errors.New("value too long"))

	if msg := model.PublicMessage(err); msg != "Failed to insert events" {
		t.Errorf("PublicMessage = %q, want %q", msg, "Failed to insert events")
	}
}
