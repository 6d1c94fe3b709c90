package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/hitoshi/calsync/internal/model"
)

// withConn はプールからコネクションを1本取得してfnを実行する。
// fnの結果（panicを含む）にかかわらず、コネクションは必ず1回だけプールに返却される。
func withConn(ctx context.Context, pool ConnProvider, fn func(conn *sql.Conn) error) error {
	conn, err := pool.Conn(ctx)
	if err != nil {
		return model.NewConnectionError(err)
	}
	defer conn.Close()

	return fn(conn)
}

// classifyError はDBエラーをAppErrorに分類する。
// 接続系のエラーはConnectionError、それ以外はmessageを持つStorageErrorになる。
func classifyError(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if isConnectionError(err) {
		return model.NewConnectionError(err)
	}
	return model.NewStorageError(message, err)
}

// isConnectionError はDB接続の喪失・到達不能を示すエラーかどうかを判定する。
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	// SQLSTATE クラス08: connection_exception
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
