package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したOAuth認証情報リポジトリ。
// oauth_tokensテーブルはid=1の1行のみを持つ。
type PostgresCredentialRepo struct {
	pool ConnProvider
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(pool ConnProvider) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{pool: pool}
}

// Find は保存済みの認証情報を取得する。存在しない場合はnilを返す。
func (r *PostgresCredentialRepo) Find(ctx context.Context) (*model.Credential, error) {
	var found *model.Credential

	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		cred := &model.Credential{}
		err := conn.QueryRowContext(ctx,
			`SELECT access_token, refresh_token, expiry_date, updated_at
			 FROM oauth_tokens WHERE id = $1`,
			model.CredentialID,
		).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiryDate, &cred.UpdatedAt)

		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select oauth token: %w", err)
		}
		found = cred
		return nil
	})
	if err != nil {
		return nil, classifyError("Failed to load tokens", err)
	}

	return found, nil
}

// Upsert は固定IDの行に認証情報をUPSERTする。
// 空のrefresh_tokenは既存値を上書きしない。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred model.Credential) error {
	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO oauth_tokens (id, access_token, refresh_token, expiry_date, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (id) DO UPDATE SET
			   access_token  = EXCLUDED.access_token,
			   refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), oauth_tokens.refresh_token),
			   expiry_date   = EXCLUDED.expiry_date,
			   updated_at    = now()`,
			model.CredentialID, cred.AccessToken, cred.RefreshToken, cred.ExpiryDate,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert oauth token: %w", err)
		}
		return nil
	})

	return classifyError("Failed to save tokens", err)
}

// UpdateRefreshed はリフレッシュ後のアクセストークンと有効期限を保存する。
// 楽観的ロックとして、読み込み時のexpiry_dateと一致する場合のみ更新する。
// 一致しなかった場合（別プロセスが先にリフレッシュ済み）はfalseを返す。
func (r *PostgresCredentialRepo) UpdateRefreshed(ctx context.Context, cred model.Credential, prevExpiry time.Time) (bool, error) {
	var updated bool

	err := withConn(ctx, r.pool, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx,
			`UPDATE oauth_tokens SET
			   access_token  = $1,
			   refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
			   expiry_date   = $3,
			   updated_at    = now()
			 WHERE id = $4 AND expiry_date = $5`,
			cred.AccessToken, cred.RefreshToken, cred.ExpiryDate, model.CredentialID, prevExpiry,
		)
		if err != nil {
			return fmt.Errorf("failed to update oauth token: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		updated = rowsAffected == 1
		return nil
	})
	if err != nil {
		return false, classifyError("Failed to update tokens", err)
	}

	return updated, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
