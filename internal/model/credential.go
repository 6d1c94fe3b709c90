package model

import "time"

// CredentialID はoauth_tokensテーブルの固定主キー。
// 認証情報は常に1行のみ存在する。
const CredentialID = 1

// Credential はカレンダー読み取りの委任を表すOAuth認証情報。
// 値として受け渡し、リフレッシュ時は新しい値を生成する。
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiryDate   time.Time
	UpdatedAt    time.Time
}

// Expired はExpiryDateがnow以前であればtrueを返す。
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiryDate.After(now)
}

// WithRefreshed はリフレッシュ結果を反映した新しいCredentialを返す。
// レスポンスにリフレッシュトークンが含まれない場合は既存の値を維持する。
func (c Credential) WithRefreshed(accessToken, refreshToken string, expiry time.Time) Credential {
	next := c
	next.AccessToken = accessToken
	next.ExpiryDate = expiry
	if refreshToken != "" {
		next.RefreshToken = refreshToken
	}
	return next
}
