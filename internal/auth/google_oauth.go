package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// HTTPClient はトークンエンドポイントへのリクエストに使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogle OAuth 2.0によるカレンダー読み取り権限の取得とリフレッシュを提供する。
type GoogleOAuthProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(cfg GoogleOAuthConfig) *GoogleOAuthProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &GoogleOAuthProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{calendar.CalendarReadonlyScope},
		},
		httpClient: cfg.HTTPClient,
	}
}

// AuthURL は同意画面のURLを生成する。
// オフラインアクセスと毎回の同意を要求し、リフレッシュトークンが必ず発行されるようにする。
// 同じ設定からは常に同じURLが生成される。
func (p *GoogleOAuthProvider) AuthURL() string {
	return p.config.AuthCodeURL("", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンに交換する。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return tok, nil
}

// Refresh はリフレッシュトークンを使って新しいアクセストークンを取得する。
// レスポンスにリフレッシュトークンが含まれない場合、返却値のRefreshTokenは空になりうる。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// AccessTokenが空のトークンは常に無効とみなされ、TokenSourceは必ずリフレッシュを行う
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

func (p *GoogleOAuthProvider) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
