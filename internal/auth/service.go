// Package auth はカレンダーアカウントのOAuth認証情報のライフサイクルを管理する。
// 同意URLの生成、認可コードの交換、有効期限切れ時のリフレッシュと永続化を扱う。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/repository"
)

const (
	// maxRefreshAttempts は楽観的ロックの競合時にリフレッシュを再試行する上限回数。
	maxRefreshAttempts = 3
	// defaultTokenLifetime はトークンレスポンスにexpires_inが含まれない場合の有効期間。
	defaultTokenLifetime = time.Hour
	// defaultProviderTimeout はProviderTimeout未設定時のプロバイダー呼び出しタイムアウト。
	defaultProviderTimeout = 30 * time.Second
)

var errRefreshConflict = errors.New("credential was updated concurrently")

// OAuthProvider はOAuth認可サーバーとのやり取りを抽象化するインターフェース。
type OAuthProvider interface {
	// AuthURL は同意画面のURLを生成する。
	AuthURL() string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	// Refresh はリフレッシュトークンから新しいアクセストークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ProviderTimeout time.Duration
}

// Service は認証情報の取得・リフレッシュ・永続化を提供する。
// 同一プロセス内のリフレッシュはsingleflightで1つに集約し、
// プロセス間の競合はexpiry_dateによる楽観的ロックで検出する。
type Service struct {
	oauth    OAuthProvider
	credRepo repository.CredentialRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   ServiceConfig
	now      func() time.Time

	refreshGroup singleflight.Group
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	credRepo repository.CredentialRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config ServiceConfig,
) *Service {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:    oauth,
		credRepo: credRepo,
		metrics:  collector,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// AuthURL は同意画面のURLを返す。
func (s *Service) AuthURL() string {
	return s.oauth.AuthURL()
}

// ExchangeCode は認可コードを認証情報に交換し、保存してから返す。
// 保存に失敗した場合は認証情報を返さない。
func (s *Service) ExchangeCode(ctx context.Context, code string) (model.Credential, error) {
	if code == "" {
		return model.Credential{}, model.NewValidationError("Authorization code is required")
	}

	pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	start := time.Now()
	tok, err := s.oauth.Exchange(pctx, code)
	s.recordLatency("token.exchange", time.Since(start))
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		s.logger.Error("認可コードの交換に失敗しました",
			slog.String("error", err.Error()),
		)
		return model.Credential{}, providerError("Token exchange", "OAuth error", err, timedOut)
	}

	cred := s.credentialFromToken(model.Credential{}, tok)
	if err := s.credRepo.Upsert(ctx, cred); err != nil {
		s.logger.Error("認証情報の保存に失敗しました",
			slog.String("error", err.Error()),
		)
		return model.Credential{}, err
	}

	s.logger.Info("認証情報を保存しました",
		slog.Time("expiry_date", cred.ExpiryDate),
		slog.Bool("has_refresh_token", cred.RefreshToken != ""),
	)
	return cred, nil
}

// LoadValidCredential は有効な認証情報を返す。
// 保存済みの認証情報が期限切れの場合は、リフレッシュと永続化が完了してから新しい値を返す。
func (s *Service) LoadValidCredential(ctx context.Context) (model.Credential, error) {
	cred, err := s.credRepo.Find(ctx)
	if err != nil {
		return model.Credential{}, err
	}
	if cred == nil {
		return model.Credential{}, model.NewNotFoundError("No OAuth tokens found")
	}
	if !cred.Expired(s.now()) {
		return *cred, nil
	}

	s.logger.Info("アクセストークンの有効期限が切れているためリフレッシュします",
		slog.Time("expiry_date", cred.ExpiryDate),
	)
	return s.refresh(ctx)
}

// refresh はプロセス内で同時に1つだけリフレッシュを実行し、結果を待機中の全呼び出し元で共有する。
// 先行する呼び出し元のキャンセルが後続に波及しないよう、リフレッシュ本体はキャンセルを切り離したcontextで実行する。
func (s *Service) refresh(ctx context.Context) (model.Credential, error) {
	ch := s.refreshGroup.DoChan("refresh", func() (any, error) {
		return s.refreshAndPersist(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	}
}

// refreshAndPersist は保存済みの認証情報を読み直し、まだ期限切れであればリフレッシュして保存する。
// 他プロセスが先に更新していた場合はその値を採用する。
func (s *Service) refreshAndPersist(ctx context.Context) (model.Credential, error) {
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		current, err := s.credRepo.Find(ctx)
		if err != nil {
			return model.Credential{}, err
		}
		if current == nil {
			return model.Credential{}, model.NewNotFoundError("No OAuth tokens found")
		}
		if !current.Expired(s.now()) {
			return *current, nil
		}

		pctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
		start := time.Now()
		tok, err := s.oauth.Refresh(pctx, current.RefreshToken)
		s.recordLatency("token.refresh", time.Since(start))
		timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			s.recordRefresh(metrics.RefreshFailure)
			s.logger.Error("アクセストークンのリフレッシュに失敗しました",
				slog.String("error", err.Error()),
			)
			return model.Credential{}, providerError("Token refresh", "Failed to refresh access token", err, timedOut)
		}

		next := s.credentialFromToken(*current, tok)
		updated, err := s.credRepo.UpdateRefreshed(ctx, next, current.ExpiryDate)
		if err != nil {
			s.recordRefresh(metrics.RefreshFailure)
			return model.Credential{}, err
		}
		if updated {
			s.recordRefresh(metrics.RefreshSuccess)
			s.logger.Info("アクセストークンをリフレッシュして保存しました",
				slog.Time("expiry_date", next.ExpiryDate),
			)
			return next, nil
		}

		s.recordRefresh(metrics.RefreshConflict)
		s.logger.Warn("認証情報が別プロセスで更新されていたため読み直します",
			slog.Int("attempt", attempt),
		)
	}

	return model.Credential{}, model.NewStorageError("Failed to update tokens", errRefreshConflict)
}

// credentialFromToken はトークンレスポンスをbaseに反映した認証情報を返す。
func (s *Service) credentialFromToken(base model.Credential, tok *oauth2.Token) model.Credential {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.now().Add(defaultTokenLifetime)
	}
	return base.WithRefreshed(tok.AccessToken, tok.RefreshToken, expiry)
}

func (s *Service) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(result)
	}
}

func (s *Service) recordLatency(operation string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordProviderLatency(operation, d)
	}
}

// providerError はプロバイダー呼び出しの失敗を分類する。
// タイムアウトはTimedOut、それ以外（拒否・通信失敗）はAuthErrorになる。
func providerError(operation, message string, err error, timedOut bool) error {
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimedOutError(operation, err)
	}
	return model.NewAuthError(message, err)
}
