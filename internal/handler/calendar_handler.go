// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
)

// maxSyncBodyBytes は同期リクエストボディの上限サイズ。
const maxSyncBodyBytes = 1 << 20

// AuthServiceInterface はカレンダーハンドラーが必要とする認証サービスインターフェース。
type AuthServiceInterface interface {
	AuthURL() string
	ExchangeCode(ctx context.Context, code string) (model.Credential, error)
}

// SyncServiceInterface はカレンダーハンドラーが必要とする同期サービスインターフェース。
type SyncServiceInterface interface {
	SyncEvents(ctx context.Context, req model.SyncRequest) (*model.SyncResult, error)
}

// TokenResponse はOAuthコールバックのレスポンスに含めるトークン情報。
// expiry_dateはUNIXエポックからのミリ秒。
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// CalendarHandler はカレンダー連携のHTTPハンドラー。
type CalendarHandler struct {
	auth   AuthServiceInterface
	sync   SyncServiceInterface
	logger *slog.Logger
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(auth AuthServiceInterface, sync SyncServiceInterface, logger *slog.Logger) *CalendarHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarHandler{
		auth:   auth,
		sync:   sync,
		logger: logger,
	}
}

// Auth はGoogleの同意画面にリダイレクトする。
// GET /calendar/auth
func (h *CalendarHandler) Auth(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.auth.AuthURL(), http.StatusFound)
}

// OAuth2Callback は認可コードをトークンに交換して保存する。
// GET /calendar/oauth2callback?code=xxx
func (h *CalendarHandler) OAuth2Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, h.loggerFor(r), "oauth2callback",
			model.NewValidationError(`"code" is required`))
		return
	}

	cred, err := h.auth.ExchangeCode(r.Context(), code)
	if err != nil {
		middleware.WriteErrorResponse(w, h.loggerFor(r), "oauth2callback", err)
		return
	}

	middleware.WriteJSON(w, middleware.Envelope{
		Result:  middleware.ResultSuccess,
		Code:    http.StatusOK,
		Message: "Authenticated successfully",
		Tokens: TokenResponse{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			ExpiryDate:   cred.ExpiryDate.UnixMilli(),
		},
	})
}

// Sync はカレンダーのイベントをデータベースに同期する。
// POST /calendar/sync
// ボディが空の場合はすべてデフォルト値で同期する。
func (h *CalendarHandler) Sync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSyncRequest(r)
	if err != nil {
		middleware.WriteErrorResponse(w, h.loggerFor(r), "sync", err)
		return
	}

	result, err := h.sync.SyncEvents(r.Context(), req)
	if err != nil {
		middleware.WriteErrorResponse(w, h.loggerFor(r), "sync", err)
		return
	}

	middleware.WriteSuccess(w, result.Message)
}

// decodeSyncRequest はリクエストボディをSyncRequestにデコードする。
// 未知のフィールドはValidationErrorとして拒否する。
func decodeSyncRequest(r *http.Request) (model.SyncRequest, error) {
	var req model.SyncRequest
	if r.Body == nil {
		return req, nil
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxSyncBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return model.SyncRequest{}, nil
		}
		return model.SyncRequest{}, model.NewValidationError("Invalid request body")
	}
	return req, nil
}

func (h *CalendarHandler) loggerFor(r *http.Request) *slog.Logger {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return h.logger.With(slog.String("request_id", id))
	}
	return h.logger
}
