// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind はエラーの分類を表す。
// HTTPレスポンスのステータスコードとエンベロープのメッセージはこの分類から決まる。
type ErrorKind string

// 定義済みエラー分類
const (
	KindValidation  ErrorKind = "VALIDATION_ERROR"
	KindConnection  ErrorKind = "CONNECTION_ERROR"
	KindAuth        ErrorKind = "AUTH_ERROR"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindStorage     ErrorKind = "STORAGE_ERROR"
	KindExternalAPI ErrorKind = "EXTERNAL_API_ERROR"
	KindTimedOut    ErrorKind = "TIMED_OUT"
	KindInternal    ErrorKind = "INTERNAL_ERROR"
)

// AppError は分類付きのアプリケーションエラー。
// Messageは呼び出し元に返してよい文言、Errは内部原因（ログ専用）。
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は内部原因を返す。
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError は入力検証エラーを生成する。ローカルで判定され、リトライされない。
func NewValidationError(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// NewConnectionError はDB接続（プール）に到達できない場合のエラーを生成する。
func NewConnectionError(err error) *AppError {
	return &AppError{Kind: KindConnection, Message: "Database connection error", Err: err}
}

// NewAuthError は認可コード交換またはトークンリフレッシュが拒否された場合のエラーを生成する。
func NewAuthError(message string, err error) *AppError {
	return &AppError{Kind: KindAuth, Message: message, Err: err}
}

// NewNotFoundError は保存済みの認証情報などが存在しない場合のエラーを生成する。
func NewNotFoundError(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// NewStorageError はDB書き込み・読み込みに失敗した場合のエラーを生成する。
func NewStorageError(message string, err error) *AppError {
	return &AppError{Kind: KindStorage, Message: message, Err: err}
}

// NewExternalAPIError はカレンダープロバイダーの読み取りAPIが失敗した場合のエラーを生成する。
func NewExternalAPIError(message string, err error) *AppError {
	return &AppError{Kind: KindExternalAPI, Message: message, Err: err}
}

// NewTimedOutError は外部プロバイダー呼び出しがタイムアウトした場合のエラーを生成する。
func NewTimedOutError(operation string, err error) *AppError {
	return &AppError{
		Kind:    KindTimedOut,
		Message: fmt.Sprintf("%s timed out", operation),
		Err:     err,
	}
}

// KindOf はエラーチェーンからErrorKindを取り出す。
// AppErrorを含まない場合はKindInternalを返す。
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus はErrorKindに対応するHTTPステータスコードを返す。
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation, KindAuth, KindStorage, KindExternalAPI:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConnection:
		return http.StatusInternalServerError
	case KindTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage は呼び出し元に返してよいメッセージを返す。
// AppError以外のエラーは内部情報を含み得るため、汎用メッセージに置き換える。
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "Internal Server Error"
}
