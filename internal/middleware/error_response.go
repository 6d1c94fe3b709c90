package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/calsync/internal/model"
)

// エンベロープのresultフィールドの値
const (
	ResultSuccess = "Success"
	ResultFailure = "Failure"
)

// Envelope はAPIレスポンスの統一フォーマット。
// codeにはHTTPステータスコードと同じ値を入れる。
type Envelope struct {
	Result  string `json:"result"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Tokens  any    `json:"tokens,omitempty"`
}

// WriteJSON はエンベロープをJSONで書き込む。
func WriteJSON(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Code)
	json.NewEncoder(w).Encode(env)
}

// WriteSuccess は200の成功レスポンスを書き込む。
func WriteSuccess(w http.ResponseWriter, message string) {
	WriteJSON(w, Envelope{
		Result:  ResultSuccess,
		Code:    http.StatusOK,
		Message: message,
	})
}

// WriteErrorResponse はエラーを分類してFailureエンベロープを書き込む。
// 呼び出し元には分類済みのメッセージのみを返し、内部原因はログにのみ記録する。
// 5xxの場合はスタックトレースもログに含める。
func WriteErrorResponse(w http.ResponseWriter, logger *slog.Logger, operation string, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	kind := model.KindOf(err)
	status := model.HTTPStatus(kind)

	attrs := []any{
		slog.String("operation", operation),
		slog.String("kind", string(kind)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		attrs = append(attrs, slog.String("stack", string(debug.Stack())))
		logger.Error("request failed", attrs...)
	} else {
		logger.Warn("request failed", attrs...)
	}

	WriteJSON(w, Envelope{
		Result:  ResultFailure,
		Code:    status,
		Message: model.PublicMessage(err),
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteJSON(w, Envelope{
		Result:  ResultFailure,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	})
}
