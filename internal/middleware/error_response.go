package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForCode はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeRoomNotFound, model.ErrCodeMemberNotFound, model.ErrCodeUserNotFound,
		model.ErrCodeFriendReqNotFound, model.ErrCodeChatNotFound:
		return http.StatusNotFound
	case model.ErrCodeRoomLocked, model.ErrCodeInvalidSecret, model.ErrCodeNotRoomOwner, model.ErrCodePermissionDenied:
		return http.StatusForbidden
	case model.ErrCodeRoomFull, model.ErrCodeNotInRoom, model.ErrCodeInvalidFocusAction, model.ErrCodeNotFriends:
		return http.StatusConflict
	case model.ErrCodeInvalidRoom, model.ErrCodeInvalidMessage, model.ErrCodeInvalidFriendReq:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はエラーの種類に応じたレスポンスを書き込む。
// *model.APIError はそのまま返し、アクセス規則による拒否は403にする。
// それ以外は500とし、詳細はログに残す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
	case errors.Is(err, docstore.ErrPermissionDenied):
		WriteErrorResponse(w, http.StatusForbidden, model.NewPermissionDeniedError())
	default:
		slog.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalServerError(w)
	}
}
