// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, room, focus, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致すれば同一とみなす。
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeRoomNotFound       = "ROOM_NOT_FOUND"
	ErrCodeRoomFull           = "ROOM_FULL"
	ErrCodeRoomLocked         = "ROOM_LOCKED"
	ErrCodeInvalidSecret      = "INVALID_SECRET"
	ErrCodeNotRoomOwner       = "NOT_ROOM_OWNER"
	ErrCodeInvalidRoom        = "INVALID_ROOM"
	ErrCodeInvalidMessage     = "INVALID_MESSAGE"
	ErrCodeInvalidFocusAction = "INVALID_FOCUS_ACTION"
	ErrCodeMemberNotFound     = "MEMBER_NOT_FOUND"
	ErrCodeNotInRoom          = "NOT_IN_ROOM"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeInvalidFriendReq   = "INVALID_FRIEND_REQUEST"
	ErrCodeFriendReqNotFound  = "FRIEND_REQUEST_NOT_FOUND"
	ErrCodeNotFriends         = "NOT_FRIENDS"
	ErrCodeChatNotFound       = "CHAT_NOT_FOUND"
)

// 比較用の番兵。errors.Is(err, model.ErrRoomFull) のように使う。
var (
	ErrRoomFull           = &APIError{Code: ErrCodeRoomFull}
	ErrRoomLocked         = &APIError{Code: ErrCodeRoomLocked}
	ErrRoomNotFound       = &APIError{Code: ErrCodeRoomNotFound}
	ErrInvalidFocusAction = &APIError{Code: ErrCodeInvalidFocusAction}
	ErrNotInRoom          = &APIError{Code: ErrCodeNotInRoom}
	ErrNotFriends         = &APIError{Code: ErrCodeNotFriends}
	ErrChatNotFound       = &APIError{Code: ErrCodeChatNotFound}
)

// NewRoomNotFoundError はルーム未検出エラーを生成する。
func NewRoomNotFoundError(roomID string) *APIError {
	return &APIError{
		Code:     ErrCodeRoomNotFound,
		Message:  fmt.Sprintf("指定されたルームが見つかりません: %s", roomID),
		Category: "room",
		Action:   "ルーム一覧から参加するルームを選び直してください。",
	}
}

// NewRoomFullError は定員超過エラーを生成する。
func NewRoomFullError(capacity int) *APIError {
	return &APIError{
		Code:     ErrCodeRoomFull,
		Message:  fmt.Sprintf("ルームが満員です（定員%d人）。", capacity),
		Category: "room",
		Action:   "空きが出るまで待つか、別のルームに参加してください。",
	}
}

// NewRoomLockedError は合言葉の入力が必要なルームへの入室エラーを生成する。
func NewRoomLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeRoomLocked,
		Message:  "このルームには合言葉が設定されています。",
		Category: "room",
		Action:   "合言葉を入力してから入室してください。",
	}
}

// NewInvalidSecretError は合言葉の不一致エラーを生成する。
func NewInvalidSecretError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSecret,
		Message:  "合言葉が正しくありません。",
		Category: "room",
		Action:   "ルームの作成者に合言葉を確認してください。",
	}
}

// NewNotRoomOwnerError は作成者以外による管理操作のエラーを生成する。
func NewNotRoomOwnerError() *APIError {
	return &APIError{
		Code:     ErrCodeNotRoomOwner,
		Message:  "この操作はルームの作成者のみ実行できます。",
		Category: "room",
		Action:   "ルームの作成者に依頼してください。",
	}
}

// NewInvalidRoomError はルーム作成時の入力エラーを生成する。
func NewInvalidRoomError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRoom,
		Message:  fmt.Sprintf("ルームの設定が不正です: %s", reason),
		Category: "validation",
		Action:   "ルーム名と定員を確認してください。",
	}
}

// NewInvalidMessageError はチャットメッセージの入力エラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("メッセージを送信できません: %s", reason),
		Category: "validation",
		Action:   "1〜1000文字のメッセージを入力してください。",
	}
}

// NewInvalidFocusActionError は現在の状態で実行できない集中操作のエラーを生成する。
func NewInvalidFocusActionError(action, state string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFocusAction,
		Message:  fmt.Sprintf("%s は %s 状態では実行できません。", action, state),
		Category: "focus",
		Action:   "画面の状態を確認してから操作してください。",
	}
}

// NewMemberNotFoundError はメンバー未検出エラーを生成する。
func NewMemberNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeMemberNotFound,
		Message:  fmt.Sprintf("指定されたメンバーはルームにいません: %s", userID),
		Category: "room",
		Action:   "メンバー一覧を更新してください。",
	}
}

// NewNotInRoomError はルームに入室していない状態での操作エラーを生成する。
func NewNotInRoomError() *APIError {
	return &APIError{
		Code:     ErrCodeNotInRoom,
		Message:  "ルームに入室していません。",
		Category: "room",
		Action:   "ルームに入室してから操作してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewPermissionDeniedError はアクセス規則による拒否エラーを生成する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "ログイン状態とルームの参加状況を確認してください。",
	}
}

// NewInvalidFriendRequestError は友達申請を受け付けられない場合のエラーを生成する。
func NewInvalidFriendRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFriendReq,
		Message:  fmt.Sprintf("友達申請を送れません: %s", reason),
		Category: "friend",
		Action:   "申請先と現在の友達一覧を確認してください。",
	}
}

// NewFriendRequestNotFoundError は申請未検出エラーを生成する。
func NewFriendRequestNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeFriendReqNotFound,
		Message:  "友達申請が見つかりません。",
		Category: "friend",
		Action:   "申請一覧を更新してください。",
	}
}

// NewNotFriendsError は友達でない相手とのチャット操作のエラーを生成する。
func NewNotFriendsError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFriends,
		Message:  "友達になっていない相手とはチャットできません。",
		Category: "friend",
		Action:   "友達申請を送り、承認されてからチャットしてください。",
	}
}

// NewChatNotFoundError はチャット未検出または参加していないチャットへの操作エラーを生成する。
func NewChatNotFoundError(chatID string) *APIError {
	return &APIError{
		Code:     ErrCodeChatNotFound,
		Message:  fmt.Sprintf("チャットが見つかりません: %s", chatID),
		Category: "friend",
		Action:   "友達一覧からチャットを開き直してください。",
	}
}
