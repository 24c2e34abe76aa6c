// Package repository はデータ永続化のインターフェースを定義する。
// 実装はdocstore上のドキュメントとしてモデルを読み書きする。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/studyroom/internal/model"
)

// RoomRepository はルームの永続化インターフェース。
type RoomRepository interface {
	// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Room, error)

	// List はルーム一覧を作成日時の降順で返す。
	List(ctx context.Context) ([]model.Room, error)

	// Create はルームを作成し、採番されたIDと作成日時をroomに設定する。
	Create(ctx context.Context, room *model.Room) error

	// DeleteByID は指定IDのルームを削除する。メンバーとメッセージは残る。
	DeleteByID(ctx context.Context, id string) error
}

// MemberRepository はルームメンバー記録の永続化インターフェース。
// 入室・退室・トグル変更の書き込みはpresenceが非同期で行うため、ここには含まない。
type MemberRepository interface {
	// ListByRoom はルームのメンバーを入室日時の昇順で返す。
	ListByRoom(ctx context.Context, roomID string) ([]model.Member, error)

	// Find は指定メンバーを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, roomID, userID string) (*model.Member, error)

	// SetAdminOverrides は管理者による強制ミュート・強制カメラオフを設定する。
	// nilの項目は変更しない。trueにした場合は対応するトグルも強制的にオンにする。
	SetAdminOverrides(ctx context.Context, roomID, userID string, audio, video *bool) error

	// Delete は指定メンバーの記録を削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, roomID, userID string) error

	// ListStale は lastSeenAt が before より古いメンバーを返す。
	ListStale(ctx context.Context, roomID string, before time.Time) ([]model.Member, error)

	// DeleteAllByRoom はルームの全メンバー記録を削除し、削除件数を返す。
	DeleteAllByRoom(ctx context.Context, roomID string) (int, error)
}

// MessageRepository はチャットメッセージの永続化インターフェース。
type MessageRepository interface {
	// ListByRoom は最新limit件を送信日時の昇順で返す。limitが0以下なら全件。
	ListByRoom(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error)

	// Create はメッセージを作成し、採番されたIDと送信日時をmsgに設定する。
	Create(ctx context.Context, roomID string, msg *model.ChatMessage) error

	// DeleteAllByRoom はルームの全メッセージを削除し、削除件数を返す。
	DeleteAllByRoom(ctx context.Context, roomID string) (int, error)
}

// ProfileRepository は利用者プロフィールの永続化インターフェース。
// 累計集中秒数はfocusが相対加算でのみ更新するため、ここからは書き込まない。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Upsert は表示名とアバターを書き込む。
	Upsert(ctx context.Context, profile *model.Profile) error

	// ListTopByFocus は累計集中秒数の降順で上位limit件を返す。
	ListTopByFocus(ctx context.Context, limit int) ([]model.Profile, error)
}

// AuthSessionRepository はログインセッションの永続化インターフェース。
type AuthSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.AuthSession) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// FriendRequestRepository は友達申請の永続化インターフェース。
// 申請のIDは当事者2人の組ID（PairID）で、2人の間に申請は高々1件。
type FriendRequestRepository interface {
	// Find は2人の間の申請を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, a, b string) (*model.FriendRequest, error)

	// Create は保留中の申請を作成し、IDと作成日時をreqに設定する。
	Create(ctx context.Context, req *model.FriendRequest) error

	// Accept は申請を承認済みにする。
	Accept(ctx context.Context, a, b string) error

	// Delete は申請を削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, a, b string) error

	// ListIncoming は userID 宛ての保留中の申請を返す。
	ListIncoming(ctx context.Context, userID string) ([]model.FriendRequest, error)

	// ListOutgoing は userID が送った保留中の申請を返す。
	ListOutgoing(ctx context.Context, userID string) ([]model.FriendRequest, error)

	// ListAccepted は userID が当事者の承認済み申請を承認日時の降順で返す。
	ListAccepted(ctx context.Context, userID string) ([]model.FriendRequest, error)
}

// DirectChatRepository はダイレクトチャットとそのメッセージの永続化インターフェース。
type DirectChatRepository interface {
	// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, chatID string) (*model.DirectChat, error)

	// Open は2人のチャットを作成する。既にあれば更新日時だけを進める。
	Open(ctx context.Context, a, b string) (*model.DirectChat, error)

	// ListByParticipant は userID が参加するチャットを更新日時の降順で返す。
	ListByParticipant(ctx context.Context, userID string) ([]model.DirectChat, error)

	// CreateMessage はメッセージを作成し、チャットの最終メッセージと更新日時を書き換える。
	CreateMessage(ctx context.Context, chatID string, msg *model.DirectMessage) error

	// ListMessages は最新limit件を送信日時の昇順で返す。limitが0以下なら全件。
	ListMessages(ctx context.Context, chatID string, limit int) ([]model.DirectMessage, error)

	// MarkRead は readerID 以外が送った未読メッセージを既読にし、件数を返す。
	MarkRead(ctx context.Context, chatID, readerID string) (int, error)
}
