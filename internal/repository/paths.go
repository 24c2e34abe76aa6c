package repository

import (
	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// コレクション名。
const (
	CollectionRooms        = "rooms"
	CollectionMembers      = "members"
	CollectionMessages     = "messages"
	CollectionUsers        = "users"
	CollectionAuthSessions = "authSessions"
	CollectionFriendReqs   = "friendRequests"
	CollectionDirectChats  = "directChats"
)

// ドキュメントのフィールド名。
const (
	FieldName              = "name"
	FieldTopic             = "topic"
	FieldSecret            = "secret"
	FieldCreatorID         = "creatorId"
	FieldCapacity          = "capacity"
	FieldCreatedAt         = "createdAt"
	FieldDisplayName       = "displayName"
	FieldAvatarURL         = "avatarUrl"
	FieldAudioMuted        = "audioMuted"
	FieldVideoOff          = "videoOff"
	FieldAudioMutedByAdmin = "audioMutedByAdmin"
	FieldVideoOffByAdmin   = "videoOffByAdmin"
	FieldJoinedAt          = "joinedAt"
	FieldLastSeenAt        = "lastSeenAt"
	FieldText              = "text"
	FieldSenderID          = "senderId"
	FieldSenderName        = "senderName"
	FieldSentAt            = "sentAt"
	FieldTotalFocusSeconds = "totalFocusSeconds"
	FieldUserID            = "userId"
	FieldExpiresAt         = "expiresAt"
	FieldReceiverID        = "receiverId"
	FieldSenderAvatarURL   = "senderAvatarUrl"
	FieldReceiverName      = "receiverName"
	FieldReceiverAvatarURL = "receiverAvatarUrl"
	FieldStatus            = "status"
	FieldUpdatedAt         = "updatedAt"
	FieldParticipantIDs    = "participantIds"
	FieldLastMessage       = "lastMessage"
	FieldRead              = "read"
)

// PairID は2人の利用者IDを並べ替えて連結した組IDを返す。
// 友達申請とダイレクトチャットのドキュメントIDに使い、向きによらず同じ値になる。
func PairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// RoomRef は rooms/{roomID} を返す。
func RoomRef(roomID string) docstore.DocRef {
	return docstore.Doc(CollectionRooms, roomID)
}

// MembersCollection は rooms/{roomID}/members を返す。
func MembersCollection(roomID string) docstore.CollectionRef {
	return RoomRef(roomID).Collection(CollectionMembers)
}

// MemberRef は rooms/{roomID}/members/{userID} を返す。
func MemberRef(roomID, userID string) docstore.DocRef {
	return MembersCollection(roomID).Doc(userID)
}

// MessagesCollection は rooms/{roomID}/messages を返す。
func MessagesCollection(roomID string) docstore.CollectionRef {
	return RoomRef(roomID).Collection(CollectionMessages)
}

// ProfileRef は users/{userID} を返す。
func ProfileRef(userID string) docstore.DocRef {
	return docstore.Doc(CollectionUsers, userID)
}

// RoomsQuery はルーム一覧のクエリ（作成日時の降順）。
func RoomsQuery() docstore.Query {
	return docstore.Collection(CollectionRooms).Query().OrderBy(FieldCreatedAt, docstore.Desc)
}

// MembersQuery はルームメンバーのクエリ（入室日時の昇順）。
func MembersQuery(roomID string) docstore.Query {
	return MembersCollection(roomID).Query().OrderBy(FieldJoinedAt, docstore.Asc)
}

// MessagesQuery はチャットのクエリ（送信日時の昇順）。
func MessagesQuery(roomID string) docstore.Query {
	return MessagesCollection(roomID).Query().OrderBy(FieldSentAt, docstore.Asc)
}

// FriendRequestRef は friendRequests/{pairID} を返す。
func FriendRequestRef(a, b string) docstore.DocRef {
	return docstore.Doc(CollectionFriendReqs, PairID(a, b))
}

// IncomingRequestsQuery は userID 宛ての保留中の申請（作成日時の降順）。
func IncomingRequestsQuery(userID string) docstore.Query {
	return docstore.Collection(CollectionFriendReqs).Query().
		Where(FieldReceiverID, docstore.OpEq, userID).
		Where(FieldStatus, docstore.OpEq, string(model.FriendPending)).
		OrderBy(FieldCreatedAt, docstore.Desc)
}

// OutgoingRequestsQuery は userID が送った保留中の申請（作成日時の降順）。
func OutgoingRequestsQuery(userID string) docstore.Query {
	return docstore.Collection(CollectionFriendReqs).Query().
		Where(FieldSenderID, docstore.OpEq, userID).
		Where(FieldStatus, docstore.OpEq, string(model.FriendPending)).
		OrderBy(FieldCreatedAt, docstore.Desc)
}

// AcceptedRequestsQuery は field（senderId か receiverId）が userID の承認済み申請。
func AcceptedRequestsQuery(field, userID string) docstore.Query {
	return docstore.Collection(CollectionFriendReqs).Query().
		Where(field, docstore.OpEq, userID).
		Where(FieldStatus, docstore.OpEq, string(model.FriendAccepted)).
		OrderBy(FieldUpdatedAt, docstore.Desc)
}

// DirectChatRef は directChats/{pairID} を返す。
func DirectChatRef(chatID string) docstore.DocRef {
	return docstore.Doc(CollectionDirectChats, chatID)
}

// DirectMessagesCollection は directChats/{chatID}/messages を返す。
func DirectMessagesCollection(chatID string) docstore.CollectionRef {
	return DirectChatRef(chatID).Collection(CollectionMessages)
}

// DirectChatsQuery は userID が参加するチャット（更新日時の降順）。
func DirectChatsQuery(userID string) docstore.Query {
	return docstore.Collection(CollectionDirectChats).Query().
		Where(FieldParticipantIDs, docstore.OpArrayContains, userID).
		OrderBy(FieldUpdatedAt, docstore.Desc)
}

// DirectMessagesQuery はダイレクトメッセージのクエリ（送信日時の昇順）。
func DirectMessagesQuery(chatID string) docstore.Query {
	return DirectMessagesCollection(chatID).Query().OrderBy(FieldSentAt, docstore.Asc)
}

// decodeDoc はドキュメントをTへ変換する。存在しない場合はnilを返す。
func decodeDoc[T any](doc docstore.Document) (*T, error) {
	if !doc.Exists {
		return nil, nil
	}
	var v T
	if err := doc.DataTo(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeDocs[T any](docs []docstore.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.DataTo(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
