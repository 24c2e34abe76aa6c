package model

import "time"

// FriendStatus は友達申請の状態。
type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
)

// FriendRequest は friendRequests/{pairID} に置かれる友達申請。
// 承認後も削除せず accepted のまま友達関係の記録として残る。
// 辞退・取り消し・友達解除はドキュメントの削除で表す。
type FriendRequest struct {
	ID                string       `json:"id"`
	SenderID          string       `json:"senderId"`
	SenderName        string       `json:"senderName"`
	SenderAvatarURL   string       `json:"senderAvatarUrl"`
	ReceiverID        string       `json:"receiverId"`
	ReceiverName      string       `json:"receiverName"`
	ReceiverAvatarURL string       `json:"receiverAvatarUrl"`
	Status            FriendStatus `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Involves は userID が申請の当事者かを返す。
func (r FriendRequest) Involves(userID string) bool {
	return r.SenderID == userID || r.ReceiverID == userID
}

// Friend は利用者から見た友達1人分の表現。
type Friend struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	ChatID      string    `json:"chatId"`
	Since       time.Time `json:"since"`
}

// FriendOf は承認済みの申請を userID から見た友達に変換する。
func (r FriendRequest) FriendOf(userID string) Friend {
	f := Friend{ChatID: r.ID, Since: r.UpdatedAt}
	if r.SenderID == userID {
		f.UserID, f.DisplayName, f.AvatarURL = r.ReceiverID, r.ReceiverName, r.ReceiverAvatarURL
	} else {
		f.UserID, f.DisplayName, f.AvatarURL = r.SenderID, r.SenderName, r.SenderAvatarURL
	}
	return f
}

// DirectChat は友達2人のダイレクトチャット。ドキュメントIDは2人の組ID。
type DirectChat struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParticipant は userID がチャットの参加者かを返す。
func (c DirectChat) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Peer は userID から見た相手のIDを返す。
func (c DirectChat) Peer(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// DirectMessage はダイレクトチャットのメッセージ。既読フラグだけが後から変わる。
type DirectMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SentAt     time.Time `json:"sentAt"`
	Read       bool      `json:"read"`
}
