package model

import "time"

// Room は自習ルーム（セッション）を表す。
// メンバーとチャットはサブコレクションに置かれ、ルーム削除時はスイーパーが片付ける。
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	Secret    string    `json:"secret,omitempty"`
	CreatorID string    `json:"creatorId"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"createdAt"`
}

// Locked は合言葉が設定されているかを返す。
func (r Room) Locked() bool { return r.Secret != "" }

// Member はルーム内のメンバー記録。ドキュメントIDはユーザーID。
type Member struct {
	UserID            string    `json:"id"`
	DisplayName       string    `json:"displayName"`
	AvatarURL         string    `json:"avatarUrl"`
	AudioMuted        bool      `json:"audioMuted"`
	VideoOff          bool      `json:"videoOff"`
	AudioMutedByAdmin bool      `json:"audioMutedByAdmin"`
	VideoOffByAdmin   bool      `json:"videoOffByAdmin"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

// ChatMessage はルーム内のチャットメッセージ。作成後は変更しない。
type ChatMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SentAt     time.Time `json:"sentAt"`
}

// Profile は users/{uid} に置かれる利用者プロフィールと累計集中秒数。
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	AvatarURL         string `json:"avatarUrl"`
	TotalFocusSeconds int64  `json:"totalFocusSeconds"`
	// Rank は応答時にだけ設定する。保存はしない。
	Rank Rank `json:"rank,omitempty"`
}

// AuthSession はログインセッションを表す。
type AuthSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rank は累計集中秒数から決まる称号。
type Rank string

const (
	RankNovice  Rank = "Novice"
	RankScholar Rank = "Scholar"
	RankMaster  Rank = "Master"
	RankLegend  Rank = "Legend"
)

// RankFor は累計集中秒数に対応する称号を返す。
func RankFor(totalSeconds int64) Rank {
	switch {
	case totalSeconds > 36000:
		return RankLegend
	case totalSeconds > 18000:
		return RankMaster
	case totalSeconds > 3600:
		return RankScholar
	default:
		return RankNovice
	}
}

// LeaderboardEntry はランキングの1行。
type LeaderboardEntry struct {
	Position          int    `json:"position"`
	UserID            string `json:"userId"`
	DisplayName       string `json:"displayName"`
	AvatarURL         string `json:"avatarUrl"`
	TotalFocusSeconds int64  `json:"totalFocusSeconds"`
	Rank              Rank   `json:"rank"`
}

// RoomView は一覧・詳細で返すルームの表現。合言葉そのものは含めない。
type RoomView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	CreatorID   string    `json:"creatorId"`
	Capacity    int       `json:"capacity"`
	CreatedAt   time.Time `json:"createdAt"`
	Locked      bool      `json:"locked"`
	MemberCount int       `json:"memberCount"`
}

// View は合言葉を伏せた表現を返す。
func (r Room) View(memberCount int) RoomView {
	return RoomView{
		ID:          r.ID,
		Name:        r.Name,
		Topic:       r.Topic,
		CreatorID:   r.CreatorID,
		Capacity:    r.Capacity,
		CreatedAt:   r.CreatedAt,
		Locked:      r.Locked(),
		MemberCount: memberCount,
	}
}
