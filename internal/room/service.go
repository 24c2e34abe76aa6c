// Package room はルームの作成・削除、合言葉の確認、チャット送信、
// 作成者による管理操作、ランキングのドメインロジックを提供する。
package room

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/studyroom/internal/cache"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/security"
)

// 入力の上限と既定値。
const (
	MaxNameLength       = 100
	MaxTopicLength      = 100
	MaxSecretLength     = 64
	MinCapacity         = 2
	MaxCapacity         = 50
	DefaultCapacity     = 10
	MaxMessageLength    = 1000
	DefaultMessageLimit = 100
	DefaultLeaderboard  = 20
	MaxLeaderboard      = 100
	leaderboardKey      = "studyroom:leaderboard:"
)

// CreateInput はルーム作成の入力。Capacityが0なら既定の定員を使う。
type CreateInput struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	Secret   string `json:"secret"`
	Capacity int    `json:"capacity"`
}

// Sender はチャット送信者の表示情報。
type Sender struct {
	UserID      string
	DisplayName string
}

// Service はルームのサービス層。
// ctxには操作する利用者のプリンシパルが設定されている前提で、
// 書き込みの可否はリポジトリの下のアクセス規則でも検査される。
type Service struct {
	rooms     repository.RoomRepository
	members   repository.MemberRepository
	messages  repository.MessageRepository
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger

	cache           cache.Cache
	cacheTTL        time.Duration
	defaultCapacity int
	leaderboardSize int
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithCache はランキングのキャッシュを設定する。nilならキャッシュしない。
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithDefaultCapacity は定員未指定時の定員を設定する。
func WithDefaultCapacity(n int) Option {
	return func(s *Service) {
		if n >= MinCapacity && n <= MaxCapacity {
			s.defaultCapacity = n
		}
	}
}

// WithLeaderboardSize はランキングの既定件数を設定する。
func WithLeaderboardSize(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxLeaderboard {
			s.leaderboardSize = n
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	rooms repository.RoomRepository,
	members repository.MemberRepository,
	messages repository.MessageRepository,
	profiles repository.ProfileRepository,
	sanitizer security.TextSanitizer,
	opts ...Option,
) *Service {
	s := &Service{
		rooms:           rooms,
		members:         members,
		messages:        messages,
		profiles:        profiles,
		sanitizer:       sanitizer,
		logger:          slog.Default(),
		defaultCapacity: DefaultCapacity,
		leaderboardSize: DefaultLeaderboard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create はルームを作成する。作成者はcreatorIDになる。
func (s *Service) Create(ctx context.Context, creatorID string, in CreateInput) (*model.Room, error) {
	name := s.sanitizer.Sanitize(in.Name)
	topic := s.sanitizer.Sanitize(in.Topic)
	secret := strings.TrimSpace(in.Secret)

	switch {
	case name == "":
		return nil, model.NewInvalidRoomError("ルーム名は必須です")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return nil, model.NewInvalidRoomError(fmt.Sprintf("ルーム名は%d文字以内です", MaxNameLength))
	case topic == "":
		return nil, model.NewInvalidRoomError("トピックは必須です")
	case utf8.RuneCountInString(topic) > MaxTopicLength:
		return nil, model.NewInvalidRoomError(fmt.Sprintf("トピックは%d文字以内です", MaxTopicLength))
	case utf8.RuneCountInString(secret) > MaxSecretLength:
		return nil, model.NewInvalidRoomError(fmt.Sprintf("合言葉は%d文字以内です", MaxSecretLength))
	}

	capacity := in.Capacity
	if capacity == 0 {
		capacity = s.defaultCapacity
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, model.NewInvalidRoomError(fmt.Sprintf("定員は%d〜%d人です", MinCapacity, MaxCapacity))
	}

	room := &model.Room{
		Name:      name,
		Topic:     topic,
		Secret:    secret,
		CreatorID: creatorID,
		Capacity:  capacity,
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("ルームの作成に失敗しました: %w", err)
	}

	s.logger.Info("room created",
		slog.String("room_id", room.ID),
		slog.String("user_id", creatorID),
		slog.Int("capacity", capacity),
		slog.Bool("locked", room.Locked()),
	)
	return room, nil
}

// List はルーム一覧を作成日時の降順で返す。
func (s *Service) List(ctx context.Context) ([]model.RoomView, error) {
	rooms, err := s.rooms.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ルーム一覧の取得に失敗しました: %w", err)
	}
	views := make([]model.RoomView, 0, len(rooms))
	for _, r := range rooms {
		members, err := s.members.ListByRoom(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("メンバー数の取得に失敗しました: %w", err)
		}
		views = append(views, r.View(len(members)))
	}
	return views, nil
}

// Get はルームの詳細を返す。
func (s *Service) Get(ctx context.Context, roomID string) (*model.RoomView, error) {
	r, err := s.find(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := s.members.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("メンバー数の取得に失敗しました: %w", err)
	}
	v := r.View(len(members))
	return &v, nil
}

// Members はルームのメンバーを入室日時の昇順で返す。
func (s *Service) Members(ctx context.Context, roomID string) ([]model.Member, error) {
	if _, err := s.find(ctx, roomID); err != nil {
		return nil, err
	}
	members, err := s.members.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("メンバー一覧の取得に失敗しました: %w", err)
	}
	return members, nil
}

// Delete はルームを削除する。作成者のみ実行できる。
// ルーム本体を先に消し、入室中のメンバーにはルーム削除として退室させる。
// 残ったメンバー記録とメッセージはここで片付け、失敗分はスイーパーが拾う。
func (s *Service) Delete(ctx context.Context, roomID, actorID string) error {
	r, err := s.find(ctx, roomID)
	if err != nil {
		return err
	}
	if r.CreatorID != actorID {
		return model.NewNotRoomOwnerError()
	}
	if err := s.rooms.DeleteByID(ctx, roomID); err != nil {
		return fmt.Errorf("ルームの削除に失敗しました: %w", err)
	}

	members, err := s.members.DeleteAllByRoom(ctx, roomID)
	if err != nil {
		s.logger.Warn("failed to delete members of deleted room",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
	messages, err := s.messages.DeleteAllByRoom(ctx, roomID)
	if err != nil {
		s.logger.Warn("failed to delete messages of deleted room",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("room deleted",
		slog.String("room_id", roomID),
		slog.String("user_id", actorID),
		slog.Int("members_deleted", members),
		slog.Int("messages_deleted", messages),
	)
	return nil
}

// Unlock は合言葉を確認する。合言葉のないルームは常に成功する。
func (s *Service) Unlock(ctx context.Context, roomID, secret string) error {
	r, err := s.find(ctx, roomID)
	if err != nil {
		return err
	}
	if !r.Locked() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(r.Secret), []byte(strings.TrimSpace(secret))) != 1 {
		return model.NewInvalidSecretError()
	}
	return nil
}

// SendMessage はチャットメッセージを送信する。送信者は入室中のメンバーでなければならない。
func (s *Service) SendMessage(ctx context.Context, roomID string, sender Sender, text string) (*model.ChatMessage, error) {
	cleaned := s.sanitizer.Sanitize(text)
	n := utf8.RuneCountInString(cleaned)
	if n == 0 {
		return nil, model.NewInvalidMessageError("空のメッセージは送信できません")
	}
	if n > MaxMessageLength {
		return nil, model.NewInvalidMessageError(fmt.Sprintf("%d文字を超えています", MaxMessageLength))
	}

	if _, err := s.find(ctx, roomID); err != nil {
		return nil, err
	}
	member, err := s.members.Find(ctx, roomID, sender.UserID)
	if err != nil {
		return nil, fmt.Errorf("メンバーの取得に失敗しました: %w", err)
	}
	if member == nil {
		return nil, model.NewNotInRoomError()
	}

	name := sender.DisplayName
	if name == "" {
		name = member.DisplayName
	}
	msg := &model.ChatMessage{
		Text:       cleaned,
		SenderID:   sender.UserID,
		SenderName: name,
	}
	if err := s.messages.Create(ctx, roomID, msg); err != nil {
		return nil, fmt.Errorf("メッセージの送信に失敗しました: %w", err)
	}
	return msg, nil
}

// Messages は最新limit件のメッセージを送信日時の昇順で返す。
func (s *Service) Messages(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error) {
	if _, err := s.find(ctx, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultMessageLimit {
		limit = DefaultMessageLimit
	}
	msgs, err := s.messages.ListByRoom(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msgs, nil
}

// AdminMute は作成者が対象メンバーのマイク・カメラを強制的にオフにする。
// nilの項目は変更しない。解除はfalseを指定する。
func (s *Service) AdminMute(ctx context.Context, roomID, actorID, targetID string, audio, video *bool) error {
	if err := s.requireOwner(ctx, roomID, actorID); err != nil {
		return err
	}
	if err := s.requireMember(ctx, roomID, targetID); err != nil {
		return err
	}
	if err := s.members.SetAdminOverrides(ctx, roomID, targetID, audio, video); err != nil {
		return fmt.Errorf("強制ミュートの設定に失敗しました: %w", err)
	}
	s.logger.Info("admin override set",
		slog.String("room_id", roomID),
		slog.String("user_id", actorID),
		slog.String("target_id", targetID),
	)
	return nil
}

// Kick は作成者が対象メンバーの記録を削除する。対象のエージェントは自分の記録の消失で退室する。
func (s *Service) Kick(ctx context.Context, roomID, actorID, targetID string) error {
	if err := s.requireOwner(ctx, roomID, actorID); err != nil {
		return err
	}
	if err := s.requireMember(ctx, roomID, targetID); err != nil {
		return err
	}
	if err := s.members.Delete(ctx, roomID, targetID); err != nil {
		return fmt.Errorf("メンバーの退出に失敗しました: %w", err)
	}
	s.logger.Info("member kicked",
		slog.String("room_id", roomID),
		slog.String("user_id", actorID),
		slog.String("target_id", targetID),
	)
	return nil
}

// Leaderboard は累計集中秒数の上位limit件を称号付きで返す。
// limitが0以下なら既定件数。キャッシュが設定されていれば結果を短時間保持する。
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = s.leaderboardSize
	}
	if limit > MaxLeaderboard {
		limit = MaxLeaderboard
	}
	key := leaderboardKey + strconv.Itoa(limit)

	if s.cache != nil {
		if entries, ok := s.cachedLeaderboard(ctx, key); ok {
			return entries, nil
		}
	}

	profiles, err := s.profiles.ListTopByFocus(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ランキングの取得に失敗しました: %w", err)
	}
	entries := make([]model.LeaderboardEntry, len(profiles))
	for i, p := range profiles {
		entries[i] = model.LeaderboardEntry{
			Position:          i + 1,
			UserID:            p.ID,
			DisplayName:       p.DisplayName,
			AvatarURL:         p.AvatarURL,
			TotalFocusSeconds: p.TotalFocusSeconds,
			Rank:              model.RankFor(p.TotalFocusSeconds),
		}
	}

	if s.cache != nil {
		s.storeLeaderboard(ctx, key, entries)
	}
	return entries, nil
}

func (s *Service) cachedLeaderboard(ctx context.Context, key string) ([]model.LeaderboardEntry, bool) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("leaderboard cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var entries []model.LeaderboardEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("leaderboard cache entry corrupted", slog.String("error", err.Error()))
		return nil, false
	}
	return entries, true
}

func (s *Service) storeLeaderboard(ctx context.Context, key string, entries []model.LeaderboardEntry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.cacheTTL); err != nil {
		s.logger.Warn("leaderboard cache write failed", slog.String("error", err.Error()))
	}
}

func (s *Service) find(ctx context.Context, roomID string) (*model.Room, error) {
	r, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗しました: %w", err)
	}
	if r == nil {
		return nil, model.NewRoomNotFoundError(roomID)
	}
	return r, nil
}

func (s *Service) requireOwner(ctx context.Context, roomID, actorID string) error {
	r, err := s.find(ctx, roomID)
	if err != nil {
		return err
	}
	if r.CreatorID != actorID {
		return model.NewNotRoomOwnerError()
	}
	return nil
}

func (s *Service) requireMember(ctx context.Context, roomID, userID string) error {
	m, err := s.members.Find(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("メンバーの取得に失敗しました: %w", err)
	}
	if m == nil {
		return model.NewMemberNotFoundError(userID)
	}
	return nil
}
