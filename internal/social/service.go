// Package social は友達申請とダイレクトチャットのドメインロジックを提供する。
// 友達関係は承認済みの申請で表し、チャットは友達2人の組IDで1件に決まる。
package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/security"
)

// 入力の上限と既定値。
const (
	MaxMessageLength    = 1000
	DefaultMessageLimit = 100
)

// Sender はダイレクトメッセージ送信者の表示情報。
type Sender struct {
	UserID      string
	DisplayName string
}

// Service は友達とダイレクトチャットのサービス層。
// ctxには操作する利用者のプリンシパルが設定されている前提。
type Service struct {
	requests  repository.FriendRequestRepository
	chats     repository.DirectChatRepository
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// Option はServiceの設定を変更する。
type Option func(*Service)

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
	requests repository.FriendRequestRepository,
	chats repository.DirectChatRepository,
	profiles repository.ProfileRepository,
	sanitizer security.TextSanitizer,
	opts ...Option,
) *Service {
	s := &Service{
		requests:  requests,
		chats:     chats,
		profiles:  profiles,
		sanitizer: sanitizer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest は senderID から receiverID へ友達申請を送る。
// 相手からの保留中の申請があれば、新しい申請を作らずにそれを承認する。
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID string) (*model.FriendRequest, error) {
	if receiverID == "" {
		return nil, model.NewInvalidFriendRequestError("申請先を指定してください")
	}
	if receiverID == senderID {
		return nil, model.NewInvalidFriendRequestError("自分自身には申請できません")
	}

	existing, err := s.requests.Find(ctx, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("友達申請の取得に失敗しました: %w", err)
	}
	if existing != nil {
		switch {
		case existing.Status == model.FriendAccepted:
			return nil, model.NewInvalidFriendRequestError("既に友達です")
		case existing.SenderID == senderID:
			return nil, model.NewInvalidFriendRequestError("申請済みです")
		default:
			return s.Accept(ctx, senderID, receiverID)
		}
	}

	sender, err := s.profiles.FindByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	receiver, err := s.profiles.FindByID(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if receiver == nil {
		return nil, model.NewInvalidFriendRequestError("申請先のユーザーが見つかりません")
	}

	req := &model.FriendRequest{
		SenderID:          senderID,
		ReceiverID:        receiverID,
		ReceiverName:      receiver.DisplayName,
		ReceiverAvatarURL: receiver.AvatarURL,
	}
	if sender != nil {
		req.SenderName = sender.DisplayName
		req.SenderAvatarURL = sender.AvatarURL
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("友達申請の送信に失敗しました: %w", err)
	}

	s.logger.Info("friend request sent",
		slog.String("user_id", senderID),
		slog.String("target_id", receiverID),
	)
	return req, nil
}

// Accept は otherID から userID への保留中の申請を承認する。
func (s *Service) Accept(ctx context.Context, userID, otherID string) (*model.FriendRequest, error) {
	req, err := s.requests.Find(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("友達申請の取得に失敗しました: %w", err)
	}
	if req == nil || req.Status != model.FriendPending || req.ReceiverID != userID {
		return nil, model.NewFriendRequestNotFoundError()
	}
	if err := s.requests.Accept(ctx, userID, otherID); err != nil {
		return nil, fmt.Errorf("友達申請の承認に失敗しました: %w", err)
	}
	accepted, err := s.requests.Find(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("友達申請の取得に失敗しました: %w", err)
	}
	if accepted == nil {
		return nil, model.NewFriendRequestNotFoundError()
	}

	s.logger.Info("friend request accepted",
		slog.String("user_id", userID),
		slog.String("target_id", otherID),
	)
	return accepted, nil
}

// Remove は2人の間の申請を削除する。保留中なら辞退か取り消し、承認済みなら友達解除になる。
// チャットとメッセージは残すが、友達でなくなった相手には送信できない。
func (s *Service) Remove(ctx context.Context, userID, otherID string) error {
	req, err := s.requests.Find(ctx, userID, otherID)
	if err != nil {
		return fmt.Errorf("友達申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return model.NewFriendRequestNotFoundError()
	}
	if err := s.requests.Delete(ctx, userID, otherID); err != nil {
		return fmt.Errorf("友達申請の削除に失敗しました: %w", err)
	}
	s.logger.Info("friend request removed",
		slog.String("user_id", userID),
		slog.String("target_id", otherID),
		slog.String("status", string(req.Status)),
	)
	return nil
}

// Friends は userID の友達を承認日時の降順で返す。
func (s *Service) Friends(ctx context.Context, userID string) ([]model.Friend, error) {
	accepted, err := s.requests.ListAccepted(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("友達一覧の取得に失敗しました: %w", err)
	}
	friends := make([]model.Friend, len(accepted))
	for i, r := range accepted {
		friends[i] = r.FriendOf(userID)
	}
	return friends, nil
}

// Incoming は userID 宛ての保留中の申請を返す。
func (s *Service) Incoming(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	reqs, err := s.requests.ListIncoming(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("受信した申請の取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// Outgoing は userID が送った保留中の申請を返す。
func (s *Service) Outgoing(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	reqs, err := s.requests.ListOutgoing(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("送信した申請の取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// OpenChat は友達とのチャットを開く。なければ作成する。
func (s *Service) OpenChat(ctx context.Context, userID, friendID string) (*model.DirectChat, error) {
	if err := s.requireFriends(ctx, userID, friendID); err != nil {
		return nil, err
	}
	chat, err := s.chats.Open(ctx, userID, friendID)
	if err != nil {
		return nil, fmt.Errorf("チャットを開けませんでした: %w", err)
	}
	return chat, nil
}

// Chats は userID のチャットを更新日時の降順で返す。
func (s *Service) Chats(ctx context.Context, userID string) ([]model.DirectChat, error) {
	chats, err := s.chats.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("チャット一覧の取得に失敗しました: %w", err)
	}
	return chats, nil
}

// SendMessage はダイレクトメッセージを送信する。送信者はチャットの参加者で、相手と友達でなければならない。
func (s *Service) SendMessage(ctx context.Context, chatID string, sender Sender, text string) (*model.DirectMessage, error) {
	cleaned := s.sanitizer.Sanitize(text)
	n := utf8.RuneCountInString(cleaned)
	if n == 0 {
		return nil, model.NewInvalidMessageError("空のメッセージは送信できません")
	}
	if n > MaxMessageLength {
		return nil, model.NewInvalidMessageError(fmt.Sprintf("%d文字を超えています", MaxMessageLength))
	}

	chat, err := s.participantChat(ctx, chatID, sender.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.requireFriends(ctx, sender.UserID, chat.Peer(sender.UserID)); err != nil {
		return nil, err
	}

	name := sender.DisplayName
	if name == "" {
		if p, err := s.profiles.FindByID(ctx, sender.UserID); err == nil && p != nil {
			name = p.DisplayName
		}
	}
	msg := &model.DirectMessage{
		Text:       cleaned,
		SenderID:   sender.UserID,
		SenderName: name,
	}
	if err := s.chats.CreateMessage(ctx, chatID, msg); err != nil {
		return nil, fmt.Errorf("メッセージの送信に失敗しました: %w", err)
	}
	return msg, nil
}

// Messages は最新limit件のメッセージを送信日時の昇順で返す。
func (s *Service) Messages(ctx context.Context, userID, chatID string, limit int) ([]model.DirectMessage, error) {
	if _, err := s.participantChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultMessageLimit {
		limit = DefaultMessageLimit
	}
	msgs, err := s.chats.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msgs, nil
}

// MarkRead は相手から届いた未読メッセージを既読にし、件数を返す。
func (s *Service) MarkRead(ctx context.Context, userID, chatID string) (int, error) {
	if _, err := s.participantChat(ctx, chatID, userID); err != nil {
		return 0, err
	}
	n, err := s.chats.MarkRead(ctx, chatID, userID)
	if err != nil {
		return n, fmt.Errorf("既読の更新に失敗しました: %w", err)
	}
	return n, nil
}

// participantChat はチャットを取得する。存在しないか参加者でなければ同じエラーを返す。
func (s *Service) participantChat(ctx context.Context, chatID, userID string) (*model.DirectChat, error) {
	chat, err := s.chats.FindByID(ctx, chatID)
	if errors.Is(err, docstore.ErrPermissionDenied) {
		return nil, model.NewChatNotFoundError(chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("チャットの取得に失敗しました: %w", err)
	}
	if chat == nil || !chat.HasParticipant(userID) {
		return nil, model.NewChatNotFoundError(chatID)
	}
	return chat, nil
}

func (s *Service) requireFriends(ctx context.Context, userID, otherID string) error {
	if otherID == "" || otherID == userID {
		return model.NewNotFriendsError()
	}
	req, err := s.requests.Find(ctx, userID, otherID)
	if err != nil {
		return fmt.Errorf("友達関係の確認に失敗しました: %w", err)
	}
	if req == nil || req.Status != model.FriendAccepted {
		return model.NewNotFriendsError()
	}
	return nil
}
