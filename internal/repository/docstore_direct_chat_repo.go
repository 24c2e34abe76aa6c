package repository

import (
	"context"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// lastMessagePreview はチャット一覧に載せる最終メッセージの最大文字数。
const lastMessagePreview = 80

// DocstoreDirectChatRepo はdocstoreを使用したダイレクトチャットリポジトリ。
type DocstoreDirectChatRepo struct {
	store docstore.Client
}

// NewDocstoreDirectChatRepo はDocstoreDirectChatRepoを生成する。
func NewDocstoreDirectChatRepo(store docstore.Client) *DocstoreDirectChatRepo {
	return &DocstoreDirectChatRepo{store: store}
}

// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
func (r *DocstoreDirectChatRepo) FindByID(ctx context.Context, chatID string) (*model.DirectChat, error) {
	doc, err := r.store.Get(ctx, DirectChatRef(chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to find direct chat: %w", err)
	}
	chat, err := decodeDoc[model.DirectChat](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode direct chat: %w", err)
	}
	return chat, nil
}

// Open は2人のチャットをマージ書き込みで作成する。同時に開いても1件にまとまる。
func (r *DocstoreDirectChatRepo) Open(ctx context.Context, a, b string) (*model.DirectChat, error) {
	participants := []string{a, b}
	slices.Sort(participants)
	chatID := PairID(a, b)
	err := r.store.MergeWrite(ctx, DirectChatRef(chatID), map[string]any{
		FieldParticipantIDs: participants,
		FieldUpdatedAt:      docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open direct chat: %w", err)
	}
	chat, err := r.FindByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fmt.Errorf("direct chat %s vanished after open", chatID)
	}
	return chat, nil
}

// ListByParticipant は userID が参加するチャットを更新日時の降順で返す。
func (r *DocstoreDirectChatRepo) ListByParticipant(ctx context.Context, userID string) ([]model.DirectChat, error) {
	docs, err := r.store.Run(ctx, DirectChatsQuery(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list direct chats: %w", err)
	}
	chats, err := decodeDocs[model.DirectChat](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode direct chats: %w", err)
	}
	return chats, nil
}

// CreateMessage はメッセージを作成し、チャットの最終メッセージと更新日時を書き換える。
// 送信日時はストアが付与する。
func (r *DocstoreDirectChatRepo) CreateMessage(ctx context.Context, chatID string, msg *model.DirectMessage) error {
	ref, err := r.store.Create(ctx, DirectMessagesCollection(chatID), map[string]any{
		FieldText:       msg.Text,
		FieldSenderID:   msg.SenderID,
		FieldSenderName: msg.SenderName,
		FieldSentAt:     docstore.ServerTimestamp,
		FieldRead:       false,
	})
	if err != nil {
		return fmt.Errorf("failed to create direct message: %w", err)
	}
	preview := msg.Text
	if utf8.RuneCountInString(preview) > lastMessagePreview {
		preview = string([]rune(preview)[:lastMessagePreview])
	}
	err = r.store.MergeWrite(ctx, DirectChatRef(chatID), map[string]any{
		FieldLastMessage: preview,
		FieldUpdatedAt:   docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to update direct chat: %w", err)
	}

	doc, err := r.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read created direct message: %w", err)
	}
	created, err := decodeDoc[model.DirectMessage](doc)
	if err != nil {
		return fmt.Errorf("failed to decode direct message: %w", err)
	}
	msg.ID = ref.ID()
	if created != nil {
		msg.SentAt = created.SentAt
	}
	return nil
}

// ListMessages は最新limit件を送信日時の昇順で返す。limitが0以下なら全件。
func (r *DocstoreDirectChatRepo) ListMessages(ctx context.Context, chatID string, limit int) ([]model.DirectMessage, error) {
	q := DirectMessagesQuery(chatID)
	if limit > 0 {
		q = DirectMessagesCollection(chatID).Query().OrderBy(FieldSentAt, docstore.Desc).Limit(limit)
	}
	docs, err := r.store.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct messages: %w", err)
	}
	msgs, err := decodeDocs[model.DirectMessage](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode direct messages: %w", err)
	}
	if limit > 0 {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// MarkRead は readerID 以外が送った未読メッセージを既読にし、件数を返す。
func (r *DocstoreDirectChatRepo) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	docs, err := r.store.Run(ctx, DirectMessagesCollection(chatID).Query().Where(FieldRead, docstore.OpEq, false))
	if err != nil {
		return 0, fmt.Errorf("failed to list unread direct messages: %w", err)
	}
	n := 0
	for _, d := range docs {
		if d.Fields[FieldSenderID] == readerID {
			continue
		}
		if err := r.store.MergeWrite(ctx, d.Ref, map[string]any{FieldRead: true}); err != nil {
			return n, fmt.Errorf("failed to mark direct message read: %w", err)
		}
		n++
	}
	return n, nil
}

// compile-time interface check
var _ DirectChatRepository = (*DocstoreDirectChatRepo)(nil)
