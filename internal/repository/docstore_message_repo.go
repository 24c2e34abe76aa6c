package repository

import (
	"context"
	"fmt"
	"slices"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreMessageRepo はdocstoreを使用したチャットメッセージリポジトリ。
type DocstoreMessageRepo struct {
	store docstore.Client
}

// NewDocstoreMessageRepo はDocstoreMessageRepoを生成する。
func NewDocstoreMessageRepo(store docstore.Client) *DocstoreMessageRepo {
	return &DocstoreMessageRepo{store: store}
}

// ListByRoom は最新limit件を送信日時の昇順で返す。limitが0以下なら全件。
func (r *DocstoreMessageRepo) ListByRoom(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error) {
	q := MessagesQuery(roomID)
	if limit > 0 {
		q = MessagesCollection(roomID).Query().OrderBy(FieldSentAt, docstore.Desc).Limit(limit)
	}
	docs, err := r.store.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs, err := decodeDocs[model.ChatMessage](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	if limit > 0 {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// Create はメッセージを作成する。送信日時はストアが付与する。
func (r *DocstoreMessageRepo) Create(ctx context.Context, roomID string, msg *model.ChatMessage) error {
	ref, err := r.store.Create(ctx, MessagesCollection(roomID), map[string]any{
		FieldText:       msg.Text,
		FieldSenderID:   msg.SenderID,
		FieldSenderName: msg.SenderName,
		FieldSentAt:     docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	doc, err := r.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read created message: %w", err)
	}
	created, err := decodeDoc[model.ChatMessage](doc)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	msg.ID = ref.ID()
	if created != nil {
		msg.SentAt = created.SentAt
	}
	return nil
}

// DeleteAllByRoom はルームの全メッセージを削除し、削除件数を返す。
func (r *DocstoreMessageRepo) DeleteAllByRoom(ctx context.Context, roomID string) (int, error) {
	return deleteAll(ctx, r.store, MessagesCollection(roomID))
}

// compile-time interface check
var _ MessageRepository = (*DocstoreMessageRepo)(nil)
