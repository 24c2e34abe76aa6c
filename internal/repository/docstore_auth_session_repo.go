package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreAuthSessionRepo はdocstoreを使用したログインセッションリポジトリ。
// authSessions はGuard越しには読めないため、規則検査なしのClientを渡す。
type DocstoreAuthSessionRepo struct {
	store docstore.Client
	now   func() time.Time
}

// NewDocstoreAuthSessionRepo はDocstoreAuthSessionRepoを生成する。
func NewDocstoreAuthSessionRepo(store docstore.Client) *DocstoreAuthSessionRepo {
	return &DocstoreAuthSessionRepo{store: store, now: time.Now}
}

func authSessionRef(id string) docstore.DocRef {
	return docstore.Doc(CollectionAuthSessions, id)
}

// Create はセッションを作成する。
func (r *DocstoreAuthSessionRepo) Create(ctx context.Context, session *model.AuthSession) error {
	err := r.store.MergeWrite(ctx, authSessionRef(session.ID), map[string]any{
		FieldUserID:    session.UserID,
		FieldExpiresAt: session.ExpiresAt,
		FieldCreatedAt: session.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *DocstoreAuthSessionRepo) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	if id == "" {
		return nil, nil
	}
	doc, err := r.store.Get(ctx, authSessionRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	session, err := decodeDoc[model.AuthSession](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session == nil || !session.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *DocstoreAuthSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, authSessionRef(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthSessionRepository = (*DocstoreAuthSessionRepo)(nil)
