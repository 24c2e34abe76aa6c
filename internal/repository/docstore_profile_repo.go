package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreProfileRepo はdocstoreを使用したプロフィールリポジトリ。
type DocstoreProfileRepo struct {
	store docstore.Client
}

// NewDocstoreProfileRepo はDocstoreProfileRepoを生成する。
func NewDocstoreProfileRepo(store docstore.Client) *DocstoreProfileRepo {
	return &DocstoreProfileRepo{store: store}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *DocstoreProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	doc, err := r.store.Get(ctx, ProfileRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	profile, err := decodeDoc[model.Profile](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return profile, nil
}

// Upsert は表示名とアバターを書き込む。累計集中秒数には触れない。
func (r *DocstoreProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	err := r.store.MergeWrite(ctx, ProfileRef(profile.ID), map[string]any{
		FieldDisplayName: profile.DisplayName,
		FieldAvatarURL:   profile.AvatarURL,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// ListTopByFocus は累計集中秒数の降順で上位limit件を返す。
func (r *DocstoreProfileRepo) ListTopByFocus(ctx context.Context, limit int) ([]model.Profile, error) {
	q := docstore.Collection(CollectionUsers).Query().
		OrderBy(FieldTotalFocusSeconds, docstore.Desc).
		Limit(limit)
	docs, err := r.store.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list top profiles: %w", err)
	}
	profiles, err := decodeDocs[model.Profile](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}
	return profiles, nil
}

// compile-time interface check
var _ ProfileRepository = (*DocstoreProfileRepo)(nil)
