package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreMemberRepo はdocstoreを使用したメンバーリポジトリ。
type DocstoreMemberRepo struct {
	store docstore.Client
}

// NewDocstoreMemberRepo はDocstoreMemberRepoを生成する。
func NewDocstoreMemberRepo(store docstore.Client) *DocstoreMemberRepo {
	return &DocstoreMemberRepo{store: store}
}

// ListByRoom はルームのメンバーを入室日時の昇順で返す。
func (r *DocstoreMemberRepo) ListByRoom(ctx context.Context, roomID string) ([]model.Member, error) {
	docs, err := r.store.Run(ctx, MembersQuery(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members, err := decodeDocs[model.Member](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	return members, nil
}

// Find は指定メンバーを取得する。見つからない場合はnilを返す。
func (r *DocstoreMemberRepo) Find(ctx context.Context, roomID, userID string) (*model.Member, error) {
	doc, err := r.store.Get(ctx, MemberRef(roomID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	member, err := decodeDoc[model.Member](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}
	return member, nil
}

// SetAdminOverrides は管理者による強制ミュート・強制カメラオフを設定する。
func (r *DocstoreMemberRepo) SetAdminOverrides(ctx context.Context, roomID, userID string, audio, video *bool) error {
	fields := make(map[string]any, 4)
	if audio != nil {
		fields[FieldAudioMutedByAdmin] = *audio
		if *audio {
			fields[FieldAudioMuted] = true
		}
	}
	if video != nil {
		fields[FieldVideoOffByAdmin] = *video
		if *video {
			fields[FieldVideoOff] = true
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.store.MergeWrite(ctx, MemberRef(roomID, userID), fields); err != nil {
		return fmt.Errorf("failed to set admin overrides: %w", err)
	}
	return nil
}

// Delete は指定メンバーの記録を削除する。
func (r *DocstoreMemberRepo) Delete(ctx context.Context, roomID, userID string) error {
	if err := r.store.Delete(ctx, MemberRef(roomID, userID)); err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	return nil
}

// ListStale は lastSeenAt が before より古いメンバーを返す。
// lastSeenAt を持たない記録は対象外。
func (r *DocstoreMemberRepo) ListStale(ctx context.Context, roomID string, before time.Time) ([]model.Member, error) {
	q := MembersCollection(roomID).Query().Where(FieldLastSeenAt, docstore.OpLt, before)
	docs, err := r.store.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale members: %w", err)
	}
	members, err := decodeDocs[model.Member](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	return members, nil
}

// DeleteAllByRoom はルームの全メンバー記録を削除し、削除件数を返す。
func (r *DocstoreMemberRepo) DeleteAllByRoom(ctx context.Context, roomID string) (int, error) {
	return deleteAll(ctx, r.store, MembersCollection(roomID))
}

// deleteAll はコレクション内のドキュメントを1件ずつ削除する。
func deleteAll(ctx context.Context, store docstore.Client, coll docstore.CollectionRef) (int, error) {
	docs, err := store.Run(ctx, coll.Query())
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", coll.Path(), err)
	}
	deleted := 0
	for _, d := range docs {
		if err := store.Delete(ctx, d.Ref); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", d.Path(), err)
		}
		deleted++
	}
	return deleted, nil
}

// compile-time interface check
var _ MemberRepository = (*DocstoreMemberRepo)(nil)
