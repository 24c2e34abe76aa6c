package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreRoomRepo はdocstoreを使用したルームリポジトリ。
type DocstoreRoomRepo struct {
	store docstore.Client
}

// NewDocstoreRoomRepo はDocstoreRoomRepoを生成する。
func NewDocstoreRoomRepo(store docstore.Client) *DocstoreRoomRepo {
	return &DocstoreRoomRepo{store: store}
}

// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
func (r *DocstoreRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	doc, err := r.store.Get(ctx, RoomRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	room, err := decodeDoc[model.Room](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return room, nil
}

// List はルーム一覧を作成日時の降順で返す。
func (r *DocstoreRoomRepo) List(ctx context.Context) ([]model.Room, error) {
	docs, err := r.store.Run(ctx, RoomsQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms, err := decodeDocs[model.Room](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}
	return rooms, nil
}

// Create はルームを作成し、採番されたIDと作成日時をroomに設定する。
func (r *DocstoreRoomRepo) Create(ctx context.Context, room *model.Room) error {
	ref, err := r.store.Create(ctx, docstore.Collection(CollectionRooms), map[string]any{
		FieldName:      room.Name,
		FieldTopic:     room.Topic,
		FieldSecret:    room.Secret,
		FieldCreatorID: room.CreatorID,
		FieldCapacity:  room.Capacity,
		FieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	created, err := r.FindByID(ctx, ref.ID())
	if err != nil {
		return err
	}
	if created == nil {
		return fmt.Errorf("room %s vanished after create: %w", ref.ID(), docstore.ErrNotFound)
	}
	room.ID = created.ID
	room.CreatedAt = created.CreatedAt
	return nil
}

// DeleteByID は指定IDのルームを削除する。
func (r *DocstoreRoomRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, RoomRef(id)); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RoomRepository = (*DocstoreRoomRepo)(nil)
