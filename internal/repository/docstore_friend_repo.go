package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

// DocstoreFriendRequestRepo はdocstoreを使用した友達申請リポジトリ。
type DocstoreFriendRequestRepo struct {
	store docstore.Client
}

// NewDocstoreFriendRequestRepo はDocstoreFriendRequestRepoを生成する。
func NewDocstoreFriendRequestRepo(store docstore.Client) *DocstoreFriendRequestRepo {
	return &DocstoreFriendRequestRepo{store: store}
}

// Find は2人の間の申請を取得する。見つからない場合はnilを返す。
func (r *DocstoreFriendRequestRepo) Find(ctx context.Context, a, b string) (*model.FriendRequest, error) {
	doc, err := r.store.Get(ctx, FriendRequestRef(a, b))
	if err != nil {
		return nil, fmt.Errorf("failed to find friend request: %w", err)
	}
	req, err := decodeDoc[model.FriendRequest](doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode friend request: %w", err)
	}
	return req, nil
}

// Create は保留中の申請を作成する。作成日時はストアが付与する。
func (r *DocstoreFriendRequestRepo) Create(ctx context.Context, req *model.FriendRequest) error {
	ref := FriendRequestRef(req.SenderID, req.ReceiverID)
	err := r.store.MergeWrite(ctx, ref, map[string]any{
		FieldSenderID:          req.SenderID,
		FieldSenderName:        req.SenderName,
		FieldSenderAvatarURL:   req.SenderAvatarURL,
		FieldReceiverID:        req.ReceiverID,
		FieldReceiverName:      req.ReceiverName,
		FieldReceiverAvatarURL: req.ReceiverAvatarURL,
		FieldStatus:            string(model.FriendPending),
		FieldCreatedAt:         docstore.ServerTimestamp,
		FieldUpdatedAt:         docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to create friend request: %w", err)
	}
	created, err := r.Find(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return err
	}
	req.ID = ref.ID()
	req.Status = model.FriendPending
	if created != nil {
		req.CreatedAt = created.CreatedAt
		req.UpdatedAt = created.UpdatedAt
	}
	return nil
}

// Accept は申請を承認済みにする。
func (r *DocstoreFriendRequestRepo) Accept(ctx context.Context, a, b string) error {
	err := r.store.MergeWrite(ctx, FriendRequestRef(a, b), map[string]any{
		FieldStatus:    string(model.FriendAccepted),
		FieldUpdatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to accept friend request: %w", err)
	}
	return nil
}

// Delete は申請を削除する。
func (r *DocstoreFriendRequestRepo) Delete(ctx context.Context, a, b string) error {
	if err := r.store.Delete(ctx, FriendRequestRef(a, b)); err != nil {
		return fmt.Errorf("failed to delete friend request: %w", err)
	}
	return nil
}

// ListIncoming は userID 宛ての保留中の申請を作成日時の降順で返す。
func (r *DocstoreFriendRequestRepo) ListIncoming(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	return r.list(ctx, IncomingRequestsQuery(userID))
}

// ListOutgoing は userID が送った保留中の申請を作成日時の降順で返す。
func (r *DocstoreFriendRequestRepo) ListOutgoing(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	return r.list(ctx, OutgoingRequestsQuery(userID))
}

// ListAccepted は送信側と受信側の2つのクエリを合わせ、承認日時の降順で返す。
func (r *DocstoreFriendRequestRepo) ListAccepted(ctx context.Context, userID string) ([]model.FriendRequest, error) {
	received, err := r.list(ctx, AcceptedRequestsQuery(FieldReceiverID, userID))
	if err != nil {
		return nil, err
	}
	sent, err := r.list(ctx, AcceptedRequestsQuery(FieldSenderID, userID))
	if err != nil {
		return nil, err
	}
	all := append(received, sent...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return all, nil
}

func (r *DocstoreFriendRequestRepo) list(ctx context.Context, q docstore.Query) ([]model.FriendRequest, error) {
	docs, err := r.store.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list friend requests: %w", err)
	}
	reqs, err := decodeDocs[model.FriendRequest](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode friend requests: %w", err)
	}
	return reqs, nil
}

// compile-time interface check
var _ FriendRequestRepository = (*DocstoreFriendRequestRepo)(nil)
