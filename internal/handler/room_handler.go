package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/room"
)

// RoomServiceInterface はルームハンドラーが必要とするサービスインターフェース。
type RoomServiceInterface interface {
	Create(ctx context.Context, creatorID string, in room.CreateInput) (*model.Room, error)
	List(ctx context.Context) ([]model.RoomView, error)
	Get(ctx context.Context, roomID string) (*model.RoomView, error)
	Members(ctx context.Context, roomID string) ([]model.Member, error)
	Delete(ctx context.Context, roomID, actorID string) error
	Unlock(ctx context.Context, roomID, secret string) error
	SendMessage(ctx context.Context, roomID string, sender room.Sender, text string) (*model.ChatMessage, error)
	Messages(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error)
	AdminMute(ctx context.Context, roomID, actorID, targetID string, audio, video *bool) error
	Kick(ctx context.Context, roomID, actorID, targetID string) error
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

// RoomHandler はルーム関連のHTTPハンドラー。
type RoomHandler struct {
	service RoomServiceInterface
}

// NewRoomHandler はRoomHandlerを生成する。
func NewRoomHandler(service RoomServiceInterface) *RoomHandler {
	return &RoomHandler{service: service}
}

// CreateRoom はルームを作成する。
// POST /api/rooms
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var in room.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	created, err := h.service.Create(r.Context(), userID, in)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.View(0))
}

// ListRooms はルーム一覧を作成日時の新しい順に返す。
// GET /api/rooms
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.service.List(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []model.RoomView{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GetRoom はルームを返す。
// GET /api/rooms/{id}
func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteRoom はルームを削除する。作成者のみ。
// DELETE /api/rooms/{id}
func (h *RoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unlockRequest struct {
	Secret string `json:"secret"`
}

// Unlock は合言葉を確認する。
// POST /api/rooms/{id}/unlock
func (h *RoomHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.Unlock(r.Context(), chi.URLParam(r, "id"), req.Secret); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers は入室中のメンバーを返す。
// GET /api/rooms/{id}/members
func (h *RoomHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

// ListMessages は最新のメッセージを古い順に返す。
// GET /api/rooms/{id}/messages?limit=N
func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.service.Messages(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage はチャットを送信する。送信者は入室中のメンバーでなければならない。
// POST /api/rooms/{id}/messages
func (h *RoomHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.service.SendMessage(r.Context(), chi.URLParam(r, "id"), room.Sender{UserID: userID}, req.Text)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type muteRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

// MuteMember は作成者がメンバーのマイク・カメラを強制的にオフにする。
// POST /api/rooms/{id}/members/{userId}/mute
func (h *RoomHandler) MuteMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req muteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.service.AdminMute(r.Context(), chi.URLParam(r, "id"), userID, chi.URLParam(r, "userId"), req.Audio, req.Video)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KickMember は作成者がメンバーを退出させる。
// DELETE /api/rooms/{id}/members/{userId}
func (h *RoomHandler) KickMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Kick(r.Context(), chi.URLParam(r, "id"), userID, chi.URLParam(r, "userId")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leaderboard は累計集中時間のランキングを返す。
// GET /api/leaderboard?limit=N
func (h *RoomHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Leaderboard(r.Context(), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
