package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/social"
)

// SocialServiceInterface は友達・ダイレクトチャットハンドラーが必要とするサービスインターフェース。
type SocialServiceInterface interface {
	SendRequest(ctx context.Context, senderID, receiverID string) (*model.FriendRequest, error)
	Accept(ctx context.Context, userID, otherID string) (*model.FriendRequest, error)
	Remove(ctx context.Context, userID, otherID string) error
	Friends(ctx context.Context, userID string) ([]model.Friend, error)
	Incoming(ctx context.Context, userID string) ([]model.FriendRequest, error)
	Outgoing(ctx context.Context, userID string) ([]model.FriendRequest, error)
	OpenChat(ctx context.Context, userID, friendID string) (*model.DirectChat, error)
	Chats(ctx context.Context, userID string) ([]model.DirectChat, error)
	SendMessage(ctx context.Context, chatID string, sender social.Sender, text string) (*model.DirectMessage, error)
	Messages(ctx context.Context, userID, chatID string, limit int) ([]model.DirectMessage, error)
	MarkRead(ctx context.Context, userID, chatID string) (int, error)
}

// SocialHandler は友達とダイレクトチャットのHTTPハンドラー。
type SocialHandler struct {
	service SocialServiceInterface
}

// NewSocialHandler はSocialHandlerを生成する。
func NewSocialHandler(service SocialServiceInterface) *SocialHandler {
	return &SocialHandler{service: service}
}

// ListFriends は友達一覧を返す。
// GET /api/friends
func (h *SocialHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	friends, err := h.service.Friends(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if friends == nil {
		friends = []model.Friend{}
	}
	writeJSON(w, http.StatusOK, friends)
}

type friendRequestsResponse struct {
	Incoming []model.FriendRequest `json:"incoming"`
	Outgoing []model.FriendRequest `json:"outgoing"`
}

// ListRequests は受信・送信した保留中の申請を返す。
// GET /api/friends/requests
func (h *SocialHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	incoming, err := h.service.Incoming(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	outgoing, err := h.service.Outgoing(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp := friendRequestsResponse{Incoming: incoming, Outgoing: outgoing}
	if resp.Incoming == nil {
		resp.Incoming = []model.FriendRequest{}
	}
	if resp.Outgoing == nil {
		resp.Outgoing = []model.FriendRequest{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendFriendRequestRequest struct {
	UserID string `json:"userId"`
}

// SendRequest は友達申請を送る。
// POST /api/friends/requests
func (h *SocialHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendFriendRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.service.SendRequest(r.Context(), userID, req.UserID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if created.Status == model.FriendAccepted {
		status = http.StatusOK
	}
	writeJSON(w, status, created)
}

// AcceptRequest は相手からの申請を承認する。
// POST /api/friends/requests/{userId}/accept
func (h *SocialHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accepted, err := h.service.Accept(r.Context(), userID, chi.URLParam(r, "userId"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// RemoveFriend は申請の辞退・取り消し、または友達解除を行う。
// DELETE /api/friends/{userId}
func (h *SocialHandler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Remove(r.Context(), userID, chi.URLParam(r, "userId")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenChat は友達とのチャットを開く。
// POST /api/friends/{userId}/chat
func (h *SocialHandler) OpenChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	chat, err := h.service.OpenChat(r.Context(), userID, chi.URLParam(r, "userId"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// ListChats はチャット一覧を更新日時の新しい順に返す。
// GET /api/chats
func (h *SocialHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	chats, err := h.service.Chats(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if chats == nil {
		chats = []model.DirectChat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// ListMessages は最新のメッセージを古い順に返す。
// GET /api/chats/{chatId}/messages?limit=N
func (h *SocialHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	msgs, err := h.service.Messages(r.Context(), userID, chi.URLParam(r, "chatId"), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.DirectMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage はダイレクトメッセージを送信する。
// POST /api/chats/{chatId}/messages
func (h *SocialHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.service.SendMessage(r.Context(), chi.URLParam(r, "chatId"), social.Sender{UserID: userID}, req.Text)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead は相手からの未読メッセージを既読にする。
// POST /api/chats/{chatId}/read
func (h *SocialHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.service.MarkRead(r.Context(), userID, chi.URLParam(r, "chatId"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}
