package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/presence"
	"github.com/hitoshi/studyroom/internal/room"
	"github.com/hitoshi/studyroom/internal/session"
	"github.com/hitoshi/studyroom/internal/social"
)

const inflightTimeout = 5 * time.Second

// 受信フレームの種類。
const (
	FrameJoin     = "join"
	FrameToggles  = "toggles"
	FrameEndBreak = "end_break"
	FrameResume   = "resume"
	FrameLeave    = "leave"
	FrameMessage  = "message"

	FrameWatchChat     = "watch_chat"
	FrameUnwatchChat   = "unwatch_chat"
	FrameDirectMessage = "dm"
)

// MessageSender はチャット送信を行う。room.Service が実装する。
type MessageSender interface {
	SendMessage(ctx context.Context, roomID string, sender room.Sender, text string) (*model.ChatMessage, error)
}

// DirectMessageSender はダイレクトメッセージ送信を行う。social.Service が実装する。
type DirectMessageSender interface {
	SendMessage(ctx context.Context, chatID string, sender social.Sender, text string) (*model.DirectMessage, error)
}

// ChatLimiter は利用者ごとのチャット送信レートを判定する。
// RESTの送信と同じ枠を共有するため middleware.RateLimiter を渡す。
type ChatLimiter interface {
	AllowChat(userID string) bool
}

// ProfileFinder はメンバー記録に載せる表示情報を引く。
type ProfileFinder interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
}

type inboundFrame struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId,omitempty"`
	Secret     string `json:"secret,omitempty"`
	AudioMuted *bool  `json:"audioMuted,omitempty"`
	VideoOff   *bool  `json:"videoOff,omitempty"`
	Text       string `json:"text,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
}

// rejectFrame は受信フレームを処理できなかったことを知らせる。
type rejectFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sentFrame struct {
	Type    string             `json:"type"`
	Message *model.ChatMessage `json:"message"`
}

type directSentFrame struct {
	Type    string               `json:"type"`
	ChatID  string               `json:"chatId"`
	Message *model.DirectMessage `json:"message"`
}

// Option はHandlerの設定を変更する。
type Option func(*Handler)

// WithDirectMessages はダイレクトメッセージの送信先を設定する。
// 未設定なら dm フレームは未対応として拒否する。
func WithDirectMessages(s DirectMessageSender) Option {
	return func(h *Handler) { h.direct = s }
}

// Handler は GET /ws/rooms/{id} を処理する。
type Handler struct {
	deps     session.Deps
	messages MessageSender
	direct   DirectMessageSender
	limiter  ChatLimiter
	profiles ProfileFinder
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewHandler はHandlerを生成する。allowedOriginが空ならOriginを検査しない。
func NewHandler(deps session.Deps, messages MessageSender, limiter ChatLimiter, profiles ProfileFinder, allowedOrigin string, opts ...Option) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	h := &Handler{
		deps:     deps,
		messages: messages,
		limiter:  limiter,
		profiles: profiles,
		logger:   logger,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP は接続をWebSocketに切り替え、切断までフレームを処理する。
// 接続直後にURLのルームへ入室する。合言葉とトグルの初期値はクエリで渡す。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "ログインしてください。",
		})
		return
	}
	roomID := chi.URLParam(r, "id")
	identity := h.identity(r.Context(), userID)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := NewConnection(userID, ws, h.logger)
	conn.Start()
	h.metrics.RecordConnectionOpened()

	// 切断後も退室の書き込みを流し切れるよう、リクエストのキャンセルから切り離す
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	agent := session.NewAgent(ctx, identity, h.deps, conn)
	defer func() {
		agent.Close()
		cancel()
		conn.Close(websocket.CloseNormalClosure, "session closed")
		h.metrics.RecordConnectionClosed()
		conn.logger.Info("websocket closed")
	}()
	conn.logger.Info("websocket opened", slog.String("room_id", roomID))

	q := r.URL.Query()
	initial := presence.Toggles{
		AudioMuted: q.Get("audioMuted") == "true",
		VideoOff:   q.Get("videoOff") == "true",
	}
	if err := agent.Join(roomID, initial, q.Get("secret")); err != nil {
		h.reject(conn, FrameJoin, err)
	}

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				conn.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.sendFrame(rejectFrame{Type: "rejected", Code: "BAD_FRAME", Message: "フレームを解釈できません。"})
			continue
		}
		h.dispatch(ctx, agent, conn, identity, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, agent *session.Agent, conn *Connection, identity presence.Identity, f inboundFrame) {
	var err error
	switch f.Type {
	case FrameJoin:
		if f.RoomID == "" {
			err = model.NewInvalidRoomError("roomIdを指定してください。")
			break
		}
		err = agent.Join(f.RoomID, presence.Toggles{
			AudioMuted: f.AudioMuted != nil && *f.AudioMuted,
			VideoOff:   f.VideoOff != nil && *f.VideoOff,
		}, f.Secret)
	case FrameToggles:
		_, err = agent.UpdateToggles(presence.TogglesUpdate{AudioMuted: f.AudioMuted, VideoOff: f.VideoOff})
	case FrameEndBreak:
		err = agent.EndBreak()
	case FrameResume:
		err = agent.Resume()
	case FrameLeave:
		agent.Leave()
	case FrameMessage:
		err = h.sendMessage(ctx, agent, conn, identity, f.Text)
	case FrameWatchChat:
		err = agent.WatchChat(f.ChatID)
	case FrameUnwatchChat:
		agent.UnwatchChat()
	case FrameDirectMessage:
		if h.direct == nil {
			conn.sendFrame(rejectFrame{Type: "rejected", Command: f.Type, Code: "UNSUPPORTED_FRAME", Message: "未対応のフレームです。"})
			return
		}
		err = h.sendDirectMessage(ctx, agent, conn, identity, f.ChatID, f.Text)
	default:
		conn.sendFrame(rejectFrame{Type: "rejected", Command: f.Type, Code: "UNSUPPORTED_FRAME", Message: "未対応のフレームです。"})
		return
	}
	if err != nil {
		h.reject(conn, f.Type, err)
	}
}

func (h *Handler) sendMessage(ctx context.Context, agent *session.Agent, conn *Connection, identity presence.Identity, text string) error {
	roomID := agent.RoomID()
	if roomID == "" {
		return model.NewNotInRoomError()
	}
	if h.limiter != nil && !h.limiter.AllowChat(identity.UserID) {
		return rateLimited()
	}

	sendCtx, cancel := context.WithTimeout(ctx, inflightTimeout)
	defer cancel()
	msg, err := h.messages.SendMessage(sendCtx, roomID, room.Sender{UserID: identity.UserID, DisplayName: identity.DisplayName}, text)
	if err != nil {
		return err
	}
	conn.sendFrame(sentFrame{Type: "sent", Message: msg})
	return nil
}

// sendDirectMessage は chatID 宛てに送る。空なら購読中のチャットに送る。
func (h *Handler) sendDirectMessage(ctx context.Context, agent *session.Agent, conn *Connection, identity presence.Identity, chatID, text string) error {
	if chatID == "" {
		chatID = agent.ChatID()
	}
	if chatID == "" {
		return model.NewChatNotFoundError(chatID)
	}
	if h.limiter != nil && !h.limiter.AllowChat(identity.UserID) {
		return rateLimited()
	}

	sendCtx, cancel := context.WithTimeout(ctx, inflightTimeout)
	defer cancel()
	msg, err := h.direct.SendMessage(sendCtx, chatID, social.Sender{UserID: identity.UserID, DisplayName: identity.DisplayName}, text)
	if err != nil {
		return err
	}
	conn.sendFrame(directSentFrame{Type: "dm_sent", ChatID: chatID, Message: msg})
	return nil
}

func rateLimited() *model.APIError {
	return &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "メッセージの送信が多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

func (h *Handler) reject(conn *Connection, command string, err error) {
	frame := rejectFrame{Type: "rejected", Command: command}
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		frame.Code = apiErr.Code
		frame.Message = apiErr.Message
	case errors.Is(err, docstore.ErrPermissionDenied):
		denied := model.NewPermissionDeniedError()
		frame.Code = denied.Code
		frame.Message = denied.Message
	default:
		conn.logger.Error("websocket command failed",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		frame.Code = "INTERNAL_ERROR"
		frame.Message = "内部エラーが発生しました。"
	}
	conn.sendFrame(frame)
}

// identity はプロフィールから表示情報を組み立てる。見つからなければIDだけで入室する。
func (h *Handler) identity(ctx context.Context, userID string) presence.Identity {
	id := presence.Identity{UserID: userID}
	if h.profiles == nil {
		return id
	}
	p, err := h.profiles.FindByID(ctx, userID)
	if err != nil {
		h.logger.Warn("failed to load profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return id
	}
	if p != nil {
		id.DisplayName = p.DisplayName
		id.AvatarURL = p.AvatarURL
	}
	return id
}
