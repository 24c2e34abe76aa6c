package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/focus"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/room"
	"github.com/hitoshi/studyroom/internal/security"
	"github.com/hitoshi/studyroom/internal/session"
	"github.com/hitoshi/studyroom/internal/social"
)

// limiterFunc はChatLimiterのモック。
type limiterFunc func(userID string) bool

func (f limiterFunc) AllowChat(userID string) bool { return f(userID) }

type wsFixture struct {
	mem *docstore.Memory
	srv *httptest.Server
}

func newWSFixture(t *testing.T, limiter ChatLimiter) *wsFixture {
	t.Helper()
	mem := docstore.NewMemory()
	guard := docstore.NewGuard(mem)
	deps := session.Deps{
		Store: guard,
		Bus:   errorbus.New(nil),
		Focus: focus.NewService(focus.Config{
			StudyThresholdSeconds: 3600,
			RewardDurationSeconds: 600,
			GraceSeconds:          60,
			PenaltyPerSecond:      10,
		}, nil, focus.WithServiceClock(time.Now, 0)),
	}
	profiles := repository.NewDocstoreProfileRepo(guard)
	rooms := room.NewService(
		repository.NewDocstoreRoomRepo(guard),
		repository.NewDocstoreMemberRepo(guard),
		repository.NewDocstoreMessageRepo(guard),
		profiles,
		security.NewTextSanitizer(),
	)
	direct := social.NewService(
		repository.NewDocstoreFriendRequestRepo(guard),
		repository.NewDocstoreDirectChatRepo(guard),
		profiles,
		security.NewTextSanitizer(),
	)
	h := NewHandler(deps, rooms, limiter, profiles, "https://studyroom.example", WithDirectMessages(direct))

	r := chi.NewRouter()
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.ContextWithUserID(r.Context(), r.Header.Get("X-Test-User"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}).Get("/ws/rooms/{id}", h.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	require.NoError(t, mem.MergeWrite(ctx, repository.RoomRef("r1"), map[string]any{
		repository.FieldName:      "数学",
		repository.FieldTopic:     "微分",
		repository.FieldCreatorID: "owner",
		repository.FieldCapacity:  4,
		repository.FieldSecret:    "",
		repository.FieldCreatedAt: docstore.ServerTimestamp,
	}))
	require.NoError(t, mem.MergeWrite(ctx, repository.ProfileRef("u1"), map[string]any{
		repository.FieldDisplayName: "Alice",
	}))
	return &wsFixture{mem: mem, srv: srv}
}

func (f *wsFixture) dial(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Test-User", userID)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// awaitFrame は条件に合うフレームが届くまで読み進める。
func awaitFrame(t *testing.T, ws *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "expected frame did not arrive")
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == typ }
}

func rejectedWith(code string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == "rejected" && f["code"] == code }
}

func hasSelf(userID string) func(map[string]any) bool {
	return func(f map[string]any) bool {
		if f["type"] != string(session.EventMembers) {
			return false
		}
		members, _ := f["members"].([]any)
		for _, m := range members {
			if m.(map[string]any)["id"] == userID {
				return true
			}
		}
		return false
	}
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestHandler_JoinChatAndToggles(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return true }))
	ws := f.dial(t, "/ws/rooms/r1", "u1")

	joined := awaitFrame(t, ws, ofType(string(session.EventJoined)))
	assert.Equal(t, "r1", joined["roomId"])
	awaitFrame(t, ws, hasSelf("u1"))

	send(t, ws, map[string]any{"type": FrameMessage, "text": "  <b>よろしく</b>  "})
	sent := awaitFrame(t, ws, ofType("sent"))
	msg := sent["message"].(map[string]any)
	assert.Equal(t, "よろしく", msg["text"])
	assert.Equal(t, "Alice", msg["senderName"])

	awaitFrame(t, ws, func(fr map[string]any) bool {
		msgs, _ := fr["messages"].([]any)
		return fr["type"] == string(session.EventMessages) && len(msgs) == 1
	})

	send(t, ws, map[string]any{"type": FrameToggles, "audioMuted": true})
	toggles := awaitFrame(t, ws, ofType(string(session.EventToggles)))
	assert.Equal(t, true, toggles["toggles"].(map[string]any)["audioMuted"])
}

func TestHandler_RejectsInvalidCommands(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return true }))
	ws := f.dial(t, "/ws/rooms/missing", "u1")

	rejected := awaitFrame(t, ws, ofType("rejected"))
	assert.Equal(t, FrameJoin, rejected["command"])
	assert.Equal(t, "ROOM_NOT_FOUND", rejected["code"])

	send(t, ws, map[string]any{"type": FrameResume})
	awaitFrame(t, ws, rejectedWith("NOT_IN_ROOM"))

	send(t, ws, map[string]any{"type": "dance"})
	awaitFrame(t, ws, rejectedWith("UNSUPPORTED_FRAME"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	awaitFrame(t, ws, rejectedWith("BAD_FRAME"))

	// 入室し直せる
	send(t, ws, map[string]any{"type": FrameJoin, "roomId": "r1"})
	awaitFrame(t, ws, ofType(string(session.EventJoined)))
}

func TestHandler_ChatRateLimited(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return false }))
	ws := f.dial(t, "/ws/rooms/r1", "u1")
	awaitFrame(t, ws, hasSelf("u1"))

	send(t, ws, map[string]any{"type": FrameMessage, "text": "hello"})
	awaitFrame(t, ws, rejectedWith("RATE_LIMIT_EXCEEDED"))
}

func TestHandler_DisconnectRemovesMember(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return true }))
	ws := f.dial(t, "/ws/rooms/r1", "u1")
	awaitFrame(t, ws, hasSelf("u1"))

	require.NoError(t, ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		doc, err := f.mem.Get(context.Background(), repository.MemberRef("r1", "u1"))
		return err == nil && !doc.Exists
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	f := newWSFixture(t, nil)
	header := http.Header{}
	header.Set("X-Test-User", "u1")
	header.Set("Origin", "https://evil.example")
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/rooms/r1"

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// seedFriends は u1 と u2 を友達にし、2人のチャットを作ってIDを返す。
func (f *wsFixture) seedFriends(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.MergeWrite(ctx, repository.FriendRequestRef("u1", "u2"), map[string]any{
		repository.FieldSenderID:   "u2",
		repository.FieldReceiverID: "u1",
		repository.FieldStatus:     string(model.FriendAccepted),
		repository.FieldUpdatedAt:  docstore.ServerTimestamp,
	}))
	chatID := repository.PairID("u1", "u2")
	require.NoError(t, f.mem.MergeWrite(ctx, repository.DirectChatRef(chatID), map[string]any{
		repository.FieldParticipantIDs: []string{"u1", "u2"},
		repository.FieldUpdatedAt:      docstore.ServerTimestamp,
	}))
	return chatID
}

func TestHandler_DirectChatStreaming(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return true }))
	chatID := f.seedFriends(t)
	ws := f.dial(t, "/ws/rooms/r1", "u1")
	awaitFrame(t, ws, hasSelf("u1"))

	send(t, ws, map[string]any{"type": FrameWatchChat, "chatId": chatID})
	send(t, ws, map[string]any{"type": FrameDirectMessage, "text": "<i>hi</i> Bob"})

	sent := awaitFrame(t, ws, ofType("dm_sent"))
	assert.Equal(t, chatID, sent["chatId"])
	assert.Equal(t, "hi Bob", sent["message"].(map[string]any)["text"])

	awaitFrame(t, ws, func(fr map[string]any) bool {
		msgs, _ := fr["directMessages"].([]any)
		return fr["type"] == string(session.EventDirectMessages) && fr["chatId"] == chatID && len(msgs) == 1
	})
}

func TestHandler_DirectMessageRejections(t *testing.T) {
	f := newWSFixture(t, limiterFunc(func(string) bool { return true }))
	f.seedFriends(t)
	ws := f.dial(t, "/ws/rooms/r1", "u3")
	awaitFrame(t, ws, hasSelf("u3"))

	send(t, ws, map[string]any{"type": FrameDirectMessage, "text": "hello"})
	awaitFrame(t, ws, rejectedWith(model.ErrCodeChatNotFound))

	send(t, ws, map[string]any{"type": FrameDirectMessage, "chatId": repository.PairID("u1", "u2"), "text": "hello"})
	awaitFrame(t, ws, rejectedWith(model.ErrCodeChatNotFound))

	send(t, ws, map[string]any{"type": FrameWatchChat, "chatId": repository.PairID("u1", "u2")})
	errFrame := awaitFrame(t, ws, ofType(string(session.EventError)))
	assert.Equal(t, string(errorbus.KindPermission), errFrame["error"].(map[string]any)["kind"])
}
