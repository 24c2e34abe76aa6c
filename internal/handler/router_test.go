package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/room"
	"github.com/hitoshi/studyroom/internal/security"
	"github.com/hitoshi/studyroom/internal/social"
)

// newIntegrationRouter はメモリ上のストアで全ルートを組み立てる。
func newIntegrationRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := docstore.NewMemory()
	guard := docstore.NewGuard(mem)
	sessions := repository.NewDocstoreAuthSessionRepo(mem)
	profiles := repository.NewDocstoreProfileRepo(guard)
	sanitizer := security.NewTextSanitizer()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	return NewRouter(&RouterDeps{
		Metrics:           collector,
		SessionFinder:     sessions,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		Sessions:          sessions,
		Profiles:          profiles,
		Sanitizer:         sanitizer,
		RoomService: room.NewService(
			repository.NewDocstoreRoomRepo(guard),
			repository.NewDocstoreMemberRepo(guard),
			repository.NewDocstoreMessageRepo(guard),
			profiles,
			sanitizer,
		),
		SocialService: social.NewService(
			repository.NewDocstoreFriendRequestRepo(guard),
			repository.NewDocstoreDirectChatRepo(guard),
			profiles,
			sanitizer,
		),
		MetricsHandler: metrics.Handler(reg),
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// signIn はCSRFトークンを取得してからゲストセッションを作成し、トークンを返す。
func signIn(t *testing.T, h http.Handler, name string) string {
	t.Helper()
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("csrf-token status = %d", w.Code)
	}
	var tok map[string]string
	if err := json.NewDecoder(w.Body).Decode(&tok); err != nil {
		t.Fatalf("decode csrf token: %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected exactly one csrf cookie, got %d", len(cookies))
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/guest", strings.NewReader(`{"displayName":"`+name+`"}`))
	req.AddCookie(cookies[0])
	req.Header.Set("X-CSRF-Token", tok["token"])
	w = serve(h, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("guest sign-in status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp guestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode guest response: %v", err)
	}
	return resp.Token
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRouter_GuestFlowAndRooms(t *testing.T) {
	h := newIntegrationRouter(t)
	token := signIn(t, h, "Alice")

	w := serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/me", nil), token))
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d", w.Code)
	}
	var me model.Profile
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.DisplayName != "Alice" || me.Rank != model.RankNovice {
		t.Errorf("unexpected profile: %+v", me)
	}

	body := `{"name":"英語","topic":"TOEIC","capacity":3}`
	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(body)), token))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created model.RoomView
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if created.CreatorID != me.ID {
		t.Errorf("creatorId = %q, want %q", created.CreatorID, me.ID)
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/rooms", nil), token))
	var rooms []model.RoomView
	if err := json.NewDecoder(w.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != created.ID {
		t.Errorf("unexpected rooms: %+v", rooms)
	}

	other := signIn(t, h, "Bob")
	w = serve(h, bearer(httptest.NewRequest(http.MethodDelete, "/api/rooms/"+created.ID, nil), other))
	if w.Code != http.StatusForbidden {
		t.Errorf("delete by other status = %d, want 403", w.Code)
	}
	w = serve(h, bearer(httptest.NewRequest(http.MethodDelete, "/api/rooms/"+created.ID, nil), token))
	if w.Code != http.StatusNoContent {
		t.Errorf("delete by owner status = %d, want 204", w.Code)
	}
}

func TestRouter_RequiresSession(t *testing.T) {
	h := newIntegrationRouter(t)

	w := serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/rooms", nil), "unknown"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	// Cookie認証の状態変更はCSRFトークンが必要
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "whatever"})
	w = serve(h, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	h := newIntegrationRouter(t)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "studyroom_http_status_total") {
		t.Error("http status metric not exported")
	}
}

func meID(t *testing.T, h http.Handler, token string) string {
	t.Helper()
	w := serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/me", nil), token))
	var me model.Profile
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	return me.ID
}

func TestRouter_FriendsAndDirectChat(t *testing.T) {
	h := newIntegrationRouter(t)
	alice := signIn(t, h, "Alice")
	bob := signIn(t, h, "Bob")
	aliceID, bobID := meID(t, h, alice), meID(t, h, bob)

	w := serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/friends/"+bobID+"/chat", nil), alice))
	if w.Code != http.StatusConflict {
		t.Fatalf("chat before friendship status = %d, want 409", w.Code)
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/friends/requests", strings.NewReader(`{"userId":"`+bobID+`"}`)), alice))
	if w.Code != http.StatusCreated {
		t.Fatalf("send request status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/friends/requests", nil), bob))
	var reqs friendRequestsResponse
	if err := json.NewDecoder(w.Body).Decode(&reqs); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if len(reqs.Incoming) != 1 || reqs.Incoming[0].SenderName != "Alice" {
		t.Fatalf("unexpected incoming: %+v", reqs.Incoming)
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/friends/requests/"+aliceID+"/accept", nil), bob))
	if w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/friends/"+bobID+"/chat", nil), alice))
	if w.Code != http.StatusOK {
		t.Fatalf("open chat status = %d, body = %s", w.Code, w.Body.String())
	}
	var chat model.DirectChat
	if err := json.NewDecoder(w.Body).Decode(&chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/chats/"+chat.ID+"/messages", strings.NewReader(`{"text":"hi Bob"}`)), alice))
	if w.Code != http.StatusCreated {
		t.Fatalf("send dm status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodPost, "/api/chats/"+chat.ID+"/read", nil), bob))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"marked":1`) {
		t.Fatalf("mark read status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil), bob))
	var msgs []model.DirectMessage
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hi Bob" || !msgs[0].Read {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	carol := signIn(t, h, "Carol")
	w = serve(h, bearer(httptest.NewRequest(http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil), carol))
	if w.Code != http.StatusNotFound {
		t.Errorf("outsider status = %d, want 404", w.Code)
	}
}
