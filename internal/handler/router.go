package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証・プロフィール
	Sessions   SessionStore
	Profiles   ProfileStore
	AuthConfig AuthHandlerConfig
	Sanitizer  security.TextSanitizer

	// ルーム
	RoomService RoomServiceInterface

	// 友達・ダイレクトチャット。nilなら /api/friends と /api/chats を登録しない
	SocialService SocialServiceInterface

	// ライブ接続 GET /ws/rooms/{id}
	RealtimeHandler http.Handler

	// 運用
	HealthChecks   []HealthCheck
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → Session → RateLimit(General)
//
// /health、/metrics、/auth/*、/api/csrf-token はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.Profiles, deps.Sanitizer, deps.AuthConfig)
	roomHandler := NewRoomHandler(deps.RoomService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecks...))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/guest", authHandler.GuestSignIn)
			r.Post("/logout", authHandler.Logout)
		})

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/api/me", authHandler.Me)
			r.Put("/api/me", authHandler.UpdateMe)

			r.Route("/api/rooms", func(r chi.Router) {
				r.Get("/", roomHandler.ListRooms)
				r.Post("/", roomHandler.CreateRoom)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", roomHandler.GetRoom)
					r.Delete("/", roomHandler.DeleteRoom)
					r.Post("/unlock", roomHandler.Unlock)

					r.Get("/members", roomHandler.ListMembers)
					r.Post("/members/{userId}/mute", roomHandler.MuteMember)
					r.Delete("/members/{userId}", roomHandler.KickMember)

					r.Get("/messages", roomHandler.ListMessages)
					// チャット送信はWebSocketと同じ送信枠で制限する
					r.With(deps.RateLimiter.ChatMiddleware()).Post("/messages", roomHandler.SendMessage)
				})
			})

			r.Get("/api/leaderboard", roomHandler.Leaderboard)

			if deps.SocialService != nil {
				socialHandler := NewSocialHandler(deps.SocialService)
				r.Route("/api/friends", func(r chi.Router) {
					r.Get("/", socialHandler.ListFriends)
					r.Get("/requests", socialHandler.ListRequests)
					r.Post("/requests", socialHandler.SendRequest)
					r.Post("/requests/{userId}/accept", socialHandler.AcceptRequest)
					r.Delete("/{userId}", socialHandler.RemoveFriend)
					r.Post("/{userId}/chat", socialHandler.OpenChat)
				})
				r.Route("/api/chats", func(r chi.Router) {
					r.Get("/", socialHandler.ListChats)
					r.Get("/{chatId}/messages", socialHandler.ListMessages)
					r.With(deps.RateLimiter.ChatMiddleware()).Post("/{chatId}/messages", socialHandler.SendMessage)
					r.Post("/{chatId}/read", socialHandler.MarkRead)
				})
			}

			if deps.RealtimeHandler != nil {
				r.Method(http.MethodGet, "/ws/rooms/{id}", deps.RealtimeHandler)
			}
		})
	})

	return r
}
