// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/security"
)

// MaxDisplayNameLength は表示名の上限文字数。
const MaxDisplayNameLength = 50

// SessionStore はログインセッションの作成と破棄を行う。
type SessionStore interface {
	Create(ctx context.Context, session *model.AuthSession) error
	DeleteByID(ctx context.Context, id string) error
}

// ProfileStore はプロフィールの読み書きを行う。
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	Upsert(ctx context.Context, profile *model.Profile) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はゲストセッションとプロフィールのHTTPハンドラー。
type AuthHandler struct {
	sessions  SessionStore
	profiles  ProfileStore
	sanitizer security.TextSanitizer
	config    AuthHandlerConfig
	now       func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionStore, profiles ProfileStore, sanitizer security.TextSanitizer, config AuthHandlerConfig) *AuthHandler {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 86400
	}
	return &AuthHandler{
		sessions:  sessions,
		profiles:  profiles,
		sanitizer: sanitizer,
		config:    config,
		now:       time.Now,
	}
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type guestResponse struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// GuestSignIn は新しい利用者とセッションを作成し、セッションCookieを設定する。
// POST /auth/guest
func (h *AuthHandler) GuestSignIn(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, apiErr := h.validateProfile(req)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	profile.ID = uuid.NewString()

	// プロフィールは本人しか書き込めないため、新しい利用者として書き込む
	ctx := docstore.WithPrincipal(r.Context(), profile.ID)
	if err := h.profiles.Upsert(ctx, profile); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	token, err := generateToken()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	now := h.now()
	session := &model.AuthSession{
		ID:        token,
		UserID:    profile.ID,
		ExpiresAt: now.Add(time.Duration(h.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := h.sessions.Create(r.Context(), session); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	slog.Info("guest session created", slog.String("user_id", profile.ID))
	writeJSON(w, http.StatusCreated, guestResponse{
		UserID:      profile.ID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Token:       token,
		ExpiresAt:   session.ExpiresAt,
	})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.sessions.DeleteByID(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// 削除に失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のプロフィールを返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	profile, err := h.profiles.FindByID(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if profile == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}
	profile.Rank = model.RankFor(profile.TotalFocusSeconds)
	writeJSON(w, http.StatusOK, profile)
}

// UpdateMe は表示名とアバターを変更する。
// PUT /api/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, apiErr := h.validateProfile(req)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	profile.ID = userID
	if err := h.profiles.Upsert(r.Context(), profile); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *AuthHandler) validateProfile(req profileRequest) (*model.Profile, *model.APIError) {
	name := h.sanitizer.Sanitize(req.DisplayName)
	if n := utf8.RuneCountInString(name); n == 0 || n > MaxDisplayNameLength {
		return nil, &model.APIError{
			Code:     "INVALID_PROFILE",
			Message:  "表示名は1〜50文字で入力してください。",
			Category: "validation",
			Action:   "表示名を確認してください。",
		}
	}
	if err := security.ValidateAvatarURL(req.AvatarURL); err != nil {
		return nil, &model.APIError{
			Code:     "INVALID_PROFILE",
			Message:  "アバターURLが不正です。",
			Category: "validation",
			Action:   "https:// で始まる公開URLを指定してください。",
		}
	}
	return &model.Profile{DisplayName: name, AvatarURL: req.AvatarURL}, nil
}

// generateToken はセッションIDに使うランダムな値を生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
