package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/studyroom/internal/cache"
	"github.com/hitoshi/studyroom/internal/config"
	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/focus"
	"github.com/hitoshi/studyroom/internal/handler"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/middleware"
	"github.com/hitoshi/studyroom/internal/realtime"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/room"
	"github.com/hitoshi/studyroom/internal/security"
	"github.com/hitoshi/studyroom/internal/session"
	"github.com/hitoshi/studyroom/internal/social"
	"github.com/hitoshi/studyroom/internal/worker/sweep"
)

const shutdownTimeout = 30 * time.Second

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーとスイーパーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. ストア
	be, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			log.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()
	guarded := docstore.NewGuard(be.store)

	// 2. メトリクスとエラーバス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)
	bus := newErrorBus(log)

	healthChecks := []handler.HealthCheck{}
	if be.db != nil {
		healthChecks = append(healthChecks, be.db.PingContext)
	}

	// 3. リポジトリとサービス
	sanitizer := security.NewTextSanitizer()
	rooms := repository.NewDocstoreRoomRepo(guarded)
	members := repository.NewDocstoreMemberRepo(guarded)
	messages := repository.NewDocstoreMessageRepo(guarded)
	profiles := repository.NewDocstoreProfileRepo(guarded)
	// セッションは認証前に引くのでアクセス規則を通さない
	authSessions := repository.NewDocstoreAuthSessionRepo(be.store)

	roomOpts := []room.Option{
		room.WithLogger(log),
		room.WithDefaultCapacity(cfg.DefaultRoomCapacity),
		room.WithLeaderboardSize(cfg.LeaderboardSize),
	}
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redis.Close()
		roomOpts = append(roomOpts, room.WithCache(redis, cfg.LeaderboardCacheTTL))
		healthChecks = append(healthChecks, redis.Ping)
		log.Info("leaderboard cache enabled", slog.Duration("ttl", cfg.LeaderboardCacheTTL))
	}
	roomService := room.NewService(rooms, members, messages, profiles, sanitizer, roomOpts...)
	socialService := social.NewService(
		repository.NewDocstoreFriendRequestRepo(guarded),
		repository.NewDocstoreDirectChatRepo(guarded),
		profiles,
		sanitizer,
		social.WithLogger(log),
	)

	focusService := focus.NewService(cfg.Focus, log, focus.WithServiceMetrics(collector))
	defer focusService.StopAll()

	// 4. ルーター
	limiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitChat))
	defer limiter.Stop()

	live := realtime.NewHandler(session.Deps{
		Store:     guarded,
		Bus:       bus,
		Focus:     focusService,
		Logger:    log,
		Metrics:   collector,
		Heartbeat: cfg.PresenceHeartbeatInterval,
	}, roomService, limiter, profiles, cfg.CORSAllowedOrigin, realtime.WithDirectMessages(socialService))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		SessionFinder:     authSessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: limiter,
		Sessions:    authSessions,
		Profiles:    profiles,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		Sanitizer:       sanitizer,
		RoomService:     roomService,
		SocialService:   socialService,
		RealtimeHandler: live,
		HealthChecks:    healthChecks,
		MetricsHandler:  metrics.Handler(registry),
	})

	// 5. スイーパー
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.SweepInterval > 0 {
		go newSweepJob(be.store, cfg, log, collector).Start(sweepCtx, cfg.SweepInterval)
	} else {
		log.Info("in-process sweeper disabled")
	}

	// 6. HTTPサーバー
	// WebSocketはハイジャック後にタイムアウトの対象外になる
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// newErrorBus はエラーバスを生成し、全種別をログに残すトップレベルのハンドラを登録する。
// 利用者への通知は各エージェントが自分宛てのイベントだけを拾って行う。
func newErrorBus(log *slog.Logger) *errorbus.Bus {
	bus := errorbus.New(log)
	for _, kind := range []errorbus.Kind{errorbus.KindPermission, errorbus.KindReadFailed, errorbus.KindWriteFailed} {
		bus.On(kind, func(ev errorbus.Event) {
			level := slog.LevelWarn
			if ev.Kind == errorbus.KindWriteFailed {
				level = slog.LevelError
			}
			log.Log(context.Background(), level, "document store operation failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("user_id", ev.Principal),
				slog.String("error", ev.Err.Error()),
			)
		})
	}
	return bus
}

func newSweepJob(store sweep.Store, cfg *config.Config, log *slog.Logger, m metrics.MetricsCollector) *sweep.Job {
	job := sweep.NewJob(store, log, m)
	job.StaleAfter = cfg.PresenceStaleAfter
	if cfg.SweepMaxConcurrency > 0 {
		job.MaxConcurrency = cfg.SweepMaxConcurrency
	}
	return job
}
