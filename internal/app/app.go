// Package app はコマンドの構成と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/studyroom/internal/config"
	"github.com/hitoshi/studyroom/internal/database"
	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/logger"
	"github.com/hitoshi/studyroom/internal/worker/sweep"
)

const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// .env があれば読み込み、JSON構造化ログをセットアップしてから環境変数でConfigを組み立てる。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .env は任意。既に設定された環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("error", err.Error()))
	}
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドが無ければserveとして起動する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// backend は起動したドキュメントストア。Postgresの場合はdbも持つ。
type backend struct {
	store sweep.Store
	db    *sql.DB
	close func() error
}

// openStore は設定に応じてドキュメントストアを開く。
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn("using in-memory document store; data is lost on restart")
		mem := docstore.NewMemory()
		return &backend{store: mem, close: mem.Close}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	pg := docstore.NewPostgres(db, cfg.DatabaseURL, log)
	if err := pg.Start(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &backend{
		store: pg,
		db:    db,
		close: func() error {
			return errors.Join(pg.Close(), db.Close())
		},
	}, nil
}

// runSweep はスイープを1回、またはloopがtrueならシグナルを受けるまで繰り返し実行する。
func runSweep(ctx context.Context, cfg *config.Config, loop bool) error {
	log := slog.Default()
	be, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	job := newSweepJob(be.store, cfg, log, nil)
	if loop {
		job.Start(ctx, cfg.SweepInterval)
		return nil
	}

	res, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	log.Info("sweep finished",
		slog.Int("stale_members", res.StaleMembers),
		slog.Int("orphan_members", res.OrphanMembers),
		slog.Int("orphan_messages", res.OrphanMessages),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s", config.StoreBackendPostgres)
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func healthcheckURL() string {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("http://localhost:%s/health", port)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
