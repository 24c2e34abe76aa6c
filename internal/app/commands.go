package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCommand はコマンドツリーを組み立てる。サブコマンドが無ければserveを実行する。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)
	root := &cobra.Command{
		Use:   "studyroom",
		Short: "Realtime study room server",
		Long: `studyroom serves study rooms with live presence, chat and
focus cycles over REST and websocket.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.SetOut(w)
	root.SetErr(w)
	root.AddCommand(
		serve,
		newSweepCommand(w),
		newMigrateCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			slog.Info("starting application",
				slog.String("command", "serve"),
				slog.String("port", cfg.ServerPort),
				slog.String("store", cfg.StoreBackend),
				slog.String("focus_profile", cfg.FocusProfile),
			)
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newSweepCommand(w io.Writer) *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale presence records and orphaned room data",
		Long: `Delete member records whose heartbeat stopped and the members and
messages left behind by deleted rooms. Runs once unless --loop is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runSweep(cmd.Context(), cfg, loop)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "Repeat every SWEEP_INTERVAL until interrupted")
	return cmd
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg)
		},
	}
}

// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
func newHealthcheckCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = healthcheckURL()
			}
			return runHealthcheck(cmd.Context(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Health endpoint URL (default http://localhost:$SERVER_PORT/health)")
	return cmd
}
