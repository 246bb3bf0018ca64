package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ostheimer/coreclaw/internal/config"
	"github.com/ostheimer/coreclaw/internal/runtime"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "Operation mode: sandbox, suggest, assist, autonomous")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Mode = runMode
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("CoreClaw daemon starting", "mode", cfg.Mode, "db", cfg.Paths.DBPath)
	return rt.Run(ctx)
}
