// Command verkstad runs the task orchestrator core: the database, the
// container service with its worktree janitor, the drafts service, and the
// event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/verkstad/verkstad/internal/config"
	"github.com/verkstad/verkstad/internal/deployment"
	_ "github.com/verkstad/verkstad/internal/executors/all"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintln(os.Stderr, "verkstad:", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	var dataDir string
	var verbose bool

	root := &cobra.Command{
		Use:           "verkstad",
		Short:         "Task orchestrator for long-running coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for database, worktrees, images, and logs")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveMain(cmd.Context(), dataDir)
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// setupLogging installs a tinted handler on stderr, colorized only on TTYs.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	out := colorable.NewColorable(os.Stderr)
	handler := tint.NewHandler(out, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func serveMain(ctx context.Context, dataDir string) error {
	cfg, err := config.Default(dataDir)
	if err != nil {
		return err
	}
	dep, err := deployment.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer dep.Close()
	dep.Run(ctx)
	return nil
}
