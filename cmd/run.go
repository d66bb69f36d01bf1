package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"go.olrik.dev/sockswatch/internal/db"
	"go.olrik.dev/sockswatch/internal/health"
	"go.olrik.dev/sockswatch/internal/keyring"
	"go.olrik.dev/sockswatch/internal/logging"
	"go.olrik.dev/sockswatch/internal/metrics"
	"go.olrik.dev/sockswatch/internal/monitor"
	"go.olrik.dev/sockswatch/internal/notify"
	"go.olrik.dev/sockswatch/internal/tunnel"
)

func NewRunCommand() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tunnel and keep it healthy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logCloser := logging.Setup(logging.Options{File: cfg.LogFile, Verbose: verbose(cmd)})
			defer logCloser.Close()

			slog.Debug("Loaded configuration", "config", cfg)

			password, err := keyring.ResolvePassword(cfg, keyring.System)
			if err != nil {
				slog.Warn(fmt.Sprintf("Failed to read password from keyring: %v", err))
			}

			runID := uuid.NewString()
			slog.Info("Run started", "run_id", runID)

			store := metrics.NewStore(cfg.MetricsFile)
			notifier := notify.NewDesktop()
			defer notifier.Wait()

			supervisor := tunnel.NewSupervisor(cfg, password)
			supervisor.Metrics = store
			supervisor.Notifier = notifier

			evaluator := health.NewEvaluator(cfg, store)

			mon := monitor.New(cfg, evaluator, supervisor, store)
			mon.Notifier = notifier

			if cfg.EventsDB != "" {
				journal, err := db.Open(cfg.EventsDB, runID)
				if err != nil {
					slog.Warn(fmt.Sprintf("Event journal disabled: %v", err))
				} else {
					defer journal.Close()
					supervisor.Journal = journal
					mon.Journal = journal
				}
			}

			// Only an interrupt ends the run
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return mon.Run(ctx)
		},
	}

	return runCmd
}
