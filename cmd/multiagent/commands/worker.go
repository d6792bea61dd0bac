package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	multiagent "github.com/KiranJinka45/multiAgent-sub000"
	"github.com/KiranJinka45/multiAgent-sub000/internal/config"
	"github.com/KiranJinka45/multiAgent-sub000/worker"
)

// WorkerCmd consumes the execution queue until interrupted.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued executions",
	Long: `Start a worker in the foreground.

The worker leases queued executions, runs them through the pipeline and
acknowledges them. Failed executions are retried with backoff and
dead-lettered after the configured attempts. On Ctrl+C running executions
are cancelled and requeued without spending an attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(context.Background())
		defer stop()

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			cfg.Worker.Concurrency = n
		}
		b, err := multiagent.NewBundle(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		printWorkerBanner(cmd, cfg, b.Worker)
		err = b.Worker.Run(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), "Worker stopped")
		return err
	},
}

func printWorkerBanner(cmd *cobra.Command, cfg *config.Config, w *worker.Worker) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Worker %s started\n", w.ID())
	fmt.Fprintf(out, "  Queue: %s\n", cfg.Queue.Name)
	fmt.Fprintf(out, "  Concurrency: %d\n", cfg.Worker.Concurrency)
	fmt.Fprintf(out, "  Lease: %v\n", cfg.Worker.LockDuration)
	fmt.Fprintf(out, "  Lock replicas: %d\n", len(cfg.LockAddrs()))
	if cfg.Ledger.Driver != "" {
		fmt.Fprintf(out, "  Billing reconciliation: every %v\n", cfg.Worker.ReconcileInterval)
	}
	fmt.Fprintf(out, "\nPress Ctrl+C for graceful shutdown\n\n")
}

func init() {
	WorkerCmd.Flags().Int("concurrency", 0, "concurrent executions (default from config)")
}
