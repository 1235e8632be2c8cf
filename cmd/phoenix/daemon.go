package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gcamilo/phoenix-protocol/internal/config"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon [domains...]",
	Short: "Run monitor and reconcile on their timers",
	Long: `Run the liveness monitor every monitor.interval and the reconciliation
pipeline every reconcile.interval in one process, for hosts without cron.
Both run once immediately. SIGINT or SIGTERM stops both.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.GroupID = "ops"
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	store := openStore()
	domains := targetDomains(args)
	m := newMonitor(store)
	p := newPipeline(store)

	logger.Info("daemon started", "base_dir", cfg.BaseDir,
		"monitor_interval", cfg.Monitor.Interval, "reconcile_interval", cfg.Reconcile.Interval)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return m.Run(ctx, config.MustDuration(cfg.Monitor.Interval), domains)
	})
	g.Go(func() error {
		return p.Loop(ctx, config.MustDuration(cfg.Reconcile.Interval), domains)
	})
	err := g.Wait()
	logger.Info("daemon stopped")
	return err
}
