package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/config"
	"github.com/gcamilo/phoenix-protocol/internal/formatter"
	"github.com/gcamilo/phoenix-protocol/internal/monitor"
	"github.com/gcamilo/phoenix-protocol/internal/state"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor [domains...]",
	Short: "Check liveness and restart dead agents",
	Long: `For each domain, ask the liveness oracle whether the agent runs.

  alive                       -> nothing
  dead, clean-exit marker     -> marker consumed, nothing (intentional stop)
  dead, no marker             -> restart command issued, unless a supervisor
                                 already holds the domain

Every check also refreshes stale flags on open loops. Without --once the
monitor repeats every monitor.interval (default 15m). Run it from cron with
--once, or use 'phoenix daemon'.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.GroupID = "ops"
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Run a single sweep and exit")
}

// newMonitor wires the configured oracle and restarter.
func newMonitor(store *state.Store) *monitor.Monitor {
	var oracle monitor.Oracle = monitor.PIDOracle{DomainDir: store.DomainDir}
	if cfg.Monitor.Liveness == config.LivenessTmux {
		oracle = monitor.TmuxOracle{
			Command:         cfg.Monitor.TmuxCommand,
			SessionTemplate: cfg.Monitor.SessionTemplate,
		}
	}
	restarter := &monitor.CommandRestarter{
		Command:   cfg.Monitor.RestartCommand,
		DomainDir: store.DomainDir,
		Grace:     config.MustDuration(cfg.Monitor.StartupGrace),
	}
	return monitor.New(store, openOps(), oracle, restarter,
		monitor.WithLogger(logger),
		monitor.WithConcurrency(cfg.Monitor.Concurrency))
}

func runMonitor(cmd *cobra.Command, args []string) error {
	m := newMonitor(openStore())
	domains := targetDomains(args)
	if !monitorOnce {
		return m.Run(cmd.Context(), config.MustDuration(cfg.Monitor.Interval), domains)
	}

	decisions, err := m.Sweep(cmd.Context(), domains)
	if err != nil {
		return fmt.Errorf("monitor sweep: %w", err)
	}
	if jsonOutput() {
		return formatter.JSON(cmd.OutOrStdout(), decisions)
	}
	return formatter.Decisions(cmd.OutOrStdout(), decisions)
}
