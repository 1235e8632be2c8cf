package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/formatter"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status [domains...]",
	Short: "Overview of every domain",
	Long: `Show each domain's status, last activity, open loops and supervisor.

Examples:
  phoenix status
  phoenix status trades -o json`,
	RunE: runStatus,
}

func init() {
	statusCmd.GroupID = "inspect"
	rootCmd.AddCommand(statusCmd)
}

// collectStatus builds one row per domain. Unreadable documents are listed
// with an empty status rather than hidden.
func collectStatus(store *state.Store, domains []string) ([]formatter.StatusRow, error) {
	if len(domains) == 0 {
		var err error
		if domains, err = store.Domains(); err != nil {
			return nil, err
		}
	}
	rows := make([]formatter.StatusRow, 0, len(domains))
	for _, domain := range domains {
		dir := store.DomainDir(domain)
		row := formatter.StatusRow{
			Domain:     domain,
			Supervised: supervisor.LeaseHeld(dir),
			CleanExit:  marker.For(dir).HasCleanExit(),
		}
		_, row.SafeMode = marker.For(dir).SafeMode()
		st, err := store.Load(domain)
		switch {
		case err == nil:
			row.Status = st.Status
			row.CurrentTask = st.CurrentTask
			row.LastActive = st.LastActive
			row.OpenLoops, row.ActiveLoops = st.LoopCounts()
		case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrMalformed):
			logger.Debug("status: unreadable state", "domain", domain, "error", err)
		default:
			return nil, err
		}
		if info, err := supervisor.ReadLease(dir); err == nil {
			row.Phase = string(info.Phase)
			row.Crashes = info.Crashes
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	rows, err := collectStatus(openStore(), targetDomains(args))
	if err != nil {
		return err
	}
	if jsonOutput() {
		return formatter.JSON(cmd.OutOrStdout(), rows)
	}
	return formatter.Status(cmd.OutOrStdout(), rows, time.Now())
}
