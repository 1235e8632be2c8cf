package main

import (
	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/formatter"
	"github.com/gcamilo/phoenix-protocol/internal/reconcile"
	"github.com/gcamilo/phoenix-protocol/internal/state"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [domains...]",
	Short: "Merge offline summaries and pending resolutions",
	Long: `For each domain: validate the summary fragment left by the offline
summarizer, merge it into the state document, apply pending resolutions,
drop resolved items older than 7 days, then archive the consumed log entries.

An invalid summary is renamed to *.rejected and leaves the state untouched.
A merged one is renamed to *.applied. The heartbeat timestamp is never taken
from a summary.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.GroupID = "ops"
	rootCmd.AddCommand(reconcileCmd)
}

func newPipeline(store *state.Store) *reconcile.Pipeline {
	return reconcile.New(store, openResolutions(), openOps(),
		reconcile.WithSummaryFile(cfg.Reconcile.SummaryFile),
		reconcile.WithLogger(logger),
		reconcile.WithConcurrency(cfg.Monitor.Concurrency))
}

func runReconcile(cmd *cobra.Command, args []string) error {
	results, runErr := newPipeline(openStore()).RunAll(cmd.Context(), targetDomains(args))
	var err error
	if jsonOutput() {
		err = formatter.JSON(cmd.OutOrStdout(), results)
	} else {
		err = formatter.Reconciliations(cmd.OutOrStdout(), results)
	}
	if runErr != nil {
		return runErr
	}
	return err
}
