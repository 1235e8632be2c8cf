package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Take a domain out of safe mode",
	Long: `Clear the safe-mode marker a supervisor leaves after too many
consecutive crashes. Until it is cleared the monitor does not restart the
agent and every supervisor refuses to launch it.

Examples:
  phoenix reset --domain trades`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.GroupID = "ops"
	rootCmd.AddCommand(resetCmd)
	addDomainFlag(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	markers := marker.For(openStore().DomainDir(domain))
	reason, _ := markers.SafeMode()
	cleared, err := markers.ClearSafeMode()
	if err != nil {
		return fmt.Errorf("clear safe-mode marker: %w", err)
	}
	if !cleared {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not in safe mode\n", domain)
		return nil
	}
	if err := openOps().Record(domain, ledger.KindSafeModeCleared, ledger.StatusOK, reason); err != nil {
		logger.Warn("record ops event", "domain", domain, "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s left safe mode; the next monitor sweep may restart it\n", domain)
	return nil
}
