package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/formatter"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect state documents",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one domain's state document",
	Long: `Print a domain's state document with stale flags recomputed.

Examples:
  phoenix state show --domain trades
  phoenix state show --domain trades -o json`,
	Args: cobra.NoArgs,
	RunE: runStateShow,
}

func init() {
	stateCmd.GroupID = "inspect"
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)
	addDomainFlag(stateShowCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	st, err := openStore().Load(domain)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return formatter.JSON(cmd.OutOrStdout(), st)
	}
	return formatter.State(cmd.OutOrStdout(), st, time.Now())
}
