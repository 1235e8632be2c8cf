package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <loop-id> [reason...]",
	Short: "Record that an open loop is done",
	Long: `Append a resolution to the resolution log. The loop moves to resolved at
the next reconciliation run; resolving an unknown or already-resolved id is a
no-op there.

Examples:
  phoenix resolve --domain trades a1b2c3d4 "fills confirmed"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.GroupID = "agent"
	rootCmd.AddCommand(resolveCmd)
	addDomainFlag(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(strings.Join(args[1:], " "))
	entry, err := openResolutions().Append(cmd.Context(), domain, args[0], reason)
	if err != nil {
		return fmt.Errorf("append resolution: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), entry.EntryID)
	return nil
}
