package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/marker"
)

var freshCmd = &cobra.Command{
	Use:   "fresh",
	Short: "Make the next launch ignore the saved session",
	Long: `Write the fresh-start marker. The supervisor consumes it at the next
launch, starts the agent without a resume argument and discards the saved
continuation token.`,
	Args: cobra.NoArgs,
	RunE: runFresh,
}

func init() {
	freshCmd.GroupID = "ops"
	rootCmd.AddCommand(freshCmd)
	addDomainFlag(freshCmd)
}

func runFresh(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	if err := marker.For(openStore().DomainDir(domain)).WriteFreshStart(); err != nil {
		return fmt.Errorf("write fresh-start marker: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "next launch of %s starts fresh\n", domain)
	return nil
}
