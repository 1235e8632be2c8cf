package main

import (
	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/formatter"
	"github.com/gcamilo/phoenix-protocol/internal/ledger"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the ops log",
	Long: `Print recent ops events: session hooks, launches, crashes, restarts,
rejected summaries and failed updates.

Examples:
  phoenix events --limit 50
  phoenix events --domain trades -o json`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.GroupID = "inspect"
	rootCmd.AddCommand(eventsCmd)
	addDomainFlag(eventsCmd)
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "Show at most this many events (0 = all)")
}

// filterEvents keeps events for domain (all when empty), newest limit last.
func filterEvents(events []ledger.Event, domain string, limit int) []ledger.Event {
	var out []ledger.Event
	for _, e := range events {
		if domain == "" || e.Domain == domain {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func runEvents(cmd *cobra.Command, args []string) error {
	events, err := openOps().Events()
	if err != nil {
		return err
	}
	events = filterEvents(events, domainFlag, eventsLimit)
	if jsonOutput() {
		return formatter.JSON(cmd.OutOrStdout(), events)
	}
	return formatter.Events(cmd.OutOrStdout(), events)
}
