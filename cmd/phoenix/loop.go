package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/formatter"
	"github.com/gcamilo/phoenix-protocol/internal/state"
)

var loopID string

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Manage open loops",
	Long: `Open loops are tasks the agent started and has not finished. They are
reported on recovery and flagged stale after 14 days.`,
}

var loopAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add an open loop",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLoopAdd,
}

var loopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open loops",
	Args:  cobra.NoArgs,
	RunE:  runLoopList,
}

func init() {
	loopCmd.GroupID = "agent"
	rootCmd.AddCommand(loopCmd)
	loopCmd.AddCommand(loopAddCmd, loopListCmd)
	addDomainFlag(loopAddCmd)
	addDomainFlag(loopListCmd)
	loopAddCmd.Flags().StringVar(&loopID, "id", "", "Loop id (default: generated)")
}

// newLoopID returns a short random id for a loop.
func newLoopID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func runLoopAdd(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("loop text is empty")
	}
	id := strings.TrimSpace(loopID)
	if id == "" {
		id = newLoopID()
	}

	now := time.Now()
	_, err = openStore().UpdateWithRetry(cmd.Context(), domain, updateAttempts, func(st *state.AgentState) error {
		return st.AddLoop(state.OpenLoop{ID: id, Text: text, Added: now})
	})
	if err != nil {
		return fmt.Errorf("add loop: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runLoopList(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	st, err := openStore().Load(domain)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return formatter.JSON(cmd.OutOrStdout(), st.OpenLoops)
	}
	if len(st.OpenLoops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no open loops")
		return nil
	}
	now := time.Now()
	tbl := formatter.NewTable(cmd.OutOrStdout(), "ID", "AGE", "STALE", "TEXT")
	tbl.SetMaxWidth(3, 80)
	for _, l := range st.OpenLoops {
		stale := ""
		if l.Stale {
			stale = "stale"
		}
		tbl.AddRow(l.ID, formatter.Age(now, l.Added), stale, l.Text)
	}
	return tbl.Render()
}
