package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/state"
)

// updateAttempts bounds retries of one CLI state update.
const updateAttempts = 5

var taskStatus string

var taskCmd = &cobra.Command{
	Use:   "task [description...]",
	Short: "Update the agent's status and current task",
	Long: `Record what the agent is doing. The update also counts as activity.

Examples:
  phoenix task --domain trades --status working "rebalance the book"
  phoenix task --domain trades --status idle ""`,
	RunE: runTask,
}

func init() {
	taskCmd.GroupID = "agent"
	rootCmd.AddCommand(taskCmd)
	addDomainFlag(taskCmd)
	taskCmd.Flags().StringVarP(&taskStatus, "status", "s", "", "New status (idle, working, error)")
}

func runTask(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	var status state.Status
	if taskStatus != "" {
		if status, err = state.ParseStatus(taskStatus); err != nil {
			return err
		}
	}
	setTask := len(args) > 0
	if status == "" && !setTask {
		return fmt.Errorf("nothing to update: pass --status or a task description")
	}
	task := strings.TrimSpace(strings.Join(args, " "))

	now := time.Now()
	st, err := openStore().UpdateWithRetry(cmd.Context(), domain, updateAttempts, func(st *state.AgentState) error {
		if status != "" {
			st.Status = status
		}
		if setTask {
			st.CurrentTask = task
		}
		st.Touch(now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	logger.Debug("task updated", "domain", domain, "status", st.Status, "task", st.CurrentTask)
	return nil
}
