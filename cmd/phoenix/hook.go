package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/config"
	"github.com/gcamilo/phoenix-protocol/internal/hooks"
)

// maxHookInput bounds how much of the runtime's hook payload is read.
const maxHookInput = 1 << 20

var (
	hookSessionID  string
	hookExitStatus int
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Session lifecycle hooks for agent runtimes",
	Long: `Entry points for the agent runtime's lifecycle notifier.

Each hook reads an optional JSON object from stdin (session_id, exit_code)
and always exits 0 for a valid domain: a recovery problem must never keep a
session from starting or ending.

  phoenix hook start --domain trades     # prints the recovery payload
  phoenix hook activity --domain trades  # bounded heartbeat
  phoenix hook end --domain trades       # records session_end`,
}

var hookStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Print the recovery payload for a new session",
	Args:  cobra.NoArgs,
	RunE:  runHookStart,
}

var hookActivityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Record agent activity (fire-and-forget heartbeat)",
	Args:  cobra.NoArgs,
	RunE:  runHookActivity,
}

var hookEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Record the end of a session",
	Args:  cobra.NoArgs,
	RunE:  runHookEnd,
}

func init() {
	hookCmd.GroupID = "agent"
	rootCmd.AddCommand(hookCmd)
	hookCmd.AddCommand(hookStartCmd, hookActivityCmd, hookEndCmd)
	for _, c := range []*cobra.Command{hookStartCmd, hookActivityCmd, hookEndCmd} {
		addDomainFlag(c)
	}
	hookStartCmd.Flags().StringVar(&hookSessionID, "session-id", "", "Continuation token to save (default: stdin session_id)")
	hookEndCmd.Flags().IntVar(&hookExitStatus, "exit-status", 0, "Session exit status (default: stdin exit_code)")
}

// hookInput is the subset of the runtime's hook payload phoenix reads.
type hookInput struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code"`
}

// readHookInput decodes the hook payload. Anything unparseable is treated as
// an empty payload.
func readHookInput(cmd *cobra.Command) hookInput {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
			return hookInput{}
		}
	}
	data, err := io.ReadAll(io.LimitReader(in, maxHookInput))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return hookInput{}
	}
	var hi hookInput
	if err := json.Unmarshal(data, &hi); err != nil {
		logger.Debug("ignoring unparseable hook input", "error", err)
		return hookInput{}
	}
	return hi
}

func newCoordinator() *hooks.Coordinator {
	return hooks.NewCoordinator(openStore(), openOps(),
		hooks.WithLogger(logger),
		hooks.WithHeartbeatTimeout(config.MustDuration(cfg.Hooks.HeartbeatTimeout)))
}

func runHookStart(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	token := hookSessionID
	if token == "" {
		token = readHookInput(cmd).SessionID
	}
	payload, err := newCoordinator().OnSessionStart(cmd.Context(), domain, token)
	if err != nil {
		return err
	}
	if payload != "" {
		fmt.Fprint(cmd.OutOrStdout(), payload)
	}
	return nil
}

func runHookActivity(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	newCoordinator().OnActivity(cmd.Context(), domain)
	return nil
}

func runHookEnd(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	status := hookExitStatus
	if !cmd.Flags().Changed("exit-status") {
		if hi := readHookInput(cmd); hi.ExitCode != nil {
			status = *hi.ExitCode
		}
	}
	if err := newCoordinator().OnSessionEnd(cmd.Context(), domain, status); err != nil {
		logger.Warn("record session end", "domain", domain, "error", err)
	}
	return nil
}
