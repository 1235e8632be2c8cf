package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/config"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/supervisor"
)

var superviseFresh bool

var superviseCmd = &cobra.Command{
	Use:   "supervise [-- command args...]",
	Short: "Run an agent under the crash-restart supervisor",
	Long: `Launch the agent and keep it running.

A clean exit (status 0) writes the clean-exit marker and stops supervision.
A crash restarts the agent after an exponential backoff without its session
token. After too many consecutive crashes the supervisor enters safe mode:
it stops restarting, leaves a safe-mode marker and serves a read-only prompt
until it is closed. While the marker is set no supervisor launches the agent
and the monitor does not restart it; clear it with 'phoenix reset'.

Only one supervisor runs per domain; a second one exits immediately.
SIGINT or SIGTERM stops the agent and counts as an intentional stop.

Examples:
  phoenix supervise --domain trades -- claude --dangerously-skip-permissions
  phoenix supervise --domain trades --fresh`,
	RunE: runSupervise,
}

func init() {
	superviseCmd.GroupID = "ops"
	rootCmd.AddCommand(superviseCmd)
	addDomainFlag(superviseCmd)
	superviseCmd.Flags().BoolVar(&superviseFresh, "fresh", false, "Ignore the saved session on the first launch")
}

// supervisorPolicy converts validated configuration into a restart policy.
func supervisorPolicy(c config.SupervisorConfig) supervisor.Policy {
	return supervisor.Policy{
		CrashThreshold: c.CrashThreshold,
		BackoffBase:    config.MustDuration(c.BackoffBase),
		BackoffCap:     config.MustDuration(c.BackoffCap),
		StableAfter:    config.MustDuration(c.StableAfter),
	}
}

func runSupervise(cmd *cobra.Command, args []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	command := args
	if len(command) == 0 {
		command = cfg.Supervisor.Command
	}
	if len(command) == 0 {
		return errors.New("no agent command: pass it after -- or set supervisor.command")
	}

	store := openStore()
	dir := store.DomainDir(domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create domain directory: %w", err)
	}
	if superviseFresh {
		if err := marker.For(dir).WriteFreshStart(); err != nil {
			return fmt.Errorf("write fresh-start marker: %w", err)
		}
	}

	sup, err := supervisor.New(supervisor.Config{
		Domain:     domain,
		DomainDir:  dir,
		Command:    command,
		ResumeFlag: cfg.Supervisor.ResumeFlag,
		Policy:     supervisorPolicy(cfg.Supervisor),
		Launcher: &supervisor.ExecLauncher{
			Stdin:  cmd.InOrStdin(),
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		},
		Ops:         openOps(),
		SafeModeIn:  cmd.InOrStdin(),
		SafeModeOut: cmd.ErrOrStderr(),
	}, supervisor.WithLogger(logger))
	if err != nil {
		return err
	}

	err = sup.Run(cmd.Context())
	if errors.Is(err, supervisor.ErrAlreadySupervised) {
		logger.Info("domain already supervised, nothing to do", "domain", domain, "error", err)
		return nil
	}
	return err
}
