package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/config"
	"github.com/gcamilo/phoenix-protocol/internal/formatter"
)

var (
	configShow bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View phoenix configuration.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (PHOENIX_*), then a .env file
  3. Project config (.phoenix/config.yaml)
  4. Home config (~/.phoenix/config.yaml)
  5. Defaults

Environment variables:
  PHOENIX_CONFIG             - Explicit config file path (overrides project config location)
  PHOENIX_ENV_FILE           - .env file to load (default: ./.env)
  PHOENIX_OUTPUT             - Default output format (table, json)
  PHOENIX_BASE_DIR           - State directory
  PHOENIX_VERBOSE            - Enable debug logging (true/1)
  PHOENIX_DOMAIN             - Default --domain
  PHOENIX_DOMAINS            - Comma-separated domains for monitor/reconcile
  PHOENIX_RESUME_FLAG        - Flag carrying the resume token (default: --resume)
  PHOENIX_CRASH_THRESHOLD    - Consecutive crashes before safe mode (default: 5)
  PHOENIX_BACKOFF_BASE       - First restart delay (default: 5s)
  PHOENIX_BACKOFF_CAP        - Maximum restart delay (default: 5m)
  PHOENIX_MONITOR_INTERVAL   - Liveness sweep period (default: 15m)
  PHOENIX_LIVENESS           - Liveness oracle (pid, tmux)
  PHOENIX_TMUX_COMMAND       - tmux command for liveness checks (default: tmux)
  PHOENIX_RECONCILE_INTERVAL - Reconciliation period (default: 24h)
  PHOENIX_HEARTBEAT_TIMEOUT  - Activity hook bound (default: 250ms)
  PHOENIX_OTLP_ENDPOINT      - OTLP/HTTP metrics collector (host:port)
  PHOENIX_OTLP_INSECURE      - Export metrics over plain HTTP (true/1)

Examples:
  phoenix config --show           # Show resolved configuration
  phoenix config --show -o json   # Output as JSON`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show resolved configuration with sources")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if !configShow {
		return cmd.Help()
	}

	resolved := config.Resolve(output, baseDir, verbose)
	out := cmd.OutOrStdout()
	if jsonOutput() {
		return formatter.JSON(out, resolved)
	}

	fmt.Fprintln(out, "Phoenix Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Config files:")
	home, _ := os.UserHomeDir()
	printConfigFile(cmd, "Home:   ", filepath.Join(home, ".phoenix", "config.yaml"))
	project := os.Getenv("PHOENIX_CONFIG")
	if project == "" {
		cwd, _ := os.Getwd()
		project = filepath.Join(cwd, ".phoenix", "config.yaml")
	}
	printConfigFile(cmd, "Project:", project)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Resolved values:")
	tbl := formatter.NewTable(out, "KEY", "VALUE", "SOURCE")
	for _, kv := range []struct {
		key string
		v   config.Resolved
	}{
		{"output", resolved.Output},
		{"base_dir", resolved.BaseDir},
		{"verbose", resolved.Verbose},
		{"supervisor.resume_flag", resolved.ResumeFlag},
		{"supervisor.backoff_base", resolved.BackoffBase},
		{"supervisor.backoff_cap", resolved.BackoffCap},
		{"monitor.interval", resolved.MonitorInterval},
		{"monitor.liveness", resolved.Liveness},
		{"monitor.tmux_command", resolved.TmuxCommand},
		{"reconcile.interval", resolved.ReconcileEvery},
		{"hooks.heartbeat_timeout", resolved.HeartbeatTimeout},
		{"telemetry.endpoint", resolved.OTLPEndpoint},
	} {
		tbl.AddRow(kv.key, fmt.Sprint(kv.v.Value), string(kv.v.Source))
	}
	return tbl.Render()
}

func printConfigFile(cmd *cobra.Command, label, path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  ✓ %s %s\n", label, path)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  ✗ %s %s (not found)\n", label, path)
}
