package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gcamilo/phoenix-protocol/internal/config"
	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/telemetry"
)

var (
	// Global flags
	verbose bool
	output  string
	cfgFile string
	baseDir string

	// Shared by every command that acts on one domain.
	domainFlag string

	cfg               *config.Config
	logger            = slog.Default()
	shutdownTelemetry telemetry.Shutdown
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "phoenix",
	Short: "Crash recovery for long-running agent sessions",
	Long: `phoenix keeps autonomous agent sessions recoverable across crashes,
restarts and context loss.

Each agent owns a domain: a directory under the base dir holding its state
document and markers. Components never talk to each other directly; they
coordinate through those files under a per-domain lock.

Agent runtime:
  hook         Session start, activity and end hooks
  task         Update the agent's status and current task
  loop         Add or list open loops
  resolve      Record that an open loop is done

Operations:
  supervise    Run an agent under the crash-restart supervisor
  monitor      Check liveness and restart dead agents
  reconcile    Merge offline summaries and pending resolutions
  daemon       Run monitor and reconcile on their timers
  reset        Take a domain out of safe mode

Inspection:
  status       Overview of every domain
  state        Show one domain's state document
  events       Show the ops log`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		syncConfigFlagToEnv()
		return setup(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	flushTelemetry()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent Runtime:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .phoenix/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "State directory (default: ~/.phoenix/state)")
}

// setup loads configuration, installs the logger and starts telemetry. Hook
// commands fall back to defaults on a bad config so a session never fails
// to start because of phoenix.
func setup(cmd *cobra.Command) error {
	c, cfgErr := config.Load(&config.Config{Output: output, BaseDir: baseDir, Verbose: verbose})
	if cfgErr != nil {
		if !isHookCommand(cmd) {
			return cfgErr
		}
		c = config.Default()
		if baseDir != "" {
			c.BaseDir = baseDir
		} else if v := os.Getenv("PHOENIX_BASE_DIR"); v != "" {
			c.BaseDir = v
		}
	}
	cfg = c

	logger = newLogger(cmd.ErrOrStderr(), cfg.Output, cfg.Verbose)
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("config invalid, hook using defaults", "error", cfgErr)
	}

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry.Endpoint, "phoenix", version, cfg.Telemetry.Insecure)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		return nil
	}
	shutdownTelemetry = shutdown
	return nil
}

func flushTelemetry() {
	if shutdownTelemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	shutdownTelemetry = nil
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isHookCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == hookCmd {
			return true
		}
	}
	return false
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(cfgFile)
	if path == "" {
		return
	}
	_ = os.Setenv("PHOENIX_CONFIG", path)
}

// addDomainFlag registers --domain on cmd.
func addDomainFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&domainFlag, "domain", "d", "", "Agent domain (default: $PHOENIX_DOMAIN)")
}

// resolveDomain returns the --domain value, falling back to $PHOENIX_DOMAIN.
func resolveDomain() (string, error) {
	d := strings.TrimSpace(domainFlag)
	if d == "" {
		d = strings.TrimSpace(os.Getenv("PHOENIX_DOMAIN"))
	}
	if d == "" {
		return "", errors.New("--domain is required (or set PHOENIX_DOMAIN)")
	}
	if err := state.ValidateDomain(d); err != nil {
		return "", err
	}
	return d, nil
}

// targetDomains returns explicit arguments, else the configured domains.
// An empty result means every domain in the store.
func targetDomains(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return cfg.Domains
}

func openStore() *state.Store {
	return state.NewStore(cfg.BaseDir,
		state.WithLogger(logger),
		state.WithMalformedHandler(openOps().RecordMalformed))
}

func openOps() *ledger.OpsLog {
	return ledger.NewOpsLog(cfg.BaseDir)
}

func openResolutions() *ledger.ResolutionLog {
	return ledger.NewResolutionLog(cfg.BaseDir)
}

func jsonOutput() bool {
	return cfg.Output == "json"
}
