// Package config provides configuration management for phoenix.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (PHOENIX_*), including a .env file
// 3. Project config (.phoenix/config.yaml in cwd, or $PHOENIX_CONFIG)
// 4. Home config (~/.phoenix/config.yaml)
// 5. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all phoenix configuration.
type Config struct {
	// Output controls the default output format (table, json).
	Output string `yaml:"output" json:"output"`

	// BaseDir holds every domain's state and the shared logs.
	// Default: ~/.phoenix/state
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// Domains limits monitor and reconcile to these domains. Empty means
	// every domain with a state document.
	Domains []string `yaml:"domains" json:"domains,omitempty"`

	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	Monitor    MonitorConfig    `yaml:"monitor" json:"monitor"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
	Hooks      HooksConfig      `yaml:"hooks" json:"hooks"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// SupervisorConfig holds supervisor settings.
type SupervisorConfig struct {
	// Command is the agent command line. Arguments after "--" on the
	// supervise command take precedence.
	Command []string `yaml:"command" json:"command,omitempty"`
	// ResumeFlag is the flag that carries the resume token.
	// Default: "--resume".
	ResumeFlag string `yaml:"resume_flag" json:"resume_flag"`
	// CrashThreshold is the consecutive crash count that enters safe mode.
	// Default: 5
	CrashThreshold int `yaml:"crash_threshold" json:"crash_threshold"`
	// BackoffBase, BackoffCap and StableAfter are durations ("5s", "5m").
	BackoffBase string `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  string `yaml:"backoff_cap" json:"backoff_cap"`
	StableAfter string `yaml:"stable_after" json:"stable_after"`
}

// MonitorConfig holds liveness monitor settings.
type MonitorConfig struct {
	// Interval between sweeps in daemon mode. Default: 15m
	Interval string `yaml:"interval" json:"interval"`
	// Liveness selects the oracle: "pid" (default) or "tmux".
	Liveness string `yaml:"liveness" json:"liveness"`
	// TmuxCommand is the CLI used for tmux liveness checks.
	// Default: "tmux".
	TmuxCommand string `yaml:"tmux_command" json:"tmux_command"`
	// SessionTemplate names the tmux session; {domain} is substituted.
	SessionTemplate string `yaml:"session_template" json:"session_template"`
	// RestartCommand is started detached to restart a dead agent; {domain}
	// is substituted in every argument.
	RestartCommand []string `yaml:"restart_command" json:"restart_command,omitempty"`
	// StartupGrace is how long a restart request suppresses another one.
	StartupGrace string `yaml:"startup_grace" json:"startup_grace"`
	// Concurrency bounds parallel domain checks. Default: 4
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// ReconcileConfig holds reconciliation settings.
type ReconcileConfig struct {
	// Interval between runs in daemon mode. Default: 24h
	Interval string `yaml:"interval" json:"interval"`
	// SummaryFile fixes the summary file name inside each domain directory.
	// Empty tries summary.yaml then summary.json.
	SummaryFile string `yaml:"summary_file" json:"summary_file,omitempty"`
}

// HooksConfig holds session hook settings.
type HooksConfig struct {
	// HeartbeatTimeout bounds the activity hook. Default: 250ms
	HeartbeatTimeout string `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
}

// TelemetryConfig holds OTLP metrics settings.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// Default config values (used in resolution and validation).
const (
	defaultOutput           = "table"
	defaultResumeFlag       = "--resume"
	defaultCrashThreshold   = 5
	defaultBackoffBase      = "5s"
	defaultBackoffCap       = "5m"
	defaultStableAfter      = "10m"
	defaultMonitorInterval  = "15m"
	defaultLiveness         = LivenessPID
	defaultTmuxCommand      = "tmux"
	defaultSessionTemplate  = "phoenix-{domain}"
	defaultStartupGrace     = "2m"
	defaultConcurrency      = 4
	defaultReconcileEvery   = "24h"
	defaultHeartbeatTimeout = "250ms"
)

// Liveness oracle names.
const (
	LivenessPID  = "pid"
	LivenessTmux = "tmux"
)

// ErrInvalid reports a configuration value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".phoenix", "state")
	}
	return filepath.Join(home, ".phoenix", "state")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Output:  defaultOutput,
		BaseDir: defaultBaseDir(),
		Supervisor: SupervisorConfig{
			ResumeFlag:     defaultResumeFlag,
			CrashThreshold: defaultCrashThreshold,
			BackoffBase:    defaultBackoffBase,
			BackoffCap:     defaultBackoffCap,
			StableAfter:    defaultStableAfter,
		},
		Monitor: MonitorConfig{
			Interval:        defaultMonitorInterval,
			Liveness:        defaultLiveness,
			TmuxCommand:     defaultTmuxCommand,
			SessionTemplate: defaultSessionTemplate,
			RestartCommand:  []string{"phoenix", "supervise", "--domain", "{domain}"},
			StartupGrace:    defaultStartupGrace,
			Concurrency:     defaultConcurrency,
		},
		Reconcile: ReconcileConfig{
			Interval: defaultReconcileEvery,
		},
		Hooks: HooksConfig{
			HeartbeatTimeout: defaultHeartbeatTimeout,
		},
	}
}

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	// Load home config
	homeConfig, err := loadFromPath(homeConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("home config: %w", err)
	}
	if homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	// Load project config
	projectConfig, err := loadFromPath(projectConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("project config: %w", err)
	}
	if projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	// .env never overrides variables already set in the environment.
	loadDotEnv()
	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and duration strings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Output {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output %q: want table or json", c.Output))
	}
	switch c.Monitor.Liveness {
	case LivenessPID, LivenessTmux:
	default:
		errs = append(errs, fmt.Errorf("monitor.liveness %q: want pid or tmux", c.Monitor.Liveness))
	}
	if c.Supervisor.CrashThreshold < 1 {
		errs = append(errs, fmt.Errorf("supervisor.crash_threshold %d: must be at least 1", c.Supervisor.CrashThreshold))
	}
	for name, v := range map[string]string{
		"supervisor.backoff_base": c.Supervisor.BackoffBase,
		"supervisor.backoff_cap":  c.Supervisor.BackoffCap,
		"supervisor.stable_after": c.Supervisor.StableAfter,
		"monitor.interval":        c.Monitor.Interval,
		"monitor.startup_grace":   c.Monitor.StartupGrace,
		"reconcile.interval":      c.Reconcile.Interval,
		"hooks.heartbeat_timeout": c.Hooks.HeartbeatTimeout,
	} {
		if _, err := ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ParseDuration parses a positive duration string such as "15m".
func ParseDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", v)
	}
	return d, nil
}

// MustDuration parses v, which Validate has already accepted.
func MustDuration(v string) time.Duration {
	d, err := ParseDuration(v)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", v, err))
	}
	return d
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".phoenix", "config.yaml")
}

// projectConfigPath returns the project config path.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("PHOENIX_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".phoenix", "config.yaml")
}

// dotEnvPath returns the .env file consulted before PHOENIX_* variables.
func dotEnvPath() string {
	if override := strings.TrimSpace(os.Getenv("PHOENIX_ENV_FILE")); override != "" {
		return override
	}
	return ".env"
}

func loadDotEnv() {
	_ = godotenv.Load(dotEnvPath())
}

// loadFromPath loads config from a YAML file. A missing file returns
// an error wrapping os.ErrNotExist.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("PHOENIX_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("PHOENIX_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v, ok := getEnvBool("PHOENIX_VERBOSE"); ok && v {
		cfg.Verbose = true
	}
	if v := os.Getenv("PHOENIX_DOMAINS"); v != "" {
		cfg.Domains = splitList(v)
	}
	if v := os.Getenv("PHOENIX_RESUME_FLAG"); v != "" {
		cfg.Supervisor.ResumeFlag = v
	}
	if v := os.Getenv("PHOENIX_CRASH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.CrashThreshold = n
		}
	}
	if v := os.Getenv("PHOENIX_BACKOFF_BASE"); v != "" {
		cfg.Supervisor.BackoffBase = v
	}
	if v := os.Getenv("PHOENIX_BACKOFF_CAP"); v != "" {
		cfg.Supervisor.BackoffCap = v
	}
	if v := os.Getenv("PHOENIX_MONITOR_INTERVAL"); v != "" {
		cfg.Monitor.Interval = v
	}
	if v := os.Getenv("PHOENIX_LIVENESS"); v != "" {
		cfg.Monitor.Liveness = v
	}
	if v := os.Getenv("PHOENIX_TMUX_COMMAND"); v != "" {
		cfg.Monitor.TmuxCommand = v
	}
	if v := os.Getenv("PHOENIX_RECONCILE_INTERVAL"); v != "" {
		cfg.Reconcile.Interval = v
	}
	if v := os.Getenv("PHOENIX_HEARTBEAT_TIMEOUT"); v != "" {
		cfg.Hooks.HeartbeatTimeout = v
	}
	if v := os.Getenv("PHOENIX_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v, ok := getEnvBool("PHOENIX_OTLP_INSECURE"); ok && v {
		cfg.Telemetry.Insecure = true
	}
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// mergeList overwrites dst with src when src is non-empty.
func mergeList(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = src
	}
}

// merge merges src into dst, with src values taking precedence.
// Booleans only ever switch on.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.Output, src.Output)
	mergeStr(&dst.BaseDir, src.BaseDir)
	if src.Verbose {
		dst.Verbose = true
	}
	mergeList(&dst.Domains, src.Domains)

	mergeSupervisor(&dst.Supervisor, &src.Supervisor)
	mergeMonitor(&dst.Monitor, &src.Monitor)
	mergeStr(&dst.Reconcile.Interval, src.Reconcile.Interval)
	mergeStr(&dst.Reconcile.SummaryFile, src.Reconcile.SummaryFile)
	mergeStr(&dst.Hooks.HeartbeatTimeout, src.Hooks.HeartbeatTimeout)
	mergeStr(&dst.Telemetry.Endpoint, src.Telemetry.Endpoint)
	if src.Telemetry.Insecure {
		dst.Telemetry.Insecure = true
	}
	return dst
}

func mergeSupervisor(dst, src *SupervisorConfig) {
	mergeList(&dst.Command, src.Command)
	mergeStr(&dst.ResumeFlag, src.ResumeFlag)
	mergeInt(&dst.CrashThreshold, src.CrashThreshold)
	mergeStr(&dst.BackoffBase, src.BackoffBase)
	mergeStr(&dst.BackoffCap, src.BackoffCap)
	mergeStr(&dst.StableAfter, src.StableAfter)
}

func mergeMonitor(dst, src *MonitorConfig) {
	mergeStr(&dst.Interval, src.Interval)
	mergeStr(&dst.Liveness, src.Liveness)
	mergeStr(&dst.TmuxCommand, src.TmuxCommand)
	mergeStr(&dst.SessionTemplate, src.SessionTemplate)
	mergeList(&dst.RestartCommand, src.RestartCommand)
	mergeStr(&dst.StartupGrace, src.StartupGrace)
	mergeInt(&dst.Concurrency, src.Concurrency)
}

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "~/.phoenix/config.yaml"
	SourceProject Source = ".phoenix/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// getEnvString returns the value and whether the env var was set.
func getEnvString(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// getEnvBool returns the boolean value and whether it was truthy.
func getEnvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "true" || v == "1" {
		return true, true
	}
	return false, false
}

// resolveStringField resolves a string through the precedence chain.
func resolveStringField(home, project, env, flag, def string) Resolved {
	result := Resolved{Value: def, Source: SourceDefault}
	if home != "" {
		result = Resolved{Value: home, Source: SourceHome}
	}
	if project != "" {
		result = Resolved{Value: project, Source: SourceProject}
	}
	if env != "" {
		result = Resolved{Value: env, Source: SourceEnv}
	}
	if flag != "" {
		result = Resolved{Value: flag, Source: SourceFlag}
	}
	return result
}

// Resolved is one configuration value with its origin.
type Resolved struct {
	Value  any    `json:"value"`
	Source Source `json:"source"`
}

// ResolvedConfig shows config values with their sources.
type ResolvedConfig struct {
	Output           Resolved `json:"output"`
	BaseDir          Resolved `json:"base_dir"`
	Verbose          Resolved `json:"verbose"`
	ResumeFlag       Resolved `json:"resume_flag"`
	BackoffBase      Resolved `json:"backoff_base"`
	BackoffCap       Resolved `json:"backoff_cap"`
	MonitorInterval  Resolved `json:"monitor_interval"`
	Liveness         Resolved `json:"liveness"`
	TmuxCommand      Resolved `json:"tmux_command"`
	ReconcileEvery   Resolved `json:"reconcile_interval"`
	HeartbeatTimeout Resolved `json:"heartbeat_timeout"`
	OTLPEndpoint     Resolved `json:"otlp_endpoint"`
}

// layerValues are the string settings Resolve tracks, read from one layer.
type layerValues struct {
	output, baseDir, resumeFlag, backoffBase, backoffCap string
	monitorInterval, liveness, tmuxCommand               string
	reconcileEvery, heartbeatTimeout, otlpEndpoint       string
	verbose                                              bool
}

func fromConfig(c *Config) layerValues {
	if c == nil {
		return layerValues{}
	}
	return layerValues{
		output:           c.Output,
		baseDir:          c.BaseDir,
		resumeFlag:       c.Supervisor.ResumeFlag,
		backoffBase:      c.Supervisor.BackoffBase,
		backoffCap:       c.Supervisor.BackoffCap,
		monitorInterval:  c.Monitor.Interval,
		liveness:         c.Monitor.Liveness,
		tmuxCommand:      c.Monitor.TmuxCommand,
		reconcileEvery:   c.Reconcile.Interval,
		heartbeatTimeout: c.Hooks.HeartbeatTimeout,
		otlpEndpoint:     c.Telemetry.Endpoint,
		verbose:          c.Verbose,
	}
}

func fromEnv() layerValues {
	var v layerValues
	v.output, _ = getEnvString("PHOENIX_OUTPUT")
	v.baseDir, _ = getEnvString("PHOENIX_BASE_DIR")
	v.resumeFlag, _ = getEnvString("PHOENIX_RESUME_FLAG")
	v.backoffBase, _ = getEnvString("PHOENIX_BACKOFF_BASE")
	v.backoffCap, _ = getEnvString("PHOENIX_BACKOFF_CAP")
	v.monitorInterval, _ = getEnvString("PHOENIX_MONITOR_INTERVAL")
	v.liveness, _ = getEnvString("PHOENIX_LIVENESS")
	v.tmuxCommand, _ = getEnvString("PHOENIX_TMUX_COMMAND")
	v.reconcileEvery, _ = getEnvString("PHOENIX_RECONCILE_INTERVAL")
	v.heartbeatTimeout, _ = getEnvString("PHOENIX_HEARTBEAT_TIMEOUT")
	v.otlpEndpoint, _ = getEnvString("PHOENIX_OTLP_ENDPOINT")
	v.verbose, _ = getEnvBool("PHOENIX_VERBOSE")
	return v
}

// Resolve returns configuration with source tracking.
// Uses precedence chain: flags > env > project > home > defaults.
func Resolve(flagOutput, flagBaseDir string, flagVerbose bool) *ResolvedConfig {
	homeConfig, _ := loadFromPath(homeConfigPath())
	projectConfig, _ := loadFromPath(projectConfigPath())
	loadDotEnv()

	home, project, env := fromConfig(homeConfig), fromConfig(projectConfig), fromEnv()
	field := func(get func(layerValues) string, flag, def string) Resolved {
		return resolveStringField(get(home), get(project), get(env), flag, def)
	}

	rc := &ResolvedConfig{
		Output:           field(func(v layerValues) string { return v.output }, flagOutput, defaultOutput),
		BaseDir:          field(func(v layerValues) string { return v.baseDir }, flagBaseDir, defaultBaseDir()),
		Verbose:          Resolved{Value: false, Source: SourceDefault},
		ResumeFlag:       field(func(v layerValues) string { return v.resumeFlag }, "", defaultResumeFlag),
		BackoffBase:      field(func(v layerValues) string { return v.backoffBase }, "", defaultBackoffBase),
		BackoffCap:       field(func(v layerValues) string { return v.backoffCap }, "", defaultBackoffCap),
		MonitorInterval:  field(func(v layerValues) string { return v.monitorInterval }, "", defaultMonitorInterval),
		Liveness:         field(func(v layerValues) string { return v.liveness }, "", defaultLiveness),
		TmuxCommand:      field(func(v layerValues) string { return v.tmuxCommand }, "", defaultTmuxCommand),
		ReconcileEvery:   field(func(v layerValues) string { return v.reconcileEvery }, "", defaultReconcileEvery),
		HeartbeatTimeout: field(func(v layerValues) string { return v.heartbeatTimeout }, "", defaultHeartbeatTimeout),
		OTLPEndpoint:     field(func(v layerValues) string { return v.otlpEndpoint }, "", ""),
	}

	// Verbose has OR semantics through the chain.
	if home.verbose {
		rc.Verbose = Resolved{Value: true, Source: SourceHome}
	}
	if project.verbose {
		rc.Verbose = Resolved{Value: true, Source: SourceProject}
	}
	if env.verbose {
		rc.Verbose = Resolved{Value: true, Source: SourceEnv}
	}
	if flagVerbose {
		rc.Verbose = Resolved{Value: true, Source: SourceFlag}
	}
	return rc
}
