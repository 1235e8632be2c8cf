package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points HOME and cwd at empty temp dirs and clears PHOENIX_* vars.
func isolate(t *testing.T) (home, project string) {
	t.Helper()
	home = t.TempDir()
	project = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "PHOENIX_") {
			t.Setenv(k, "")
		}
	}
	return home, project
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefault(t *testing.T) {
	home, _ := isolate(t)
	cfg := Default()

	if cfg.Output != "table" {
		t.Errorf("Default Output = %q, want %q", cfg.Output, "table")
	}
	if want := filepath.Join(home, ".phoenix", "state"); cfg.BaseDir != want {
		t.Errorf("Default BaseDir = %q, want %q", cfg.BaseDir, want)
	}
	if cfg.Verbose {
		t.Error("Default Verbose = true, want false")
	}
	if cfg.Supervisor.CrashThreshold != 5 {
		t.Errorf("Default CrashThreshold = %d, want 5", cfg.Supervisor.CrashThreshold)
	}
	if cfg.Supervisor.ResumeFlag != "--resume" {
		t.Errorf("Default ResumeFlag = %q", cfg.Supervisor.ResumeFlag)
	}
	if cfg.Monitor.Liveness != LivenessPID {
		t.Errorf("Default Liveness = %q, want pid", cfg.Monitor.Liveness)
	}
	if cfg.Hooks.HeartbeatTimeout != "250ms" {
		t.Errorf("Default HeartbeatTimeout = %q", cfg.Hooks.HeartbeatTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config is invalid: %v", err)
	}
}

func TestMerge(t *testing.T) {
	dst := Default()
	src := &Config{
		Output:  "json",
		BaseDir: "/custom/path",
		Supervisor: SupervisorConfig{
			Command: []string{"claude", "--model", "x"},
		},
	}

	result := merge(dst, src)

	if result.Output != "json" {
		t.Errorf("merge Output = %q, want %q", result.Output, "json")
	}
	if result.BaseDir != "/custom/path" {
		t.Errorf("merge BaseDir = %q, want %q", result.BaseDir, "/custom/path")
	}
	if got := strings.Join(result.Supervisor.Command, " "); got != "claude --model x" {
		t.Errorf("merge Command = %q", got)
	}
	// Defaults should be preserved when not overridden
	if result.Supervisor.CrashThreshold != 5 {
		t.Errorf("merge preserved CrashThreshold = %d, want 5", result.Supervisor.CrashThreshold)
	}
	if len(result.Monitor.RestartCommand) == 0 {
		t.Error("merge dropped default RestartCommand")
	}
}

func TestMerge_BooleansOnlySwitchOn(t *testing.T) {
	dst := Default()
	dst.Verbose = true
	dst.Telemetry.Insecure = true

	result := merge(dst, &Config{Output: "json"})

	if !result.Verbose || !result.Telemetry.Insecure {
		t.Error("merge of an unset boolean must not switch it off")
	}
}

func TestApplyEnv(t *testing.T) {
	isolate(t)
	t.Setenv("PHOENIX_OUTPUT", "json")
	t.Setenv("PHOENIX_BASE_DIR", "/srv/phoenix")
	t.Setenv("PHOENIX_VERBOSE", "1")
	t.Setenv("PHOENIX_DOMAINS", "trades, ops ,,research")
	t.Setenv("PHOENIX_CRASH_THRESHOLD", "3")
	t.Setenv("PHOENIX_LIVENESS", "tmux")
	t.Setenv("PHOENIX_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("PHOENIX_OTLP_INSECURE", "true")

	cfg := applyEnv(Default())

	if cfg.Output != "json" {
		t.Errorf("Output = %q", cfg.Output)
	}
	if cfg.BaseDir != "/srv/phoenix" {
		t.Errorf("BaseDir = %q", cfg.BaseDir)
	}
	if !cfg.Verbose {
		t.Error("Verbose not applied")
	}
	if got := strings.Join(cfg.Domains, "|"); got != "trades|ops|research" {
		t.Errorf("Domains = %q", got)
	}
	if cfg.Supervisor.CrashThreshold != 3 {
		t.Errorf("CrashThreshold = %d", cfg.Supervisor.CrashThreshold)
	}
	if cfg.Monitor.Liveness != LivenessTmux {
		t.Errorf("Liveness = %q", cfg.Monitor.Liveness)
	}
	if cfg.Telemetry.Endpoint != "localhost:4318" || !cfg.Telemetry.Insecure {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
}

func TestApplyEnv_IgnoresBadThreshold(t *testing.T) {
	isolate(t)
	t.Setenv("PHOENIX_CRASH_THRESHOLD", "many")
	if got := applyEnv(Default()).Supervisor.CrashThreshold; got != 5 {
		t.Errorf("CrashThreshold = %d, want default 5", got)
	}
}

func TestApplyEnv_VerboseVariants(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"yes", false},
		{"false", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run("value="+tt.value, func(t *testing.T) {
			isolate(t)
			t.Setenv("PHOENIX_VERBOSE", tt.value)
			if got := applyEnv(Default()).Verbose; got != tt.want {
				t.Errorf("Verbose = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
output: json
base_dir: /data/phoenix
domains: [trades, ops]
supervisor:
  command: [claude, --dangerously-skip-permissions]
  resume_flag: --continue
  crash_threshold: 3
  backoff_base: 2s
monitor:
  liveness: tmux
  session_template: agent-{domain}
  restart_command: [tmux, new-session, -d, -s, "agent-{domain}", phoenix, supervise, --domain, "{domain}"]
reconcile:
  summary_file: digest.yaml
hooks:
  heartbeat_timeout: 100ms
telemetry:
  endpoint: collector:4318
  insecure: true
`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("loadFromPath: %v", err)
	}
	if cfg.Output != "json" || cfg.BaseDir != "/data/phoenix" {
		t.Errorf("top level = %q %q", cfg.Output, cfg.BaseDir)
	}
	if len(cfg.Domains) != 2 {
		t.Errorf("Domains = %v", cfg.Domains)
	}
	if cfg.Supervisor.ResumeFlag != "--continue" || cfg.Supervisor.CrashThreshold != 3 {
		t.Errorf("Supervisor = %+v", cfg.Supervisor)
	}
	if cfg.Monitor.SessionTemplate != "agent-{domain}" || len(cfg.Monitor.RestartCommand) != 9 {
		t.Errorf("Monitor = %+v", cfg.Monitor)
	}
	if cfg.Reconcile.SummaryFile != "digest.yaml" {
		t.Errorf("SummaryFile = %q", cfg.Reconcile.SummaryFile)
	}
	if cfg.Hooks.HeartbeatTimeout != "100ms" {
		t.Errorf("HeartbeatTimeout = %q", cfg.Hooks.HeartbeatTimeout)
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Telemetry.Insecure not parsed")
	}
}

func TestLoadFromPath_NotExists(t *testing.T) {
	_, err := loadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("loadFromPath missing file error = %v, want ErrNotExist", err)
	}
}

func TestLoadFromPath_Empty(t *testing.T) {
	cfg, err := loadFromPath("")
	if err != nil || cfg != nil {
		t.Errorf("loadFromPath(\"\") = %v, %v; want nil, nil", cfg, err)
	}
}

func TestLoadFromPath_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "output: [unterminated")
	if _, err := loadFromPath(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_Precedence(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(home, ".phoenix", "config.yaml"), `
output: json
supervisor:
  crash_threshold: 7
  backoff_cap: 1m
`)
	writeFile(t, filepath.Join(project, ".phoenix", "config.yaml"), `
supervisor:
  crash_threshold: 4
`)
	t.Setenv("PHOENIX_BACKOFF_CAP", "30s")

	cfg, err := Load(&Config{BaseDir: "/from/flag"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output != "json" {
		t.Errorf("Output = %q, want home value json", cfg.Output)
	}
	if cfg.Supervisor.CrashThreshold != 4 {
		t.Errorf("CrashThreshold = %d, want project value 4", cfg.Supervisor.CrashThreshold)
	}
	if cfg.Supervisor.BackoffCap != "30s" {
		t.Errorf("BackoffCap = %q, want env value 30s", cfg.Supervisor.BackoffCap)
	}
	if cfg.BaseDir != "/from/flag" {
		t.Errorf("BaseDir = %q, want flag value", cfg.BaseDir)
	}
}

func TestLoad_ConfigEnvOverride(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "alt.yaml")
	writeFile(t, path, "monitor:\n  liveness: tmux\n")
	t.Setenv("PHOENIX_CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.Liveness != LivenessTmux {
		t.Errorf("Liveness = %q, want tmux from $PHOENIX_CONFIG", cfg.Monitor.Liveness)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, ".env"), "PHOENIX_MONITOR_INTERVAL=5m\nPHOENIX_RECONCILE_INTERVAL=12h\n")
	t.Setenv("PHOENIX_RECONCILE_INTERVAL", "6h")
	// godotenv sets variables for the process; restore them after the test.
	t.Setenv("PHOENIX_MONITOR_INTERVAL", "")
	os.Unsetenv("PHOENIX_MONITOR_INTERVAL")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.Interval != "5m" {
		t.Errorf("Monitor.Interval = %q, want 5m from .env", cfg.Monitor.Interval)
	}
	if cfg.Reconcile.Interval != "6h" {
		t.Errorf("Reconcile.Interval = %q, real environment must win over .env", cfg.Reconcile.Interval)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, ".phoenix", "config.yaml"), `
output: xml
monitor:
  liveness: ping
hooks:
  heartbeat_timeout: soon
`)
	_, err := Load(nil)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"output", "monitor.liveness", "hooks.heartbeat_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_UnreadableProjectConfig(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, ".phoenix", "config.yaml"), "supervisor: [")
	if _, err := Load(nil); err == nil {
		t.Error("expected error for malformed project config")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15m", 15 * time.Minute, false},
		{" 250ms ", 250 * time.Millisecond, false},
		{"0s", 0, true},
		{"-1m", 0, true},
		{"fortnight", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMustDuration_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustDuration did not panic on invalid input")
		}
	}()
	MustDuration("nope")
}

func TestResolveStringField(t *testing.T) {
	tests := []struct {
		name                          string
		home, project, env, flag, def string
		wantValue                     string
		wantSource                    Source
	}{
		{"default", "", "", "", "", "d", "d", SourceDefault},
		{"home", "h", "", "", "", "d", "h", SourceHome},
		{"project over home", "h", "p", "", "", "d", "p", SourceProject},
		{"env over project", "h", "p", "e", "", "d", "e", SourceEnv},
		{"flag over all", "h", "p", "e", "f", "d", "f", SourceFlag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveStringField(tt.home, tt.project, tt.env, tt.flag, tt.def)
			if got.Value != tt.wantValue || got.Source != tt.wantSource {
				t.Errorf("got %v from %s, want %v from %s", got.Value, got.Source, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(home, ".phoenix", "config.yaml"), "monitor:\n  liveness: tmux\nverbose: true\n")
	writeFile(t, filepath.Join(project, ".phoenix", "config.yaml"), "hooks:\n  heartbeat_timeout: 100ms\n")
	t.Setenv("PHOENIX_OTLP_ENDPOINT", "collector:4318")

	rc := Resolve("json", "", false)

	if rc.Output.Value != "json" || rc.Output.Source != SourceFlag {
		t.Errorf("Output = %+v", rc.Output)
	}
	if rc.BaseDir.Source != SourceDefault {
		t.Errorf("BaseDir source = %s", rc.BaseDir.Source)
	}
	if rc.Liveness.Value != "tmux" || rc.Liveness.Source != SourceHome {
		t.Errorf("Liveness = %+v", rc.Liveness)
	}
	if rc.HeartbeatTimeout.Value != "100ms" || rc.HeartbeatTimeout.Source != SourceProject {
		t.Errorf("HeartbeatTimeout = %+v", rc.HeartbeatTimeout)
	}
	if rc.OTLPEndpoint.Source != SourceEnv {
		t.Errorf("OTLPEndpoint = %+v", rc.OTLPEndpoint)
	}
	if rc.Verbose.Value != true || rc.Verbose.Source != SourceHome {
		t.Errorf("Verbose = %+v", rc.Verbose)
	}
	if rc.ResumeFlag.Value != "--resume" || rc.ResumeFlag.Source != SourceDefault {
		t.Errorf("ResumeFlag = %+v", rc.ResumeFlag)
	}
}

func TestResolve_VerboseFlag(t *testing.T) {
	isolate(t)
	rc := Resolve("", "", true)
	if rc.Verbose.Value != true || rc.Verbose.Source != SourceFlag {
		t.Errorf("Verbose = %+v", rc.Verbose)
	}
}
