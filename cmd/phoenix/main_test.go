package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/supervisor"
)

// resetFlags restores every flag to its default so commands run in one
// process do not leak options into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// isolateCLI points HOME and cwd at temp dirs, clears PHOENIX_* and returns
// a fresh base dir.
func isolateCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "PHOENIX_") {
			t.Setenv(k, "")
		}
	}
	return filepath.Join(t.TempDir(), "state")
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("phoenix %s: %v\nstderr:\n%s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, stdin, args...)
	if err != nil {
		t.Fatalf("phoenix %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func loadState(t *testing.T, base, domain string) *state.AgentState {
	t.Helper()
	st, err := state.NewStore(base).Load(domain)
	if err != nil {
		t.Fatalf("load %s: %v", domain, err)
	}
	return st
}

func TestVersion(t *testing.T) {
	isolateCLI(t)
	out := mustRun(t, "", "version")
	if !strings.Contains(out, "phoenix version dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestHookStart_FirstRunCreatesState(t *testing.T) {
	base := isolateCLI(t)
	out := mustRun(t, "", "hook", "start", "--base-dir", base, "--domain", "trades")
	if out != "" {
		t.Errorf("first run payload = %q, want empty", out)
	}
	if st := loadState(t, base, "trades"); st.Status != state.StatusIdle {
		t.Errorf("default status = %q, want idle", st.Status)
	}
}

func TestHookStart_RecoveryPayload(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "working", "rebalance", "the", "book")
	mustRun(t, "", "loop", "add", "--base-dir", base, "--domain", "trades", "--id", "a", "confirm fills")

	out := mustRun(t, `{"session_id": "sess-1", "hook_event_name": "SessionStart"}`,
		"hook", "start", "--base-dir", base, "--domain", "trades")

	for _, want := range []string{"## Recovered session state", "status: working", "rebalance the book", "- a: confirm fills"} {
		if !strings.Contains(out, want) {
			t.Errorf("payload missing %q:\n%s", want, out)
		}
	}
	token, err := marker.For(filepath.Join(base, "trades")).Token()
	if err != nil || token != "sess-1" {
		t.Errorf("saved token = %q, %v; want sess-1", token, err)
	}
}

func TestHookStart_SessionIDFlagWins(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, `{"session_id": "from-stdin"}`, "hook", "start", "--base-dir", base, "--domain", "ops", "--session-id", "from-flag")
	token, _ := marker.For(filepath.Join(base, "ops")).Token()
	if token != "from-flag" {
		t.Errorf("token = %q, want from-flag", token)
	}
}

func TestHookStart_InvalidDomain(t *testing.T) {
	base := isolateCLI(t)
	if _, err := runCLI(t, "", "hook", "start", "--base-dir", base, "--domain", "../etc"); err == nil {
		t.Error("expected error for invalid domain")
	}
}

func TestHookStart_DomainFromEnv(t *testing.T) {
	base := isolateCLI(t)
	t.Setenv("PHOENIX_DOMAIN", "research")
	mustRun(t, "", "hook", "start", "--base-dir", base)
	loadState(t, base, "research")
}

func TestHook_SurvivesInvalidConfig(t *testing.T) {
	base := isolateCLI(t)
	if err := os.MkdirAll(".phoenix", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(".phoenix", "config.yaml"), []byte("output: xml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "", "status", "--base-dir", base); err == nil {
		t.Error("status should reject an invalid config")
	}
	if _, err := runCLI(t, "", "hook", "activity", "--base-dir", base, "--domain", "trades"); err != nil {
		t.Errorf("hook must tolerate an invalid config: %v", err)
	}
}

func TestHookActivity_Touches(t *testing.T) {
	base := isolateCLI(t)
	out := mustRun(t, "", "hook", "activity", "--base-dir", base, "--domain", "trades")
	if out != "" {
		t.Errorf("activity hook wrote to stdout: %q", out)
	}
	if loadState(t, base, "trades").LastActive.IsZero() {
		t.Error("lastActive was not set")
	}
}

func TestHookEnd_ExitCodeFromStdin(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, `{"exit_code": 3}`, "hook", "end", "--base-dir", base, "--domain", "trades")

	out := mustRun(t, "", "events", "--base-dir", base, "--domain", "trades", "-o", "json")
	var events []ledger.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("parse events: %v\n%s", err, out)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	e := events[0]
	if e.Kind != ledger.KindSessionEnd || e.Status != ledger.StatusWarn || e.Detail != "exit_status=3" {
		t.Errorf("event = %+v", e)
	}
	if _, err := state.NewStore(base).Load("trades"); err == nil {
		t.Error("session end must not create or change the state document")
	}
}

func TestTask_RequiresSomething(t *testing.T) {
	base := isolateCLI(t)
	if _, err := runCLI(t, "", "task", "--base-dir", base, "--domain", "trades"); err == nil {
		t.Error("expected error without --status or description")
	}
	if _, err := runCLI(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "sleeping"); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestLoopAdd_GeneratesIDAndRejectsDuplicates(t *testing.T) {
	base := isolateCLI(t)
	id := strings.TrimSpace(mustRun(t, "", "loop", "add", "--base-dir", base, "--domain", "trades", "check", "margin"))
	if len(id) != 8 {
		t.Errorf("generated id = %q, want 8 characters", id)
	}
	if _, err := runCLI(t, "", "loop", "add", "--base-dir", base, "--domain", "trades", "--id", id, "again"); err == nil {
		t.Error("expected duplicate loop error")
	}
	out := mustRun(t, "", "loop", "list", "--base-dir", base, "--domain", "trades")
	if !strings.Contains(out, "check margin") {
		t.Errorf("loop list = %q", out)
	}
}

func TestResolveThenReconcile(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "loop", "add", "--base-dir", base, "--domain", "trades", "--id", "a", "confirm fills")
	mustRun(t, "", "loop", "add", "--base-dir", base, "--domain", "trades", "--id", "b", "journal")
	entryID := strings.TrimSpace(mustRun(t, "", "resolve", "--base-dir", base, "--domain", "trades", "a", "filled"))
	if entryID == "" {
		t.Fatal("resolve printed no entry id")
	}
	// Resolution is deferred to reconciliation.
	if got := len(loadState(t, base, "trades").OpenLoops); got != 2 {
		t.Fatalf("open loops before reconcile = %d, want 2", got)
	}

	out := mustRun(t, "", "reconcile", "--base-dir", base, "trades")
	if !strings.Contains(out, "trades") {
		t.Errorf("reconcile output = %q", out)
	}
	st := loadState(t, base, "trades")
	if len(st.OpenLoops) != 1 || st.OpenLoops[0].ID != "b" {
		t.Errorf("open loops = %+v", st.OpenLoops)
	}
	if len(st.Resolved) != 1 || st.Resolved[0].ID != "a" || st.Resolved[0].Reason != "filled" {
		t.Errorf("resolved = %+v", st.Resolved)
	}
}

func TestReconcile_RejectedSummaryFails(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "working")
	summary := filepath.Join(base, "trades", "summary.yaml")
	if err := os.WriteFile(summary, []byte("state:\n  status: bogus\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "", "reconcile", "--base-dir", base); err == nil {
		t.Error("expected error for rejected summary")
	}
	if st := loadState(t, base, "trades"); st.Status != state.StatusWorking {
		t.Errorf("status = %q, state must be unchanged", st.Status)
	}
	if _, err := os.Stat(summary + ".rejected"); err != nil {
		t.Errorf("rejected summary not retired: %v", err)
	}
}

func TestFresh(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "fresh", "--base-dir", base, "--domain", "trades")
	if _, err := os.Stat(filepath.Join(base, "trades", marker.FreshStartFile)); err != nil {
		t.Errorf("fresh-start marker missing: %v", err)
	}
}

func TestSupervise_CleanExitThenMonitor(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "supervise", "--base-dir", base, "--domain", "trades", "--", "true")

	dir := filepath.Join(base, "trades")
	if !marker.For(dir).HasCleanExit() {
		t.Fatal("clean exit did not write the marker")
	}

	out := mustRun(t, "", "monitor", "--once", "--base-dir", base, "trades")
	if !strings.Contains(out, "intentional_stop") {
		t.Errorf("monitor output = %q, want intentional_stop", out)
	}
	if marker.For(dir).HasCleanExit() {
		t.Error("monitor should consume the clean-exit marker")
	}
}

func TestSupervise_SafeModeHoldsUntilReset(t *testing.T) {
	base := isolateCLI(t)
	t.Setenv("PHOENIX_CRASH_THRESHOLD", "1")

	_, err := runCLI(t, "", "supervise", "--base-dir", base, "--domain", "trades", "--", "false")
	if !errors.Is(err, supervisor.ErrSafeMode) {
		t.Fatalf("crashing agent: err = %v, want safe mode", err)
	}
	dir := filepath.Join(base, "trades")
	if _, ok := marker.For(dir).SafeMode(); !ok {
		t.Fatal("safe-mode marker missing")
	}

	if _, err := runCLI(t, "", "supervise", "--base-dir", base, "--domain", "trades", "--", "true"); !errors.Is(err, supervisor.ErrSafeMode) {
		t.Errorf("relaunch in safe mode: err = %v", err)
	}
	if marker.For(dir).HasCleanExit() {
		t.Error("refused launch must not run the agent")
	}

	out := mustRun(t, "", "monitor", "--once", "--base-dir", base, "trades")
	if !strings.Contains(out, "safe_mode") {
		t.Errorf("monitor output = %q, want safe_mode", out)
	}

	out = mustRun(t, "", "reset", "--base-dir", base, "--domain", "trades")
	if !strings.Contains(out, "left safe mode") {
		t.Errorf("reset output = %q", out)
	}
	out = mustRun(t, "", "reset", "--base-dir", base, "--domain", "trades")
	if !strings.Contains(out, "not in safe mode") {
		t.Errorf("second reset output = %q", out)
	}

	mustRun(t, "", "supervise", "--base-dir", base, "--domain", "trades", "--", "true")
	if !marker.For(dir).HasCleanExit() {
		t.Error("supervise after reset did not run the agent")
	}
}

func TestMalformedStateReachesOpsLog(t *testing.T) {
	base := isolateCLI(t)
	dir := filepath.Join(base, "trades")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, state.StateFile), []byte("{torn"), 0o600); err != nil {
		t.Fatal(err)
	}

	mustRun(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "working")

	out := mustRun(t, "", "events", "--base-dir", base, "--domain", "trades", "-o", "json")
	var events []ledger.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("parse events: %v\n%s", err, out)
	}
	found := false
	for _, e := range events {
		if e.Kind == ledger.KindStateMalformed && e.Status == ledger.StatusError && strings.Contains(e.Detail, "corrupt-") {
			found = true
		}
	}
	if !found {
		t.Errorf("no state_malformed error event in %+v", events)
	}
	if st := loadState(t, base, "trades"); st.Status != state.StatusWorking {
		t.Errorf("status = %q after quarantine", st.Status)
	}
}

func TestSupervise_NoCommand(t *testing.T) {
	base := isolateCLI(t)
	if _, err := runCLI(t, "", "supervise", "--base-dir", base, "--domain", "trades"); err == nil {
		t.Error("expected error without an agent command")
	}
}

func TestStatus(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "working", "rebalance")
	mustRun(t, "", "task", "--base-dir", base, "--domain", "ops", "--status", "idle")

	out := mustRun(t, "", "status", "--base-dir", base, "-o", "json")
	var rows []struct {
		Domain string `json:"domain"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("parse status: %v\n%s", err, out)
	}
	if len(rows) != 2 || rows[0].Domain != "ops" || rows[1].Status != "working" {
		t.Errorf("rows = %+v", rows)
	}

	table := mustRun(t, "", "status", "--base-dir", base)
	if !strings.Contains(table, "DOMAIN") || !strings.Contains(table, "rebalance") {
		t.Errorf("status table = %q", table)
	}
}

func TestStateShow(t *testing.T) {
	base := isolateCLI(t)
	mustRun(t, "", "task", "--base-dir", base, "--domain", "trades", "--status", "error", "broker down")
	out := mustRun(t, "", "state", "show", "--base-dir", base, "--domain", "trades")
	if !strings.Contains(out, "status:      error") || !strings.Contains(out, "broker down") {
		t.Errorf("state show = %q", out)
	}
	if _, err := runCLI(t, "", "state", "show", "--base-dir", base, "--domain", "ghost"); err == nil {
		t.Error("expected error for unknown domain")
	}
}

func TestConfigShow(t *testing.T) {
	base := isolateCLI(t)
	out := mustRun(t, "", "config", "--show", "--base-dir", base, "-o", "json")
	var resolved map[string]struct {
		Value  any    `json:"value"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(out), &resolved); err != nil {
		t.Fatalf("parse config: %v\n%s", err, out)
	}
	if got := resolved["base_dir"]; got.Value != base || got.Source != "flag" {
		t.Errorf("base_dir = %+v", got)
	}
	if got := resolved["liveness"]; got.Value != "pid" || got.Source != "default" {
		t.Errorf("liveness = %+v", got)
	}
}

func TestFilterEvents(t *testing.T) {
	events := []ledger.Event{
		{Domain: "a", Kind: "1"}, {Domain: "b", Kind: "2"}, {Domain: "a", Kind: "3"}, {Domain: "a", Kind: "4"},
	}
	tests := []struct {
		domain string
		limit  int
		want   string
	}{
		{"", 0, "1234"},
		{"a", 0, "134"},
		{"a", 2, "34"},
		{"", 1, "4"},
		{"c", 5, ""},
	}
	for _, tt := range tests {
		var got strings.Builder
		for _, e := range filterEvents(events, tt.domain, tt.limit) {
			got.WriteString(e.Kind)
		}
		if got.String() != tt.want {
			t.Errorf("filterEvents(%q, %d) = %q, want %q", tt.domain, tt.limit, got.String(), tt.want)
		}
	}
}
