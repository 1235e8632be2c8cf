package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/monitor"
	"github.com/gcamilo/phoenix-protocol/internal/reconcile"
	"github.com/gcamilo/phoenix-protocol/internal/state"
)

// JSON writes v as indented JSON without HTML escaping.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Age renders the time since t in the largest whole unit.
func Age(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in future"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m"
	case d < 48*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h"
	default:
		return strconv.Itoa(int(d.Hours()/24)) + "d"
	}
}

// State renders one document: a header block, then open loops and resolved
// items as tables.
func State(w io.Writer, st *state.AgentState, now time.Time) error {
	total, active := st.LoopCounts()
	task := st.CurrentTask
	if task == "" {
		task = "-"
	}
	if _, err := fmt.Fprintf(w, "agent:       %s\nstatus:      %s\ntask:        %s\nlast active: %s (%s ago)\nopen loops:  %d (active: %d, stale: %d)\n",
		st.AgentID, st.Status, task, formatTime(st.LastActive), Age(now, st.LastActive),
		total, active, total-active); err != nil {
		return err
	}

	if len(st.Numbers) > 0 {
		keys := make([]string, 0, len(st.Numbers))
		for k := range st.Numbers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + st.Numbers[k]
		}
		if _, err := fmt.Fprintf(w, "numbers:     %s\n", strings.Join(pairs, " ")); err != nil {
			return err
		}
	}

	if len(st.OpenLoops) > 0 {
		fmt.Fprintln(w)
		tbl := NewTable(w, "LOOP", "AGE", "STALE", "TEXT")
		tbl.SetMaxWidth(3, 72)
		for _, l := range st.OpenLoops {
			tbl.AddRow(l.ID, Age(now, l.Added), yesNo(l.Stale), l.Text)
		}
		if err := tbl.Render(); err != nil {
			return err
		}
	}
	if len(st.Resolved) > 0 {
		fmt.Fprintln(w)
		tbl := NewTable(w, "RESOLVED", "WHEN", "REASON")
		tbl.SetMaxWidth(2, 72)
		for _, r := range st.Resolved {
			tbl.AddRow(r.ID, Age(now, r.ResolvedDate)+" ago", r.Reason)
		}
		if err := tbl.Render(); err != nil {
			return err
		}
	}
	return nil
}

// StatusRow is one line of the fleet overview.
type StatusRow struct {
	Domain      string       `json:"domain"`
	Status      state.Status `json:"status"`
	CurrentTask string       `json:"current_task,omitempty"`
	LastActive  time.Time    `json:"last_active"`
	OpenLoops   int          `json:"open_loops"`
	ActiveLoops int          `json:"active_loops"`
	Supervised  bool         `json:"supervised"`
	Phase       string       `json:"phase,omitempty"`
	Crashes     int          `json:"crashes"`
	CleanExit   bool         `json:"clean_exit"`
	SafeMode    bool         `json:"safe_mode"`
}

// Status renders the fleet overview.
func Status(w io.Writer, rows []StatusRow, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no domains")
		return err
	}
	tbl := NewTable(w, "DOMAIN", "STATUS", "ACTIVE", "LOOPS", "SUPERVISOR", "CRASHES", "TASK")
	tbl.SetMaxWidth(6, 48)
	for _, r := range rows {
		sup := "-"
		switch {
		case r.SafeMode:
			sup = "safe_mode"
		case r.Supervised:
			sup = r.Phase
		case r.CleanExit:
			sup = "stopped"
		}
		tbl.AddRow(r.Domain, string(r.Status), Age(now, r.LastActive),
			fmt.Sprintf("%d/%d", r.ActiveLoops, r.OpenLoops), sup, strconv.Itoa(r.Crashes), r.CurrentTask)
	}
	return tbl.Render()
}

// Decisions renders a monitor sweep.
func Decisions(w io.Writer, decisions []monitor.Decision) error {
	if len(decisions) == 0 {
		_, err := fmt.Fprintln(w, "no domains checked")
		return err
	}
	tbl := NewTable(w, "DOMAIN", "ALIVE", "ACTION", "NEWLY STALE", "ERROR")
	tbl.SetMaxWidth(4, 60)
	for _, d := range decisions {
		errText := ""
		if d.Err != nil {
			errText = d.Err.Error()
		}
		tbl.AddRow(d.Domain, yesNo(d.Alive), string(d.Action), strconv.Itoa(d.NewlyStale), errText)
	}
	return tbl.Render()
}

// Reconciliations renders reconciliation results.
func Reconciliations(w io.Writer, results []reconcile.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no domains reconciled")
		return err
	}
	tbl := NewTable(w, "DOMAIN", "SUMMARY", "RESOLVED", "NOOP", "PRUNED", "ARCHIVED")
	for _, r := range results {
		summary := "none"
		switch {
		case r.Rejected:
			summary = "rejected"
		case r.Merged:
			summary = "merged"
		}
		tbl.AddRow(r.Domain, summary, strconv.Itoa(r.Resolved), strconv.Itoa(r.NoOp),
			strconv.Itoa(r.Pruned), strconv.Itoa(r.Archived))
	}
	return tbl.Render()
}

// Events renders ops log events, oldest first.
func Events(w io.Writer, events []ledger.Event) error {
	tbl := NewTable(w, "TIME", "DOMAIN", "EVENT", "STATUS", "DETAIL")
	tbl.SetMaxWidth(4, 80)
	for _, e := range events {
		tbl.AddRow(formatTime(e.Timestamp), e.Domain, e.Kind, string(e.Status), e.Detail)
	}
	return tbl.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
