package reconcile

import (
	"maps"

	"github.com/gcamilo/phoenix-protocol/internal/state"
)

// Merge applies a validated fragment to st. Present fields overwrite, with
// two exceptions: lastActive is never taken from the fragment, and resolved
// items are unioned by id with existing entries winning, so a summary cannot
// undo a resolution applied since it was written. Open loops the merged
// document already resolves are dropped.
func Merge(st *state.AgentState, f *Fragment) {
	if f == nil {
		return
	}
	if f.Status != nil {
		st.Status = state.Status(*f.Status)
	}
	if f.CurrentTask != nil {
		st.CurrentTask = *f.CurrentTask
	}
	if f.OpenLoops != nil {
		loops := make([]state.OpenLoop, 0, len(*f.OpenLoops))
		for _, l := range *f.OpenLoops {
			added, _ := parseDate(l.Added)
			loops = append(loops, state.OpenLoop{ID: l.ID, Text: l.Text, Added: added})
		}
		st.OpenLoops = loops
	}
	if f.Resolved != nil {
		have := make(map[string]bool, len(st.Resolved))
		for _, r := range st.Resolved {
			have[r.ID] = true
		}
		for _, r := range *f.Resolved {
			if have[r.ID] {
				continue
			}
			at, _ := parseDate(r.ResolvedDate)
			st.Resolved = append(st.Resolved, state.ResolvedItem{ID: r.ID, Reason: r.Reason, ResolvedDate: at})
			have[r.ID] = true
		}
	}
	if f.Numbers != nil {
		st.Numbers = maps.Clone(*f.Numbers)
	}
	st.DropResolvedLoops()
}
