package ledger

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func TestResolutionLog_AppendAndPending(t *testing.T) {
	log := NewResolutionLog(t.TempDir()).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	a, err := log.Append(ctx, "trades", "a", "filled")
	require.NoError(t, err)
	_, err = log.Append(ctx, "ops", "x", "")
	require.NoError(t, err)
	b, err := log.Append(ctx, "trades", "b", "cancelled")
	require.NoError(t, err)

	assert.NotEmpty(t, a.EntryID)
	assert.NotEqual(t, a.EntryID, b.EntryID)
	assert.Equal(t, fixed, a.Timestamp)

	pending, err := log.Pending("trades")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
}

func TestResolutionLog_AppendValidates(t *testing.T) {
	log := NewResolutionLog(t.TempDir())
	_, err := log.Append(context.Background(), "", "a", "")
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = log.Append(context.Background(), "trades", "", "")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestResolutionLog_ArchiveMovesEntries(t *testing.T) {
	log := NewResolutionLog(t.TempDir())
	ctx := context.Background()

	a, err := log.Append(ctx, "trades", "a", "")
	require.NoError(t, err)
	other, err := log.Append(ctx, "ops", "x", "")
	require.NoError(t, err)

	n, err := log.Archive(ctx, []string{a.EntryID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := log.Pending("trades")
	require.NoError(t, err)
	assert.Empty(t, pending)

	pendingOps, err := log.Pending("ops")
	require.NoError(t, err)
	require.Len(t, pendingOps, 1)
	assert.Equal(t, other.EntryID, pendingOps[0].EntryID)

	archived, err := log.Archived()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, a, archived[0])

	n, err = log.Archive(ctx, []string{a.EntryID})
	require.NoError(t, err)
	assert.Zero(t, n, "archiving twice moves nothing")
}

func TestResolutionLog_ArchiveKeepsForeignLines(t *testing.T) {
	log := NewResolutionLog(t.TempDir())
	ctx := context.Background()

	a, err := log.Append(ctx, "trades", "a", "")
	require.NoError(t, err)
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"entry_id\": \"torn\n# operator note\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	b, err := log.Append(ctx, "trades", "b", "")
	require.NoError(t, err)

	n, err := log.Archive(ctx, []string{a.EntryID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"entry_id": "torn`, lines[0])
	assert.Equal(t, "# operator note", lines[1])
	assert.Contains(t, lines[2], b.EntryID)

	pending, err := log.Pending("trades")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.EntryID, pending[0].EntryID)
}

func TestResolutionLog_ConcurrentAppendsDuringArchive(t *testing.T) {
	log := NewResolutionLog(t.TempDir())
	ctx := context.Background()

	first, err := log.Append(ctx, "trades", "seed", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, "trades", "loop", "")
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := log.Archive(ctx, []string{first.EntryID})
		assert.NoError(t, err)
	}()
	wg.Wait()

	pending, err := log.Pending("trades")
	require.NoError(t, err)
	assert.Len(t, pending, 20, "no append lost to the archive rewrite")
}

func TestOpsLog_Record(t *testing.T) {
	ops := NewOpsLog(t.TempDir()).WithClock(func() time.Time { return fixed })
	require.NoError(t, ops.Record("trades", KindSessionEnd, StatusOK, "exit=0"))
	require.NoError(t, ops.Record("trades", KindSummaryRejected, StatusError, "bad status"))

	events, err := ops.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Timestamp: fixed, Kind: KindSessionEnd, Status: StatusOK, Domain: "trades", Detail: "exit=0"}, events[0])

	data, err := os.ReadFile(ops.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "one record per line")
	assert.Contains(t, string(data), `"event_kind":"session_end"`)
}

func TestOpsLog_NilDiscards(t *testing.T) {
	var ops *OpsLog
	assert.NoError(t, ops.Record("trades", KindRestart, StatusWarn, ""))
}
