package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foster-engine/foster/storage/buffer"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/volume"
	"github.com/foster-engine/foster/storage/wal"
)

func newHarness(t *testing.T) (*volume.Volume, *buffer.Pool, *wal.Manager, string) {
	t.Helper()
	f := volume.OpenMem("test")
	v, err := volume.Create(1, f, 12, 64)
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "test.log")
	logMgr, err := wal.Open(logPath, nil, nil)
	require.NoError(t, err)

	pool := buffer.New(v, 16, logMgr.Flush, nil, nil)
	return v, pool, logMgr, logPath
}

func TestLogAnalysisTracksDirtyPagesAndLosers(t *testing.T) {
	_, pool, logMgr, logPath := newHarness(t)

	swz, pg, err := pool.NewPage(page.TagBTreeLeaf, 0)
	require.NoError(t, err)
	pid := pg.Pid

	beginLSN, err := logMgr.Append(&wal.Record{Type: wal.TypeXctBegin, XID: 7})
	require.NoError(t, err)
	rec := &wal.Record{
		PrevLSN: beginLSN,
		Type:    wal.TypeInsertSlot,
		Flags:   wal.FlagRedoable | wal.FlagUndoable,
		PageID:  pid,
		XID:     7,
		Payload: []byte("k"),
	}
	lsn, err := logMgr.Append(rec)
	require.NoError(t, err)
	pg.PageLSN = lsn
	pool.Unfix(swz, buffer.LatchExclusive, true)
	require.NoError(t, logMgr.Flush(lsn))

	mgr := New(nil, pool, logMgr, logPath, nil, nil)
	a, err := mgr.LogAnalysis()
	require.NoError(t, err)

	require.Contains(t, a.DirtyPages, pid)
	require.Contains(t, a.Losers, uint64(7))
}

func TestRedoIsIdempotent(t *testing.T) {
	v, pool, logMgr, logPath := newHarness(t)

	swz, pg, err := pool.NewPage(page.TagBTreeLeaf, 0)
	require.NoError(t, err)
	pid := pg.Pid
	pg.Cnt = page.FirstDataSlot
	off := pg.Min - page.EntrySize(1, 0)
	pg.Min = off
	pg.SetKeyOffset(page.FirstDataSlot, off)
	pg.SetKey(page.FirstDataSlot, []byte("k"))
	pg.SetValue(page.FirstDataSlot, nil)

	rec := &wal.Record{
		Type:    wal.TypeDeleteSlot,
		Flags:   wal.FlagRedoable | wal.FlagUndoable,
		PageID:  pid,
		Payload: (&wal.DeleteSlotPayload{Slot: page.FirstDataSlot}).Marshal(),
	}
	lsn, err := logMgr.Append(rec)
	require.NoError(t, err)
	require.NoError(t, logMgr.Flush(lsn))

	// persist the page *without* the delete applied, as if the crash
	// happened after the log record was durable but before the page
	// write-back, so Redo has to reapply it.
	pool.Unfix(swz, buffer.LatchExclusive, true)

	mgr := New(v, pool, logMgr, logPath, nil, nil)
	a, err := mgr.LogAnalysis()
	require.NoError(t, err)
	require.NoError(t, mgr.Redo(a))

	swz2, pg2, err := pool.Fix(pid, buffer.LatchShare)
	require.NoError(t, err)
	defer pool.Unfix(swz2, buffer.LatchShare, false)

	require.True(t, pg2.Ghost(page.FirstDataSlot), "Redo should have re-applied the delete")

	// a second Redo over the same analysis must be a no-op (idempotence).
	require.NoError(t, mgr.Redo(a))
}
