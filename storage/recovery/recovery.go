// Package recovery implements crash recovery (spec §4.7): Log Analysis,
// REDO, UNDO, and single-page recovery (SPR). The three-pass shape and the
// SPR entry points are grounded directly on restart_m from the original
// storage manager this engine's spec was distilled from (log_analysis,
// redo_log_pass/redo_page_pass, undo_pass, recover_single_page): this
// package is new code (the teacher never implemented a log or a recovery
// pass), written in the teacher's idiom — short methods, typed errors
// returned rather than logged-and-swallowed, zap for narration.
package recovery

import (
	"os"

	"go.uber.org/zap"

	"github.com/foster-engine/foster/errs"
	"github.com/foster-engine/foster/metrics"
	"github.com/foster-engine/foster/storage/buffer"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/volume"
	"github.com/foster-engine/foster/storage/wal"
)

// dirtyEntry is one dirty-page-table row produced by Log Analysis: the
// page and the recLSN recovery must REDO from (spec §4.7: "recLSN is the
// LSN of the first update that could have dirtied the page since its last
// durable write").
type dirtyEntry struct {
	pid    ids.PageID
	recLSN ids.LSN
}

// xctEntry tracks one in-flight (uncommitted at crash time) transaction's
// last LSN, the UNDO pass's starting point for backward chaining.
type xctEntry struct {
	xid     uint64
	lastLSN ids.LSN
	ssx     bool
}

// Analysis is Log Analysis's output: the dirty page table and the loser
// (in-flight) transaction table, plus the lowest recLSN, which is where
// REDO must begin scanning from.
type Analysis struct {
	DirtyPages map[ids.PageID]ids.LSN
	Losers     map[uint64]*xctEntry
	RedoLSN    ids.LSN
}

// Manager drives recovery for one volume + its buffer pool + its log.
type Manager struct {
	vol     *volume.Volume
	pool    *buffer.Pool
	log     *wal.Manager
	logPath string
	metrics *metrics.Set
	zlog    *zap.Logger
}

func New(vol *volume.Volume, pool *buffer.Pool, logMgr *wal.Manager, logPath string, m *metrics.Set, zlog *zap.Logger) *Manager {
	return &Manager{vol: vol, pool: pool, log: logMgr, logPath: logPath, metrics: m, zlog: zlog}
}

// readAllRecords scans the log file from the beginning and returns every
// record in LSN order. Production recovery would stream this rather than
// materialize it, but the spec's log volumes are bounded by sm_logsize and
// this keeps the three passes simple to follow, mirroring restart_m's own
// choice to hold chkpt_t state in memory across passes.
func (m *Manager) readAllRecords() ([]*wal.Record, error) {
	buf, err := os.ReadFile(m.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorageFault, err, "recovery: read log")
	}
	var out []*wal.Record
	for off := 0; off < len(buf); {
		rec, n, err := wal.Unmarshal(buf[off:])
		if err != nil {
			// a torn write at the tail of the log is expected after a
			// crash; stop reading rather than treat it as corruption.
			break
		}
		out = append(out, rec)
		off += n
	}
	return out, nil
}

// LogAnalysis replays the log once to rebuild the dirty page table and the
// set of transactions that were still running at crash time (restart_m's
// log_analysis()).
func (m *Manager) LogAnalysis() (*Analysis, error) {
	records, err := m.readAllRecords()
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		DirtyPages: make(map[ids.PageID]ids.LSN),
		Losers:     make(map[uint64]*xctEntry),
	}

	for _, r := range records {
		switch r.Type {
		case wal.TypeXctBegin:
			a.Losers[r.XID] = &xctEntry{xid: r.XID, lastLSN: r.LSN}
		case wal.TypeXctCommit, wal.TypeXctAbort:
			delete(a.Losers, r.XID)
		default:
			if r.Flags.Has(wal.FlagSSX) {
				continue // SSX never rolls back; nothing to track as a loser
			}
			if e, ok := a.Losers[r.XID]; ok {
				e.lastLSN = r.LSN
			} else if r.XID != 0 {
				a.Losers[r.XID] = &xctEntry{xid: r.XID, lastLSN: r.LSN}
			}
		}
		if r.PageID != ids.NilPageID && r.Flags.Has(wal.FlagRedoable) {
			if _, ok := a.DirtyPages[r.PageID]; !ok {
				a.DirtyPages[r.PageID] = r.LSN
			}
		}
	}

	a.RedoLSN = ids.NullLSN
	for _, lsn := range a.DirtyPages {
		if a.RedoLSN == ids.NullLSN || ids.Less(lsn, a.RedoLSN) {
			a.RedoLSN = lsn
		}
	}
	return a, nil
}

// Redo replays every REDO-able record from a.RedoLSN forward whose
// target page's on-disk page_lsn is older than the record, the
// idempotence check spec §4.7 requires ("a REDO is a no-op if the page
// already reflects it"). This generalizes restart_m's redo_log_pass.
func (m *Manager) Redo(a *Analysis) error {
	records, err := m.readAllRecords()
	if err != nil {
		return err
	}

	for _, r := range records {
		if ids.Less(r.LSN, a.RedoLSN) {
			continue
		}
		if !r.Flags.Has(wal.FlagRedoable) || r.PageID == ids.NilPageID {
			continue
		}
		if _, dirty := a.DirtyPages[r.PageID]; !dirty {
			continue
		}
		if err := m.redoOne(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) redoOne(r *wal.Record) error {
	switch r.Type {
	case wal.TypeAllocPage, wal.TypeFreePage, wal.TypeStoreTableUpdate:
		return m.redoVolumeRecord(r)
	case wal.TypeBTreeRebalance:
		return m.redoRebalance(r)
	}

	swz, pg, err := m.pool.Fix(r.PageID, buffer.LatchExclusive)
	if err != nil {
		// page no longer allocated (e.g. freed after this record); skip.
		return nil
	}
	defer m.pool.Unfix(swz, buffer.LatchExclusive, true)

	if !ids.Less(pg.PageLSN, r.LSN) {
		if m.metrics != nil {
			m.metrics.RecoveryRedo.Inc()
		}
		return nil // already applied; REDO is idempotent
	}

	applyPhysical(pg, r)
	pg.PageLSN = r.LSN
	if m.metrics != nil {
		m.metrics.RecoveryRedo.Inc()
	}
	return nil
}

// redoVolumeRecord replays the bitmap/store-table bookkeeping spec §4.1
// requires alloc/free/store-root updates be logged as (TypeAllocPage,
// TypeFreePage, TypeStoreTableUpdate records, §4.1/§6): these target the
// volume directly rather than a buffer-pool page, so they bypass Fix.
func (m *Manager) redoVolumeRecord(r *wal.Record) error {
	if m.vol == nil {
		return nil
	}
	switch r.Type {
	case wal.TypeAllocPage:
		p := wal.UnmarshalAllocPayload(r.Payload)
		m.vol.MarkAllocated(ids.PageID(p.Page), int(p.Count))
	case wal.TypeFreePage:
		p := wal.UnmarshalAllocPayload(r.Payload)
		m.vol.MarkFreed(ids.PageID(p.Page))
	case wal.TypeStoreTableUpdate:
		p := wal.UnmarshalStoreTablePayload(r.Payload)
		return m.vol.SetStoreRoot(p.Store, ids.PageID(p.Root))
	}
	return nil
}

// redoRebalance replays a foster_rebalance/foster_rebalance_norec record
// (spec §4.5), which — unlike every other record type here — touches two
// distinct pages (the receiver named by r.PageID, and the donor named in
// the payload), so it can't go through the generic single-Fix path above.
func (m *Manager) redoRebalance(r *wal.Record) error {
	p := wal.UnmarshalRebalancePayload(r.Payload)
	if err := m.redoImagePage(r.PageID, r.LSN, p.ReceiverImage); err != nil {
		return err
	}
	return m.redoImagePage(ids.PageID(p.DonorPage), r.LSN, p.DonorImage)
}

func (m *Manager) redoImagePage(pid ids.PageID, lsn ids.LSN, image []byte) error {
	swz, pg, err := m.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return nil
	}
	defer m.pool.Unfix(swz, buffer.LatchExclusive, true)
	if !ids.Less(pg.PageLSN, lsn) {
		return nil
	}
	img := page.UnmarshalBinary(image)
	page.MemCpy(pg, img)
	pg.PageLSN = lsn
	if m.metrics != nil {
		m.metrics.RecoveryRedo.Inc()
	}
	return nil
}

// applyPhysical re-applies the physical effect of a record onto the page
// already Fixed by the caller. Structural operations that replace a page's
// entire contents (the child half of a split, merge, adopt/deadopt) are
// logged as full images or as the one insert/remove they reduce to, so
// REDO never has to replay an incremental sequence of slot moves — the
// same simplification spec §4.5 grants "system transactions" generally.
func applyPhysical(pg *page.Page, r *wal.Record) {
	switch r.Type {
	case wal.TypeDeleteSlot:
		p := wal.UnmarshalDeleteSlotPayload(r.Payload)
		if p.Slot != 0 && p.Slot <= pg.Cnt {
			pg.SetGhost(p.Slot, true)
		}
	case wal.TypeInsertSlot:
		p := wal.UnmarshalInsertSlotPayload(r.Payload)
		pg.InsertSlot(p.Slot, p.Key, p.Value, page.SlotType(p.SlotType))
	case wal.TypeUpdateSlot:
		p := wal.UnmarshalUpdatePayload(r.Payload)
		pg.PatchValue(p.Slot, p.Offset, p.NewBytes)
	case wal.TypeGhostReuse:
		p := wal.UnmarshalGhostReusePayload(r.Payload)
		pg.ReplaceGhost(p.Slot, p.NewValue)
	case wal.TypeRemoveSlot:
		p := wal.UnmarshalRemoveSlotPayload(r.Payload)
		if p.Slot != 0 && p.Slot <= pg.Cnt {
			pg.RemoveSlot(p.Slot)
		}
	case wal.TypeBTreeSplit:
		p := wal.UnmarshalSplitPayload(r.Payload)
		switch p.Kind {
		case wal.SplitKindChild:
			img := page.UnmarshalBinary(p.ChildImage)
			page.MemCpy(pg, img)
		case wal.SplitKindParent:
			pg.FosterChild = ids.PageID(p.FosterChild)
			pg.FosterEMLSN = r.LSN
			pg.SetHighFence(p.NewHighFence)
		}
	case wal.TypeBTreeAdoptFoster:
		// the new slot's value region must be reserved as 16 bytes up
		// front (InsertSlot sizes the record body from the value passed
		// in); SetBranchChild afterward only ever overwrites an
		// already-reserved 16-byte region, never grows one.
		p := wal.UnmarshalAdoptPayload(r.Payload)
		pg.InsertSlot(p.ParentSlot, p.Fence, make([]byte, 16), page.SlotBranch)
		pg.SetBranchChild(p.ParentSlot, ids.PageID(p.OldChild), r.LSN)
		pg.SetBranchChild(p.ParentSlot+1, ids.PageID(p.NewChild), r.LSN)
	case wal.TypeBTreeDeadopt:
		// the inverse of TypeBTreeAdoptFoster, against the parent only:
		// remove the slot that split OldChild's domain off NewChild, then
		// retarget the surviving slot (now shifted down into the removed
		// slot's position) from NewChild back to OldChild. OldChild's own
		// FosterChild field already still names NewChild — adoptFoster
		// never clears it — so folding the pair back together needs no
		// second record against a second page.
		p := wal.UnmarshalAdoptPayload(r.Payload)
		pg.RemoveSlot(p.ParentSlot)
		pg.SetBranchChild(p.ParentSlot, ids.PageID(p.OldChild), r.LSN)
	case wal.TypeBTreeMerge:
		p := wal.UnmarshalMergePayload(r.Payload)
		img := page.UnmarshalBinary(p.ParentImage)
		page.MemCpy(pg, img)
	case wal.TypeBTreeNewRoot:
		p := wal.UnmarshalNewRootPayload(r.Payload)
		img := page.UnmarshalBinary(p.RootImage)
		page.MemCpy(pg, img)
	}
}

// Undo rolls back every loser transaction found by LogAnalysis, walking
// each one's chain of PrevLSN backward and reversing, on the record's own
// page, every UNDO-able insert, delete or update record it meets
// (restart_m's undo_pass). No compensation log records (CLRs) are written,
// and UNDO-able records of other types are passed over. SSX records are
// skipped: spec §4.5 says they never roll back.
func (m *Manager) Undo(a *Analysis) error {
	records, err := m.readAllRecords()
	if err != nil {
		return err
	}
	byLSN := make(map[ids.LSN]*wal.Record, len(records))
	for _, r := range records {
		byLSN[r.LSN] = r
	}

	for _, loser := range a.Losers {
		if err := m.undoChain(loser.lastLSN, byLSN); err != nil {
			return err
		}
	}
	return nil
}

// UndoTransaction rolls back one transaction's chain given its last LSN,
// the same logic Undo runs per loser at crash recovery time — exposed so a
// live Engine.Abort can reuse it for a transaction that never crashed, just
// changed its mind. Unlike crash recovery, a live abort's records may still
// be sitting in the log manager's in-memory buffer, so the caller must
// flush them durable before calling this (readAllRecords only sees the
// file).
func (m *Manager) UndoTransaction(lastLSN ids.LSN) error {
	records, err := m.readAllRecords()
	if err != nil {
		return err
	}
	byLSN := make(map[ids.LSN]*wal.Record, len(records))
	for _, r := range records {
		byLSN[r.LSN] = r
	}
	return m.undoChain(lastLSN, byLSN)
}

func (m *Manager) undoChain(lastLSN ids.LSN, byLSN map[ids.LSN]*wal.Record) error {
	cur := lastLSN
	for cur.Valid() {
		r, ok := byLSN[cur]
		if !ok {
			break
		}
		if r.Flags.Has(wal.FlagUndoable) && !r.Flags.Has(wal.FlagSSX) {
			if err := m.undoOne(r); err != nil {
				return err
			}
		}
		cur = r.PrevLSN
	}
	return nil
}

func (m *Manager) undoOne(r *wal.Record) error {
	swz, pg, err := m.pool.Fix(r.PageID, buffer.LatchExclusive)
	if err != nil {
		return nil
	}
	defer m.pool.Unfix(swz, buffer.LatchExclusive, true)

	switch r.Type {
	case wal.TypeInsertSlot:
		p := wal.UnmarshalInsertSlotPayload(r.Payload)
		if p.Slot != 0 && p.Slot <= pg.Cnt {
			pg.SetGhost(p.Slot, true)
		}
	case wal.TypeDeleteSlot:
		p := wal.UnmarshalDeleteSlotPayload(r.Payload)
		if p.Slot != 0 && p.Slot <= pg.Cnt {
			pg.SetGhost(p.Slot, false)
		}
	case wal.TypeUpdateSlot:
		p := wal.UnmarshalUpdatePayload(r.Payload)
		pg.PatchValue(p.Slot, p.Offset, p.OldBytes)
	}
	if m.metrics != nil {
		m.metrics.RecoveryUndo.Inc()
	}
	return nil
}

// Run performs the full three-pass restart sequence.
func (m *Manager) Run() error {
	a, err := m.LogAnalysis()
	if err != nil {
		return errs.Wrap(errs.KindStorageFault, err, "recovery: log analysis")
	}
	if m.zlog != nil {
		m.zlog.Info("recovery: log analysis complete",
			zap.Int("dirty_pages", len(a.DirtyPages)),
			zap.Int("losers", len(a.Losers)))
	}
	if err := m.Redo(a); err != nil {
		return errs.Wrap(errs.KindStorageFault, err, "recovery: redo")
	}
	if err := m.Undo(a); err != nil {
		return errs.Wrap(errs.KindStorageFault, err, "recovery: undo")
	}
	return nil
}

// SinglePageRecovery reconstructs one page without replaying the whole
// buffer pool's worth of pages (spec §4.7's "SPR": "used when a page is
// found corrupt, or when a foster child's emlsn trails its parent's record
// of it"). It is wired into storage/buffer.Pool as a RecoverFunc callback
// (engine.go calls pool.SetRecover(recMgr.SinglePageRecovery) once at
// startup), so a checksum failure on Fix calls straight back into here
// instead of surfacing a bare integrity error to the caller.
//
// This is a simplified variant of restart_m's recover_single_page /
// _collect_spr_logs / _apply_spr_logs: that routine walks a page's EMLSN
// chain *backward* from a parent-recorded expected LSN, using per-page
// bookkeeping this buffer pool doesn't keep. Lacking that bookkeeping, SPR
// here instead does a forward scan of the whole log filtered to pid's
// records — more I/O per call, but the same end state, and still far
// cheaper than redoing every dirty page in the volume. If the on-disk
// image itself is unreadable (the corruption SPR exists to handle), it
// starts from a zeroed skeleton page rather than failing outright — the
// very case the old implementation's call to Volume.ReadPage as a
// prerequisite made impossible to recover from.
func (m *Manager) SinglePageRecovery(pid ids.PageID) (*page.Page, error) {
	records, err := m.readAllRecords()
	if err != nil {
		return nil, err
	}

	pg, readErr := m.vol.ReadPage(pid)
	if readErr != nil {
		pg = page.New(m.vol.PageSize() - page.HeaderSize)
		pg.Pid = pid
	}

	for _, r := range records {
		if r.PageID != pid || !r.Flags.Has(wal.FlagRedoable) {
			continue
		}
		if !ids.Less(pg.PageLSN, r.LSN) {
			continue
		}
		applyPhysical(pg, r)
		pg.PageLSN = r.LSN
	}

	if pg.PageLSN == ids.NullLSN && readErr != nil {
		return nil, errs.Wrap(errs.KindIntegrity, readErr, "recovery: SPR found no log records to reconstruct page")
	}

	pg.Seal()
	if m.metrics != nil {
		m.metrics.SPRRuns.Inc()
	}
	return pg, nil
}
