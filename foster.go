// Package foster implements the Foster B-tree index itself (spec §4.4,
// §4.5): descent with latch coupling across foster edges, leaf
// insert/delete/update, page split with foster-child adoption, branch-level
// growth, merge/rebalance/de-adopt, range scans, and the SSX wrapper that
// logs each structural operation as a redo-only record. It generalizes the
// teacher's BLTree (bltree.go's InsertKey, DeleteKey, FindKey,
// splitPage/splitKeys, findNext) by replacing the single right-sibling
// pointer with the foster chain spec §4.4 describes, and by replacing the
// teacher's unlogged in-place mutation with WAL records emitted through
// storage/wal.
package foster

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/foster-engine/foster/errs"
	"github.com/foster-engine/foster/interfaces"
	"github.com/foster-engine/foster/storage/buffer"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/wal"
	"github.com/foster-engine/foster/txn"
)

// Index is one Foster B-tree, rooted at a page within a single volume's
// store table.
type Index struct {
	pool   *buffer.Pool
	log    *wal.Manager
	oracle interfaces.LockOracle
	zlog   *zap.Logger

	store   uint32
	root    ids.PageID
	counter *txn.Counter
}

// Open wraps an already-allocated root page as an Index. CreateIndex
// should be used instead when starting from an empty store.
func Open(pool *buffer.Pool, logMgr *wal.Manager, oracle interfaces.LockOracle, zlog *zap.Logger, store uint32, root ids.PageID) *Index {
	return &Index{pool: pool, log: logMgr, oracle: oracle, zlog: zlog, store: store, root: root}
}

// CreateIndex allocates a fresh, empty root leaf page, registers it as
// store's root in the volume's store table (spec §6: "one Foster B-tree
// per store id", persisted via the stnode page's SetStoreRoot), and
// returns an Index over it — the way the teacher's NewBufMgr seeded page 1
// as an empty root.
func CreateIndex(pool *buffer.Pool, logMgr *wal.Manager, oracle interfaces.LockOracle, zlog *zap.Logger, store uint32) (*Index, error) {
	swz, root, err := pool.NewPage(page.TagBTreeLeaf, 0)
	if err != nil {
		return nil, err
	}
	root.Cnt = page.FirstDataSlot - 1
	root.SetLowFence(nil)
	root.SetHighFence(nil)
	root.SetChainHighFence(nil)
	root.Seal()
	rootPid := root.Pid
	pool.Unfix(swz, buffer.LatchExclusive, true)

	if err := pool.Volume().SetStoreRoot(store, rootPid); err != nil {
		return nil, err
	}
	return &Index{pool: pool, log: logMgr, oracle: oracle, zlog: zlog, store: store, root: rootPid}, nil
}

// withinFences reports whether key belongs on this page, i.e. lies in
// [lowFence, highFence) the way the teacher's right-sibling stopper key
// bounded a page's domain.
func withinFences(pg *page.Page, key []byte) bool {
	low := pg.LowFence()
	high := pg.HighFence()
	if low != nil && page.Compare(key, low) < 0 {
		return false
	}
	if high != nil && page.Compare(key, high) >= 0 {
		return false
	}
	return true
}

// branchSlot picks the branch slot whose child covers key (spec §4.4: a
// branch slot's key is the exclusive upper bound of its child's domain,
// with the last slot acting as catch-all for keys beyond every separator).
// This runs its own upper-bound search over the data slots
// FirstDataSlot..Cnt-1 (the real separators, i.e. every data slot but the
// last) rather than calling page.FindSlot over the whole
// range: the last slot's key is an arbitrary placeholder (often empty, for
// an unbounded domain) that would otherwise corrupt FindSlot's assumption
// that slot keys sort ascending — Compare treats an empty key as least,
// not as +infinity, so a lower-bound search that lands on that placeholder
// first would wrongly skip past real, smaller separators before it.
func branchSlot(pg *page.Page, key []byte) uint32 {
	lo, hi := uint32(page.FirstDataSlot), pg.Cnt
	for lo < hi {
		mid := lo + (hi-lo)/2
		if page.Compare(pg.Key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// branchSlotForChild linear-scans pg's data slots for the one pointing at
// child, returning 0 if none does.
func branchSlotForChild(pg *page.Page, child ids.PageID) uint32 {
	for s := uint32(page.FirstDataSlot); s <= pg.Cnt; s++ {
		if c, _ := pg.BranchChild(s); c == child {
			return s
		}
	}
	return 0
}

// descend walks from the root to the leaf that should contain key,
// coupling latches parent-then-child and crossing foster edges whenever a
// page's high fence says key belongs to its foster child instead (spec
// §4.4: "a reader or writer that lands on a page whose foster child's
// range covers the search key must first follow the foster pointer").
// Branch-level child fixes go through the buffer pool's swizzle cache via
// FixChild, so a repeated descent down the same branch slot resolves
// without a hash-table lookup (spec §4.3).
func (idx *Index) descend(key []byte, mode buffer.LatchMode) (ids.PageID, *page.Page, error) {
	pid := idx.root
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchShare)
	if err != nil {
		return ids.NilPageID, nil, err
	}

	for {
		for !withinFences(pg, key) && pg.FosterChild != ids.NilPageID {
			next := pg.FosterChild
			nswz, npg, err := idx.pool.Fix(next, buffer.LatchShare)
			if err != nil {
				idx.pool.Unfix(swz, buffer.LatchShare, false)
				return ids.NilPageID, nil, err
			}
			idx.pool.Unfix(swz, buffer.LatchShare, false)
			swz, pg = nswz, npg
		}

		if pg.Tag == page.TagBTreeLeaf {
			if mode == buffer.LatchExclusive {
				idx.pool.Unfix(swz, buffer.LatchShare, false)
				return idx.descendExclusive(key)
			}
			return swz, pg, nil
		}

		slot := branchSlot(pg, key)
		cswz, cpg, err := idx.pool.FixChild(pg, slot, buffer.LatchShare)
		if err != nil {
			idx.pool.Unfix(swz, buffer.LatchShare, false)
			return ids.NilPageID, nil, err
		}
		idx.pool.Unfix(swz, buffer.LatchShare, false)
		swz, pg = cswz, cpg
	}
}

// descendExclusive is descend's sibling for writers: it re-walks from the
// root with shared latches down to the leaf, releases them, and then calls
// refixExclusive, which walks from the root a third time taking an
// exclusive latch on every page along the path (branch pages and foster
// parents included, each released once its child is latched), ending with
// the leaf held exclusive.
func (idx *Index) descendExclusive(key []byte) (ids.PageID, *page.Page, error) {
	pid := idx.root
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchShare)
	if err != nil {
		return ids.NilPageID, nil, err
	}
	for pg.Tag != page.TagBTreeLeaf {
		for !withinFences(pg, key) && pg.FosterChild != ids.NilPageID {
			next := pg.FosterChild
			nswz, npg, err := idx.pool.Fix(next, buffer.LatchShare)
			if err != nil {
				idx.pool.Unfix(swz, buffer.LatchShare, false)
				return ids.NilPageID, nil, err
			}
			idx.pool.Unfix(swz, buffer.LatchShare, false)
			swz, pg = nswz, npg
		}
		slot := branchSlot(pg, key)
		cswz, cpg, err := idx.pool.FixChild(pg, slot, buffer.LatchShare)
		if err != nil {
			idx.pool.Unfix(swz, buffer.LatchShare, false)
			return ids.NilPageID, nil, err
		}
		idx.pool.Unfix(swz, buffer.LatchShare, false)
		swz, pg = cswz, cpg
	}
	idx.pool.Unfix(swz, buffer.LatchShare, false)
	return idx.refixExclusive(key)
}

func (idx *Index) refixExclusive(key []byte) (ids.PageID, *page.Page, error) {
	pid := idx.root
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return ids.NilPageID, nil, err
	}
	for pg.Tag != page.TagBTreeLeaf {
		for !withinFences(pg, key) && pg.FosterChild != ids.NilPageID {
			next := pg.FosterChild
			nswz, npg, err := idx.pool.Fix(next, buffer.LatchExclusive)
			if err != nil {
				idx.pool.Unfix(swz, buffer.LatchExclusive, false)
				return ids.NilPageID, nil, err
			}
			idx.pool.Unfix(swz, buffer.LatchExclusive, false)
			swz, pg = nswz, npg
		}
		slot := branchSlot(pg, key)
		cswz, cpg, err := idx.pool.FixChild(pg, slot, buffer.LatchExclusive)
		if err != nil {
			idx.pool.Unfix(swz, buffer.LatchExclusive, false)
			return ids.NilPageID, nil, err
		}
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		swz, pg = cswz, cpg
	}
	return swz, pg, nil
}

// Find returns the value stored under key, if any (spec §4.4's FindKey).
func (idx *Index) Find(key []byte) ([]byte, bool, error) {
	swz, pg, err := idx.descend(key, buffer.LatchShare)
	if err != nil {
		return nil, false, err
	}
	defer idx.pool.Unfix(swz, buffer.LatchShare, false)

	slot := pg.FindSlot(key)
	if slot == 0 || slot > pg.Cnt {
		return nil, false, nil
	}
	if !bytes.Equal(pg.Key(slot), key) || pg.Ghost(slot) {
		return nil, false, nil
	}
	return pg.Value(slot), true, nil
}

// Insert installs key/value, splitting the leaf as needed. The slot
// insertion is logged under xct as an UNDO-able record; any resulting split
// is logged as an SSX operation of its own. A
// re-insert of a previously-deleted key reuses the ghost slot FindSlot
// lands on (spec §4.4 replace_ghost) instead of blindly inserting a fresh
// slot next to it, which would otherwise leave the old ghost duplicated.
func (idx *Index) Insert(xct *txn.Xct, key, value []byte) error {
	if idx.oracle != nil && !xct.SSX {
		if err := idx.oracle.Acquire(interfaces.XID(xct.ID), key, interfaces.LockModeExclusive); err != nil {
			return err
		}
	}

	swz, pg, err := idx.descend(key, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	slot := pg.FindSlot(key)
	exact := slot != 0 && slot <= pg.Cnt && bytes.Equal(pg.Key(slot), key)
	if exact && !pg.Ghost(slot) {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return errs.New(errs.KindDuplicateKey, "foster: key already present")
	}

	if exact {
		err := idx.reuseGhostLogged(xct, pg, slot, value)
		idx.pool.Unfix(swz, buffer.LatchExclusive, true)
		return err
	}

	need := page.EntrySize(len(key), len(value)) + page.SlotSize
	if pg.Min < need+(pg.Cnt+1)*page.SlotSize {
		idx.pool.Unfix(swz, buffer.LatchExclusive, true)
		if err := idx.splitLeaf(pg.Pid); err != nil {
			return err
		}
		return idx.Insert(xct, key, value)
	}

	if err := idx.insertSlotLogged(xct, pg, key, value, slot); err != nil {
		idx.pool.Unfix(swz, buffer.LatchExclusive, true)
		return err
	}
	idx.pool.Unfix(swz, buffer.LatchExclusive, true)
	return nil
}

// reuseGhostLogged reinserts value under slot, a prior delete's ghost
// (spec §4.4 replace_ghost), patching it in place when value fits the
// space the old one reserved (TypeGhostReuse), or physically dropping the
// stale slot first (TypeRemoveSlot) and inserting fresh when it doesn't —
// this is the fix for a re-insert that used to leave the ghost duplicated.
func (idx *Index) reuseGhostLogged(xct *txn.Xct, pg *page.Page, slot uint32, value []byte) error {
	oldValue := pg.Value(slot)
	if pg.ReplaceGhost(slot, value) {
		pg.Act++
		if idx.log == nil {
			return nil
		}
		rec := &wal.Record{
			PrevLSN: xct.LastLSN,
			PageLSN: pg.PageLSN,
			Type:    wal.TypeGhostReuse,
			Flags:   wal.FlagRedoable | wal.FlagUndoable,
			PageID:  pg.Pid,
			XID:     uint64(xct.ID),
			Payload: (&wal.GhostReusePayload{Slot: slot, OldValue: oldValue, NewValue: value}).Marshal(),
		}
		lsn, err := idx.log.Append(rec)
		if err != nil {
			return err
		}
		pg.PageLSN = lsn
		xct.LastLSN = lsn
		return nil
	}

	key := append([]byte(nil), pg.Key(slot)...)
	pg.RemoveSlot(slot)
	if idx.log != nil {
		rec := &wal.Record{
			PrevLSN: xct.LastLSN,
			PageLSN: pg.PageLSN,
			Type:    wal.TypeRemoveSlot,
			Flags:   wal.FlagRedoable,
			PageID:  pg.Pid,
			XID:     uint64(xct.ID),
			Payload: (&wal.RemoveSlotPayload{Slot: slot}).Marshal(),
		}
		lsn, err := idx.log.Append(rec)
		if err != nil {
			return err
		}
		pg.PageLSN = lsn
		xct.LastLSN = lsn
	}
	return idx.insertSlotLogged(xct, pg, key, value, pg.FindSlot(key))
}

func (idx *Index) insertSlotLogged(xct *txn.Xct, pg *page.Page, key, value []byte, hint uint32) error {
	at := hint
	if at == 0 || at > pg.Cnt+1 {
		at = pg.Cnt + 1
	}
	pg.InsertSlot(at, key, value, page.SlotUnique)
	pg.Act++

	if idx.log == nil {
		return nil
	}
	rec := &wal.Record{
		PrevLSN: xct.LastLSN,
		PageLSN: pg.PageLSN,
		Type:    wal.TypeInsertSlot,
		Flags:   wal.FlagRedoable | wal.FlagUndoable,
		PageID:  pg.Pid,
		XID:     uint64(xct.ID),
		Payload: (&wal.InsertSlotPayload{Slot: at, SlotType: uint8(page.SlotUnique), Key: key, Value: value}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	pg.PageLSN = lsn
	xct.LastLSN = lsn
	return nil
}

// Delete logically removes key by marking its slot ghost (spec §4.4:
// "delete never physically removes a slot; it marks it ghost").
func (idx *Index) Delete(xct *txn.Xct, key []byte) error {
	if idx.oracle != nil && !xct.SSX {
		if err := idx.oracle.Acquire(interfaces.XID(xct.ID), key, interfaces.LockModeExclusive); err != nil {
			return err
		}
	}

	swz, pg, err := idx.descend(key, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	slot := pg.FindSlot(key)
	if slot == 0 || slot > pg.Cnt || !bytes.Equal(pg.Key(slot), key) || pg.Ghost(slot) {
		return errs.New(errs.KindNotFound, "foster: key not found")
	}
	pg.SetGhost(slot, true)
	pg.Act--

	if idx.log == nil {
		return nil
	}
	rec := &wal.Record{
		PrevLSN: xct.LastLSN,
		PageLSN: pg.PageLSN,
		Type:    wal.TypeDeleteSlot,
		Flags:   wal.FlagRedoable | wal.FlagUndoable,
		PageID:  pg.Pid,
		XID:     uint64(xct.ID),
		Payload: (&wal.DeleteSlotPayload{Slot: slot}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	pg.PageLSN = lsn
	xct.LastLSN = lsn
	return nil
}

// Update replaces key's value wholesale (spec §4.6 btree_update): a
// same-length replacement patches in place and logs a single TypeUpdateSlot
// record; a length-changing one falls back to ghosting the old slot and
// reinserting, the same fallback replace_ghost takes when a fresh value
// can't fit an old slot's reserved space.
func (idx *Index) Update(xct *txn.Xct, key, value []byte) error {
	if idx.oracle != nil && !xct.SSX {
		if err := idx.oracle.Acquire(interfaces.XID(xct.ID), key, interfaces.LockModeExclusive); err != nil {
			return err
		}
	}

	swz, pg, err := idx.descend(key, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	slot := pg.FindSlot(key)
	if slot == 0 || slot > pg.Cnt || !bytes.Equal(pg.Key(slot), key) || pg.Ghost(slot) {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return errs.New(errs.KindNotFound, "foster: key not found")
	}

	old := pg.Value(slot)
	if len(value) == len(old) {
		err := idx.overwriteLogged(xct, pg, slot, 0, old, value)
		idx.pool.Unfix(swz, buffer.LatchExclusive, true)
		return err
	}

	pg.SetGhost(slot, true)
	pg.Act--
	if idx.log != nil {
		rec := &wal.Record{
			PrevLSN: xct.LastLSN,
			PageLSN: pg.PageLSN,
			Type:    wal.TypeDeleteSlot,
			Flags:   wal.FlagRedoable | wal.FlagUndoable,
			PageID:  pg.Pid,
			XID:     uint64(xct.ID),
			Payload: (&wal.DeleteSlotPayload{Slot: slot}).Marshal(),
		}
		lsn, err := idx.log.Append(rec)
		if err != nil {
			idx.pool.Unfix(swz, buffer.LatchExclusive, true)
			return err
		}
		pg.PageLSN = lsn
		xct.LastLSN = lsn
	}
	idx.pool.Unfix(swz, buffer.LatchExclusive, true)
	return idx.Insert(xct, key, value)
}

// Overwrite patches a byte range of key's existing value in place (spec
// §4.6 btree_overwrite), without touching the value's length or any other
// slot.
func (idx *Index) Overwrite(xct *txn.Xct, key []byte, offset uint32, data []byte) error {
	if idx.oracle != nil && !xct.SSX {
		if err := idx.oracle.Acquire(interfaces.XID(xct.ID), key, interfaces.LockModeExclusive); err != nil {
			return err
		}
	}

	swz, pg, err := idx.descend(key, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	slot := pg.FindSlot(key)
	if slot == 0 || slot > pg.Cnt || !bytes.Equal(pg.Key(slot), key) || pg.Ghost(slot) {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return errs.New(errs.KindNotFound, "foster: key not found")
	}
	old := pg.Value(slot)
	if int(offset)+len(data) > len(old) {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return errs.New(errs.KindProgrammer, "foster: overwrite range exceeds value length")
	}
	oldRange := append([]byte(nil), old[offset:int(offset)+len(data)]...)
	err = idx.overwriteLogged(xct, pg, slot, offset, oldRange, data)
	idx.pool.Unfix(swz, buffer.LatchExclusive, true)
	return err
}

func (idx *Index) overwriteLogged(xct *txn.Xct, pg *page.Page, slot, offset uint32, oldBytes, newBytes []byte) error {
	pg.PatchValue(slot, offset, newBytes)
	if idx.log == nil {
		return nil
	}
	rec := &wal.Record{
		PrevLSN: xct.LastLSN,
		PageLSN: pg.PageLSN,
		Type:    wal.TypeUpdateSlot,
		Flags:   wal.FlagRedoable | wal.FlagUndoable,
		PageID:  pg.Pid,
		XID:     uint64(xct.ID),
		Payload: (&wal.UpdatePayload{Slot: slot, Offset: offset, OldBytes: oldBytes, NewBytes: newBytes}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	pg.PageLSN = lsn
	xct.LastLSN = lsn
	return nil
}

// splitLeaf performs the SSX btree_split operation (spec §4.5): allocate
// a new page, move the upper half of pid's slots into it, install it as
// pid's foster child, log the new child's full image plus the parent's
// fence/pointer update as one SSX, then adopt the new foster edge into a
// real branch slot (or promote the root) once both pages are unfixed. This
// generalizes the teacher's splitPage/splitKeys pair, which did the same
// slot-moving dance but linked via Right rather than a foster edge and
// never logged the operation at all.
func (idx *Index) splitLeaf(pid ids.PageID) error {
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	if pg.Cnt < page.FirstDataSlot+1 {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return nil // nothing to split
	}

	mid := page.FirstDataSlot + (pg.Cnt-page.FirstDataSlot+1)/2
	splitKey := append([]byte(nil), pg.Key(mid)...)

	cswz, child, err := idx.pool.NewPage(page.TagBTreeLeaf, pg.Level)
	if err != nil {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return err
	}

	child.Cnt = page.FirstDataSlot - 1
	child.SetLowFence(splitKey)
	child.SetHighFence(pg.HighFence())
	child.SetChainHighFence(pg.ChainHighFence())
	child.FosterChild = pg.FosterChild

	for s := mid; s <= pg.Cnt; s++ {
		key := pg.Key(s)
		val := pg.Value(s)
		child.Cnt++
		bodyOff := child.Min - page.EntrySize(len(key), len(val))
		child.Min = bodyOff
		child.SetKeyOffset(child.Cnt, bodyOff)
		child.SetKey(child.Cnt, key)
		child.SetValue(child.Cnt, val)
		child.SetTyp(child.Cnt, pg.Typ(s))
		child.SetGhost(child.Cnt, pg.Ghost(s))
		if !pg.Ghost(s) {
			child.Act++
			pg.Act--
		}
	}

	// rebuild pg from the slots that stay, freeing the moved records' space
	old := page.New(uint32(len(pg.Data)))
	page.MemCpy(old, pg)
	pg.Cnt = page.FirstDataSlot - 1
	pg.Min = uint32(len(pg.Data))
	pg.SetLowFence(old.LowFence())
	pg.SetHighFence(splitKey)
	pg.SetChainHighFence(old.ChainHighFence())
	for s := uint32(page.FirstDataSlot); s < mid; s++ {
		pg.InsertSlot(s, old.Key(s), old.Value(s), old.Typ(s))
		pg.SetGhost(s, old.Ghost(s))
	}
	pg.FosterChild = child.Pid

	ssx := txn.BeginSSX(idx.counterFallback())
	if idx.log != nil {
		child.Seal()
		crec := &wal.Record{
			Type:    wal.TypeBTreeSplit,
			Flags:   wal.FlagRedoable | wal.FlagSSX,
			PageID:  child.Pid,
			XID:     uint64(ssx.ID),
			Payload: (&wal.SplitPayload{Kind: wal.SplitKindChild, ChildImage: child.MarshalBinary()}).Marshal(),
		}
		clsn, err := idx.log.Append(crec)
		if err != nil {
			idx.pool.Unfix(cswz, buffer.LatchExclusive, true)
			idx.pool.Unfix(swz, buffer.LatchExclusive, true)
			return err
		}
		child.PageLSN = clsn

		prec := &wal.Record{
			PageLSN: pg.PageLSN,
			Type:    wal.TypeBTreeSplit,
			Flags:   wal.FlagRedoable | wal.FlagSSX,
			PageID:  pg.Pid,
			XID:     uint64(ssx.ID),
			Payload: (&wal.SplitPayload{Kind: wal.SplitKindParent, FosterChild: uint64(child.Pid), SplitSlot: mid, NewHighFence: splitKey}).Marshal(),
		}
		plsn, err := idx.log.Append(prec)
		if err != nil {
			idx.pool.Unfix(cswz, buffer.LatchExclusive, true)
			idx.pool.Unfix(swz, buffer.LatchExclusive, true)
			return err
		}
		pg.PageLSN = plsn
	}

	idx.pool.Unfix(cswz, buffer.LatchExclusive, true)
	idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	return idx.adoptFoster(pid)
}

// adoptFoster installs pid's foster child as a proper sibling branch slot
// in pid's parent (spec §4.5 foster_adopt), turning what would otherwise
// be a foster-edge chase into an ordinary branch descent. Called after
// splitLeaf has unfixed both pages, so it's free to re-Fix them without
// risking self-deadlock. If pid is the root, growing the tree by a level
// (promoteRoot) takes the place of a parent adopt.
func (idx *Index) adoptFoster(pid ids.PageID) error {
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	if pg.FosterChild == ids.NilPageID {
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		return nil
	}
	childPid := pg.FosterChild
	splitKey := append([]byte(nil), pg.HighFence()...)
	anchorKey := append([]byte(nil), pg.LowFence()...)
	idx.pool.Unfix(swz, buffer.LatchExclusive, false)

	if pid == idx.root {
		return idx.promoteRoot(pid, childPid, splitKey)
	}

	pswz, ppg, slot, err := idx.locateParent(pid, anchorKey)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(pswz, buffer.LatchExclusive, true)

	ppg.InsertSlot(slot, splitKey, make([]byte, 16), page.SlotBranch)

	if idx.log == nil {
		ppg.SetBranchChild(slot, pid, 0)
		ppg.SetBranchChild(slot+1, childPid, 0)
		return nil
	}

	ssx := txn.BeginSSX(idx.counterFallback())
	rec := &wal.Record{
		PageLSN: ppg.PageLSN,
		Type:    wal.TypeBTreeAdoptFoster,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  ppg.Pid,
		XID:     uint64(ssx.ID),
		Payload: (&wal.AdoptPayload{ParentSlot: slot, OldChild: uint64(pid), NewChild: uint64(childPid), Fence: splitKey}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	ppg.PageLSN = lsn
	ppg.SetBranchChild(slot, pid, lsn)
	ppg.SetBranchChild(slot+1, childPid, lsn)
	return nil
}

// locateParent finds the branch page with a slot pointing at childPid,
// walking from the root toward anchorKey (a key known to lie within
// childPid's own domain) and checking, at each branch level, whether the
// slot the descent is about to follow already resolves to childPid —
// this tree's substitute for the teacher's BLTree carrying an explicit
// parent pointer, since Foster B-trees keep none.
func (idx *Index) locateParent(childPid ids.PageID, anchorKey []byte) (ids.PageID, *page.Page, uint32, error) {
	pid := idx.root
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return ids.NilPageID, nil, 0, err
	}
	for pg.Tag == page.TagBTreeBranch {
		for pg.FosterChild != ids.NilPageID && !withinFences(pg, anchorKey) {
			next := pg.FosterChild
			nswz, npg, err := idx.pool.Fix(next, buffer.LatchExclusive)
			if err != nil {
				idx.pool.Unfix(swz, buffer.LatchExclusive, false)
				return ids.NilPageID, nil, 0, err
			}
			idx.pool.Unfix(swz, buffer.LatchExclusive, false)
			swz, pg = nswz, npg
		}
		slot := branchSlot(pg, anchorKey)
		child, _ := pg.BranchChild(slot)
		if child == childPid {
			return swz, pg, slot, nil
		}
		cswz, cpg, err := idx.pool.FixChild(pg, slot, buffer.LatchExclusive)
		if err != nil {
			idx.pool.Unfix(swz, buffer.LatchExclusive, false)
			return ids.NilPageID, nil, 0, err
		}
		idx.pool.Unfix(swz, buffer.LatchExclusive, false)
		swz, pg = cswz, cpg
	}
	idx.pool.Unfix(swz, buffer.LatchExclusive, false)
	return ids.NilPageID, nil, 0, errs.New(errs.KindProgrammer, "foster: no parent branch found for page")
}

// promoteRoot grows the tree by one level while keeping the root page id
// fixed (spec §4.5: callers never need to learn a new root pid after a
// split). The root's current contents move into a freshly allocated page,
// and the root page itself is rewritten in place as a branch with two
// children: the moved-out copy and the foster child that triggered the
// promotion.
func (idx *Index) promoteRoot(pid, childPid ids.PageID, splitKey []byte) error {
	swz, root, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	cswz, copyPg, err := idx.pool.NewPage(root.Tag, root.Level)
	if err != nil {
		return err
	}
	copyPid := copyPg.Pid
	page.MemCpy(copyPg, root)
	copyPg.Pid = copyPid
	copyPg.FosterChild = ids.NilPageID
	copyPg.SetHighFence(splitKey)
	copyPg.Seal()
	idx.pool.Unfix(cswz, buffer.LatchExclusive, true)

	lowFence := append([]byte(nil), root.LowFence()...)
	highFence := append([]byte(nil), root.HighFence()...)
	chainHigh := append([]byte(nil), root.ChainHighFence()...)

	root.Tag = page.TagBTreeBranch
	root.Level = root.Level + 1
	root.Cnt = page.FirstDataSlot - 1
	root.Min = uint32(len(root.Data))
	root.Act = 0
	root.Garbage = 0
	root.FosterChild = ids.NilPageID
	root.SetLowFence(lowFence)
	root.SetHighFence(highFence)
	root.SetChainHighFence(chainHigh)

	root.InsertSlot(page.FirstDataSlot, splitKey, make([]byte, 16), page.SlotBranch)
	root.InsertSlot(page.FirstDataSlot+1, highFence, make([]byte, 16), page.SlotBranch)
	root.SetBranchChild(page.FirstDataSlot, copyPid, 0)
	root.SetBranchChild(page.FirstDataSlot+1, childPid, 0)
	root.Act = 2

	root.Seal()
	if idx.log == nil {
		return nil
	}
	ssx := txn.BeginSSX(idx.counterFallback())
	rec := &wal.Record{
		Type:    wal.TypeBTreeNewRoot,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  root.Pid,
		XID:     uint64(ssx.ID),
		Payload: (&wal.NewRootPayload{RootImage: root.MarshalBinary()}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	root.PageLSN = lsn
	return nil
}

// mergeFoster reabsorbs pid's foster child's contents back into pid (spec
// §4.5's foster_merge) and frees the child's page — splitLeaf's inverse.
// Exposed directly rather than auto-triggered by Delete, since this tree
// has no minimum-occupancy policy deciding when a page should shrink; a
// caller that already adopted the child into a branch slot should use
// deadoptSibling first.
func (idx *Index) mergeFoster(pid ids.PageID) error {
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	if pg.FosterChild == ids.NilPageID {
		return errs.New(errs.KindProgrammer, "foster: merge target has no foster child")
	}
	childPid := pg.FosterChild

	cswz, child, err := idx.pool.Fix(childPid, buffer.LatchExclusive)
	if err != nil {
		return err
	}

	for s := uint32(page.FirstDataSlot); s <= child.Cnt; s++ {
		if child.Ghost(s) {
			continue
		}
		if child.Typ(s) == page.SlotBranch {
			c, e := child.BranchChild(s)
			pg.InsertSlot(pg.Cnt+1, child.Key(s), make([]byte, 16), page.SlotBranch)
			pg.SetBranchChild(pg.Cnt, c, e)
		} else {
			pg.InsertSlot(pg.Cnt+1, child.Key(s), child.Value(s), child.Typ(s))
		}
		pg.Act++
	}
	pg.SetHighFence(child.HighFence())
	pg.SetChainHighFence(child.ChainHighFence())
	pg.FosterChild = child.FosterChild

	idx.pool.Unfix(cswz, buffer.LatchExclusive, false)
	if err := idx.pool.FreePage(childPid); err != nil {
		return err
	}

	if idx.log == nil {
		return nil
	}
	ssx := txn.BeginSSX(idx.counterFallback())
	rec := &wal.Record{
		Type:    wal.TypeBTreeMerge,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  pg.Pid,
		XID:     uint64(ssx.ID),
		Payload: (&wal.MergePayload{ChildPage: uint64(childPid), ParentImage: pg.MarshalBinary()}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	pg.PageLSN = lsn
	return nil
}

// rebalanceFoster moves exactly one entry from pid's foster child into pid
// (spec §4.5's foster_rebalance/foster_rebalance_norec), redistributing a
// single key rather than computing an optimal balanced split point. Both
// pages' post-rebalance images are logged, since the donor's own fence and
// leading slot both change.
func (idx *Index) rebalanceFoster(pid ids.PageID) error {
	swz, pg, err := idx.pool.Fix(pid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	if pg.FosterChild == ids.NilPageID {
		return errs.New(errs.KindProgrammer, "foster: rebalance target has no foster child")
	}
	donorPid := pg.FosterChild

	dswz, donor, err := idx.pool.Fix(donorPid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(dswz, buffer.LatchExclusive, true)

	if donor.Cnt < page.FirstDataSlot {
		return nil // nothing to donate
	}
	moveSlot := uint32(page.FirstDataSlot)
	key := donor.Key(moveSlot)
	if donor.Typ(moveSlot) == page.SlotBranch {
		c, e := donor.BranchChild(moveSlot)
		pg.InsertSlot(pg.Cnt+1, key, make([]byte, 16), page.SlotBranch)
		pg.SetBranchChild(pg.Cnt, c, e)
	} else {
		pg.InsertSlot(pg.Cnt+1, key, donor.Value(moveSlot), donor.Typ(moveSlot))
	}
	if !donor.Ghost(moveSlot) {
		pg.Act++
		donor.Act--
	}
	donor.RemoveSlot(moveSlot)

	newDonorLow := donor.HighFence()
	if donor.Cnt >= page.FirstDataSlot {
		newDonorLow = donor.Key(page.FirstDataSlot)
	}
	donor.SetLowFence(newDonorLow)
	pg.SetHighFence(newDonorLow)

	if idx.log == nil {
		return nil
	}
	ssx := txn.BeginSSX(idx.counterFallback())
	rec := &wal.Record{
		Type:    wal.TypeBTreeRebalance,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  pg.Pid,
		XID:     uint64(ssx.ID),
		Payload: (&wal.RebalancePayload{DonorPage: uint64(donorPid), ReceiverImage: pg.MarshalBinary(), DonorImage: donor.MarshalBinary()}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	pg.PageLSN = lsn
	donor.PageLSN = lsn
	return nil
}

// deadoptSibling reverses foster_adopt (spec §4.5's foster_deadopt): drops
// parentPid's branch slot that split rightChild off its left sibling, and
// retargets the slot left in its place back to the left sibling — folding
// rightChild back into a foster pair, since the left sibling's own
// FosterChild field was never cleared by adoptFoster. Exposed directly
// rather than auto-triggered by Delete, for the same reason mergeFoster is.
func (idx *Index) deadoptSibling(parentPid, rightChild ids.PageID) error {
	swz, ppg, err := idx.pool.Fix(parentPid, buffer.LatchExclusive)
	if err != nil {
		return err
	}
	defer idx.pool.Unfix(swz, buffer.LatchExclusive, true)

	slotR := branchSlotForChild(ppg, rightChild)
	if slotR <= page.FirstDataSlot {
		return errs.New(errs.KindProgrammer, "foster: no left sibling for deadopt")
	}
	slotL := slotR - 1
	leftChild, _ := ppg.BranchChild(slotL)

	ppg.RemoveSlot(slotL)
	ppg.SetBranchChild(slotL, leftChild, 0)

	if idx.log == nil {
		return nil
	}
	ssx := txn.BeginSSX(idx.counterFallback())
	rec := &wal.Record{
		Type:    wal.TypeBTreeDeadopt,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  ppg.Pid,
		XID:     uint64(ssx.ID),
		Payload: (&wal.AdoptPayload{ParentSlot: slotL, OldChild: uint64(leftChild), NewChild: uint64(rightChild)}).Marshal(),
	}
	lsn, err := idx.log.Append(rec)
	if err != nil {
		return err
	}
	ppg.PageLSN = lsn
	ppg.SetBranchChild(slotL, leftChild, lsn)
	return nil
}

// KV is one key/value pair returned by Range or Cursor.
type KV struct {
	Key   []byte
	Value []byte
}

// leafBatch collects every live entry from the single leaf covering from,
// up to (but not including) high, and returns the key to resume from for
// the next leaf — the leaf's own high fence, since Foster B-trees keep no
// dedicated leaf-to-leaf sibling pointer once a foster child has been
// adopted into a branch slot.
func (idx *Index) leafBatch(from, high []byte) ([]KV, []byte, error) {
	swz, pg, err := idx.descend(from, buffer.LatchShare)
	if err != nil {
		return nil, nil, err
	}
	defer idx.pool.Unfix(swz, buffer.LatchShare, false)

	var out []KV
	for s := uint32(page.FirstDataSlot); s <= pg.Cnt; s++ {
		if pg.Ghost(s) {
			continue
		}
		key := pg.Key(s)
		if page.Compare(key, from) < 0 {
			continue
		}
		if high != nil && page.Compare(key, high) >= 0 {
			return out, nil, nil
		}
		out = append(out, KV{Key: key, Value: pg.Value(s)})
	}
	next := pg.HighFence()
	if next == nil || (high != nil && page.Compare(next, high) >= 0) {
		return out, nil, nil
	}
	return out, next, nil
}

// Range collects every live entry in [low, high) (high == nil means
// unbounded), stopping once limit entries are collected (limit <= 0 means
// unbounded).
func (idx *Index) Range(xct *txn.Xct, low, high []byte, limit int) ([]KV, error) {
	if idx.oracle != nil && !xct.SSX {
		if err := idx.oracle.AcquireRange(interfaces.XID(xct.ID), low, high, interfaces.LockModeShared); err != nil {
			return nil, err
		}
	}

	var out []KV
	cursor := low
	for {
		batch, next, err := idx.leafBatch(cursor, high)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if next == nil {
			return out, nil
		}
		cursor = next
	}
}

// Cursor iterates a key range one leaf batch at a time, re-descending the
// tree for each leaf rather than holding any page latched between calls to
// Next.
type Cursor struct {
	idx    *Index
	high   []byte
	cursor []byte
	buf    []KV
	done   bool
}

// NewCursor starts a Cursor over [low, high) (high == nil means
// unbounded).
func (idx *Index) NewCursor(low, high []byte) *Cursor {
	return &Cursor{idx: idx, high: high, cursor: low}
}

// Next returns the next live entry, or ok == false once the range is
// exhausted.
func (c *Cursor) Next() (KV, bool, error) {
	for len(c.buf) == 0 {
		if c.done {
			return KV{}, false, nil
		}
		batch, next, err := c.idx.leafBatch(c.cursor, c.high)
		if err != nil {
			return KV{}, false, err
		}
		c.buf = batch
		if next == nil {
			c.done = true
		} else {
			c.cursor = next
		}
	}
	kv := c.buf[0]
	c.buf = c.buf[1:]
	return kv, true, nil
}

// WithCounter points idx's SSX operations at c instead of a private,
// lazily-allocated counter — Engine uses this to give every Index it hands
// out the same XID source BeginXct draws from, so structural-operation XIDs
// and user-transaction XIDs come from one monotonic sequence rather than two
// independently-salted ones. Returns idx for chaining.
func (idx *Index) WithCounter(c *txn.Counter) *Index {
	idx.counter = c
	return idx
}

// counterFallback gives SSX operations an id source when the caller didn't
// thread one through via WithCounter; txn.NewCounter salts with a
// uuid-derived high word, so a private fallback counter still can't collide
// with whatever counter other Indexes or the engine itself are using.
func (idx *Index) counterFallback() *txn.Counter {
	if idx.counter == nil {
		idx.counter = txn.NewCounter()
	}
	return idx.counter
}
