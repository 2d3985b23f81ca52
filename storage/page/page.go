// Package page implements the Foster B-tree slotted page (spec §4.4): a
// fixed-size buffer with a header, a slot vector growing from the header
// end, and records growing from the page end. It is a direct generalization
// of the teacher's Page/Slot layout (see the ryogrid and hmarui66 b-link
// tree packages this module was grown from): the single right-sibling
// pointer becomes a foster-child pointer plus three fixed fence-key slots,
// and the single-byte dead flag becomes the spec's ghost bit.
package page

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/foster-engine/foster/storage/ids"
)

// SlotType distinguishes the three fixed fence slots from ordinary key
// entries. Librarian and Duplicate carry over from the teacher's page
// layout unchanged (filler slots available for reuse, and a uniqueifier
// suffix for non-unique index entries, respectively).
type SlotType uint8

const (
	SlotUnique SlotType = iota
	SlotLibrarian
	SlotDuplicate
	SlotFenceLow
	SlotFenceHigh
	SlotFenceChainHigh
	SlotBranch // leaf-level Unique/Duplicate slots hold values; branch slots hold a child PageID + EMLSN
)

const (
	// HeaderSize is the on-disk size of Header in bytes, checksum included.
	HeaderSize = 72
	// SlotSize is the size of one slot-vector entry.
	SlotSize = 8

	// FenceLowSlot, FenceHighSlot, FenceChainHighSlot are the three fixed
	// slot numbers spec §4.4 reserves for fence keys ("Fence records
	// occupy the first three slots").
	FenceLowSlot       = 1
	FenceHighSlot      = 2
	FenceChainHighSlot = 3
	FirstDataSlot      = 4
)

// Tag identifies what kind of page this is, independent of btree level —
// store-table and bitmap pages reuse this header too (spec §6: "pages 1..K
// are bitmap pages", "page K+1 is the stnode page").
type Tag uint8

const (
	TagBTreeLeaf Tag = iota
	TagBTreeBranch
	TagBitmap
	TagStoreTable
	TagVolumeHeader
)

// Header is the fixed portion of a page, laid out the way spec §3
// describes it. Field order here matches the wire encoding in
// MarshalHeader/UnmarshalHeader.
type Header struct {
	Pid         ids.PageID
	Store       uint32
	Lsn         ids.LSN // last LSN that wrote this page (== PageLSN once flushed)
	PageLSN     ids.LSN
	Checksum    uint64
	Tag         Tag
	Level       uint8
	BTreeRoot   ids.PageID
	FosterChild ids.PageID
	FosterEMLSN ids.LSN
	Cnt         uint32 // slot count, including the three fence slots
	Act         uint32 // count of active (non-ghost) data slots
	Min         uint32 // offset of the lowest-addressed record (records grow downward from page end)
	Garbage     uint32
	Free        bool
	Kill        bool // page is being deleted (foster_merge source, collapsed root child, ...)
}

// Page is one fixed-size buffer: Header plus the Data region holding the
// slot vector and record bodies. len(Data) is the usable space below the
// header, fixed when the page is created from the configured page size.
//
// swz caches, per branch slot, which buffer-pool frame a child was last
// resolved to and the frame's generation at that time (spec §4.3's
// swizzling). It is never marshaled — MarshalBinary/UnmarshalBinary only
// ever see Header and Data — because a frame index is only meaningful
// within this process's buffer pool, never on disk.
type Page struct {
	Header
	Data []byte

	swz map[uint32]swizzleRef
}

type swizzleRef struct {
	frame uint32
	gen   uint64
}

// New allocates a zeroed page of the given data size (page size minus
// HeaderSize).
func New(dataSize uint32) *Page {
	return &Page{Data: make([]byte, dataSize), Header: Header{Min: dataSize}}
}

// CachedChildFrame returns the frame a prior descent swizzled slot's child
// into, plus the generation stamp it was cached under. Callers (storage/
// buffer's Pool.FixChild) must compare gen against the frame's current
// generation before trusting frame — a mismatch means the frame has been
// evicted and reused since caching, per spec §4.3's swizzle invalidation.
func (p *Page) CachedChildFrame(slot uint32) (frame uint32, gen uint64, ok bool) {
	if p.swz == nil {
		return 0, 0, false
	}
	ref, ok := p.swz[slot]
	return ref.frame, ref.gen, ok
}

// CacheChildFrame records that slot's child currently lives in frame at
// generation gen, so the next descent through this page can skip the
// pool's hash-table lookup entirely (spec §4.3: "a repeat descent should
// short-circuit the hash lookup").
func (p *Page) CacheChildFrame(slot uint32, frame uint32, gen uint64) {
	if p.swz == nil {
		p.swz = make(map[uint32]swizzleRef, 4)
	}
	p.swz[slot] = swizzleRef{frame: frame, gen: gen}
}

func (p *Page) slotBytes(slot uint32) []byte {
	off := SlotSize * (slot - 1)
	return p.Data[off : off+SlotSize]
}

// slot vector layout: offset(u32) | type(u8) | ghost(u8) | reserved(u16)
func (p *Page) SetKeyOffset(slot uint32, offset uint32) {
	binary.LittleEndian.PutUint32(p.slotBytes(slot), offset)
}

func (p *Page) KeyOffset(slot uint32) uint32 {
	return binary.LittleEndian.Uint32(p.slotBytes(slot))
}

func (p *Page) SetTyp(slot uint32, typ SlotType) { p.slotBytes(slot)[4] = byte(typ) }
func (p *Page) Typ(slot uint32) SlotType         { return SlotType(p.slotBytes(slot)[4]) }

func (p *Page) SetGhost(slot uint32, ghost bool) {
	if ghost {
		p.slotBytes(slot)[5] = 1
	} else {
		p.slotBytes(slot)[5] = 0
	}
}
func (p *Page) Ghost(slot uint32) bool { return p.slotBytes(slot)[5] == 1 }

func (p *Page) ClearSlot(slot uint32) { copy(p.slotBytes(slot), make([]byte, SlotSize)) }

// Key records are stored as a 2-byte length prefix followed by the whole
// key. No prefix truncation against the page's low/high fence is applied,
// here or in the btree package: every key is stored in full.
func (p *Page) SetKey(slot uint32, key []byte) {
	off := p.KeyOffset(slot)
	binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(key)))
	copy(p.Data[off+2:], key)
}

func (p *Page) Key(slot uint32) []byte {
	off := p.KeyOffset(slot)
	n := binary.LittleEndian.Uint16(p.Data[off:])
	out := make([]byte, n)
	copy(out, p.Data[off+2:off+2+uint32(n)])
	return out
}

func (p *Page) keyLen(slot uint32) uint32 {
	off := p.KeyOffset(slot)
	return uint32(binary.LittleEndian.Uint16(p.Data[off:]))
}

func (p *Page) valueOffset(slot uint32) uint32 {
	return p.KeyOffset(slot) + 2 + p.keyLen(slot)
}

func (p *Page) SetValue(slot uint32, value []byte) {
	off := p.valueOffset(slot)
	binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(value)))
	copy(p.Data[off+2:], value)
}

func (p *Page) Value(slot uint32) []byte {
	off := p.valueOffset(slot)
	n := binary.LittleEndian.Uint16(p.Data[off:])
	out := make([]byte, n)
	copy(out, p.Data[off+2:off+2+uint32(n)])
	return out
}

// PatchValue overwrites len(data) bytes of slot's value starting at offset,
// without touching the value's length prefix or any other slot. Used for
// REDO/UNDO of TypeUpdateSlot records (spec §4.6 btree_update/
// btree_overwrite), which only ever touch a same-length byte range — a
// value whose length actually changes is logged as a delete+insert pair
// instead so no other slot's offsets are disturbed.
func (p *Page) PatchValue(slot uint32, offset uint32, data []byte) {
	off := p.valueOffset(slot) + 2 + offset
	copy(p.Data[off:off+uint32(len(data))], data)
}

// EntrySize is how many body bytes a (key,value) pair of these lengths
// would take: two 2-byte length prefixes plus the payloads.
func EntrySize(keyLen, valLen int) uint32 { return uint32(4 + keyLen + valLen) }

// InsertSlot physically shifts the data-slot vector to make room at at
// (clamping to an append when at is 0 or past Cnt) and writes key/value
// there with the given type, the way the teacher's InsertKey shifted its
// own slot array before writing a new entry. Shared by foster.go's leaf
// insert path and storage/recovery's REDO of TypeInsertSlot, so both apply
// the identical physical mutation.
func (p *Page) InsertSlot(at uint32, key, value []byte, typ SlotType) {
	if at == 0 || at > p.Cnt+1 {
		at = p.Cnt + 1
	}
	for s := p.Cnt; s >= at && s >= FirstDataSlot; s-- {
		p.copyDown(s, s+1)
	}
	p.Cnt++
	off := p.Min - EntrySize(len(key), len(value))
	p.Min = off
	p.SetKeyOffset(at, off)
	p.SetKey(at, key)
	p.SetValue(at, value)
	p.SetTyp(at, typ)
	p.SetGhost(at, false)
}

// RemoveSlot physically deletes slot, shifting everything above it down by
// one. This is InsertSlot's inverse, used when a reserved ghost can't be
// reused in place (ReplaceGhost returned false) and the slot must be
// reclaimed before a fresh insert.
func (p *Page) RemoveSlot(slot uint32) {
	for s := slot; s < p.Cnt; s++ {
		p.copyDown(s+1, s)
	}
	p.ClearSlot(p.Cnt)
	p.Cnt--
}

func (p *Page) copyDown(from, to uint32) {
	p.SetKeyOffset(to, p.KeyOffset(from))
	p.SetTyp(to, p.Typ(from))
	p.SetGhost(to, p.Ghost(from))
}

// ReserveGhost marks slot ghost without disturbing its key or value bytes,
// the spec §4.4 reserve_ghost operation: a logical delete, or UNDO of an
// insert, reserves the slot for a future ReplaceGhost rather than paying to
// physically remove it.
func (p *Page) ReserveGhost(slot uint32) { p.SetGhost(slot, true) }

// ReplaceGhost reuses an existing ghost slot for a fresh insert of the same
// key (spec §4.4 replace_ghost), provided value fits in the space already
// reserved for the slot's previous value. Returns false if it doesn't, in
// which case the caller must RemoveSlot and insert fresh.
func (p *Page) ReplaceGhost(slot uint32, value []byte) bool {
	off := p.KeyOffset(slot)
	valOff := off + 2 + uint32(p.keyLen(slot))
	oldLen := binary.LittleEndian.Uint16(p.Data[valOff:])
	if len(value) > int(oldLen) {
		return false
	}
	binary.LittleEndian.PutUint16(p.Data[valOff:], uint16(len(value)))
	copy(p.Data[valOff+2:], value)
	p.SetGhost(slot, false)
	return true
}

// ReclaimGhosts physically removes every ghost data slot and re-packs the
// survivors against the page end, recovering the space a long run of
// deletes left as garbage (spec §4.4 reclaim_ghosts). Fence slots are
// preserved verbatim.
func (p *Page) ReclaimGhosts() {
	low := append([]byte(nil), p.LowFence()...)
	high := append([]byte(nil), p.HighFence()...)
	chigh := append([]byte(nil), p.ChainHighFence()...)

	type survivor struct {
		key    []byte
		val    []byte
		typ    SlotType
		branch bool
		child  ids.PageID
		emlsn  ids.LSN
	}
	var keep []survivor
	for s := uint32(FirstDataSlot); s <= p.Cnt; s++ {
		if p.Ghost(s) {
			continue
		}
		if p.Typ(s) == SlotBranch {
			child, emlsn := p.BranchChild(s)
			keep = append(keep, survivor{key: p.Key(s), typ: SlotBranch, branch: true, child: child, emlsn: emlsn})
		} else {
			keep = append(keep, survivor{key: p.Key(s), val: p.Value(s), typ: p.Typ(s)})
		}
	}

	p.Min = uint32(len(p.Data))
	p.Cnt = FirstDataSlot - 1
	p.writeFence(FenceLowSlot, low, SlotFenceLow)
	p.writeFence(FenceHighSlot, high, SlotFenceHigh)
	p.writeFence(FenceChainHighSlot, chigh, SlotFenceChainHigh)

	for _, e := range keep {
		p.Cnt++
		if e.branch {
			off := p.Min - EntrySize(len(e.key), 16)
			p.Min = off
			p.SetKeyOffset(p.Cnt, off)
			p.SetKey(p.Cnt, e.key)
			p.SetBranchChild(p.Cnt, e.child, e.emlsn)
			p.SetTyp(p.Cnt, SlotBranch)
		} else {
			off := p.Min - EntrySize(len(e.key), len(e.val))
			p.Min = off
			p.SetKeyOffset(p.Cnt, off)
			p.SetKey(p.Cnt, e.key)
			p.SetValue(p.Cnt, e.val)
			p.SetTyp(p.Cnt, e.typ)
		}
		p.SetGhost(p.Cnt, false)
	}
	p.recountAct()
	p.Garbage = 0
}

// Defrag is ReclaimGhosts under the name spec §4.4 also uses for it — this
// page layout has no separate "replaced value slack" to recover beyond
// ghost slots, so the two operations coincide.
func (p *Page) Defrag() { p.ReclaimGhosts() }

func (p *Page) writeFence(slot uint32, key []byte, typ SlotType) {
	off := p.Min - EntrySize(len(key), 0)
	p.Min = off
	p.SetKeyOffset(slot, off)
	p.SetKey(slot, key)
	p.SetValue(slot, nil)
	p.SetTyp(slot, typ)
	p.SetGhost(slot, false)
}

func (p *Page) recountAct() {
	p.Act = 0
	for s := uint32(FirstDataSlot); s <= p.Cnt; s++ {
		if !p.Ghost(s) {
			p.Act++
		}
	}
}

// Compress rewrites the page's three fence keys to [low, high, chainHigh)
// and drops any surviving data slot that no longer falls within the new
// domain (spec §4.4 compress). Ghost slots are dropped as well. Neither
// mergeFoster, rebalanceFoster nor recovery calls it.
func (p *Page) Compress(low, high, chainHigh []byte) {
	type survivor struct {
		key []byte
		val []byte
		typ SlotType
	}
	var keep []survivor
	for s := uint32(FirstDataSlot); s <= p.Cnt; s++ {
		if p.Ghost(s) {
			continue
		}
		k := p.Key(s)
		if low != nil && Compare(k, low) < 0 {
			continue
		}
		if high != nil && Compare(k, high) >= 0 {
			continue
		}
		keep = append(keep, survivor{key: k, val: p.Value(s), typ: p.Typ(s)})
	}

	p.Min = uint32(len(p.Data))
	p.Cnt = FirstDataSlot - 1
	p.writeFence(FenceLowSlot, low, SlotFenceLow)
	p.writeFence(FenceHighSlot, high, SlotFenceHigh)
	p.writeFence(FenceChainHighSlot, chainHigh, SlotFenceChainHigh)

	for _, e := range keep {
		p.Cnt++
		off := p.Min - EntrySize(len(e.key), len(e.val))
		p.Min = off
		p.SetKeyOffset(p.Cnt, off)
		p.SetKey(p.Cnt, e.key)
		p.SetValue(p.Cnt, e.val)
		p.SetTyp(p.Cnt, e.typ)
		p.SetGhost(p.Cnt, false)
	}
	p.recountAct()
}

// LowFence, HighFence, ChainHighFence read the three fixed fence records
// (spec §3: "low fence", "high fence", "chain-high fence").
func (p *Page) LowFence() []byte       { return p.Key(FenceLowSlot) }
func (p *Page) HighFence() []byte      { return p.Key(FenceHighSlot) }
func (p *Page) ChainHighFence() []byte { return p.Key(FenceChainHighSlot) }

// SetHighFence rewrites just the high-fence slot, used by a split's parent-
// side REDO (spec §4.5 foster_split sets the parent's high fence to the
// foster child's low fence) without disturbing any other slot.
func (p *Page) SetHighFence(key []byte) { p.writeFence(FenceHighSlot, key, SlotFenceHigh) }

// SetLowFence rewrites the low-fence slot, used by CreateIndex, splitLeaf,
// promoteRoot and rebalanceFoster when a page's left domain boundary is set
// or changes.
func (p *Page) SetLowFence(key []byte) { p.writeFence(FenceLowSlot, key, SlotFenceLow) }

// SetChainHighFence rewrites the chain-high-fence slot (spec §3: the bound
// of the whole foster chain rooted at this page), used by CreateIndex,
// splitLeaf and promoteRoot when a page is set up, and by mergeFoster when a
// foster child is merged away and the chain's reach changes.
func (p *Page) SetChainHighFence(key []byte) {
	p.writeFence(FenceChainHighSlot, key, SlotFenceChainHigh)
}

// SetBranchChild and BranchChild write and read a branch slot's child
// pointer: the child PageID and its EMLSN are stored as the slot's 16-byte
// value (through SetValue/Value), so branch entries need no separate field.
func (p *Page) SetBranchChild(slot uint32, child ids.PageID, emlsn ids.LSN) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(child))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(emlsn))
	p.SetValue(slot, buf)
}

func (p *Page) BranchChild(slot uint32) (ids.PageID, ids.LSN) {
	v := p.Value(slot)
	return ids.PageID(binary.LittleEndian.Uint64(v[0:8])), ids.LSN(binary.LittleEndian.Uint64(v[8:16]))
}

// FindSlot performs the binary search for key among the page's data slots
// (FirstDataSlot..Cnt), the way the teacher's FindSlot does over its whole
// slot range. It returns 0 whenever key falls above every entry, whether or
// not the page has a foster child (callers combine this with the
// foster-child pointer the way the teacher combined it with Right).
func (p *Page) FindSlot(key []byte) uint32 {
	lo := uint32(FirstDataSlot)
	hi := p.Cnt + 1
	for lo < hi {
		mid := lo + (hi-lo)/2
		if Compare(p.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > p.Cnt {
		return 0
	}
	return lo
}

func Compare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// MemCpy deep-copies src's header and data into dst, the generalized form
// of the teacher's MemCpyPage.
func MemCpy(dst, src *Page) {
	dst.Header = src.Header
	if len(dst.Data) != len(src.Data) {
		dst.Data = make([]byte, len(src.Data))
	}
	copy(dst.Data, src.Data)
}

// Checksum folds the header (sans the checksum field itself) and body with
// xxhash64 (spec §4.1: "Checksums are recomputed on write and verified on
// read"). It treats Header.Checksum as zero while hashing and restores it
// afterward, so callers need not clear the field first.
func (p *Page) Checksum() uint64 {
	h := xxhash.New64()
	saved := p.Header.Checksum
	p.Header.Checksum = 0
	hdr := make([]byte, HeaderSize)
	marshalHeader(hdr, &p.Header)
	p.Header.Checksum = saved
	_, _ = h.Write(hdr)
	_, _ = h.Write(p.Data)
	return h.Sum64()
}

// Seal recomputes and stores the checksum; Verify recomputes and compares.
func (p *Page) Seal() { p.Header.Checksum = 0; p.Header.Checksum = p.Checksum() }

func (p *Page) Verify() bool {
	saved := p.Header.Checksum
	p.Header.Checksum = 0
	got := p.Checksum()
	p.Header.Checksum = saved
	return got == saved
}

// marshalHeader writes Header into a HeaderSize-byte buffer in a fixed
// field order, the way the teacher's page header was packed directly
// ahead of its Data slice on disk.
func marshalHeader(buf []byte, h *Header) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Pid))
	binary.LittleEndian.PutUint32(buf[8:12], h.Store)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.Lsn))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.PageLSN))
	binary.LittleEndian.PutUint64(buf[28:36], h.Checksum)
	buf[36] = byte(h.Tag)
	buf[37] = h.Level
	binary.LittleEndian.PutUint64(buf[38:46], uint64(h.BTreeRoot))
	binary.LittleEndian.PutUint64(buf[46:54], uint64(h.FosterChild))
	binary.LittleEndian.PutUint64(buf[54:62], uint64(h.FosterEMLSN))
	binary.LittleEndian.PutUint32(buf[62:66], h.Cnt)
	binary.LittleEndian.PutUint16(buf[66:68], uint16(h.Act))
	if h.Free {
		buf[68] = 1
	}
	if h.Kill {
		buf[69] = 1
	}
	_ = buf[70:72] // reserved
}

// unmarshalHeader is marshalHeader's inverse; Min and Garbage are kept
// out of the checksummed wire header (they are cache-local bookkeeping
// recomputed by whoever loads the page, the same way the teacher never
// persisted its free-space counters verbatim across a dirty write).
func unmarshalHeader(buf []byte) Header {
	return Header{
		Pid:         ids.PageID(binary.LittleEndian.Uint64(buf[0:8])),
		Store:       binary.LittleEndian.Uint32(buf[8:12]),
		Lsn:         ids.LSN(binary.LittleEndian.Uint64(buf[12:20])),
		PageLSN:     ids.LSN(binary.LittleEndian.Uint64(buf[20:28])),
		Checksum:    binary.LittleEndian.Uint64(buf[28:36]),
		Tag:         Tag(buf[36]),
		Level:       buf[37],
		BTreeRoot:   ids.PageID(binary.LittleEndian.Uint64(buf[38:46])),
		FosterChild: ids.PageID(binary.LittleEndian.Uint64(buf[46:54])),
		FosterEMLSN: ids.LSN(binary.LittleEndian.Uint64(buf[54:62])),
		Cnt:         binary.LittleEndian.Uint32(buf[62:66]),
		Act:         uint32(binary.LittleEndian.Uint16(buf[66:68])),
		Free:        buf[68] == 1,
		Kill:        buf[69] == 1,
	}
}

// MarshalBinary serializes the whole page (header + data) for disk I/O,
// the on-wire counterpart to the in-memory Page the buffer pool hands to
// callers.
func (p *Page) MarshalBinary() []byte {
	out := make([]byte, HeaderSize+len(p.Data))
	marshalHeader(out, &p.Header)
	copy(out[HeaderSize:], p.Data)
	return out
}

// UnmarshalBinary is MarshalBinary's inverse.
func UnmarshalBinary(buf []byte) *Page {
	p := &Page{Header: unmarshalHeader(buf[:HeaderSize])}
	p.Data = make([]byte, len(buf)-HeaderSize)
	copy(p.Data, buf[HeaderSize:])

	// Min/Garbage are cache-local and not part of the wire header; Min is
	// recovered as the lowest slot offset in use (records grow downward
	// from the page end, so that offset is the high-water mark), the same
	// invariant InsertSlot/writeFence maintain on a live page.
	p.Min = uint32(len(p.Data))
	for s := uint32(1); s <= p.Cnt; s++ {
		if off := p.KeyOffset(s); off < p.Min {
			p.Min = off
		}
	}
	return p
}
