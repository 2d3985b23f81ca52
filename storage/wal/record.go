package wal

import "encoding/binary"

// Type enumerates the log record kinds spec §4.6 lists. Index operations
// are split into the physical per-page mutations (insert/delete/update a
// slot) and the structural SSX operations (split, adopt, de-adopt, merge,
// rebalance) that restructure the foster chain; volume/buffer-pool
// bookkeeping records round out the set recovery needs to replay.
type Type uint16

const (
	TypeInvalid Type = iota

	// Leaf/branch slot mutations — REDO-able, UNDO-able, physical.
	TypeInsertSlot
	TypeDeleteSlot // marks a slot ghost, the physical half of a logical delete
	TypeUpdateSlot
	TypeGhostReuse // replace_ghost: reuse a reserved ghost slot for a fresh value
	TypeRemoveSlot // physical slot removal of an already-ghost slot (REDO-only: the logical state was already deleted)

	// Structural SSX operations — REDO-able, NOT UNDO-able (spec §4.5:
	// "system transactions never roll back; they either complete or are
	// repaired by recovery").
	TypeBTreeSplit      // btree_split: allocate foster child, move half the slots
	TypeBTreeAdoptFoster // btree_foster_adopt: parent absorbs a foster pointer as a real child slot
	TypeBTreeDeadopt    // btree_foster_deadopt: reverse of adopt, emitted by deadoptSibling
	TypeBTreeMerge      // btree_merge: foster parent reabsorbs its foster child's contents
	TypeBTreeRebalance  // btree_rebalance: key redistribution between siblings
	TypeBTreeNewRoot    // root split (promoteRoot); no root collapse is logged

	// Allocation and store-table bookkeeping.
	TypeAllocPage
	TypeFreePage
	TypeStoreTableUpdate

	// Transaction bookkeeping.
	TypeXctBegin
	TypeXctCommit
	TypeXctAbort
	TypeCompensation // CLR: logical undo of an earlier UNDO-able record

	// Checkpointing.
	TypeCheckpointBegin
	TypeCheckpointEnd
)

// InsertSlotPayload is TypeInsertSlot's payload: enough to redo the slot
// insertion (key/value bytes and the slot's type) and, on UNDO, remove it
// again.
type InsertSlotPayload struct {
	Slot     uint32
	SlotType uint8
	Key      []byte
	Value    []byte
}

func (p *InsertSlotPayload) Marshal() []byte {
	buf := make([]byte, 0, 13+len(p.Key)+len(p.Value))
	buf = appendUint32(buf, p.Slot)
	buf = append(buf, p.SlotType)
	buf = appendBytes(buf, p.Key)
	buf = appendBytes(buf, p.Value)
	return buf
}

func UnmarshalInsertSlotPayload(b []byte) InsertSlotPayload {
	var p InsertSlotPayload
	p.Slot, b = takeUint32(b)
	p.SlotType, b = b[0], b[1:]
	p.Key, b = takeBytes(b)
	p.Value, _ = takeBytes(b)
	return p
}

// DeleteSlotPayload carries what's needed to flip a slot ghost on REDO and
// un-ghost it on UNDO.
type DeleteSlotPayload struct {
	Slot uint32
}

func (p *DeleteSlotPayload) Marshal() []byte {
	return appendUint32(nil, p.Slot)
}

func UnmarshalDeleteSlotPayload(b []byte) DeleteSlotPayload {
	slot, _ := takeUint32(b)
	return DeleteSlotPayload{Slot: slot}
}

// UpdatePayload is TypeUpdateSlot's payload, shared by btree_update (whole
// value replace) and btree_overwrite (byte-range in-place patch, spec
// §4.6): Offset is 0 and OldBytes/NewBytes span the whole value for a plain
// update, or a sub-range of it for an overwrite.
type UpdatePayload struct {
	Slot     uint32
	Offset   uint32
	OldBytes []byte
	NewBytes []byte
}

func (p *UpdatePayload) Marshal() []byte {
	buf := make([]byte, 0, 8+len(p.OldBytes)+len(p.NewBytes))
	buf = appendUint32(buf, p.Slot)
	buf = appendUint32(buf, p.Offset)
	buf = appendBytes(buf, p.OldBytes)
	buf = appendBytes(buf, p.NewBytes)
	return buf
}

func UnmarshalUpdatePayload(b []byte) UpdatePayload {
	var p UpdatePayload
	p.Slot, b = takeUint32(b)
	p.Offset, b = takeUint32(b)
	p.OldBytes, b = takeBytes(b)
	p.NewBytes, _ = takeBytes(b)
	return p
}

// GhostReusePayload is TypeGhostReuse's payload (spec §4.4 replace_ghost):
// a fresh value installed into a slot a prior delete already reserved as
// ghost, without moving any other slot.
type GhostReusePayload struct {
	Slot     uint32
	OldValue []byte
	NewValue []byte
}

func (p *GhostReusePayload) Marshal() []byte {
	buf := make([]byte, 0, 12+len(p.OldValue)+len(p.NewValue))
	buf = appendUint32(buf, p.Slot)
	buf = appendBytes(buf, p.OldValue)
	buf = appendBytes(buf, p.NewValue)
	return buf
}

func UnmarshalGhostReusePayload(b []byte) GhostReusePayload {
	var p GhostReusePayload
	p.Slot, b = takeUint32(b)
	p.OldValue, b = takeBytes(b)
	p.NewValue, _ = takeBytes(b)
	return p
}

// RemoveSlotPayload is TypeRemoveSlot's payload: the slot a ghost-reuse
// attempt gave up on (the new value didn't fit the reserved space) and
// physically dropped to make room for a fresh InsertSlot instead.
type RemoveSlotPayload struct {
	Slot uint32
}

func (p *RemoveSlotPayload) Marshal() []byte {
	return appendUint32(nil, p.Slot)
}

func UnmarshalRemoveSlotPayload(b []byte) RemoveSlotPayload {
	slot, _ := takeUint32(b)
	return RemoveSlotPayload{Slot: slot}
}

// SplitKind distinguishes the two records a single leaf/branch split emits:
// the parent-side fence/pointer update, and the new child's full-page
// image. Logging the child as a full image (rather than incrementally
// replaying which slots moved) makes its REDO and single-page recovery a
// trivial image copy — the same simplification the teacher's callers get
// for free by never needing to replay a split at all.
type SplitKind byte

const (
	SplitKindParent SplitKind = 'P'
	SplitKindChild  SplitKind = 'C'
)

// SplitPayload is TypeBTreeSplit's payload (spec §4.5's "btree_split(page
// p, new page q)" operation).
type SplitPayload struct {
	Kind SplitKind

	// Parent-side (Kind == SplitKindParent): the foster child installed,
	// the slot the split key occupies, and the new high fence.
	FosterChild  uint64 // ids.PageID, kept as uint64 to avoid an import cycle in payload codecs
	SplitSlot    uint32
	NewHighFence []byte

	// Child-side (Kind == SplitKindChild): the new page's full serialized
	// image, as page.Page.MarshalBinary produced it right after the split.
	ChildImage []byte
}

func (p *SplitPayload) Marshal() []byte {
	if p.Kind == SplitKindChild {
		buf := make([]byte, 0, 1+4+len(p.ChildImage))
		buf = append(buf, byte(p.Kind))
		buf = appendBytes(buf, p.ChildImage)
		return buf
	}
	buf := make([]byte, 0, 1+12+len(p.NewHighFence))
	buf = append(buf, byte(SplitKindParent))
	buf = appendUint64(buf, p.FosterChild)
	buf = appendUint32(buf, p.SplitSlot)
	buf = appendBytes(buf, p.NewHighFence)
	return buf
}

func UnmarshalSplitPayload(b []byte) SplitPayload {
	kind := SplitKind(b[0])
	b = b[1:]
	if kind == SplitKindChild {
		img, _ := takeBytes(b)
		return SplitPayload{Kind: kind, ChildImage: img}
	}
	var p SplitPayload
	p.Kind = kind
	p.FosterChild, b = takeUint64(b)
	p.SplitSlot, b = takeUint32(b)
	p.NewHighFence, _ = takeBytes(b)
	return p
}

// AdoptPayload is TypeBTreeAdoptFoster's payload (spec §4.5 foster_adopt):
// a single parent branch slot that covered OldChild's whole domain is split
// in two — a new slot at ParentSlot keyed on Fence (OldChild's shrunken
// domain), and the slot immediately after it (already present, shifted up
// by the insert) retargeted from OldChild to NewChild, keeping its original
// key. TypeBTreeDeadopt reuses the same shape to reverse it: RemoveSlot at
// ParentSlot, then retarget the slot left in its place from NewChild back
// to OldChild (Fence unused).
type AdoptPayload struct {
	ParentSlot uint32
	OldChild   uint64
	NewChild   uint64
	Fence      []byte
}

func (p *AdoptPayload) Marshal() []byte {
	buf := make([]byte, 0, 20+len(p.Fence))
	buf = appendUint32(buf, p.ParentSlot)
	buf = appendUint64(buf, p.OldChild)
	buf = appendUint64(buf, p.NewChild)
	buf = appendBytes(buf, p.Fence)
	return buf
}

func UnmarshalAdoptPayload(b []byte) AdoptPayload {
	var p AdoptPayload
	p.ParentSlot, b = takeUint32(b)
	p.OldChild, b = takeUint64(b)
	p.NewChild, b = takeUint64(b)
	p.Fence, _ = takeBytes(b)
	return p
}

// NewRootPayload is TypeBTreeNewRoot's payload: the full post-promotion
// image of the root page (spec §4.5's promoteRoot keeps the root's PageID
// fixed and grows the tree by converting it in place into a fresh branch
// with two children), logged as an image for the same reason a split's
// child is.
type NewRootPayload struct {
	RootImage []byte
}

func (p *NewRootPayload) Marshal() []byte {
	return appendBytes(nil, p.RootImage)
}

func UnmarshalNewRootPayload(b []byte) NewRootPayload {
	img, _ := takeBytes(b)
	return NewRootPayload{RootImage: img}
}

// MergePayload is TypeBTreeMerge's payload (spec §4.5's "btree_merge(page
// p, page q)"): the child page being freed back into the parent, and the
// parent's full post-merge image — logged as an image for the same reason
// a split's child is, so REDO never has to replay which slots moved.
type MergePayload struct {
	ChildPage   uint64
	ParentImage []byte
}

func (p *MergePayload) Marshal() []byte {
	buf := make([]byte, 0, 8+len(p.ParentImage))
	buf = appendUint64(buf, p.ChildPage)
	buf = appendBytes(buf, p.ParentImage)
	return buf
}

func UnmarshalMergePayload(b []byte) MergePayload {
	var p MergePayload
	p.ChildPage, b = takeUint64(b)
	p.ParentImage, _ = takeBytes(b)
	return p
}

// RebalancePayload is TypeBTreeRebalance's payload (spec §4.5's
// "foster_rebalance"/"foster_rebalance_norec"): the donor page id plus the
// full post-rebalance images of both the receiver (the record's PageID) and
// the donor, again logged as images rather than incremental slot moves.
type RebalancePayload struct {
	DonorPage     uint64
	ReceiverImage []byte
	DonorImage    []byte
}

func (p *RebalancePayload) Marshal() []byte {
	buf := make([]byte, 0, 8+len(p.ReceiverImage)+len(p.DonorImage))
	buf = appendUint64(buf, p.DonorPage)
	buf = appendBytes(buf, p.ReceiverImage)
	buf = appendBytes(buf, p.DonorImage)
	return buf
}

func UnmarshalRebalancePayload(b []byte) RebalancePayload {
	var p RebalancePayload
	p.DonorPage, b = takeUint64(b)
	p.ReceiverImage, b = takeBytes(b)
	p.DonorImage, _ = takeBytes(b)
	return p
}

// AllocPayload is TypeAllocPage/TypeFreePage's payload (spec §4.1:
// "alloc_a_page"/"dealloc_a_page" logged as their own SSX records). Count
// is >1 only for TypeAllocPage's alloc_consecutive_pages form.
type AllocPayload struct {
	Page  uint64
	Count uint32
}

func (p *AllocPayload) Marshal() []byte {
	buf := make([]byte, 0, 12)
	buf = appendUint64(buf, p.Page)
	buf = appendUint32(buf, p.Count)
	return buf
}

func UnmarshalAllocPayload(b []byte) AllocPayload {
	var p AllocPayload
	p.Page, b = takeUint64(b)
	p.Count, _ = takeUint32(b)
	return p
}

// StoreTablePayload is TypeStoreTableUpdate's payload (spec §4.1/§6's
// 255-slot store table): which store id now roots at Root.
type StoreTablePayload struct {
	Store uint32
	Root  uint64
}

func (p *StoreTablePayload) Marshal() []byte {
	buf := make([]byte, 0, 12)
	buf = appendUint32(buf, p.Store)
	buf = appendUint64(buf, p.Root)
	return buf
}

func UnmarshalStoreTablePayload(b []byte) StoreTablePayload {
	var p StoreTablePayload
	p.Store, b = takeUint32(b)
	p.Root, _ = takeUint64(b)
	return p
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func takeUint32(b []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(b[:4]), b[4:]
}

func takeUint64(b []byte) (uint64, []byte) {
	return binary.LittleEndian.Uint64(b[:8]), b[8:]
}

func takeBytes(b []byte) ([]byte, []byte) {
	n, b := takeUint32(b)
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:]
}
