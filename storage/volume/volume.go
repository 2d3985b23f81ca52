// Package volume implements the Foster B-tree's page store (spec §3's
// "Volume" and spec §6's "pages 1..K are bitmap pages, page K+1 is the
// stnode page"): fixed-size block storage plus a free-space bitmap and a
// store table mapping store ids to btree roots. It generalizes the
// teacher's direct os.File + syscall.Mmap volume handling (see the
// ancestor bufmgr.go this module descends from) into a BlockFile
// abstraction so the same Volume works against a real O_DIRECT file or an
// in-memory file for tests, the same split the teacher made between its
// real pool and its dummy parent implementations.
package volume

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
	"github.com/pkg/errors"

	"github.com/foster-engine/foster/errs"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/wal"
)

// maxStores is the store table's fixed slot count (spec §4.1/§6: "a 255
// slot store table").
const maxStores = 255

// BlockFile is the narrow interface Volume needs from backing storage.
// RealFile implements it with O_DIRECT-aligned I/O; MemFile implements it
// over an in-memory buffer for tests, the same role dsnet/golib/memfile
// plays in the teacher's test harness.
type BlockFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

// RealFile backs a Volume with an O_DIRECT file, the way the teacher's
// production path used raw file descriptors rather than the buffered
// os.File the standard library defaults to.
type RealFile struct {
	f *os.File
}

// OpenReal opens (creating if necessary) a directio-aligned volume file.
func OpenReal(path string) (*RealFile, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "volume: open %s", path)
	}
	return &RealFile{f: f}, nil
}

func (r *RealFile) ReadAt(p []byte, off int64) (int, error)  { return r.f.ReadAt(p, off) }
func (r *RealFile) WriteAt(p []byte, off int64) (int, error) { return r.f.WriteAt(p, off) }
func (r *RealFile) Sync() error                              { return r.f.Sync() }
func (r *RealFile) Truncate(size int64) error                { return r.f.Truncate(size) }
func (r *RealFile) Close() error                              { return r.f.Close() }

func (r *RealFile) Size() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// MemFile backs a Volume with an in-process byte buffer, for unit tests
// and the recovery test harness that need a volume without touching disk.
type MemFile struct {
	mu sync.Mutex
	f  *memfile.File
}

// OpenMem creates an empty in-memory volume file.
func OpenMem(name string) *MemFile {
	return &MemFile{f: memfile.New(nil)}
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.ReadAt(p, off)
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.WriteAt(p, off)
}

func (m *MemFile) Sync() error { return nil }

func (m *MemFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Truncate(size)
}

func (m *MemFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (m *MemFile) Close() error { return nil }

// header is the volume's in-memory header. flushHeader persists only the
// id, the bitmap page count, the store table's page id and the page count
// on page zero; Magic and PageSizeLog are not written there, and Open
// checks no magic number (it takes the page size from its caller).
type header struct {
	Magic       uint32
	ID          uint16
	PageSizeLog uint8
	BitmapPages uint32
	StoreTable  ids.PageID
	NumPages    uint64
}

const headerMagic = 0x46535452 // "FSTR"

// Volume owns one BlockFile's worth of fixed-size pages: the bitmap
// allocator, the store table, and raw page read/write. The buffer pool
// (storage/buffer) is its main caller, and the index, engine and recovery
// code call it for store roots, allocation bookkeeping and raw page reads;
// nothing above Volume ever touches a BlockFile directly, mirroring the teacher's rule that only BufMgr
// spoke to its ParentBufMgr.
type Volume struct {
	mu sync.Mutex

	id       uint16
	pageSize uint32
	file     BlockFile

	hdr      header
	bitmap   []byte // one bit per page, cached in memory, flushed to bitmap pages
	nextScan uint64 // next page number to scan for a free bit
	numPages uint64

	log *wal.Manager // attached post-construction; alloc/free/store-table updates log through it when set
}

// AttachLog wires the volume's allocator and store table to a WAL manager,
// so Allocate/Free/SetStoreRoot log their bookkeeping as SSX records (spec
// §4.1: "alloc_a_page", "alloc_consecutive_pages", "dealloc_a_page" are
// atomically logged"). Tests that never crash-recover a volume can leave it
// unattached; the allocator still works, just without a durability record.
func (v *Volume) AttachLog(log *wal.Manager) { v.log = log }

// Create formats a brand-new volume: header page, enough bitmap pages to
// cover capacityPages, and an empty store table.
func Create(id uint16, file BlockFile, pageSizeBits uint8, capacityPages uint64) (*Volume, error) {
	pageSize := uint32(1) << pageSizeBits
	bitmapBits := pageSize * 8
	bitmapPages := uint32((capacityPages + uint64(bitmapBits) - 1) / uint64(bitmapBits))
	if bitmapPages == 0 {
		bitmapPages = 1
	}

	v := &Volume{
		id:       id,
		pageSize: pageSize,
		file:     file,
		hdr: header{
			Magic:       headerMagic,
			ID:          id,
			PageSizeLog: pageSizeBits,
			BitmapPages: bitmapPages,
			StoreTable:  ids.NewPageID(id, uint64(bitmapPages)+1),
			NumPages:    capacityPages,
		},
		bitmap:   make([]byte, bitmapPages*pageSize),
		numPages: capacityPages,
	}
	if err := file.Truncate(int64(capacityPages) * int64(pageSize)); err != nil {
		return nil, errors.Wrap(err, "volume: truncate")
	}
	// page 0 (header) and the bitmap/stnode pages are marked allocated up
	// front, the way the teacher's NewBufMgr reserved its low page numbers.
	reserved := uint64(bitmapPages) + 2
	for pg := uint64(0); pg < reserved; pg++ {
		v.markBit(pg, true)
	}
	if err := v.flushHeader(); err != nil {
		return nil, err
	}
	if err := v.flushBitmap(); err != nil {
		return nil, err
	}
	stnode := page.New(pageSize - page.HeaderSize)
	stnode.Tag = page.TagStoreTable
	stnode.Pid = v.hdr.StoreTable
	stnode.Seal()
	if err := v.writeRaw(v.hdr.StoreTable, stnode); err != nil {
		return nil, err
	}
	return v, nil
}

// Open loads an existing volume's header and bitmap back into memory.
func Open(id uint16, file BlockFile, pageSizeBits uint8) (*Volume, error) {
	pageSize := uint32(1) << pageSizeBits
	buf := make([]byte, pageSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "volume: read header")
	}
	p := page.UnmarshalBinary(buf)
	if !p.Verify() {
		return nil, errs.New(errs.KindIntegrity, "volume: header checksum mismatch")
	}
	hdr := header{
		ID:          uint16(p.Store),
		PageSizeLog: pageSizeBits,
		BitmapPages: p.Cnt,
		StoreTable:  p.BTreeRoot,
		NumPages:    uint64(p.FosterChild),
	}
	v := &Volume{
		id:       id,
		pageSize: pageSize,
		file:     file,
		hdr:      hdr,
		bitmap:   make([]byte, uint64(hdr.BitmapPages)*uint64(pageSize)),
		numPages: hdr.NumPages,
	}
	if _, err := file.ReadAt(v.bitmap, int64(pageSize)); err != nil {
		return nil, errors.Wrap(err, "volume: read bitmap")
	}
	return v, nil
}

func (v *Volume) PageSize() uint32    { return v.pageSize }
func (v *Volume) ID() uint16         { return v.id }
func (v *Volume) StoreTableID() ids.PageID { return v.hdr.StoreTable }

func (v *Volume) markBit(pg uint64, set bool) {
	byteIdx := pg / 8
	bit := byte(1) << (pg % 8)
	if set {
		v.bitmap[byteIdx] |= bit
	} else {
		v.bitmap[byteIdx] &^= bit
	}
}

func (v *Volume) bitSet(pg uint64) bool {
	return v.bitmap[pg/8]&(byte(1)<<(pg%8)) != 0
}

// Allocate finds a free page via the next-fit bitmap scan the teacher's
// PoolAudit/clock sweep inspired, marks it used, and returns its PageID.
// The allocation itself is logged as its own SSX record (TypeAllocPage, spec
// §4.1/§4.5: "allocation is its own system transaction, logged and
// committed before the caller's insert/split record is even written").
func (v *Volume) Allocate() (ids.PageID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := uint64(0); i < v.numPages; i++ {
		pg := (v.nextScan + i) % v.numPages
		if !v.bitSet(pg) {
			v.markBit(pg, true)
			v.nextScan = pg + 1
			if err := v.flushBitmap(); err != nil {
				return ids.NilPageID, err
			}
			pid := ids.NewPageID(v.id, pg)
			if err := v.logAlloc(pid, 1); err != nil {
				return ids.NilPageID, err
			}
			return pid, nil
		}
	}
	return ids.NilPageID, errs.New(errs.KindOutOfSpace, "volume: no free pages")
}

// AllocateConsecutive finds n contiguous free pages in one bitmap scan and
// logs a single alloc_consecutive_pages SSX record for the whole run,
// rather than n individual Allocate calls (spec §4.1).
func (v *Volume) AllocateConsecutive(n int) ([]ids.PageID, error) {
	if n <= 0 {
		return nil, errs.New(errs.KindProgrammer, "volume: n must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	start, ok := v.findFreeRun(uint64(n))
	if !ok {
		return nil, errs.New(errs.KindOutOfSpace, "volume: no free run of requested length")
	}
	pids := make([]ids.PageID, n)
	for i := 0; i < n; i++ {
		v.markBit(start+uint64(i), true)
		pids[i] = ids.NewPageID(v.id, start+uint64(i))
	}
	v.nextScan = start + uint64(n)
	if err := v.flushBitmap(); err != nil {
		return nil, err
	}
	if err := v.logAlloc(pids[0], n); err != nil {
		return nil, err
	}
	return pids, nil
}

func (v *Volume) findFreeRun(n uint64) (uint64, bool) {
	run := uint64(0)
	start := uint64(0)
	for pg := uint64(0); pg < v.numPages; pg++ {
		if !v.bitSet(pg) {
			if run == 0 {
				start = pg
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (v *Volume) logAlloc(first ids.PageID, count int) error {
	if v.log == nil {
		return nil
	}
	payload := &wal.AllocPayload{Page: uint64(first), Count: uint32(count)}
	lsn, err := v.log.Append(&wal.Record{
		Type:    wal.TypeAllocPage,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  first,
		Payload: payload.Marshal(),
	})
	if err != nil {
		return err
	}
	return v.log.Flush(lsn)
}

// Free returns a page to the pool, logging dealloc_a_page (spec §4.1). If
// the page lies below the allocator's scan position, the scan moves back to
// it, so the next Allocate hands the freed page out again.
func (v *Volume) Free(pid ids.PageID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markBit(pid.Page(), false)
	if pid.Page() < v.nextScan {
		v.nextScan = pid.Page()
	}
	if err := v.flushBitmap(); err != nil {
		return err
	}
	if v.log == nil {
		return nil
	}
	payload := &wal.AllocPayload{Page: uint64(pid), Count: 1}
	lsn, err := v.log.Append(&wal.Record{
		Type:    wal.TypeFreePage,
		Flags:   wal.FlagRedoable | wal.FlagSSX,
		PageID:  pid,
		Payload: payload.Marshal(),
	})
	if err != nil {
		return err
	}
	return v.log.Flush(lsn)
}

// MarkAllocated and MarkFreed apply the bitmap side effect of an
// alloc/free record directly, without re-logging it — storage/recovery's
// REDO of TypeAllocPage/TypeFreePage calls these rather than Allocate/Free,
// since the record being replayed is already durable.
func (v *Volume) MarkAllocated(pid ids.PageID, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < count; i++ {
		v.markBit(pid.Page()+uint64(i), true)
	}
	_ = v.flushBitmap()
}

func (v *Volume) MarkFreed(pid ids.PageID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markBit(pid.Page(), false)
	_ = v.flushBitmap()
}

// CreateStore returns the id of the lowest slot in the 255-slot store table
// (spec §4.1/§6) whose root is still nil. It does not reserve the slot: the
// root stays nil, and CreateStore keeps returning that id, until the caller
// installs a tree root via SetStoreRoot.
func (v *Volume) CreateStore() (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, err := v.ReadPage(v.hdr.StoreTable)
	if err != nil {
		return 0, err
	}
	for s := uint32(1); s <= maxStores; s++ {
		off := int(s-1) * 8
		if binary.LittleEndian.Uint64(p.Data[off:off+8]) == 0 {
			return s, nil
		}
	}
	return 0, errs.New(errs.KindOutOfSpace, "volume: store table full")
}

// GetStoreRoot reads store's current root page id from the store table.
func (v *Volume) GetStoreRoot(store uint32) (ids.PageID, error) {
	if store == 0 || store > maxStores {
		return ids.NilPageID, errs.New(errs.KindProgrammer, "volume: store id out of range")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, err := v.ReadPage(v.hdr.StoreTable)
	if err != nil {
		return ids.NilPageID, err
	}
	off := int(store-1) * 8
	return ids.PageID(binary.LittleEndian.Uint64(p.Data[off : off+8])), nil
}

// SetStoreRoot installs root as store's root page id, logging the change
// (TypeStoreTableUpdate, spec §4.1/§6) before writing the stnode page back.
func (v *Volume) SetStoreRoot(store uint32, root ids.PageID) error {
	if store == 0 || store > maxStores {
		return errs.New(errs.KindProgrammer, "volume: store id out of range")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.ReadPage(v.hdr.StoreTable)
	if err != nil {
		return err
	}
	off := int(store-1) * 8
	binary.LittleEndian.PutUint64(p.Data[off:off+8], uint64(root))

	if v.log != nil {
		payload := &wal.StoreTablePayload{Store: store, Root: uint64(root)}
		lsn, err := v.log.Append(&wal.Record{
			Type:    wal.TypeStoreTableUpdate,
			Flags:   wal.FlagRedoable | wal.FlagSSX,
			PageID:  v.hdr.StoreTable,
			Payload: payload.Marshal(),
		})
		if err != nil {
			return err
		}
		if err := v.log.Flush(lsn); err != nil {
			return err
		}
		p.PageLSN = lsn
	}
	p.Seal()
	return v.writeRaw(v.hdr.StoreTable, p)
}

func (v *Volume) offset(pid ids.PageID) int64 {
	return int64(pid.Page()) * int64(v.pageSize)
}

// ReadPage loads one page from the backing file and checks its checksum.
func (v *Volume) ReadPage(pid ids.PageID) (*page.Page, error) {
	buf := make([]byte, v.pageSize)
	if _, err := v.file.ReadAt(buf, v.offset(pid)); err != nil {
		return nil, errors.Wrapf(err, "volume: read page %s", pid)
	}
	p := page.UnmarshalBinary(buf)
	if !p.Verify() {
		return nil, errs.New(errs.KindIntegrity, fmt.Sprintf("volume: checksum mismatch at %s", pid))
	}
	return p, nil
}

// WritePage seals (recomputes the checksum of) and writes one page. The
// caller is responsible for having flushed the log up to the page's
// page_lsn first (spec §5's WAL invariant) — Volume itself does not know
// about LSNs.
func (v *Volume) WritePage(p *page.Page) error {
	p.Seal()
	return v.writeRaw(p.Pid, p)
}

func (v *Volume) writeRaw(pid ids.PageID, p *page.Page) error {
	buf := p.MarshalBinary()
	if uint32(len(buf)) < v.pageSize {
		padded := make([]byte, v.pageSize)
		copy(padded, buf)
		buf = padded
	}
	if _, err := v.file.WriteAt(buf, v.offset(pid)); err != nil {
		return errors.Wrapf(err, "volume: write page %s", pid)
	}
	return nil
}

func (v *Volume) flushHeader() error {
	p := page.New(v.pageSize - page.HeaderSize)
	p.Store = uint32(v.hdr.ID)
	p.Cnt = v.hdr.BitmapPages
	p.BTreeRoot = v.hdr.StoreTable
	p.FosterChild = ids.PageID(v.hdr.NumPages)
	p.Seal()
	return v.writeRaw(ids.NewPageID(v.id, 0), p)
}

func (v *Volume) flushBitmap() error {
	_, err := v.file.WriteAt(v.bitmap, int64(v.pageSize))
	return err
}

// Sync fsyncs the backing file (spec §5: pages must never hit stable
// storage ahead of their covering log records, but the volume itself just
// exposes the durability primitive; ordering is the buffer pool's job).
func (v *Volume) Sync() error { return v.file.Sync() }

func (v *Volume) Close() error { return v.file.Close() }
