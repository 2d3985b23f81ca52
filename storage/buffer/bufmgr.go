// Package buffer implements the Foster B-tree's buffer pool (spec §4.3):
// fix/unfix/refix, S/X/Q page latching, pointer swizzling, and hierarchical
// clock-hand eviction. The fix/unfix protocol and the hash-table-plus-clock
// layout are carried over directly from the teacher's BufMgr (PinLatch,
// UnpinLatch, the clock sweep in bufmgr.go) and from the ancestor
// bufmgr.go's self-contained version of the same mechanics; the
// ParentBufMgr delegation those files used is replaced here with a direct
// owned Volume (storage/volume), since the spec requires the engine to own
// its storage rather than delegate it to an embedding host.
package buffer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foster-engine/foster/errs"
	"github.com/foster-engine/foster/metrics"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/volume"
)

// LatchMode is the page-latch request mode (spec §4.3: "S, X, or Q").
type LatchMode uint8

const (
	LatchShare LatchMode = iota
	LatchExclusive
	LatchQueued // taken as a blocking shared latch, the same as LatchShare; there is no optimistic or try mode
)

// FlushFunc forces the log up to lsn durable before a dirty frame carrying
// page_lsn == lsn may be written back (spec §5's WAL rule). The buffer pool
// is handed this as a callback rather than importing wal directly, the way
// the teacher's BufMgr was handed a ParentBufMgr rather than owning one
// concretely.
type FlushFunc func(lsn ids.LSN) error

// RecoverFunc reconstructs pid via single-page recovery (spec §4.3's fix
// protocol step 2: "on a checksum failure, invoke SPR before surfacing an
// error to the caller"). The pool is handed this as a callback, the same
// way it is handed FlushFunc, rather than importing storage/recovery
// directly — recovery already imports buffer, so a direct import would
// cycle.
type RecoverFunc func(pid ids.PageID) (*page.Page, error)

// controlBlock is one frame's bookkeeping, generalizing the teacher's
// inline frame-table fields (pin, dirty, latch) into a struct of its own.
//
// pinCnt follows spec §4.3's CB sentinel convention: 0 means unpinned and
// evictable, a positive count means pinned that many times, and -1 is the
// transient "claimed by an evictor, mid-decision" state a concurrent
// Fix/Unfix must never see as a pin count to add to. gen increments every
// time the frame is handed a new resident page identity, the generation
// stamp storage/page.Page's swizzle cache checks before trusting a cached
// frame index (spec §4.3's swizzle invalidation).
type controlBlock struct {
	latch sync.RWMutex

	pid      ids.PageID
	pinCnt   int32
	refCount uint32 // clock reference bit count, capped at 16 per spec §4.3
	dirty    bool
	recLSN   ids.LSN
	page     *page.Page
	gen      uint64
}

const maxRefCount = 16

// Pool is the fixed-size buffer pool. One Pool serves one Volume; an
// engine with several volumes open keeps one Pool per volume, the way the
// teacher kept one BufMgr per bltree instance.
type Pool struct {
	vol      *volume.Volume
	flush    FlushFunc
	recover  RecoverFunc
	metrics  *metrics.Set
	log      *zap.Logger
	pageSize uint32

	mu         sync.Mutex // guards frames slice allocation and the hash table
	frames     []*controlBlock
	hash       map[ids.PageID]uint32 // disk PageID -> frame index, for unswizzled lookups
	storeHands map[uint32]uint32     // per-store clock hand, inner level of the hierarchical sweep
	roundStore int                   // outer level: which store bucket to resume round-robin from

	cleanerBatch int
}

// Volume exposes the pool's underlying volume, used by foster.CreateIndex to
// register a fresh root in the store table.
func (p *Pool) Volume() *volume.Volume { return p.vol }

// New builds a pool of numFrames frames over vol.
func New(vol *volume.Volume, numFrames int, flush FlushFunc, m *metrics.Set, log *zap.Logger) *Pool {
	frames := make([]*controlBlock, numFrames)
	for i := range frames {
		frames[i] = &controlBlock{}
	}
	return &Pool{
		vol:          vol,
		flush:        flush,
		metrics:      m,
		log:          log,
		pageSize:     vol.PageSize(),
		frames:       frames,
		hash:         make(map[ids.PageID]uint32, numFrames*2),
		storeHands:   make(map[uint32]uint32),
		cleanerBatch: 64,
	}
}

// SetRecover wires the single-page-recovery callback in; until called, a
// checksum failure on a cache miss surfaces to the caller as a plain
// integrity error.
func (p *Pool) SetRecover(fn RecoverFunc) { p.recover = fn }

// Fix loads pid into a frame (if not already resident), latches it in the
// requested mode, and returns a swizzled PageID pointing at the frame
// (spec §4.3: "fix(p) returns a frame reference; subsequent child pointer
// traversal may keep p swizzled until the frame is evicted").
func (p *Pool) Fix(pid ids.PageID, mode LatchMode) (ids.PageID, *page.Page, error) {
	if p.metrics != nil {
		p.metrics.BufFixes.Inc()
	}
	if pid.Swizzled() {
		cb := p.frames[pid.Frame()]
		p.latchFrame(cb, mode)
		p.pinClaimed(cb)
		p.bumpRef(cb)
		return pid, cb.page, nil
	}

	p.mu.Lock()
	if frameIdx, ok := p.hash[pid]; ok {
		cb := p.frames[frameIdx]
		p.mu.Unlock()
		p.latchFrame(cb, mode)
		p.pinClaimed(cb)
		p.bumpRef(cb)
		return ids.Swizzle(pid.Volume(), frameIdx), cb.page, nil
	}

	frameIdx, err := p.evictLocked()
	if err != nil {
		p.mu.Unlock()
		return ids.NilPageID, nil, err
	}
	cb := p.frames[frameIdx]
	p.hash[pid] = frameIdx
	atomic.AddUint64(&cb.gen, 1)
	p.mu.Unlock()

	pg, err := p.vol.ReadPage(pid)
	if err != nil {
		if p.recover != nil && errs.Of(err) == errs.KindIntegrity {
			pg, err = p.recover(pid)
		}
		if err != nil {
			p.mu.Lock()
			delete(p.hash, pid)
			p.mu.Unlock()
			return ids.NilPageID, nil, err
		}
		if p.metrics != nil {
			p.metrics.SPRRuns.Inc()
		}
	}

	cb.latch.Lock()
	cb.pid = pid
	cb.page = pg
	cb.dirty = false
	cb.recLSN = ids.NullLSN
	cb.pinCnt = 1
	cb.refCount = 1
	cb.latch.Unlock()

	p.latchFrame(cb, mode)
	if p.metrics != nil {
		p.metrics.BufOccupancy.Inc()
		p.metrics.BufSwizzled.Inc()
	}
	return ids.Swizzle(pid.Volume(), frameIdx), pg, nil
}

// FixChild resolves parent's slot-th child via parent's per-slot swizzle
// cache (storage/page.Page.CachedChildFrame/CacheChildFrame) before falling
// back to the ordinary hash-table Fix, the spec §4.3 short-circuit: "a
// repeat descent through an already-swizzled slot should skip the hash
// lookup entirely." A cache hit is only trusted if the frame's generation
// still matches what was cached — otherwise the frame has been evicted and
// reused since, and FixChild falls back exactly like a cold descent.
func (p *Pool) FixChild(parent *page.Page, slot uint32, mode LatchMode) (ids.PageID, *page.Page, error) {
	if frame, gen, ok := parent.CachedChildFrame(slot); ok {
		cb := p.frames[frame]
		p.latchFrame(cb, mode)
		if atomic.LoadUint64(&cb.gen) == gen {
			p.pinClaimed(cb)
			p.bumpRef(cb)
			if p.metrics != nil {
				p.metrics.BufSwizzleHits.Inc()
			}
			return ids.Swizzle(cb.pid.Volume(), frame), cb.page, nil
		}
		switch mode {
		case LatchExclusive:
			cb.latch.Unlock()
		default:
			cb.latch.RUnlock()
		}
	}

	childPid, _ := parent.BranchChild(slot)
	swz, pg, err := p.Fix(childPid, mode)
	if err != nil {
		return ids.NilPageID, nil, err
	}
	parent.CacheChildFrame(slot, swz.Frame(), atomic.LoadUint64(&p.frames[swz.Frame()].gen))
	return swz, pg, nil
}

// pinClaimed increments pinCnt the way a normal pin does, but spins past
// the transient -1 "an evictor is mid-decision on this frame" state
// instead of racing it into a bogus count (spec §4.3's CB pin_cnt == -1
// convention).
func (p *Pool) pinClaimed(cb *controlBlock) {
	for {
		old := atomic.LoadInt32(&cb.pinCnt)
		if old < 0 {
			continue
		}
		if atomic.CompareAndSwapInt32(&cb.pinCnt, old, old+1) {
			return
		}
	}
}

func (p *Pool) latchFrame(cb *controlBlock, mode LatchMode) {
	switch mode {
	case LatchExclusive:
		cb.latch.Lock()
	case LatchShare:
		cb.latch.RLock()
	case LatchQueued:
		cb.latch.RLock()
	}
}

func (p *Pool) bumpRef(cb *controlBlock) {
	for {
		old := atomic.LoadUint32(&cb.refCount)
		if old >= maxRefCount {
			return
		}
		if atomic.CompareAndSwapUint32(&cb.refCount, old, old+1) {
			return
		}
	}
}

// Unfix releases the latch mode's claim and decrements the pin count.
func (p *Pool) Unfix(swizzled ids.PageID, mode LatchMode, markDirty bool) {
	cb := p.frames[swizzled.Frame()]
	if markDirty {
		cb.dirty = true
		if cb.recLSN == ids.NullLSN {
			cb.recLSN = cb.page.PageLSN
		}
	}
	switch mode {
	case LatchExclusive:
		cb.latch.Unlock()
	default:
		cb.latch.RUnlock()
	}
	atomic.AddInt32(&cb.pinCnt, -1)
}

// Refix re-pins a frame the caller already holds a swizzled pointer to,
// without re-resolving the page table (spec §4.3's "refix is cheaper than
// fix because the page id is already known to be resident").
func (p *Pool) Refix(swizzled ids.PageID, mode LatchMode) *page.Page {
	cb := p.frames[swizzled.Frame()]
	p.latchFrame(cb, mode)
	p.pinClaimed(cb)
	p.bumpRef(cb)
	return cb.page
}

// evictLocked finds a victim frame via the hierarchical clock-hand sweep
// spec §4.3 describes: an outer round-robin over the stores (btrees) with
// resident frames, and an inner clock sweep within each store's own
// frames, so one hot store's pages don't get evicted just because another
// store happens to precede it in frame-array order. The volume level of
// spec's full [volume, store, ...] hierarchy collapses here because one
// Pool always serves exactly one Volume. Caller must hold p.mu.
func (p *Pool) evictLocked() (uint32, error) {
	for i, cb := range p.frames {
		if cb.pid == ids.NilPageID {
			return uint32(i), nil
		}
	}

	buckets := make(map[uint32][]uint32)
	for i, cb := range p.frames {
		store := uint32(0)
		if cb.page != nil {
			store = cb.page.Store
		}
		buckets[store] = append(buckets[store], uint32(i))
	}
	stores := make([]uint32, 0, len(buckets))
	for s := range buckets {
		stores = append(stores, s)
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i] < stores[j] })

	for round := 0; round < 2; round++ {
		for n := 0; n < len(stores); n++ {
			s := stores[(p.roundStore+n)%len(stores)]
			idx, ok, err := p.evictFromBucket(s, buckets[s])
			if err != nil {
				return 0, err
			}
			if ok {
				p.roundStore = (p.roundStore + n + 1) % len(stores)
				return idx, nil
			}
		}
	}
	if p.metrics != nil {
		p.metrics.BufEvictMisses.Inc()
	}
	return 0, errs.New(errs.KindOutOfSpace, "buffer: no evictable frame")
}

// evictFromBucket runs one store's inner clock sweep over frameIdxs,
// resuming from where that store's hand last stopped.
func (p *Pool) evictFromBucket(store uint32, frameIdxs []uint32) (uint32, bool, error) {
	n := uint32(len(frameIdxs))
	start := p.storeHands[store] % n
	for i := uint32(0); i < n; i++ {
		pos := (start + i) % n
		idx := frameIdxs[pos]
		cb := p.frames[idx]

		if !atomic.CompareAndSwapInt32(&cb.pinCnt, 0, -1) {
			continue // pinned, or another evictor already claimed it
		}
		if cb.refCount > 0 {
			cb.refCount--
			atomic.StoreInt32(&cb.pinCnt, 0)
			continue
		}
		if err := p.flushVictim(cb); err != nil {
			atomic.StoreInt32(&cb.pinCnt, 0)
			return 0, false, err
		}
		delete(p.hash, cb.pid)
		cb.pid = ids.NilPageID
		cb.page = nil
		atomic.AddUint64(&cb.gen, 1)
		atomic.StoreInt32(&cb.pinCnt, 0)
		p.storeHands[store] = (pos + 1) % n
		if p.metrics != nil {
			p.metrics.BufEvictions.Inc()
		}
		return idx, true, nil
	}
	return 0, false, nil
}

func (p *Pool) flushVictim(cb *controlBlock) error {
	if !cb.dirty {
		return nil
	}
	if p.flush != nil {
		if err := p.flush(cb.page.PageLSN); err != nil {
			return err
		}
	}
	if err := p.vol.WritePage(cb.page); err != nil {
		return err
	}
	cb.dirty = false
	return nil
}

// NewPage allocates a fresh page from the volume, installs it in a frame,
// and returns it latched exclusive.
func (p *Pool) NewPage(tag page.Tag, level uint8) (ids.PageID, *page.Page, error) {
	pid, err := p.vol.Allocate()
	if err != nil {
		return ids.NilPageID, nil, err
	}
	pg := page.New(p.pageSize - page.HeaderSize)
	pg.Pid = pid
	pg.Tag = tag
	pg.Level = level

	p.mu.Lock()
	frameIdx, err := p.evictLocked()
	if err != nil {
		p.mu.Unlock()
		return ids.NilPageID, nil, err
	}
	cb := p.frames[frameIdx]
	p.hash[pid] = frameIdx
	atomic.AddUint64(&cb.gen, 1)
	p.mu.Unlock()

	cb.latch.Lock()
	cb.pid = pid
	cb.page = pg
	cb.dirty = true
	cb.recLSN = ids.NullLSN
	cb.pinCnt = 1
	cb.refCount = 1
	if p.metrics != nil {
		p.metrics.BufOccupancy.Inc()
	}
	return ids.Swizzle(pid.Volume(), frameIdx), pg, nil
}

// FreePage returns pid to the volume's allocator. The frame, if resident,
// is evicted without a write-back.
func (p *Pool) FreePage(pid ids.PageID) error {
	p.mu.Lock()
	if frameIdx, ok := p.hash[pid]; ok {
		cb := p.frames[frameIdx]
		cb.dirty = false
		cb.pid = ids.NilPageID
		cb.page = nil
		atomic.AddUint64(&cb.gen, 1)
		delete(p.hash, pid)
	}
	p.mu.Unlock()
	return p.vol.Free(pid)
}

// DirtyPageTable returns the set of (pid, recLSN) pairs for every currently
// dirty frame, the "dirty page table" recovery's Log Analysis pass needs.
func (p *Pool) DirtyPageTable() map[ids.PageID]ids.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[ids.PageID]ids.LSN)
	for _, cb := range p.frames {
		if cb.dirty {
			out[cb.pid] = cb.recLSN
		}
	}
	return out
}

// RunCleaner launches a background goroutine, supervised by an errgroup
// rooted on ctx, that flushes a batch of dirty frames once per interval so
// eviction rarely has to do synchronous I/O (spec §4.3's WOD-respecting
// background cleaner paced by config.Options.FlushInterval). Cancel ctx to
// stop it.
func (p *Pool) RunCleaner(ctx context.Context, g *errgroup.Group, interval time.Duration) {
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.cleanBatch()
			}
		}
	})
}

func (p *Pool) cleanBatch() {
	p.mu.Lock()
	candidates := make([]*controlBlock, 0, p.cleanerBatch)
	for _, cb := range p.frames {
		if cb.dirty && atomic.LoadInt32(&cb.pinCnt) == 0 {
			candidates = append(candidates, cb)
			if len(candidates) >= p.cleanerBatch {
				break
			}
		}
	}
	p.mu.Unlock()

	for _, cb := range candidates {
		cb.latch.Lock()
		if cb.dirty && cb.page != nil {
			if err := p.flushVictim(cb); err != nil && p.log != nil {
				p.log.Warn("buffer: cleaner flush failed", zap.Error(err))
			} else if p.metrics != nil {
				p.metrics.BufDirty.Dec()
			}
		}
		cb.latch.Unlock()
	}
}
