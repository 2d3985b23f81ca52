// Package txn implements transaction descriptors and SSX (single-log
// system transaction) bookkeeping (spec §4.5), plus a reference in-memory
// lock manager satisfying interfaces.LockOracle for tests and the
// cmd/fosterctl exerciser — production deployments are expected to supply
// their own oracle, per spec §1's "lock manager is an external
// collaborator" boundary.
package txn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/foster-engine/foster/errs"
	"github.com/foster-engine/foster/interfaces"
	"github.com/foster-engine/foster/storage/ids"
)

func lockConflictError(requester, holder interfaces.XID) error {
	return errs.New(errs.KindConflict, fmt.Sprintf("txn: xid %d conflicts with lock held by xid %d", requester, holder))
}

// Xct is one user transaction's descriptor: its id, its last log record
// (for UNDO chaining), and whether it is itself running as an SSX.
type Xct struct {
	ID      interfaces.XID
	LastLSN ids.LSN
	SSX     bool
}

// Counter hands out monotonically increasing XIDs. A uuid-derived high
// word keeps ids unique across process restarts even though the low word
// alone would suffice within one run, matching the way the teacher's own
// GetID stamped entries with a process-local allocator.
type Counter struct {
	mu   sync.Mutex
	next uint64
	salt uint64
}

func NewCounter() *Counter {
	u := uuid.New()
	return &Counter{salt: uint64(u[0])<<56 | uint64(u[1])<<48 | uint64(u[2])<<40 | uint64(u[3])<<32}
}

func (c *Counter) Next() interfaces.XID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return interfaces.XID(c.salt | c.next)
}

// Begin starts an ordinary (non-SSX) transaction.
func Begin(c *Counter) *Xct {
	return &Xct{ID: c.Next()}
}

// BeginSSX starts a system transaction: spec §4.5 says these never roll
// back and hold no locks, so Xct.SSX gates the lock-oracle calls the btree
// package makes around leaf mutations. The recovery UNDO pass skips an
// SSX's records by their wal.FlagSSX flag, not by Xct.SSX.
func BeginSSX(c *Counter) *Xct {
	return &Xct{ID: c.Next(), SSX: true}
}

type heldLock struct {
	key  []byte
	low  []byte
	high []byte
	mode interfaces.LockMode
}

// MemOracle is a simple in-memory key-range lock table: an unsorted list
// of held ranges per transaction, checked for overlap on Acquire. It is not meant to
// be fast or deadlock-free under contention; it exists so the btree
// package and its tests have a real interfaces.LockOracle to call without
// requiring an external lock manager.
type MemOracle struct {
	mu    sync.Mutex
	locks map[interfaces.XID][]heldLock
}

func NewMemOracle() *MemOracle {
	return &MemOracle{locks: make(map[interfaces.XID][]heldLock)}
}

func conflicts(a, b interfaces.LockMode) bool {
	exclusive := func(m interfaces.LockMode) bool {
		return m == interfaces.LockModeExclusive || m == interfaces.LockModeIntentExclusive
	}
	return exclusive(a) || exclusive(b)
}

func rangesOverlap(lowA, highA, lowB, highB []byte) bool {
	ltOrEq := func(x, y []byte) bool { return x == nil || y == nil || string(x) <= string(y) }
	return ltOrEq(lowA, highB) && ltOrEq(lowB, highA)
}

func (o *MemOracle) Acquire(xid interfaces.XID, key []byte, mode interfaces.LockMode) error {
	return o.AcquireRange(xid, key, key, mode)
}

func (o *MemOracle) AcquireRange(xid interfaces.XID, low, high []byte, mode interfaces.LockMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for holder, locks := range o.locks {
		if holder == xid {
			continue
		}
		for _, l := range locks {
			if conflicts(l.mode, mode) && rangesOverlap(l.low, l.high, low, high) {
				return lockConflictError(xid, holder)
			}
		}
	}
	o.locks[xid] = append(o.locks[xid], heldLock{low: low, high: high, mode: mode})
	return nil
}

func (o *MemOracle) Release(xid interfaces.XID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.locks, xid)
	return nil
}

// snapshot returns a deterministic, sorted view of held ranges for xid, for
// asserting on lock state; no test or other code calls it.
func (o *MemOracle) snapshot(xid interfaces.XID) []heldLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]heldLock(nil), o.locks[xid]...)
	sort.Slice(out, func(i, j int) bool { return string(out[i].low) < string(out[j].low) })
	return out
}

var _ interfaces.LockOracle = (*MemOracle)(nil)
