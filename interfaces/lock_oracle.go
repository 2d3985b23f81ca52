// Package interfaces holds the engine's external-collaborator contracts —
// the pieces spec.md §1 calls out as "out of scope" but which the B-tree
// index must still call through. This mirrors the teacher's own
// interfaces/ package, which did the same thing for its parent buffer
// manager; here the externally-owned collaborator is the lock manager.
package interfaces

// LockMode is the key-range lock mode the B-tree index asks the oracle for
// before a leaf-level operation completes (spec §4.5: "Lock acquisitions
// are logical (on keys and key ranges), not on pages").
type LockMode int

const (
	LockModeShared LockMode = iota
	LockModeExclusive
	LockModeIntentShared
	LockModeIntentExclusive
)

// XID identifies the transaction on whose behalf a lock is held.
type XID uint64

// LockOracle is the "acquire(key, mode)/release(xid)" oracle spec.md §1
// says to treat as an external collaborator. The engine never implements
// deadlock detection or a wait graph itself; it only calls through this
// interface.
type LockOracle interface {
	// Acquire blocks (or times out) until xid holds mode on key, or
	// returns an error if the request cannot be granted.
	Acquire(xid XID, key []byte, mode LockMode) error
	// AcquireRange is the range-locking form used for RangeScan cursors.
	AcquireRange(xid XID, low, high []byte, mode LockMode) error
	// Release drops every lock xid holds, e.g. on commit or abort.
	Release(xid XID) error
}
