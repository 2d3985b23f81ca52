package txn

import (
	"testing"

	"github.com/foster-engine/foster/interfaces"
)

func TestCounterProducesDistinctIDs(t *testing.T) {
	c := NewCounter()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := c.Next()
		if seen[uint64(id)] {
			t.Fatalf("Counter produced duplicate id %d", id)
		}
		seen[uint64(id)] = true
	}
}

func TestBeginSSXMarksTransaction(t *testing.T) {
	c := NewCounter()
	x := BeginSSX(c)
	if !x.SSX {
		t.Fatal("BeginSSX should set SSX=true")
	}
	o := Begin(c)
	if o.SSX {
		t.Fatal("Begin should set SSX=false")
	}
}

func TestMemOracleGrantsNonConflicting(t *testing.T) {
	o := NewMemOracle()
	x1, x2 := Begin(NewCounter()), Begin(NewCounter())

	if err := o.Acquire(x1.ID, []byte("a"), interfaces.LockModeShared); err != nil {
		t.Fatalf("x1 acquire: %v", err)
	}
	if err := o.Acquire(x2.ID, []byte("z"), interfaces.LockModeShared); err != nil {
		t.Fatalf("x2 acquire on disjoint key: %v", err)
	}
}

func TestMemOracleRejectsConflict(t *testing.T) {
	o := NewMemOracle()
	x1, x2 := Begin(NewCounter()), Begin(NewCounter())

	if err := o.Acquire(x1.ID, []byte("k"), interfaces.LockModeExclusive); err != nil {
		t.Fatalf("x1 acquire: %v", err)
	}
	if err := o.Acquire(x2.ID, []byte("k"), interfaces.LockModeExclusive); err == nil {
		t.Fatal("expected conflicting acquire to fail")
	}
}

func TestMemOracleReleaseClearsLocks(t *testing.T) {
	o := NewMemOracle()
	x1, x2 := Begin(NewCounter()), Begin(NewCounter())

	_ = o.Acquire(x1.ID, []byte("k"), interfaces.LockModeExclusive)
	if err := o.Release(x1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := o.Acquire(x2.ID, []byte("k"), interfaces.LockModeExclusive); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}
