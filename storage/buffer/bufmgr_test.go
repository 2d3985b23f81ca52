package buffer

import (
	"bytes"
	"testing"

	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/volume"
)

func newTestPool(t *testing.T, frames int) (*volume.Volume, *Pool) {
	t.Helper()
	f := volume.OpenMem("test")
	v, err := volume.Create(1, f, 12, 64)
	if err != nil {
		t.Fatalf("volume.Create: %v", err)
	}
	pool := New(v, frames, nil, nil, nil)
	return v, pool
}

func TestNewPageThenFix(t *testing.T) {
	_, pool := newTestPool(t, 8)

	swz, pg, err := pool.NewPage(page.TagBTreeLeaf, 0)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if !swz.Swizzled() {
		t.Fatal("NewPage should return a swizzled PageID")
	}
	pg.SetLowFence([]byte("low"))
	pid := pg.Pid
	pool.Unfix(swz, LatchExclusive, true)

	swz2, pg2, err := pool.Fix(pid, LatchShare)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	defer pool.Unfix(swz2, LatchShare, false)

	if !bytes.Equal(pg2.LowFence(), []byte("low")) {
		t.Fatalf("refetched page lost its write: %q", pg2.LowFence())
	}
}

func TestNewPageEvictsUnderPressure(t *testing.T) {
	_, pool := newTestPool(t, 2)

	var allocated []uint64
	for i := 0; i < 5; i++ {
		swz, pg, err := pool.NewPage(page.TagBTreeLeaf, 0)
		if err != nil {
			t.Fatalf("NewPage %d: %v", i, err)
		}
		allocated = append(allocated, uint64(pg.Pid))
		pool.Unfix(swz, LatchExclusive, true)
	}

	if len(allocated) != 5 {
		t.Fatalf("expected 5 pages allocated, got %d", len(allocated))
	}
}
