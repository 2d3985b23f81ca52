package volume

import (
	"testing"

	"github.com/foster-engine/foster/storage/page"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	f := OpenMem("test")
	v, err := Create(1, f, 12, 256) // 4 KiB pages, 256 pages
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

func TestAllocateAndFree(t *testing.T) {
	v := newTestVolume(t)

	pid, err := v.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pid.Volume() != 1 {
		t.Fatalf("allocated page in wrong volume: %s", pid)
	}

	pid2, err := v.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pid == pid2 {
		t.Fatal("Allocate returned the same page twice")
	}

	if err := v.Free(pid); err != nil {
		t.Fatalf("Free: %v", err)
	}
	pid3, err := v.Allocate()
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if pid3 != pid {
		t.Fatalf("expected freed page %s to be reused, got %s", pid, pid3)
	}
}

func TestWriteReadPage(t *testing.T) {
	v := newTestVolume(t)
	pid, err := v.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	p := page.New(v.PageSize() - page.HeaderSize)
	p.Pid = pid
	p.Tag = page.TagBTreeLeaf
	p.Cnt = page.FirstDataSlot - 1
	p.Min = uint32(len(p.Data))

	if err := v.WritePage(p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := v.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.Pid != pid || got.Tag != page.TagBTreeLeaf {
		t.Fatalf("read back wrong page: %+v", got.Header)
	}
}

func TestReadPageDetectsCorruption(t *testing.T) {
	v := newTestVolume(t)
	pid, err := v.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p := page.New(v.PageSize() - page.HeaderSize)
	p.Pid = pid
	p.Cnt = page.FirstDataSlot - 1
	p.Min = uint32(len(p.Data))
	if err := v.WritePage(p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	// flip a byte directly in the backing file to simulate torn/corrupt storage.
	buf := make([]byte, 1)
	if _, err := v.file.ReadAt(buf, int64(pid.Page())*int64(v.PageSize())+int64(page.HeaderSize)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := v.file.WriteAt(buf, int64(pid.Page())*int64(v.PageSize())+int64(page.HeaderSize)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := v.ReadPage(pid); err == nil {
		t.Fatal("expected checksum mismatch error on corrupted page")
	}
}
