package page

import (
	"bytes"
	"testing"

	"github.com/foster-engine/foster/storage/ids"
)

func TestSlotKeyValueRoundTrip(t *testing.T) {
	p := New(4096)
	p.Cnt = FirstDataSlot - 1
	p.Min = uint32(len(p.Data))

	cases := []struct {
		key, val []byte
	}{
		{[]byte("alpha"), []byte("1")},
		{[]byte("beta"), []byte("22")},
		{[]byte("gamma"), []byte("333")},
	}

	for _, c := range cases {
		p.Cnt++
		off := p.Min - EntrySize(len(c.key), len(c.val))
		p.Min = off
		p.SetKeyOffset(p.Cnt, off)
		p.SetKey(p.Cnt, c.key)
		p.SetValue(p.Cnt, c.val)
		p.SetTyp(p.Cnt, SlotUnique)
	}

	for i, c := range cases {
		slot := uint32(FirstDataSlot + i)
		if !bytes.Equal(p.Key(slot), c.key) {
			t.Errorf("slot %d key = %q, want %q", slot, p.Key(slot), c.key)
		}
		if !bytes.Equal(p.Value(slot), c.val) {
			t.Errorf("slot %d value = %q, want %q", slot, p.Value(slot), c.val)
		}
	}
}

func TestFindSlot(t *testing.T) {
	p := New(4096)
	p.Cnt = FirstDataSlot - 1
	p.Min = uint32(len(p.Data))

	keys := []string{"b", "d", "f", "h"}
	for _, k := range keys {
		p.Cnt++
		off := p.Min - EntrySize(len(k), 0)
		p.Min = off
		p.SetKeyOffset(p.Cnt, off)
		p.SetKey(p.Cnt, []byte(k))
		p.SetValue(p.Cnt, nil)
	}

	tests := []struct {
		key  string
		want uint32
	}{
		{"b", FirstDataSlot},
		{"f", FirstDataSlot + 2},
		{"a", FirstDataSlot},
		{"h", FirstDataSlot + 3},
	}
	for _, tc := range tests {
		got := p.FindSlot([]byte(tc.key))
		if got != tc.want {
			t.Errorf("FindSlot(%q) = %d, want %d", tc.key, got, tc.want)
		}
	}
}

func TestGhostFlag(t *testing.T) {
	p := New(4096)
	p.Cnt = FirstDataSlot
	if p.Ghost(FirstDataSlot) {
		t.Fatal("new slot should not be ghost")
	}
	p.SetGhost(FirstDataSlot, true)
	if !p.Ghost(FirstDataSlot) {
		t.Fatal("SetGhost(true) did not stick")
	}
	p.SetGhost(FirstDataSlot, false)
	if p.Ghost(FirstDataSlot) {
		t.Fatal("SetGhost(false) did not stick")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	p := New(256)
	p.Pid = ids.NewPageID(1, 7)
	p.Cnt = FirstDataSlot - 1
	p.Min = uint32(len(p.Data))
	p.Seal()

	if !p.Verify() {
		t.Fatal("freshly sealed page failed Verify")
	}
	p.Data[0] ^= 0xFF
	if p.Verify() {
		t.Fatal("corrupted page should fail Verify")
	}
}

func TestMarshalUnmarshalBinary(t *testing.T) {
	p := New(256)
	p.Pid = ids.NewPageID(2, 9)
	p.Tag = TagBTreeLeaf
	p.Level = 0
	p.Cnt = FirstDataSlot - 1
	p.Min = uint32(len(p.Data))
	off := p.Min - EntrySize(1, 0)
	p.Min = off
	p.SetKeyOffset(FenceLowSlot, off)
	p.SetKey(FenceLowSlot, []byte("a"))
	p.Seal()

	buf := p.MarshalBinary()
	got := UnmarshalBinary(buf)
	if got.Pid != p.Pid || got.Tag != p.Tag {
		t.Fatalf("round trip mismatch: got %+v", got.Header)
	}
	if !bytes.Equal(got.LowFence(), []byte("a")) {
		t.Fatalf("low fence mismatch after round trip: %q", got.LowFence())
	}
}
