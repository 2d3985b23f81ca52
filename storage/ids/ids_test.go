package ids

import "testing"

func TestPageIDPacking(t *testing.T) {
	p := NewPageID(42, 12345)
	if p.Volume() != 42 {
		t.Errorf("Volume() = %d, want 42", p.Volume())
	}
	if p.Page() != 12345 {
		t.Errorf("Page() = %d, want 12345", p.Page())
	}
	if p.Swizzled() {
		t.Error("disk PageID reported Swizzled()")
	}
}

func TestSwizzle(t *testing.T) {
	p := Swizzle(7, 99)
	if !p.Swizzled() {
		t.Fatal("Swizzle() result not Swizzled()")
	}
	if p.Frame() != 99 {
		t.Errorf("Frame() = %d, want 99", p.Frame())
	}
	if p.Volume() != 7 {
		t.Errorf("Volume() = %d, want 7", p.Volume())
	}
}

func TestFramePanicsWhenUnswizzled(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Frame() on unswizzled PageID should panic")
		}
	}()
	NewPageID(1, 1).Frame()
}

func TestNewPageIDPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewPageID should panic when page exceeds 47 bits")
		}
	}()
	NewPageID(0, uint64(1)<<48)
}

func TestLSNOrdering(t *testing.T) {
	a := NewLSN(1, 100)
	b := NewLSN(1, 200)
	c := NewLSN(2, 0)

	if !Less(a, b) {
		t.Error("expected a < b within same file")
	}
	if !Less(b, c) {
		t.Error("expected b < c across file boundary")
	}
	if Less(a, a) {
		t.Error("LSN should not be less than itself")
	}
	if NullLSN.Valid() {
		t.Error("NullLSN must not be Valid()")
	}
	if !a.Valid() {
		t.Error("non-null LSN must be Valid()")
	}
}
