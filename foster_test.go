package foster

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/foster-engine/foster/storage/buffer"
	"github.com/foster-engine/foster/storage/ids"
	"github.com/foster-engine/foster/storage/page"
	"github.com/foster-engine/foster/storage/volume"
	"github.com/foster-engine/foster/storage/wal"
	"github.com/foster-engine/foster/txn"
)

func newTestIndex(t *testing.T) (*Index, *wal.Manager) {
	t.Helper()
	return newTestIndexBits(t, 12, 256)
}

// newTestIndexBits builds an index over a volume with the given page-size
// exponent, so tests that want to provoke a split after only a handful of
// inserts can use a small page (e.g. 8 -> 256 bytes) instead of padding out
// hundreds of keys against the default 4096-byte page.
func newTestIndexBits(t *testing.T, pageSizeBits uint8, capacityPages uint64) (*Index, *wal.Manager) {
	t.Helper()
	f := volume.OpenMem("test")
	v, err := volume.Create(1, f, pageSizeBits, capacityPages)
	if err != nil {
		t.Fatalf("volume.Create: %v", err)
	}
	logMgr, err := wal.Open(filepath.Join(t.TempDir(), "test.log"), nil, nil)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	pool := buffer.New(v, 64, logMgr.Flush, nil, nil)
	oracle := txn.NewMemOracle()
	idx, err := CreateIndex(pool, logMgr, oracle, nil, 1)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	return idx, logMgr
}

func TestInsertThenFind(t *testing.T) {
	idx, _ := newTestIndex(t)
	counter := txn.NewCounter()
	x := txn.Begin(counter)

	if err := idx.Insert(x, []byte("apple"), []byte("fruit")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok, err := idx.Find([]byte("apple"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok {
		t.Fatal("expected to find inserted key")
	}
	if string(val) != "fruit" {
		t.Fatalf("Find returned %q, want %q", val, "fruit")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	if err := idx.Insert(x, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := idx.Insert(x, []byte("k"), []byte("v2")); err == nil {
		t.Fatal("expected duplicate key insert to fail")
	}
}

func TestDeleteThenFindMisses(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	if err := idx.Insert(x, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Delete(x, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := idx.Find([]byte("k"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())
	if err := idx.Delete(x, []byte("nope")); err == nil {
		t.Fatal("expected Delete of missing key to fail")
	}
}

func TestInsertManyTriggersSplit(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val, ok, err := idx.Find(key)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("missing key %s after bulk insert", key)
		}
		want := fmt.Sprintf("value-%04d", i)
		if string(val) != want {
			t.Fatalf("Find(%s) = %q, want %q", key, val, want)
		}
	}
}

// TestInsertDescendingOrderAllFound inserts keys in strictly descending
// order, so every new key is smaller than every separator already adopted
// into the tree's branch pages. This is the shape branchSlot's restricted
// upper-bound search must get right: a naive page.FindSlot-based search can
// be fooled by a branch page's catch-all last slot (an empty placeholder
// key) into routing a small key to the wrong child.
func TestInsertDescendingOrderAllFound(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	const n = 300
	for i := n - 1; i >= 0; i-- {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val, ok, err := idx.Find(key)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("missing key %s after descending bulk insert", key)
		}
		want := fmt.Sprintf("value-%04d", i)
		if string(val) != want {
			t.Fatalf("Find(%s) = %q, want %q", key, val, want)
		}
	}
}

// TestAdoptPromotesRootToBranch confirms that splitting the root page grows
// the tree by a level (promoteRoot) rather than leaving an unadopted foster
// chain hanging off the root.
func TestAdoptPromotesRootToBranch(t *testing.T) {
	idx, _ := newTestIndexBits(t, 9, 256)
	x := txn.Begin(txn.NewCounter())

	for i := 0; i < 30; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	swz, root, err := idx.pool.Fix(idx.root, buffer.LatchShare)
	if err != nil {
		t.Fatalf("Fix(root): %v", err)
	}
	defer idx.pool.Unfix(swz, buffer.LatchShare, false)
	if root.Tag != page.TagBTreeBranch {
		t.Fatalf("root.Tag = %v, want TagBTreeBranch after enough splits to promote", root.Tag)
	}
	if root.Cnt < page.FirstDataSlot+1 {
		t.Fatalf("promoted root has only %d slots, want at least 2 children", root.Cnt-page.FirstDataSlot+1)
	}
}

// danglingFosterLeaf walks the tree from the root looking for a leaf page
// whose FosterChild field is still set despite also being reachable as an
// ordinary branch slot in its parent — the state adoptFoster deliberately
// leaves behind (see DESIGN.md) so deadoptSibling can undo an adopt with a
// single record against the parent page alone.
func danglingFosterLeaf(t *testing.T, idx *Index) (parent, left, right ids.PageID) {
	t.Helper()
	var walk func(pid ids.PageID) bool
	walk = func(pid ids.PageID) bool {
		swz, pg, err := idx.pool.Fix(pid, buffer.LatchShare)
		if err != nil {
			t.Fatalf("Fix(%v): %v", pid, err)
		}
		tag := pg.Tag
		cnt := pg.Cnt
		if tag == page.TagBTreeLeaf {
			fc := pg.FosterChild
			idx.pool.Unfix(swz, buffer.LatchShare, false)
			if fc != ids.NilPageID {
				left, right = pid, fc
				return true
			}
			return false
		}
		children := make([]ids.PageID, 0, cnt)
		for s := uint32(page.FirstDataSlot); s <= cnt; s++ {
			c, _ := pg.BranchChild(s)
			children = append(children, c)
		}
		idx.pool.Unfix(swz, buffer.LatchShare, false)
		for _, c := range children {
			if walk(c) {
				if parent == ids.NilPageID {
					parent = pid
				}
				return true
			}
		}
		return false
	}
	walk(idx.root)
	return parent, left, right
}

// TestDeadoptThenMergeFoster exercises foster_deadopt and foster_merge
// against a real dangling foster edge left behind by adoptFoster, confirming
// both operations preserve every live key and that merge frees the donor
// page.
func TestDeadoptThenMergeFoster(t *testing.T) {
	idx, _ := newTestIndexBits(t, 9, 256)
	x := txn.Begin(txn.NewCounter())

	const n = 50
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	parent, left, right := danglingFosterLeaf(t, idx)
	if left == ids.NilPageID {
		t.Fatal("no dangling foster edge found among leaves; bulk insert didn't split past the root")
	}

	if err := idx.deadoptSibling(parent, right); err != nil {
		t.Fatalf("deadoptSibling: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, ok, err := idx.Find(key); err != nil || !ok {
			t.Fatalf("Find(%s) after deadopt: ok=%v err=%v", key, ok, err)
		}
	}

	if err := idx.mergeFoster(left); err != nil {
		t.Fatalf("mergeFoster: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, ok, err := idx.Find(key); err != nil || !ok {
			t.Fatalf("Find(%s) after merge: ok=%v err=%v", key, ok, err)
		}
	}
}

// TestGhostReuseDoesNotLeakSlots repeatedly deletes and reinserts the same
// key. Before reuseGhostLogged existed, a reinsert after delete created a
// brand new slot next to the original ghost instead of reusing it, so the
// leaf's slot count grew without bound.
func TestGhostReuseDoesNotLeakSlots(t *testing.T) {
	idx, _ := newTestIndexBits(t, 8, 256)
	x := txn.Begin(txn.NewCounter())
	key := []byte("steady-key")

	if err := idx.Insert(x, key, []byte("v0")); err != nil {
		t.Fatalf("initial Insert: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := idx.Delete(x, key); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		val := []byte(fmt.Sprintf("v%d", i+1))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	val, ok, err := idx.Find(key)
	if err != nil || !ok {
		t.Fatalf("Find after churn: ok=%v err=%v", ok, err)
	}
	if string(val) != "v100" {
		t.Fatalf("Find = %q, want %q", val, "v100")
	}

	swz, pg, err := idx.descend(key, buffer.LatchShare)
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	defer idx.pool.Unfix(swz, buffer.LatchShare, false)
	if pg.Cnt != page.FirstDataSlot {
		t.Fatalf("leaf has %d data slots after 100 delete/reinsert cycles on one key, want exactly 1 (no leaked ghost slots)", pg.Cnt-page.FirstDataSlot+1)
	}
}

// TestGhostReuseVaryingLength exercises both reuseGhostLogged branches: a
// same-length reinsert that patches the old ghost in place, and a
// longer reinsert that can't fit the old ghost's reserved space and falls
// back to removing the stale slot before inserting fresh.
func TestGhostReuseVaryingLength(t *testing.T) {
	idx, _ := newTestIndexBits(t, 8, 256)
	x := txn.Begin(txn.NewCounter())
	key := []byte("k")

	if err := idx.Insert(x, key, []byte("short")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Delete(x, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := idx.Insert(x, key, []byte("short")); err != nil {
		t.Fatalf("same-length reinsert: %v", err)
	}
	if val, ok, err := idx.Find(key); err != nil || !ok || string(val) != "short" {
		t.Fatalf("Find after same-length reinsert = %q, ok=%v, err=%v", val, ok, err)
	}

	if err := idx.Delete(x, key); err != nil {
		t.Fatalf("Delete 2: %v", err)
	}
	longer := []byte("a much longer replacement value than the ghost reserved")
	if err := idx.Insert(x, key, longer); err != nil {
		t.Fatalf("longer reinsert: %v", err)
	}
	if val, ok, err := idx.Find(key); err != nil || !ok || string(val) != string(longer) {
		t.Fatalf("Find after longer reinsert = %q, ok=%v, err=%v", val, ok, err)
	}
}

func TestUpdateSameLength(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	if err := idx.Insert(x, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Update(x, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	val, ok, err := idx.Find([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Find after Update: ok=%v err=%v", ok, err)
	}
	if string(val) != "v2" {
		t.Fatalf("Find = %q, want %q", val, "v2")
	}
}

func TestUpdateLengthChange(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	if err := idx.Insert(x, []byte("k"), []byte("short")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Update(x, []byte("k"), []byte("a much longer value")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	val, ok, err := idx.Find([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Find after Update: ok=%v err=%v", ok, err)
	}
	if string(val) != "a much longer value" {
		t.Fatalf("Find = %q, want %q", val, "a much longer value")
	}
}

func TestUpdateMissingKeyFails(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())
	if err := idx.Update(x, []byte("nope"), []byte("v")); err == nil {
		t.Fatal("expected Update of missing key to fail")
	}
}

func TestOverwrite(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())

	if err := idx.Insert(x, []byte("k"), []byte("0123456789")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Overwrite(x, []byte("k"), 3, []byte("XYZ")); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	val, ok, err := idx.Find([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Find after Overwrite: ok=%v err=%v", ok, err)
	}
	if string(val) != "012XYZ6789" {
		t.Fatalf("Find = %q, want %q", val, "012XYZ6789")
	}
}

func TestOverwriteOutOfRangeFails(t *testing.T) {
	idx, _ := newTestIndex(t)
	x := txn.Begin(txn.NewCounter())
	if err := idx.Insert(x, []byte("k"), []byte("short")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Overwrite(x, []byte("k"), 2, []byte("too long for this value")); err == nil {
		t.Fatal("expected out-of-range Overwrite to fail")
	}
}

func TestRangeScan(t *testing.T) {
	idx, _ := newTestIndexBits(t, 9, 256)
	x := txn.Begin(txn.NewCounter())

	const n = 60
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	low := []byte("key-0020")
	high := []byte("key-0050")
	kvs, err := idx.Range(x, low, high, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(kvs) != 30 {
		t.Fatalf("Range returned %d entries, want 30", len(kvs))
	}
	for i, kv := range kvs {
		wantKey := fmt.Sprintf("key-%04d", 20+i)
		if string(kv.Key) != wantKey {
			t.Fatalf("Range[%d].Key = %q, want %q", i, kv.Key, wantKey)
		}
	}

	limited, err := idx.Range(x, low, high, 5)
	if err != nil {
		t.Fatalf("Range with limit: %v", err)
	}
	if len(limited) != 5 {
		t.Fatalf("Range with limit=5 returned %d entries", len(limited))
	}
}

func TestCursor(t *testing.T) {
	idx, _ := newTestIndexBits(t, 9, 256)
	x := txn.Begin(txn.NewCounter())

	const n = 60
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := idx.Insert(x, key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	c := idx.NewCursor([]byte("key-0010"), []byte("key-0015"))
	var got []string
	for {
		kv, ok, err := c.Next()
		if err != nil {
			t.Fatalf("Cursor.Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(kv.Key))
	}
	if len(got) != 5 {
		t.Fatalf("Cursor yielded %d keys, want 5: %v", len(got), got)
	}
	for i, k := range got {
		want := fmt.Sprintf("key-%04d", 10+i)
		if k != want {
			t.Fatalf("Cursor[%d] = %q, want %q", i, k, want)
		}
	}
}
