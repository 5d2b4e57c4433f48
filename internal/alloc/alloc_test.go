package alloc

import (
	"strings"
	"testing"

	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/filesize"
	"github.com/abiolaogu/blockvault/internal/kv"
)

func newTestAllocator() (*Allocator, *kv.Memory, *filesize.Memory) {
	store := kv.NewMemory()
	file := &filesize.Memory{}
	return New(store, file), store, file
}

func hashOf(s string) [32]byte {
	var h [32]byte
	copy(h[:], strings.Repeat(s, 32)[:32])
	return h
}

func TestAllocateGrowsOneMacroBlockOnFirstUse(t *testing.T) {
	a, _, file := newTestAllocator()

	md, err := a.Allocate(hashOf("a"), 100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if md.BlockSize != blocksize.Class4K {
		t.Fatalf("BlockSize = %v, want Class4K", md.BlockSize)
	}
	size, _ := file.Size()
	if size != 1<<20 {
		t.Fatalf("file size = %d, want 1 MiB", size)
	}
}

func TestAllocate8KClassForJustOverOnePage(t *testing.T) {
	a, _, _ := newTestAllocator()
	md, err := a.Allocate(hashOf("b"), 4097)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if md.BlockSize != blocksize.Class8K {
		t.Fatalf("BlockSize = %v, want Class8K", md.BlockSize)
	}
}

func TestAllocateRejectsDuplicateHash(t *testing.T) {
	a, _, _ := newTestAllocator()
	h := hashOf("c")
	if _, err := a.Allocate(h, 10); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := a.Allocate(h, 10); err != ErrAlreadyExists {
		t.Fatalf("second Allocate = %v, want ErrAlreadyExists", err)
	}
}

func TestAllocateRejectsOversizedData(t *testing.T) {
	a, _, _ := newTestAllocator()
	if _, err := a.Allocate(hashOf("d"), 1<<20+1); err != ErrDataTooLarge {
		t.Fatalf("Allocate = %v, want ErrDataTooLarge", err)
	}
}

func TestAllocateZeroSizeUsesSmallestClass(t *testing.T) {
	a, _, _ := newTestAllocator()
	md, err := a.Allocate(hashOf("e"), 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if md.BlockSize != blocksize.Class4K {
		t.Fatalf("BlockSize = %v, want Class4K", md.BlockSize)
	}
}

func TestAllocateTwoFullMacroBlocks(t *testing.T) {
	a, _, file := newTestAllocator()
	if _, err := a.Allocate(hashOf("f"), 1<<20); err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	if _, err := a.Allocate(hashOf("g"), 1<<20); err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	size, _ := file.Size()
	if size != 2<<20 {
		t.Fatalf("file size = %d, want 2 MiB", size)
	}
}

func TestFreeThenGetReturnsNotFound(t *testing.T) {
	a, _, _ := newTestAllocator()
	h := hashOf("h")
	if _, err := a.Allocate(h, 10); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := a.GetBlock(h); err != ErrBlockNotFound {
		t.Fatalf("GetBlock after Free = %v, want ErrBlockNotFound", err)
	}
}

func TestFreeIsNotIdempotentSecondCallNotFound(t *testing.T) {
	a, _, _ := newTestAllocator()
	h := hashOf("i")
	if _, err := a.Allocate(h, 10); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(h); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := a.Free(h); err != ErrBlockNotFound {
		t.Fatalf("second Free = %v, want ErrBlockNotFound", err)
	}
}

// TestBuddyMergeCompleteness exercises spec.md §8 invariant 4: after
// freeing two buddy 4K blocks drawn from the same macro block, no two
// free-list entries of the same class should remain whose block numbers
// differ only in the low bit — they must have merged all the way back to
// a single free 1 MiB entry.
func TestBuddyMergeCompleteness(t *testing.T) {
	a, store, _ := newTestAllocator()

	h1, h2 := hashOf("j"), hashOf("k")
	md1, err := a.Allocate(h1, 10)
	if err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	md2, err := a.Allocate(h2, 10)
	if err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if md1.BlockNum^1 != md2.BlockNum {
		t.Fatalf("expected the two smallest allocations to be buddies: %d vs %d", md1.BlockNum, md2.BlockNum)
	}

	if err := a.Free(h1); err != nil {
		t.Fatalf("Free 1: %v", err)
	}
	if err := a.Free(h2); err != nil {
		t.Fatalf("Free 2: %v", err)
	}

	for _, c := range blocksize.All() {
		if c == blocksize.Class1M {
			continue
		}
		key, _, ok, err := store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(c)))
		if err != nil {
			t.Fatalf("FirstWithPrefix: %v", err)
		}
		if ok {
			t.Fatalf("expected no free entries of class %v after full merge, found %q", c, key)
		}
	}
	key, _, ok, err := store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(blocksize.Class1M)))
	if err != nil || !ok {
		t.Fatalf("expected a single merged 1 MiB free entry, ok=%v err=%v", ok, err)
	}
	_ = key
}

// TestSpaceConservation exercises spec.md §8 invariant 3: file size
// always equals the sum of free + in-use bytes across all classes.
func TestSpaceConservation(t *testing.T) {
	a, store, file := newTestAllocator()

	hashes := make([][32]byte, 0, 20)
	for i := 0; i < 20; i++ {
		h := hashOf(string(rune('A' + i)))
		if _, err := a.Allocate(h, uint64(100*(i+1))); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		hashes = append(hashes, h)
	}
	// Free every third one to create a mixed free/in-use state.
	for i := 0; i < len(hashes); i += 3 {
		if err := a.Free(hashes[i]); err != nil {
			t.Fatalf("Free %d: %v", i, err)
		}
	}

	size, _ := file.Size()
	var total uint64
	for _, c := range blocksize.All() {
		total += countFreeBytes(t, store, c)
	}
	total += countUsedBytes(t, store, hashes)
	if total != size {
		t.Fatalf("free+used bytes = %d, want file size %d", total, size)
	}
}

func countFreeBytes(t *testing.T, store *kv.Memory, c blocksize.Class) uint64 {
	t.Helper()
	// FirstWithPrefix only returns one match, so counting every match
	// means deleting each one as it is found; scanAllFreeBytes does that
	// on a kv.Memory clone so the real store is left untouched.
	return scanAllFreeBytes(store, c)
}

// scanAllFreeBytes counts free-list bytes of class c by repeatedly asking
// for the first match within a cloned in-memory store and deleting it,
// leaving the real store untouched.
func scanAllFreeBytes(store *kv.Memory, c blocksize.Class) uint64 {
	clone := store.Clone()
	var total uint64
	for {
		key, _, ok, err := clone.FirstWithPrefix([]byte(blocksize.FreeListPrefix(c)))
		if err != nil || !ok {
			return total
		}
		total += c.Bytes()
		txn := clone.Begin()
		txn.Delete(key)
		txn.Commit()
	}
}

func countUsedBytes(t *testing.T, store *kv.Memory, hashes [][32]byte) uint64 {
	t.Helper()
	var total uint64
	for _, h := range hashes {
		v, err := store.Get(blocksize.HashKey(h))
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		md, ok := blocksize.DecodeMetadata(v)
		if !ok {
			t.Fatalf("corrupt metadata record")
		}
		total += md.BlockSize.Bytes()
	}
	return total
}

func TestReserveThenOccupyHappyPath(t *testing.T) {
	a, _, _ := newTestAllocator()
	sentinel := []byte(blocksize.SentinelKey(1, 1))

	reserved, err := a.ReserveSlot(sentinel, 10)
	if err != nil {
		t.Fatalf("ReserveSlot: %v", err)
	}
	if reserved.BlockSize != blocksize.Class4K {
		t.Fatalf("BlockSize = %v, want Class4K", reserved.BlockSize)
	}

	h := hashOf("m")
	md, deduped, err := a.Occupy(sentinel, h, 10)
	if err != nil {
		t.Fatalf("Occupy: %v", err)
	}
	if deduped {
		t.Fatalf("Occupy deduped = true on a fresh hash")
	}
	if md.BlockNum != reserved.BlockNum || md.BlockSize != reserved.BlockSize {
		t.Fatalf("Occupy returned %+v, want the reserved slot %+v", md, reserved)
	}

	if has, err := a.HasKey(sentinel); err != nil || has {
		t.Fatalf("sentinel key still present after Occupy: has=%v err=%v", has, err)
	}
	got, err := a.GetBlock(h)
	if err != nil {
		t.Fatalf("GetBlock after Occupy: %v", err)
	}
	if got != md {
		t.Fatalf("GetBlock = %+v, want %+v", got, md)
	}
}

func TestOccupyDedupesAgainstExistingHash(t *testing.T) {
	a, store, _ := newTestAllocator()
	h := hashOf("n")
	existing, err := a.Allocate(h, 10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	sentinel := []byte(blocksize.SentinelKey(2, 7))
	if _, err := a.ReserveSlot(sentinel, 10); err != nil {
		t.Fatalf("ReserveSlot: %v", err)
	}

	md, deduped, err := a.Occupy(sentinel, h, 10)
	if err != nil {
		t.Fatalf("Occupy: %v", err)
	}
	if !deduped {
		t.Fatalf("Occupy deduped = false, want true for a pre-existing hash")
	}
	if md != existing {
		t.Fatalf("Occupy returned %+v, want the pre-existing record %+v", md, existing)
	}

	if has, err := a.HasKey(sentinel); err != nil || has {
		t.Fatalf("sentinel key still present after deduped Occupy: has=%v err=%v", has, err)
	}
	// The slot reserved for the dedup loser must have been released back
	// to the free pool, not leaked.
	key, _, ok, err := store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(blocksize.Class4K)))
	if err != nil || !ok {
		t.Fatalf("expected the released reservation to reappear on the free list, ok=%v err=%v", ok, err)
	}
	_ = key
}

func TestOccupyMissingSentinelReturnsBlockNotFound(t *testing.T) {
	a, _, _ := newTestAllocator()
	sentinel := []byte(blocksize.SentinelKey(3, 1))
	if _, _, err := a.Occupy(sentinel, hashOf("o"), 10); err != ErrBlockNotFound {
		t.Fatalf("Occupy on unreserved sentinel = %v, want ErrBlockNotFound", err)
	}
}

func TestReleaseSlotFreesAnUnoccupiedReservation(t *testing.T) {
	a, store, _ := newTestAllocator()
	sentinel := []byte(blocksize.SentinelKey(4, 1))
	if _, err := a.ReserveSlot(sentinel, 10); err != nil {
		t.Fatalf("ReserveSlot: %v", err)
	}
	if err := a.ReleaseSlot(sentinel); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	if has, err := a.HasKey(sentinel); err != nil || has {
		t.Fatalf("sentinel key still present after ReleaseSlot: has=%v err=%v", has, err)
	}
	key, _, ok, err := store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(blocksize.Class4K)))
	if err != nil || !ok {
		t.Fatalf("expected the released slot to reappear on the free list, ok=%v err=%v", ok, err)
	}
	_ = key
}

func TestReleaseSlotOnAlreadyGoneSentinelIsNoop(t *testing.T) {
	a, _, _ := newTestAllocator()
	if err := a.ReleaseSlot([]byte(blocksize.SentinelKey(5, 1))); err != nil {
		t.Fatalf("ReleaseSlot on absent sentinel = %v, want nil", err)
	}
}

func TestReconcileRepairsMissingMacroEntry(t *testing.T) {
	store := kv.NewMemory()
	file := &filesize.Memory{}
	a := New(store, file)

	// Simulate the crash window: file extended, but the matching KV
	// transaction never committed.
	if err := file.Extend(blocksize.Class1M.Bytes()); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	if err := a.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	key, _, ok, err := store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(blocksize.Class1M)))
	if err != nil || !ok {
		t.Fatalf("expected Reconcile to have inserted the missing macro block entry, ok=%v err=%v", ok, err)
	}
	_ = key
}
