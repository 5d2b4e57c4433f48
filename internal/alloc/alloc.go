// Package alloc implements the buddy allocator: a pure metadata engine
// over a kv.Store and a filesize.Manager that turns a stream of
// allocate/free/lookup operations into free-list and content-hash record
// changes, maintaining the invariants of spec.md §3. It is
// single-threaded by construction — the batch controller is its only
// caller (spec.md §4.1).
package alloc

import (
	"encoding/binary"
	"errors"

	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/filesize"
	"github.com/abiolaogu/blockvault/internal/kv"
)

var (
	// ErrAlreadyExists is returned by Allocate when hash is already bound
	// to a metadata record (spec.md §3, "Content-hash key uniqueness").
	ErrAlreadyExists = errors.New("alloc: hash already exists")
	// ErrDataTooLarge is returned by Allocate when data_size exceeds 1 MiB.
	ErrDataTooLarge = blocksize.ErrDataTooLarge
	// ErrBlockNotFound is returned by GetBlock/Free when hash is absent.
	ErrBlockNotFound = errors.New("alloc: block not found")
)

// macroCountKey tracks how many macro blocks have been durably recorded
// via a committed free_1m_M insert. It lets Reconcile detect the single
// crash window spec.md §4.1/§7 calls out — file extended, but the
// matching free-list entry never committed — without having to enumerate
// every content-hash record at startup.
var macroCountKey = []byte("meta_macro_count")

// Allocator is the buddy allocator. It holds no other state than its two
// collaborators; all durable state lives in store.
type Allocator struct {
	store kv.Store
	file  filesize.Manager
}

// New returns an Allocator over store and file.
func New(store kv.Store, file filesize.Manager) *Allocator {
	return &Allocator{store: store, file: file}
}

// Has reports whether hash has a metadata record.
func (a *Allocator) Has(hash [32]byte) (bool, error) {
	return a.store.Has(blocksize.HashKey(hash))
}

// HasKey reports whether the raw key (a sentinel or content-hash key) has
// a value. Used by tests to check that a sentinel key is gone.
func (a *Allocator) HasKey(key []byte) (bool, error) {
	return a.store.Has(key)
}

// GetBlock returns the metadata record for hash.
func (a *Allocator) GetBlock(hash [32]byte) (blocksize.Metadata, error) {
	v, err := a.store.Get(blocksize.HashKey(hash))
	if err == kv.ErrNotFound {
		return blocksize.Metadata{}, ErrBlockNotFound
	}
	if err != nil {
		return blocksize.Metadata{}, err
	}
	md, ok := blocksize.DecodeMetadata(v)
	if !ok {
		return blocksize.Metadata{}, ErrBlockNotFound
	}
	return md, nil
}

// Allocate reserves a slot sized to fit dataSize and binds it to hash.
// Fails with ErrAlreadyExists if hash is already bound, ErrDataTooLarge
// if dataSize exceeds 1 MiB. See spec.md §4.1, "Allocation algorithm".
func (a *Allocator) Allocate(hash [32]byte, dataSize uint64) (blocksize.Metadata, error) {
	class, err := blocksize.NextPowerOfTwo(dataSize)
	if err != nil {
		return blocksize.Metadata{}, err
	}

	hkey := blocksize.HashKey(hash)
	if has, err := a.store.Has(hkey); err != nil {
		return blocksize.Metadata{}, err
	} else if has {
		return blocksize.Metadata{}, ErrAlreadyExists
	}

	return a.acquireSlot(hkey, class, dataSize)
}

// ReserveSlot acquires a slot of the class that fits dataSize and binds
// it to an arbitrary key, without the content-hash existence check
// Allocate performs. The batch controller uses this for the
// reserve-then-occupy protocol (spec.md §4.3): the content hash isn't
// known yet, so the slot is bound to a sentinel key (spec.md §9,
// "Reservation / sentinel") until a later Occupy rewrites it.
func (a *Allocator) ReserveSlot(sentinelKey []byte, dataSize uint64) (blocksize.Metadata, error) {
	class, err := blocksize.NextPowerOfTwo(dataSize)
	if err != nil {
		return blocksize.Metadata{}, err
	}
	return a.acquireSlot(sentinelKey, class, dataSize)
}

// acquireSlot implements spec.md §4.1's allocation algorithm in full
// (steps 1-3), writing the resulting metadata record under key. Shared by
// Allocate (key = content-hash) and ReserveSlot (key = sentinel).
func (a *Allocator) acquireSlot(key []byte, class blocksize.Class, dataSize uint64) (blocksize.Metadata, error) {
	for {
		md, ok, err := a.allocateExact(key, class, dataSize)
		if err != nil {
			return blocksize.Metadata{}, err
		}
		if ok {
			return md, nil
		}

		md, ok, err = a.allocateFromLarger(key, class, dataSize)
		if err != nil {
			return blocksize.Metadata{}, err
		}
		if ok {
			return md, nil
		}

		if err := a.growByOneMacroBlock(); err != nil {
			return blocksize.Metadata{}, err
		}
		// Restart at step 1, per spec.md §4.1 step 3.
	}
}

// Occupy binds a slot previously reserved under sentinelKey (via
// ReserveSlot) to its real content hash, in a single transaction (spec.md
// §4.3). If hash already has a metadata record, the reserved slot is
// released back to the free pool instead and the existing record is
// returned with deduped=true (spec.md §4.3, "Dedup on occupy"). Fails
// with ErrBlockNotFound if sentinelKey has no reservation (e.g. it
// already aged out).
func (a *Allocator) Occupy(sentinelKey []byte, hash [32]byte, dataSize uint64) (md blocksize.Metadata, deduped bool, err error) {
	raw, err := a.store.Get(sentinelKey)
	if err == kv.ErrNotFound {
		return blocksize.Metadata{}, false, ErrBlockNotFound
	}
	if err != nil {
		return blocksize.Metadata{}, false, err
	}
	reserved, ok := blocksize.DecodeMetadata(raw)
	if !ok {
		return blocksize.Metadata{}, false, ErrBlockNotFound
	}

	hkey := blocksize.HashKey(hash)
	existingRaw, err := a.store.Get(hkey)
	if err != nil && err != kv.ErrNotFound {
		return blocksize.Metadata{}, false, err
	}
	if err == nil {
		existing, ok := blocksize.DecodeMetadata(existingRaw)
		if !ok {
			return blocksize.Metadata{}, false, ErrBlockNotFound
		}
		ops, err := a.freeCascade(reserved.BlockSize, reserved.BlockNum)
		if err != nil {
			return blocksize.Metadata{}, false, err
		}
		txn := a.store.Begin()
		txn.Delete(sentinelKey)
		for _, op := range ops {
			if op.del {
				txn.Delete(op.key)
			} else {
				txn.Put(op.key, op.value)
			}
		}
		if err := txn.Commit(); err != nil {
			return blocksize.Metadata{}, false, err
		}
		return existing, true, nil
	}

	if dataSize > reserved.BlockSize.Bytes() {
		return blocksize.Metadata{}, false, blocksize.ErrDataTooLarge
	}
	final := blocksize.Metadata{
		BlockSize: reserved.BlockSize,
		BlockNum:  reserved.BlockNum,
		BuddyNum:  reserved.BuddyNum,
		DataSize:  dataSize,
	}
	txn := a.store.Begin()
	txn.Delete(sentinelKey)
	txn.Put(hkey, blocksize.EncodeMetadata(final))
	if err := txn.Commit(); err != nil {
		return blocksize.Metadata{}, false, err
	}
	return final, false, nil
}

// ReleaseSlot frees a slot still sitting under a sentinel key that was
// never occupied — the belt-and-suspenders idle sweep and
// worker-shutdown path of spec.md §9's sentinel GC. It is a no-op (not
// an error) if sentinelKey is already gone.
func (a *Allocator) ReleaseSlot(sentinelKey []byte) error {
	raw, err := a.store.Get(sentinelKey)
	if err == kv.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	md, ok := blocksize.DecodeMetadata(raw)
	if !ok {
		return nil
	}
	ops, err := a.freeCascade(md.BlockSize, md.BlockNum)
	if err != nil {
		return err
	}
	txn := a.store.Begin()
	txn.Delete(sentinelKey)
	for _, op := range ops {
		if op.del {
			txn.Delete(op.key)
		} else {
			txn.Put(op.key, op.value)
		}
	}
	return txn.Commit()
}

// allocateExact implements spec.md §4.1 allocation step 1: a free block of
// exactly class already exists.
func (a *Allocator) allocateExact(hkey []byte, class blocksize.Class, dataSize uint64) (blocksize.Metadata, bool, error) {
	key, _, ok, err := a.store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(class)))
	if err != nil || !ok {
		return blocksize.Metadata{}, false, err
	}
	blockNum, ok := blocksize.ParseFreeListKey(class, string(key))
	if !ok {
		return blocksize.Metadata{}, false, errors.New("alloc: corrupt free-list key")
	}

	md := blocksize.Metadata{BlockSize: class, BlockNum: blockNum, BuddyNum: blockNum ^ 1, DataSize: dataSize}
	txn := a.store.Begin()
	txn.Delete(key)
	txn.Put(hkey, blocksize.EncodeMetadata(md))
	if err := txn.Commit(); err != nil {
		return blocksize.Metadata{}, false, err
	}
	return md, true, nil
}

// allocateFromLarger implements spec.md §4.1 allocation step 2: walk the
// class ladder upward, split the first larger free block found.
func (a *Allocator) allocateFromLarger(hkey []byte, class blocksize.Class, dataSize uint64) (blocksize.Metadata, bool, error) {
	if !class.HasParent() {
		return blocksize.Metadata{}, false, nil
	}
	for parent := class.Parent(); ; {
		key, _, ok, err := a.store.FirstWithPrefix([]byte(blocksize.FreeListPrefix(parent)))
		if err != nil {
			return blocksize.Metadata{}, false, err
		}
		if ok {
			blockNum, ok := blocksize.ParseFreeListKey(parent, string(key))
			if !ok {
				return blocksize.Metadata{}, false, errors.New("alloc: corrupt free-list key")
			}
			md, newFree := splitDown(parent, blockNum, class, dataSize)

			txn := a.store.Begin()
			txn.Delete(key)
			for _, e := range newFree {
				txn.Put(e.key, e.value)
			}
			txn.Put(hkey, blocksize.EncodeMetadata(md))
			if err := txn.Commit(); err != nil {
				return blocksize.Metadata{}, false, err
			}
			return md, true, nil
		}
		if !parent.HasParent() {
			return blocksize.Metadata{}, false, nil
		}
		parent = parent.Parent()
	}
}

type freeEntry struct{ key, value []byte }

// splitDown splits a free block of class fromClass at fromBlock down to
// toClass, always returning the lower-numbered half and free-listing the
// higher-numbered half at every level (spec.md §4.1, "Splitting always
// places the returned block at the lower-numbered half").
func splitDown(fromClass blocksize.Class, fromBlock uint64, toClass blocksize.Class, dataSize uint64) (blocksize.Metadata, []freeEntry) {
	var entries []freeEntry
	curClass, curBlock := fromClass, fromBlock
	for curClass != toClass {
		child := curClass.Child()
		left := curBlock * 2
		right := left + 1
		entries = append(entries, freeEntry{
			key:   []byte(blocksize.FreeListKey(child, right)),
			value: blocksize.FreeListValue(left),
		})
		curClass, curBlock = child, left
	}
	md := blocksize.Metadata{BlockSize: curClass, BlockNum: curBlock, BuddyNum: curBlock ^ 1, DataSize: dataSize}
	return md, entries
}

// growByOneMacroBlock implements spec.md §4.1 allocation step 3: extend
// the data file by one macro block and record it as a new free 1 MiB
// entry. File growth is durable (a completed syscall) before the
// matching KV transaction commits, satisfying spec.md §4.1's ordering
// requirement.
func (a *Allocator) growByOneMacroBlock() error {
	oldSize, err := a.file.Size()
	if err != nil {
		return err
	}
	if err := a.file.Extend(blocksize.Class1M.Bytes()); err != nil {
		return err
	}
	macroNum := oldSize / blocksize.Class1M.Bytes()

	txn := a.store.Begin()
	txn.Put([]byte(blocksize.FreeListKey(blocksize.Class1M, macroNum)), blocksize.FreeListValue(macroNum^1))
	txn.Put(macroCountKey, encodeUint64(macroNum+1))
	return txn.Commit()
}

// Free removes hash's metadata record and returns its slot to the free
// pool, merging with its buddy cascade-wise (spec.md §4.1, "Free
// algorithm").
func (a *Allocator) Free(hash [32]byte) error {
	hkey := blocksize.HashKey(hash)
	v, err := a.store.Get(hkey)
	if err == kv.ErrNotFound {
		return ErrBlockNotFound
	}
	if err != nil {
		return err
	}
	md, ok := blocksize.DecodeMetadata(v)
	if !ok {
		return ErrBlockNotFound
	}

	ops, err := a.freeCascade(md.BlockSize, md.BlockNum)
	if err != nil {
		return err
	}

	txn := a.store.Begin()
	txn.Delete(hkey)
	for _, op := range ops {
		if op.del {
			txn.Delete(op.key)
		} else {
			txn.Put(op.key, op.value)
		}
	}
	return txn.Commit()
}

type cascadeOp struct {
	del   bool
	key   []byte
	value []byte
}

// freeCascade walks the buddy-merge chain starting at (class, block),
// reading committed state only, and returns the ops a single transaction
// must apply. At most log2(1MiB/4KiB) = 8 iterations (spec.md §9,
// "Allocator recursion").
func (a *Allocator) freeCascade(class blocksize.Class, block uint64) ([]cascadeOp, error) {
	var ops []cascadeOp
	for {
		if class == blocksize.Class1M {
			ops = append(ops, cascadeOp{key: []byte(blocksize.FreeListKey(class, block)), value: blocksize.FreeListValue(block ^ 1)})
			return ops, nil
		}

		buddy := block ^ 1
		buddyKey := []byte(blocksize.FreeListKey(class, buddy))
		has, err := a.store.Has(buddyKey)
		if err != nil {
			return nil, err
		}
		if !has {
			ops = append(ops, cascadeOp{key: []byte(blocksize.FreeListKey(class, block)), value: blocksize.FreeListValue(buddy)})
			return ops, nil
		}

		// Buddy is free: merge and keep cascading upward.
		ops = append(ops, cascadeOp{del: true, key: buddyKey})
		class = class.Parent()
		block = block >> 1
	}
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Reconcile re-reads the data file's size and ensures every macro block
// the file has grown to has a durably recorded free_1m_M entry, covering
// a crash between growByOneMacroBlock's file extension and its matching
// KV commit (spec.md §7, "Recovery at startup").
func (a *Allocator) Reconcile() error {
	size, err := a.file.Size()
	if err != nil {
		return err
	}
	total := size / blocksize.Class1M.Bytes()

	raw, err := a.store.Get(macroCountKey)
	var count uint64
	if err == nil {
		count = decodeUint64(raw)
	} else if err != kv.ErrNotFound {
		return err
	}

	for count < total {
		key := []byte(blocksize.FreeListKey(blocksize.Class1M, count))
		has, err := a.store.Has(key)
		if err != nil {
			return err
		}
		txn := a.store.Begin()
		if !has {
			txn.Put(key, blocksize.FreeListValue(count^1))
		}
		txn.Put(macroCountKey, encodeUint64(count+1))
		if err := txn.Commit(); err != nil {
			return err
		}
		count++
	}
	return nil
}
