package controller

import (
	"github.com/abiolaogu/blockvault/internal/alloc"
	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/kv"
)

// Recover implements spec.md §7's "Recovery at startup": reconcile any
// macro block the data file grew to but whose free_1m_M entry never
// committed, then purge every leftover resv_* sentinel — a reservation
// that survived to a restart can never be occupied again, since the
// worker that held it is gone.
func Recover(store kv.Store, allocator *alloc.Allocator) error {
	if err := allocator.Reconcile(); err != nil {
		return err
	}
	return purgeSentinels(store, allocator)
}

// purgeSentinels releases every leftover resv_* slot through the
// allocator, the same cascade Controller.UnregisterWorker uses: a bare
// key delete would drop the sentinel without returning its block to the
// free list, leaking capacity and breaking the space-conservation
// invariant across a restart (spec.md §8.3).
func purgeSentinels(store kv.Store, allocator *alloc.Allocator) error {
	prefix := []byte(blocksize.SentinelPrefix())
	for {
		key, _, ok, err := store.FirstWithPrefix(prefix)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := allocator.ReleaseSlot(key); err != nil {
			return err
		}
	}
}
