// Package digestcache is a worker-local existence cache for recently seen
// content digests. It lets a worker short-circuit a repeat GET for a hot
// digest without round-tripping to the controller, the way
// elliotnunn-BeHierarchic/internal/spinner's block cache short-circuits
// repeat reads of the same file block. The worker's PUT path only records
// digests here; it does not consult the cache before its controller calls.
package digestcache

import (
	"hash/maphash"

	"github.com/dgryski/go-tinylfu"

	"github.com/abiolaogu/blockvault/internal/blocksize"
)

var seed = maphash.MakeSeed()

func hasher(k [32]byte) uint64 {
	return maphash.Comparable(seed, k)
}

// entry is a tombstone-capable cache value: live is false once Forget has
// run, so a cached eviction candidate doesn't have to wait for tinylfu's
// own eviction policy to stop masking a deleted digest as present.
type entry struct {
	md   blocksize.Metadata
	live bool
}

// Cache maps a content digest to the block metadata the controller last
// reported for it. One per worker. It is not safe for concurrent use on
// its own (tinylfu.T isn't); a caller sharing one Cache across goroutines
// must serialize its own access.
type Cache struct {
	t *tinylfu.T[[32]byte, entry]
}

// New returns a Cache holding up to capacity digests.
func New(capacity int) *Cache {
	return &Cache{t: tinylfu.New[[32]byte, entry](capacity, capacity*10, hasher)}
}

// Lookup reports the cached metadata for digest, if any. A tombstoned
// (forgotten) digest reports ok=false just like one never cached.
func (c *Cache) Lookup(digest [32]byte) (blocksize.Metadata, bool) {
	e, ok := c.t.Get(digest)
	if !ok || !e.live {
		return blocksize.Metadata{}, false
	}
	return e.md, true
}

// Remember records digest's metadata, learned from the controller's
// allocate/occupy/get_address result.
func (c *Cache) Remember(digest [32]byte, md blocksize.Metadata) {
	c.t.Add(digest, entry{md: md, live: true})
}

// Forget tombstones digest, called after a successful DELETE so a later
// GET for the same digest doesn't serve a stale hit (spec.md §6's release
// path removes the metadata record entirely).
func (c *Cache) Forget(digest [32]byte) {
	c.t.Add(digest, entry{live: false})
}
