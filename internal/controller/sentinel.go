package controller

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// sentinelShardCount buckets outstanding reservations for cheap iteration
// during the idle GC sweep, the same bucketing abiolaogu-MinIO's
// tenantmanager_v3.go uses to spread a large live set across many small
// maps instead of one giant one. Unlike that donor code the controller
// goroutine is the sole reader and writer of this registry (spec.md §4.3
// is explicit that only the controller touches KV-adjacent state), so no
// atomics or locking are needed here — the sharding survives only for its
// cache-friendly bucket size, not for concurrency.
const sentinelShardCount = 64

type sentinelEntry struct {
	workerID   uint64
	key        []byte
	reservedAt time.Time
}

// sentinelRegistry tracks every reservation the controller has handed out
// via ReserveSlot but not yet resolved by Occupy, so a worker's shutdown
// or a stalled connection can be cleaned up without waiting for the
// sentinel to be rewritten (spec.md §9, "Reservation / sentinel GC").
// Resolves the open point via option (a) — per-worker tracking released
// on worker shutdown — plus a belt-and-suspenders idle sweep (option (b))
// in sweepExpired.
type sentinelRegistry struct {
	shards [sentinelShardCount]map[uint64]sentinelEntry
}

func newSentinelRegistry() *sentinelRegistry {
	r := &sentinelRegistry{}
	for i := range r.shards {
		r.shards[i] = make(map[uint64]sentinelEntry)
	}
	return r
}

func sentinelID(workerID, requestID uint64) uint64 {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(workerID >> (8 * i))
		buf[8+i] = byte(requestID >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

func (r *sentinelRegistry) shardFor(id uint64) map[uint64]sentinelEntry {
	return r.shards[id%sentinelShardCount]
}

// track records that sentinelKey was just reserved by (workerID,
// requestID) at now.
func (r *sentinelRegistry) track(workerID, requestID uint64, sentinelKey []byte, now time.Time) {
	id := sentinelID(workerID, requestID)
	r.shardFor(id)[id] = sentinelEntry{workerID: workerID, key: sentinelKey, reservedAt: now}
}

// resolve removes and returns the tracked sentinel key for (workerID,
// requestID), called once Occupy or an explicit release has consumed it.
func (r *sentinelRegistry) resolve(workerID, requestID uint64) ([]byte, bool) {
	id := sentinelID(workerID, requestID)
	shard := r.shardFor(id)
	entry, ok := shard[id]
	if !ok {
		return nil, false
	}
	delete(shard, id)
	return entry.key, true
}

// releaseWorker returns every sentinel key still outstanding for workerID,
// forgetting them. Used when a worker's queue pair shuts down (spec.md §9
// option a).
func (r *sentinelRegistry) releaseWorker(workerID uint64) [][]byte {
	var keys [][]byte
	for _, shard := range r.shards {
		for id, entry := range shard {
			if entry.workerID == workerID {
				keys = append(keys, entry.key)
				delete(shard, id)
			}
		}
	}
	return keys
}

// sweepExpired returns every tracked sentinel key older than maxAge,
// forgetting them, for the idle-branch GC sweep (spec.md §9 option b).
func (r *sentinelRegistry) sweepExpired(now time.Time, maxAge time.Duration) [][]byte {
	var keys [][]byte
	for _, shard := range r.shards {
		for id, entry := range shard {
			if now.Sub(entry.reservedAt) >= maxAge {
				keys = append(keys, entry.key)
				delete(shard, id)
			}
		}
	}
	return keys
}
