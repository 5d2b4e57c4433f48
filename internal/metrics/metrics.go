// Package metrics collects per-operation counters and latencies for the
// block store, adapted from the donor's MetricsCollector (monitoring.go)
// down to the operations this system actually has: PUT, GET, DELETE.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abiolaogu/blockvault/internal/controller"
)

// Collector gathers counters and latency sums for the HTTP surface, the
// digest cache, and the controller's error taxonomy. All counters are
// lock-free; the error-by-code map uses a mutex since its key set is
// small and bounded (one entry per controller.Code).
type Collector struct {
	putOps, getOps, deleteOps       int64
	putLatencyNs, getLatencyNs      int64
	deleteLatencyNs                 int64
	bytesStored, liveObjects        int64
	cacheHits, cacheMisses          int64

	mu          sync.Mutex
	errorCounts map[controller.Code]int64
	queueDepth  map[uint64]int
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{
		errorCounts: make(map[controller.Code]int64),
		queueDepth:  make(map[uint64]int),
	}
}

// RecordPut records a completed PUT of n bytes taking d.
func (c *Collector) RecordPut(n int64, d time.Duration) {
	atomic.AddInt64(&c.putOps, 1)
	atomic.AddInt64(&c.putLatencyNs, d.Nanoseconds())
	atomic.AddInt64(&c.bytesStored, n)
	atomic.AddInt64(&c.liveObjects, 1)
}

// RecordGet records a completed GET taking d.
func (c *Collector) RecordGet(d time.Duration) {
	atomic.AddInt64(&c.getOps, 1)
	atomic.AddInt64(&c.getLatencyNs, d.Nanoseconds())
}

// RecordDelete records a completed DELETE of n bytes taking d.
func (c *Collector) RecordDelete(n int64, d time.Duration) {
	atomic.AddInt64(&c.deleteOps, 1)
	atomic.AddInt64(&c.deleteLatencyNs, d.Nanoseconds())
	atomic.AddInt64(&c.bytesStored, -n)
	atomic.AddInt64(&c.liveObjects, -1)
}

// RecordError tallies one occurrence of a controller error code.
func (c *Collector) RecordError(code controller.Code) {
	c.mu.Lock()
	c.errorCounts[code]++
	c.mu.Unlock()
}

// RecordCacheHit/RecordCacheMiss tally digestcache lookups.
func (c *Collector) RecordCacheHit()  { atomic.AddInt64(&c.cacheHits, 1) }
func (c *Collector) RecordCacheMiss() { atomic.AddInt64(&c.cacheMisses, 1) }

// SetQueueDepth records workerID's current to-controller queue depth, for
// the /debug/metrics snapshot's per-worker gauge.
func (c *Collector) SetQueueDepth(workerID uint64, depth int) {
	c.mu.Lock()
	c.queueDepth[workerID] = depth
	c.mu.Unlock()
}

func avgLatency(sumNs, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(sumNs / count)
}

// WriteSnapshot writes a plain-text metrics snapshot, in the spirit of the
// donor's Prometheus-ish text output but without a Prometheus client
// dependency (none is present in the retrieved corpus for this donor).
func (c *Collector) WriteSnapshot(w *strings.Builder) {
	putOps := atomic.LoadInt64(&c.putOps)
	getOps := atomic.LoadInt64(&c.getOps)
	deleteOps := atomic.LoadInt64(&c.deleteOps)

	fmt.Fprintf(w, "blockvault_put_ops_total %d\n", putOps)
	fmt.Fprintf(w, "blockvault_get_ops_total %d\n", getOps)
	fmt.Fprintf(w, "blockvault_delete_ops_total %d\n", deleteOps)
	fmt.Fprintf(w, "blockvault_put_latency_avg %s\n", avgLatency(atomic.LoadInt64(&c.putLatencyNs), putOps))
	fmt.Fprintf(w, "blockvault_get_latency_avg %s\n", avgLatency(atomic.LoadInt64(&c.getLatencyNs), getOps))
	fmt.Fprintf(w, "blockvault_delete_latency_avg %s\n", avgLatency(atomic.LoadInt64(&c.deleteLatencyNs), deleteOps))
	fmt.Fprintf(w, "blockvault_bytes_stored %d\n", atomic.LoadInt64(&c.bytesStored))
	fmt.Fprintf(w, "blockvault_live_objects %d\n", atomic.LoadInt64(&c.liveObjects))
	fmt.Fprintf(w, "blockvault_cache_hits_total %d\n", atomic.LoadInt64(&c.cacheHits))
	fmt.Fprintf(w, "blockvault_cache_misses_total %d\n", atomic.LoadInt64(&c.cacheMisses))

	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make([]controller.Code, 0, len(c.errorCounts))
	for code := range c.errorCounts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		fmt.Fprintf(w, "blockvault_errors_total{code=%q} %d\n", code.String(), c.errorCounts[code])
	}

	workers := make([]uint64, 0, len(c.queueDepth))
	for id := range c.queueDepth {
		workers = append(workers, id)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i] < workers[j] })
	for _, id := range workers {
		fmt.Fprintf(w, "blockvault_queue_depth{worker=%q} %d\n", fmt.Sprint(id), c.queueDepth[id])
	}
}
