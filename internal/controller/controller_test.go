package controller

import (
	"context"
	"crypto/sha256"
	"strings"
	"testing"
	"time"

	"github.com/abiolaogu/blockvault/internal/alloc"
	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/filesize"
	"github.com/abiolaogu/blockvault/internal/kv"
	"github.com/abiolaogu/blockvault/internal/protocol"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	store := kv.NewMemory()
	file := &filesize.Memory{}
	a := alloc.New(store, file)
	return New(a, 8)
}

func hashOf(s string) [32]byte { return sha256.Sum256([]byte(s)) }

// runOneCycle drives exactly one collect/process/deliver pass, bypassing
// Run's pause/ctx machinery so tests can assert on deterministic state
// between cycles.
func runOneCycle(c *Controller) int {
	return c.runCycle(context.Background())
}

func TestAllocateThenOccupyRoundTrip(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(1)

	if !chans.ToController.TryPush(protocol.Request{
		Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 100,
		AllocateSize: blocksize.Class4K,
	}) {
		t.Fatal("TryPush allocate failed")
	}
	if n := runOneCycle(c); n != 1 {
		t.Fatalf("runOneCycle = %d, want 1", n)
	}
	resp := chans.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrNone {
		t.Fatalf("allocate response = %+v", resp)
	}
	alloc1 := resp.Allocated
	chans.ToWorker.Pop()

	h := hashOf("payload")
	if !chans.ToController.TryPush(protocol.Request{
		Kind: protocol.KindOccupy, WorkerID: 1, RequestID: 101,
		ReserveRequestID: 100, OccupyHash: h, OccupyDataSize: 10,
	}) {
		t.Fatal("TryPush occupy failed")
	}
	if n := runOneCycle(c); n != 1 {
		t.Fatalf("runOneCycle = %d, want 1", n)
	}
	resp = chans.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrNone {
		t.Fatalf("occupy response = %+v", resp)
	}
	if resp.Deduped {
		t.Fatalf("Deduped = true on a fresh hash")
	}
	if resp.Occupied.BlockNum != alloc1.BlockNum {
		t.Fatalf("Occupied.BlockNum = %d, want %d", resp.Occupied.BlockNum, alloc1.BlockNum)
	}
}

func TestOccupyDedupReleasesReservedSlot(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(1)
	h := hashOf("dup")

	// First worker allocates and occupies h.
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 1, AllocateSize: blocksize.Class4K})
	runOneCycle(c)
	chans.ToWorker.Pop()
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindOccupy, WorkerID: 1, RequestID: 2, ReserveRequestID: 1, OccupyHash: h, OccupyDataSize: 10})
	runOneCycle(c)
	chans.ToWorker.Pop()

	// A second reservation races in and occupies the same hash.
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 3, AllocateSize: blocksize.Class4K})
	runOneCycle(c)
	chans.ToWorker.Pop()
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindOccupy, WorkerID: 1, RequestID: 4, ReserveRequestID: 3, OccupyHash: h, OccupyDataSize: 10})
	runOneCycle(c)
	resp := chans.ToWorker.Front()
	if resp == nil || !resp.Deduped {
		t.Fatalf("second Occupy Deduped = %+v, want true", resp)
	}
}

func TestGetAddressNotFound(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(1)
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindGetAddress, WorkerID: 1, RequestID: 1, Hash: hashOf("missing")})
	runOneCycle(c)
	resp := chans.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrBlockNotFound {
		t.Fatalf("response = %+v, want ErrBlockNotFound", resp)
	}
}

func TestReleaseThenGetAddressNotFound(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(1)
	h := hashOf("to-release")

	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 1, AllocateSize: blocksize.Class4K})
	runOneCycle(c)
	chans.ToWorker.Pop()
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindOccupy, WorkerID: 1, RequestID: 2, ReserveRequestID: 1, OccupyHash: h, OccupyDataSize: 10})
	runOneCycle(c)
	chans.ToWorker.Pop()

	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindRelease, WorkerID: 1, RequestID: 3, Hash: h})
	runOneCycle(c)
	resp := chans.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrNone {
		t.Fatalf("release response = %+v", resp)
	}
	chans.ToWorker.Pop()

	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindGetAddress, WorkerID: 1, RequestID: 4, Hash: h})
	runOneCycle(c)
	resp = chans.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrBlockNotFound {
		t.Fatalf("get_address after release = %+v, want ErrBlockNotFound", resp)
	}
}

// TestPriorityOrderProcessesReleaseBeforeAllocate exercises spec.md §4.3
// step 2's fixed order: a release freeing the only 1 MiB block and an
// allocate of another 1 MiB block in the same cycle must see the
// just-released block reused rather than growing a new macro block,
// because release is processed before allocate.
func TestPriorityOrderProcessesReleaseBeforeAllocate(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(1)
	h1 := hashOf("first")

	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 1, AllocateSize: blocksize.Class1M})
	runOneCycle(c)
	firstAlloc := chans.ToWorker.Front().Allocated
	chans.ToWorker.Pop()
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindOccupy, WorkerID: 1, RequestID: 2, ReserveRequestID: 1, OccupyHash: h1, OccupyDataSize: 1 << 20})
	runOneCycle(c)
	chans.ToWorker.Pop()

	// In one cycle: release h1 (frees the whole macro block) and allocate
	// another 1 MiB block. Release must run first.
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindRelease, WorkerID: 1, RequestID: 3, Hash: h1})
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 1, RequestID: 4, AllocateSize: blocksize.Class1M})
	if n := runOneCycle(c); n != 2 {
		t.Fatalf("runOneCycle = %d, want 2", n)
	}

	releaseResp := chans.ToWorker.Front()
	if releaseResp.Kind != protocol.KindRelease || releaseResp.Error != protocol.ErrNone {
		t.Fatalf("first delivered response = %+v, want a successful release", releaseResp)
	}
	chans.ToWorker.Pop()
	allocResp := chans.ToWorker.Front()
	if allocResp.Kind != protocol.KindAllocate || allocResp.Error != protocol.ErrNone {
		t.Fatalf("second delivered response = %+v, want a successful allocate", allocResp)
	}
	if allocResp.Allocated.BlockNum != firstAlloc.BlockNum {
		t.Fatalf("reallocated BlockNum = %d, want reused %d (release must precede allocate)", allocResp.Allocated.BlockNum, firstAlloc.BlockNum)
	}
}

func TestUnregisterWorkerReleasesOutstandingReservation(t *testing.T) {
	c := newTestController(t)
	chans := c.RegisterWorker(5)
	chans.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 5, RequestID: 1, AllocateSize: blocksize.Class4K})
	runOneCycle(c)
	chans.ToWorker.Pop()

	if err := c.UnregisterWorker(5); err != nil {
		t.Fatalf("UnregisterWorker: %v", err)
	}
	if len(c.workers) != 0 {
		t.Fatalf("len(workers) = %d, want 0", len(c.workers))
	}
	// The released 4K slot must be back on the free list: a fresh 4K
	// allocate for another worker reuses block 0 rather than splitting a
	// second macro block.
	chans2 := c.RegisterWorker(6)
	chans2.ToController.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 6, RequestID: 1, AllocateSize: blocksize.Class4K})
	runOneCycle(c)
	resp := chans2.ToWorker.Front()
	if resp == nil || resp.Error != protocol.ErrNone {
		t.Fatalf("allocate after unregister = %+v", resp)
	}
	if resp.Allocated.BlockNum != 0 {
		t.Fatalf("BlockNum = %d, want 0 (the released reservation reused)", resp.Allocated.BlockNum)
	}
}

func TestPauseRegulatorRecomputesOnSchedule(t *testing.T) {
	p := newPauseRegulator(time.Now())
	if got := p.observe(time.Now(), 1); got != pauseIdle {
		t.Fatalf("before first recompute, observe = %v, want the initial idle value", got)
	}
	// A fixed "now" one second past window start and a healthy multiple of
	// processed messages per cycle keeps the computed rps safely above the
	// 1000/s threshold regardless of scheduling jitter between the two
	// time.Now() calls.
	now := time.Now().Add(time.Second)
	var d time.Duration
	for i := 0; i < recomputeEveryCycles-1; i++ {
		d = p.observe(now, 10)
	}
	if d != pauseBusy {
		t.Fatalf("recomputed pause = %v, want pauseBusy for >=1000 rps", d)
	}
}

func TestPauseRegulatorIdleWhenNothingProcessed(t *testing.T) {
	p := newPauseRegulator(time.Now())
	now := time.Now().Add(time.Second)
	for i := 0; i < recomputeEveryCycles; i++ {
		p.observe(now, 0)
	}
	if !p.idle() {
		t.Fatalf("idle() = false after a zero-throughput window")
	}
}

func TestSentinelRegistryTrackResolveSweep(t *testing.T) {
	r := newSentinelRegistry()
	key := []byte(blocksize.SentinelKey(1, 1))
	now := time.Now()
	r.track(1, 1, key, now)

	if got, ok := r.resolve(1, 1); !ok || string(got) != string(key) {
		t.Fatalf("resolve = %q, %v", got, ok)
	}
	if _, ok := r.resolve(1, 1); ok {
		t.Fatalf("resolve after first resolve should fail")
	}

	r.track(2, 1, []byte(blocksize.SentinelKey(2, 1)), now.Add(-time.Minute))
	expired := r.sweepExpired(now, 30*time.Second)
	if len(expired) != 1 || !strings.Contains(string(expired[0]), "w2_") {
		t.Fatalf("sweepExpired = %v, want the worker-2 sentinel", expired)
	}
}
