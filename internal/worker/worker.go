package worker

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/controller"
	"github.com/abiolaogu/blockvault/internal/digestcache"
	"github.com/abiolaogu/blockvault/internal/protocol"
)

// MaxPutSize is the largest accepted PUT body, per spec.md §6.
const MaxPutSize = 512 * 1024

// queuePushRetry bounds how long call spins trying to hand a request to
// the controller before giving up, per spec.md §4.4's "503 if the
// controller queue cannot accept the request after a bounded retry
// window" — a worker-local concern the controller's own error taxonomy
// never sees.
const queuePushRetry = 200 * time.Millisecond

var (
	ErrEmptyBody       = errors.New("worker: empty body")
	ErrBodyTooLarge    = errors.New("worker: body exceeds 512 KiB")
	ErrMalformedDigest = errors.New("worker: malformed digest")
	ErrQueueFull       = errors.New("worker: controller queue did not accept request in time")
)

// Worker drives one HTTP connection pool's traffic against a single
// controller queue pair (spec.md §4.4). Workers do not share mutable
// state with each other, and a Worker is safe for concurrent use by
// multiple goroutines handling different in-flight HTTP requests:
// responses are matched back to callers by request ID rather than by
// call order (spec.md §5, "Ordering guarantees"), pushMu serializes the
// ToController enqueue since PowerOfTwoRing.TryPush is single-producer
// (spec.md §5, "any single worker is single-threaded with respect to
// its controller queue pair"), and cacheMu guards the digest cache since
// tinylfu.T is not concurrency-safe on its own.
type Worker struct {
	id       uint64
	chans    controller.Channels
	file     *os.File
	pipeline Pipeline
	cache    *digestcache.Cache
	cacheMu  sync.Mutex

	nextReqID atomic.Uint64

	pushMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Response
	done    chan struct{}
}

// New returns a Worker with identity id, talking to the controller over
// chans, streaming payload bytes against file.
func New(id uint64, chans controller.Channels, file *os.File, cacheCapacity int) *Worker {
	w := &Worker{
		id:       id,
		chans:    chans,
		file:     file,
		pipeline: newPipeline(),
		cache:    digestcache.New(cacheCapacity),
		pending:  make(map[uint64]chan protocol.Response),
		done:     make(chan struct{}),
	}
	go w.dispatch()
	return w
}

// Close stops the worker's response dispatcher goroutine. It does not
// release reservations the controller still holds for this worker
// (spec.md §9, sentinel GC option a); Controller.UnregisterWorker(id)
// does that.
func (w *Worker) Close() { close(w.done) }

// dispatch is the sole consumer of the controller-to-worker queue,
// routing each response to whichever goroutine is waiting on its request
// ID. Responses may arrive out of the order their requests were sent,
// since the controller processes by kind priority within a cycle
// (spec.md §4.3 step 2); the request ID is what makes that safe.
func (w *Worker) dispatch() {
	for {
		select {
		case <-w.done:
			return
		default:
		}
		resp := w.chans.ToWorker.Front()
		if resp == nil {
			runtime.Gosched()
			continue
		}
		w.chans.ToWorker.Pop()

		w.mu.Lock()
		ch, ok := w.pending[resp.RequestID]
		if ok {
			delete(w.pending, resp.RequestID)
		}
		w.mu.Unlock()
		if ok {
			ch <- *resp
		}
	}
}

// call sends req and blocks until its matching response arrives. It
// returns ErrQueueFull if the controller's inbound queue stays full for
// longer than queuePushRetry.
func (w *Worker) call(kind protocol.RequestKind, build func(reqID uint64) protocol.Request) (protocol.Response, error) {
	reqID := w.nextReqID.Add(1)
	req := build(reqID)
	req.Kind = kind
	req.WorkerID = w.id
	req.RequestID = reqID

	ch := make(chan protocol.Response, 1)
	w.mu.Lock()
	w.pending[reqID] = ch
	w.mu.Unlock()

	if !w.push(req, queuePushRetry) {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.mu.Unlock()
		return protocol.Response{}, ErrQueueFull
	}
	return <-ch, nil
}

// push hands req to the controller's inbound queue, retrying until
// deadline elapses. pushMu serializes every caller's access to
// TryPush: the ring is single-producer, but call is invoked from every
// HTTP-handler goroutine sharing this Worker, so the enqueue itself must
// be serialized even though each request's own wait on ch is not.
func (w *Worker) push(req protocol.Request, timeout time.Duration) bool {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	deadline := time.Now().Add(timeout)
	for !w.chans.ToController.TryPush(req) {
		if time.Now().After(deadline) {
			return false
		}
		runtime.Gosched()
	}
	return true
}

// Put implements spec.md §4.4's PUT pipeline. On success it returns the
// lowercase hex digest and whether the write deduped against an existing
// block.
func (w *Worker) Put(body io.Reader, n int64) (digestHex string, deduped bool, err error) {
	if n <= 0 {
		return "", false, ErrEmptyBody
	}
	if n > MaxPutSize {
		return "", false, ErrBodyTooLarge
	}

	class, err := blocksize.NextPowerOfTwo(uint64(n))
	if err != nil {
		return "", false, err
	}

	allocResp, err := w.call(protocol.KindAllocate, func(reqID uint64) protocol.Request {
		return protocol.Request{AllocateSize: class}
	})
	if err != nil {
		return "", false, err
	}
	if allocResp.Error != protocol.ErrNone {
		return "", false, respError(allocResp.Error)
	}
	reserveReqID := allocResp.RequestID

	digest, err := w.pipeline.StreamPut(body, n, w.file, allocResp.Allocated.Offset())
	if err != nil {
		return "", false, err
	}

	occResp, err := w.call(protocol.KindOccupy, func(reqID uint64) protocol.Request {
		return protocol.Request{
			OccupyHash:       digest,
			OccupyDataSize:   uint64(n),
			ReserveRequestID: reserveReqID,
		}
	})
	if err != nil {
		return "", false, err
	}
	if occResp.Error != protocol.ErrNone {
		return "", false, respError(occResp.Error)
	}

	w.rememberDigest(digest, occResp.Occupied)
	return hex.EncodeToString(digest[:]), occResp.Deduped, nil
}

// Get implements spec.md §4.4's GET pipeline, writing the stored bytes to
// w. Returns ErrMalformedDigest for a badly-shaped hex string and
// controller.CodeBlockNotFound (wrapped) for an absent digest.
func (w *Worker) Get(dst io.Writer, digestHex string) error {
	digest, err := parseDigest(digestHex)
	if err != nil {
		return err
	}
	if md, ok := w.lookupDigest(digest); ok {
		return w.pipeline.StreamGet(dst, w.file, md.Offset(), int64(md.DataSize))
	}

	resp, err := w.call(protocol.KindGetAddress, func(reqID uint64) protocol.Request {
		return protocol.Request{Hash: digest}
	})
	if err != nil {
		return err
	}
	if resp.Error != protocol.ErrNone {
		return respError(resp.Error)
	}
	w.rememberDigest(digest, resp.Address)
	return w.pipeline.StreamGet(dst, w.file, resp.Address.Offset(), int64(resp.Address.DataSize))
}

// Delete implements spec.md §4.4's DELETE pipeline.
func (w *Worker) Delete(digestHex string) error {
	digest, err := parseDigest(digestHex)
	if err != nil {
		return err
	}
	resp, err := w.call(protocol.KindRelease, func(reqID uint64) protocol.Request {
		return protocol.Request{Hash: digest}
	})
	if err != nil {
		return err
	}
	if resp.Error != protocol.ErrNone {
		return respError(resp.Error)
	}
	w.forgetDigest(digest)
	return nil
}

// lookupDigest, rememberDigest, and forgetDigest serialize access to
// cache: tinylfu.T is not safe for concurrent use, but Put/Get/Delete
// all run from whichever HTTP-handler goroutine is using this Worker.
func (w *Worker) lookupDigest(digest [32]byte) (blocksize.Metadata, bool) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	return w.cache.Lookup(digest)
}

func (w *Worker) rememberDigest(digest [32]byte, md blocksize.Metadata) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	w.cache.Remember(digest, md)
}

func (w *Worker) forgetDigest(digest [32]byte) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	w.cache.Forget(digest)
}

func parseDigest(s string) ([32]byte, error) {
	var digest [32]byte
	if len(s) != 64 {
		return digest, ErrMalformedDigest
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return digest, ErrMalformedDigest
	}
	copy(digest[:], raw)
	return digest, nil
}

// respError converts a protocol-level error code back into the
// controller's typed Error, so worker callers see the same taxonomy the
// controller itself returns.
func respError(code protocol.ErrorCode) error {
	return &controller.Error{Code: controller.Code(code)}
}
