// Package controller implements the single-writer batch controller
// (spec.md §4.3): one goroutine owns the buddy allocator and the only
// writer access to the KV store, draining a worker-to-controller queue
// per worker, processing requests in a fixed priority order, and
// delivering results back over the matching controller-to-worker queue.
package controller

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/abiolaogu/blockvault/internal/alloc"
	"github.com/abiolaogu/blockvault/internal/blocksize"
	"github.com/abiolaogu/blockvault/internal/protocol"
	"github.com/abiolaogu/blockvault/internal/queue"
	"github.com/abiolaogu/blockvault/internal/tracing"
)

// sentinelMaxAge is how long a reservation may sit unoccupied before the
// idle sweep reclaims it (spec.md §9, option b).
const sentinelMaxAge = 30 * time.Second

// Channels is one worker's queue pair, handed to the worker at
// registration time. The controller keeps the same two objects in its
// own worker table; both sides talk to the identical underlying ring, one
// as producer and one as consumer (spec.md §9, "Cyclic ownership between
// worker and controller").
type Channels struct {
	ToController queue.Queue[protocol.Request]
	ToWorker     queue.Queue[protocol.Response]
}

type workerEntry struct {
	id    uint64
	chans Channels
}

// Controller is the single-writer batch controller. It is not safe for
// concurrent use of its exported methods from more than one goroutine —
// by design only Run's own goroutine ever touches the allocator or the
// sentinel registry (spec.md §4.3).
type Controller struct {
	alloc     *alloc.Allocator
	workers   []workerEntry
	sentinels *sentinelRegistry
	pause     *pauseRegulator
	tracer    trace.Tracer

	queueCapacity int
}

// New returns a Controller driving allocator. queueCapacity is the
// capacity of every worker's queue pair, created on RegisterWorker.
func New(allocator *alloc.Allocator, queueCapacity int) *Controller {
	return &Controller{
		alloc:         allocator,
		sentinels:     newSentinelRegistry(),
		pause:         newPauseRegulator(time.Now()),
		tracer:        tracing.GetTracer("controller"),
		queueCapacity: queueCapacity,
	}
}

// RegisterWorker creates a fresh queue pair for workerID and returns the
// worker's end of it. Must be called before Run starts draining, or while
// Run is not between cycles — callers typically register every worker at
// startup before calling Run.
func (c *Controller) RegisterWorker(workerID uint64) Channels {
	chans := Channels{
		ToController: queue.NewPowerOfTwoRing[protocol.Request](c.queueCapacity),
		ToWorker:     queue.NewPowerOfTwoRing[protocol.Response](c.queueCapacity),
	}
	c.workers = append(c.workers, workerEntry{id: workerID, chans: chans})
	return chans
}

// UnregisterWorker releases every sentinel workerID still holds reserved
// and drops its queue pair, per spec.md §9 option (a).
func (c *Controller) UnregisterWorker(workerID uint64) error {
	for _, key := range c.sentinels.releaseWorker(workerID) {
		if err := c.alloc.ReleaseSlot(key); err != nil {
			return err
		}
	}
	for i, w := range c.workers {
		if w.id == workerID {
			c.workers = append(c.workers[:i], c.workers[i+1:]...)
			break
		}
	}
	return nil
}

// Run drives the collect/process/deliver/pause cycle until ctx is
// cancelled. It is the only goroutine that may call into the allocator.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed := c.runCycle(ctx)

		if c.pause.idle() {
			c.sweepSentinels()
		}

		d := c.pause.observe(time.Now(), processed)
		if d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
}

// runCycle executes one full collect/process/deliver pass across every
// registered worker and returns the number of requests handled.
func (c *Controller) runCycle(ctx context.Context) int {
	var batch struct {
		getAddress []requestSlot
		release    []requestSlot
		allocate   []requestSlot
		occupy     []requestSlot
	}

	// 1. Collect: drain every worker's inbound queue, demultiplexed by
	// kind (spec.md §4.3 step 1).
	for wi := range c.workers {
		w := &c.workers[wi]
		for {
			req := w.chans.ToController.Front()
			if req == nil {
				break
			}
			slot := requestSlot{workerIdx: wi, req: *req}
			switch req.Kind {
			case protocol.KindGetAddress:
				batch.getAddress = append(batch.getAddress, slot)
			case protocol.KindRelease:
				batch.release = append(batch.release, slot)
			case protocol.KindAllocate:
				batch.allocate = append(batch.allocate, slot)
			case protocol.KindOccupy:
				batch.occupy = append(batch.occupy, slot)
			}
			w.chans.ToController.Pop()
		}
	}

	total := len(batch.getAddress) + len(batch.release) + len(batch.allocate) + len(batch.occupy)
	if total == 0 {
		return 0
	}

	var span trace.Span
	ctx, span = c.tracer.Start(ctx, "controller.cycle")
	span.SetAttributes(
		attribute.Int("blockvault.batch.get_address", len(batch.getAddress)),
		attribute.Int("blockvault.batch.release", len(batch.release)),
		attribute.Int("blockvault.batch.allocate", len(batch.allocate)),
		attribute.Int("blockvault.batch.occupy", len(batch.occupy)),
	)
	defer span.End()

	// 2. Process in fixed priority order (spec.md §4.3 step 2).
	for _, s := range batch.getAddress {
		resp := c.handleGetAddress(s.req)
		if resp.Error != protocol.ErrNone {
			tracing.RecordError(ctx, &Error{Code: Code(resp.Error)})
		}
		c.deliver(s.workerIdx, resp)
	}
	for _, s := range batch.release {
		resp := c.handleRelease(s.req)
		if resp.Error != protocol.ErrNone {
			tracing.RecordError(ctx, &Error{Code: Code(resp.Error)})
		}
		c.deliver(s.workerIdx, resp)
	}
	for _, s := range batch.allocate {
		resp := c.handleAllocate(s.req)
		if resp.Error != protocol.ErrNone {
			tracing.RecordError(ctx, &Error{Code: Code(resp.Error)})
		}
		c.deliver(s.workerIdx, resp)
	}
	for _, s := range batch.occupy {
		resp := c.handleOccupy(s.req)
		if resp.Error != protocol.ErrNone {
			tracing.RecordError(ctx, &Error{Code: Code(resp.Error)})
		}
		c.deliver(s.workerIdx, resp)
	}

	return total
}

type requestSlot struct {
	workerIdx int
	req       protocol.Request
}

// deliver pushes resp onto workerIdx's outbound queue, blocking (with
// backpressure, per spec.md §4.3 step 3) until the worker drains room for
// it. Cancellation of a pending result is not supported.
func (c *Controller) deliver(workerIdx int, resp protocol.Response) {
	q := c.workers[workerIdx].chans.ToWorker
	for !q.TryPush(resp) {
		// Backpressure: the worker will drain eventually; yield the OS
		// thread rather than busy-spin at full tilt.
		runtime.Gosched()
	}
}

func (c *Controller) handleGetAddress(req protocol.Request) protocol.Response {
	md, err := c.alloc.GetBlock(req.Hash)
	if err != nil {
		return errorResponse(protocol.KindGetAddress, req.RequestID, err)
	}
	return protocol.Response{Kind: protocol.KindGetAddress, RequestID: req.RequestID, Address: md}
}

func (c *Controller) handleRelease(req protocol.Request) protocol.Response {
	if err := c.alloc.Free(req.Hash); err != nil {
		return errorResponse(protocol.KindRelease, req.RequestID, err)
	}
	return protocol.Response{Kind: protocol.KindRelease, RequestID: req.RequestID}
}

func (c *Controller) handleAllocate(req protocol.Request) protocol.Response {
	sentinel := []byte(blocksize.SentinelKey(req.WorkerID, req.RequestID))
	md, err := c.alloc.ReserveSlot(sentinel, req.AllocateSize.Bytes())
	if err != nil {
		return errorResponse(protocol.KindAllocate, req.RequestID, err)
	}
	c.sentinels.track(req.WorkerID, req.RequestID, sentinel, time.Now())
	return protocol.Response{Kind: protocol.KindAllocate, RequestID: req.RequestID, Allocated: md}
}

func (c *Controller) handleOccupy(req protocol.Request) protocol.Response {
	sentinelKey, ok := c.sentinels.resolve(req.WorkerID, req.ReserveRequestID)
	if !ok {
		sentinelKey = []byte(blocksize.SentinelKey(req.WorkerID, req.ReserveRequestID))
	}
	md, deduped, err := c.alloc.Occupy(sentinelKey, req.OccupyHash, req.OccupyDataSize)
	if err != nil {
		return errorResponse(protocol.KindOccupy, req.RequestID, err)
	}
	return protocol.Response{Kind: protocol.KindOccupy, RequestID: req.RequestID, Occupied: md, Deduped: deduped}
}

func errorResponse(kind protocol.RequestKind, requestID uint64, err error) protocol.Response {
	ce := wrapAllocErr(err)
	return protocol.Response{Kind: kind, RequestID: requestID, Error: protocol.ErrorCode(ce.Code)}
}

// sweepSentinels runs the belt-and-suspenders idle sweep (spec.md §9
// option b), reclaiming any reservation that outlived sentinelMaxAge
// without being occupied.
func (c *Controller) sweepSentinels() {
	for _, key := range c.sentinels.sweepExpired(time.Now(), sentinelMaxAge) {
		_ = c.alloc.ReleaseSlot(key)
	}
}
