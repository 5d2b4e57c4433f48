// Package protocol defines the tagged union of request/response records
// exchanged between a worker and the batch controller over a pair of
// SPSC queues (spec.md §4.5/§4.3). Every request carries a RequestID so
// a worker can correlate its eventual response even when the controller
// processes requests of different kinds out of submission order
// (spec.md §5, "Ordering guarantees").
package protocol

import "github.com/abiolaogu/blockvault/internal/blocksize"

// RequestKind tags which variant a Request/Response holds.
type RequestKind uint8

const (
	KindAllocate RequestKind = iota
	KindOccupy
	KindRelease
	KindGetAddress
)

// Request is the union of messages a worker sends the controller. Only
// the field matching Kind is populated.
type Request struct {
	Kind      RequestKind
	WorkerID  uint64
	RequestID uint64

	// KindAllocate
	AllocateSize blocksize.Class

	// KindOccupy. The sentinel slot being occupied is
	// blocksize.SentinelKey(WorkerID, ReserveRequestID) — the RequestID of
	// the KindAllocate call that reserved it, which the worker tracks
	// locally and replays here since a single request stream may have
	// many reservations in flight (spec.md §4.3).
	OccupyHash       [32]byte
	OccupyDataSize   uint64
	ReserveRequestID uint64

	// KindRelease, KindGetAddress
	Hash [32]byte
}

// ErrorCode is the controller-level error taxonomy of spec.md §7.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrBlockNotFound
	ErrInvalidSize
	ErrAllocationFailed
	ErrAlreadyExists
	ErrInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrBlockNotFound:
		return "block_not_found"
	case ErrInvalidSize:
		return "invalid_size"
	case ErrAllocationFailed:
		return "allocation_failed"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Response is the union of messages the controller sends back to a
// worker. RequestID and Kind mirror the originating Request.
type Response struct {
	Kind      RequestKind
	RequestID uint64

	Error ErrorCode

	// KindAllocate result
	Allocated blocksize.Metadata

	// KindOccupy result
	Occupied blocksize.Metadata
	// Deduped is true when Occupied refers to a pre-existing record and
	// the slot reserved by the matching Allocate was released back to
	// the free pool (spec.md §4.3, "Dedup on occupy").
	Deduped bool

	// KindGetAddress result
	Address blocksize.Metadata
}
