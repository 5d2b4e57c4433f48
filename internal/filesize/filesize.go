// Package filesize owns the data file descriptor the buddy allocator
// grows: it exposes Size and Extend, preallocating space in SSD-aligned
// chunks so a worker's later write into a reserved slot can never fail
// with ENOSPC (spec.md §4's file-size manager, §6's Manager interface).
package filesize

import "errors"

// alignment is the minimum unit Extend rounds up to (spec.md §6: "must
// round up to a 4 KiB multiple").
const alignment = 4 << 10

// ErrShrink is returned by Extend when asked to grow by zero or less.
var ErrShrink = errors.New("filesize: extend amount must be positive")

// Manager is the capability the allocator depends on to grow the data
// file. The allocator never opens or seeks the file itself. Extend grows
// the file BY bytes (not to bytes), rounding the growth up to a 4 KiB
// multiple (spec.md §6).
type Manager interface {
	Size() (uint64, error)
	Extend(bytes uint64) error
}

// alignUp rounds n up to the nearest multiple of alignment.
func alignUp(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}
