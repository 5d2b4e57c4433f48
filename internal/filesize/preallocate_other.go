//go:build !linux

package filesize

import "os"

// preallocate falls back to a plain truncate on platforms without
// fallocate(2); it still guarantees the file is at least offset+length
// bytes long, at the cost of the sparse-file holes a real preallocation
// would avoid (spec.md §9, "portable implementation may substitute...
// without affecting any of the contracts above").
func preallocate(f *os.File, offset, length int64) error {
	return f.Truncate(offset + length)
}
