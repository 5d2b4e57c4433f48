// Package worker implements one HTTP connection pool's end-to-end
// request handling (spec.md §4.4): parse, ask the controller for a slot
// or an existing block's address, drive the data-file I/O, and hand the
// result back to the HTTP dispatcher.
package worker

import (
	"io"
	"os"
)

// Pipeline streams PUT bodies into the data file while computing their
// SHA-256 digest, and streams GET bodies back out, per spec.md §4.4 step
// 4 and §9's "Kernel pipeline vs portable fallback" (a build choice that
// never changes correctness, only throughput).
type Pipeline interface {
	// StreamPut copies exactly n bytes from body into file at offset,
	// returning their SHA-256 digest.
	StreamPut(body io.Reader, n int64, file *os.File, offset uint64) ([32]byte, error)
	// StreamGet copies exactly n bytes from file at offset into w.
	StreamGet(w io.Writer, file *os.File, offset uint64, n int64) error
}
