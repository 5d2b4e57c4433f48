//go:build !linux

package worker

import (
	"crypto/sha256"
	"io"
	"os"
)

// newPipeline returns the portable Pipeline: ordinary reads/writes and a
// user-space hasher, per spec.md §9's explicit allowance that this
// substitution changes throughput, not correctness.
func newPipeline() Pipeline { return portablePipeline{} }

type portablePipeline struct{}

// offsetWriter adapts *os.File's WriteAt to io.Writer, advancing its
// offset by each successful write, so it can sit behind io.MultiWriter
// alongside a hasher.
type offsetWriter struct {
	f   *os.File
	off int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.f.WriteAt(p, o.off)
	o.off += int64(n)
	return n, err
}

func (portablePipeline) StreamPut(body io.Reader, n int64, file *os.File, offset uint64) ([32]byte, error) {
	hasher := sha256.New()
	w := &offsetWriter{f: file, off: int64(offset)}
	if _, err := io.CopyN(io.MultiWriter(w, hasher), body, n); err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

func (portablePipeline) StreamGet(w io.Writer, file *os.File, offset uint64, n int64) error {
	_, err := io.CopyN(w, io.NewSectionReader(file, int64(offset), n), n)
	return err
}
