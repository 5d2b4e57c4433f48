package filesize

import (
	"os"
	"sync"
)

// File is the production Manager: it owns the data file descriptor and
// preallocates growth so later splice/write calls into a reserved slot
// cannot fail with ENOSPC.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size uint64
}

// Open opens (creating if absent) the data file at path and reads its
// current size.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, size: uint64(info.Size())}, nil
}

// Fd returns the underlying file, for the worker's splice/tee pipeline.
func (m *File) Fd() *os.File { return m.f }

func (m *File) Size() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size, nil
}

func (m *File) Extend(bytes uint64) error {
	if bytes == 0 {
		return ErrShrink
	}
	grow := alignUp(bytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := m.size + grow
	if err := preallocate(m.f, int64(m.size), int64(grow)); err != nil {
		return err
	}
	m.size = newSize
	return nil
}

func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
