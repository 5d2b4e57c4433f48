package filesize

import "sync"

// Memory is an in-memory Manager test double used by allocator unit
// tests (spec.md §9, "unit-testable without any I/O").
type Memory struct {
	mu   sync.Mutex
	size uint64
}

func (m *Memory) Size() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size, nil
}

func (m *Memory) Extend(bytes uint64) error {
	if bytes == 0 {
		return ErrShrink
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size += alignUp(bytes)
	return nil
}
