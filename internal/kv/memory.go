package kv

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store test double, used to unit-test the buddy
// allocator and batch controller without any disk I/O (spec.md §9,
// "Allocator ... unit-testable without any I/O").
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *Memory) FirstWithPrefix(prefix []byte) ([]byte, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := string(prefix)
	var matches []string
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			matches = append(matches, k)
		}
	}
	if len(matches) == 0 {
		return nil, nil, false, nil
	}
	// Order among ties is unspecified (spec.md §4.1); sort so repeated
	// calls on an unchanged map are at least deterministic for tests.
	sort.Strings(matches)
	k := matches[0]
	return []byte(k), append([]byte(nil), m.data[k]...), true, nil
}

// Clone returns a deep copy, useful for tests that want to enumerate
// matches destructively (via repeated FirstWithPrefix+Delete) without
// disturbing the original store.
func (m *Memory) Clone() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		data[k] = append([]byte(nil), v...)
	}
	return &Memory{data: data}
}

func (m *Memory) Begin() Txn {
	return &memoryTxn{store: m}
}

type memoryOp struct {
	del   bool
	key   []byte
	value []byte
}

type memoryTxn struct {
	store *Memory
	ops   []memoryOp
	done  bool
}

func (t *memoryTxn) Put(key, value []byte) {
	t.ops = append(t.ops, memoryOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (t *memoryTxn) Delete(key []byte) {
	t.ops = append(t.ops, memoryOp{del: true, key: append([]byte(nil), key...)})
}

func (t *memoryTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		if op.del {
			delete(t.store.data, string(op.key))
		} else {
			t.store.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (t *memoryTxn) Abort() error {
	t.done = true
	t.ops = nil
	return nil
}
