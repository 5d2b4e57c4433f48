package kv

import (
	"bytes"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStore is the production Store backend: an embedded ordered
// key-value database (spec.md §1, "external collaborator... treated as a
// black box with ordered-range scan"). Pebble is an LSM-tree KV engine
// with native prefix iteration and atomic batches, which is exactly the
// shape spec.md §6 asks for.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (s *PebbleStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// prefixUpperBound returns the smallest key greater than every key
// starting with prefix, or nil if prefix is all 0xff bytes (meaning there
// is no finite upper bound — scan to the end of the keyspace).
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xff {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) FirstWithPrefix(prefix []byte) ([]byte, []byte, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer iter.Close()

	if !iter.First() || !bytes.HasPrefix(iter.Key(), prefix) {
		return nil, nil, false, nil
	}
	key := append([]byte(nil), iter.Key()...)
	value := append([]byte(nil), iter.Value()...)
	return key, value, true, nil
}

func (s *PebbleStore) Begin() Txn {
	return &pebbleTxn{batch: s.db.NewBatch()}
}

type pebbleTxn struct {
	batch *pebble.Batch
}

func (t *pebbleTxn) Put(key, value []byte) { t.batch.Set(key, value, nil) }
func (t *pebbleTxn) Delete(key []byte)      { t.batch.Delete(key, nil) }

func (t *pebbleTxn) Commit() error {
	return t.batch.Commit(pebble.Sync)
}

func (t *pebbleTxn) Abort() error {
	return t.batch.Close()
}
