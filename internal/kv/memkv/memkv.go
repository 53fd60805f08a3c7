// Package memkv is an in-memory implementation of kv.Store backed by a
// sorted slice guarded by a single mutex. It gives every unit test in this
// repository snapshot-isolated reads and serializable writes without
// touching disk, the same role the teacher SDK's internal/fakesdb plays
// for exercising the wire protocol without a live server.
package memkv

import (
	"context"
	"sort"
	"sync"

	"github.com/lqdb/lqdb/internal/clock"
	"github.com/lqdb/lqdb/internal/kv"
)

type entry struct {
	key, val []byte
}

// Store is a single shared keyspace. The zero value is not usable; use
// New.
type Store struct {
	mu    sync.Mutex
	data  []entry // kept sorted by key
	clock clock.Clock
}

// New returns an empty Store using the given clock (clock.System{} in
// production, a clock.Fake in tests).
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{clock: c}
}

func (s *Store) Clock() clock.Clock { return s.clock }
func (s *Store) Close() error       { return nil }

func (s *Store) Begin(_ context.Context, mode kv.Mode) (kv.Tx, error) {
	s.mu.Lock()
	// A single global lock held for the transaction's lifetime gives us
	// serializable commits trivially; reads observe a consistent snapshot
	// because no other transaction can run concurrently. The transaction
	// works against its own copy of the entry slice so that Cancel can
	// discard it without ever having mutated s.data.
	snapshot := make([]entry, len(s.data))
	copy(snapshot, s.data)
	return &tx{store: s, mode: mode, data: snapshot}, nil
}

func find(data []entry, key []byte) (int, bool) {
	i := sort.Search(len(data), func(i int) bool {
		return string(data[i].key) >= string(key)
	})
	if i < len(data) && string(data[i].key) == string(key) {
		return i, true
	}
	return i, false
}

type tx struct {
	store    *Store
	mode     kv.Mode
	data     []entry // private copy; only applied to store.data on Commit
	finished bool
}

func (t *tx) checkWritable() error {
	if t.finished {
		return kv.ErrTxFinished
	}
	if !t.mode.IsWrite() {
		return kv.ErrTxReadonly
	}
	return nil
}

func (t *tx) Get(_ context.Context, key []byte) ([]byte, error) {
	if t.finished {
		return nil, kv.ErrTxFinished
	}
	i, ok := find(t.data, key)
	if !ok {
		return nil, nil
	}
	v := make([]byte, len(t.data[i].val))
	copy(v, t.data[i].val)
	return v, nil
}

func (t *tx) Exists(ctx context.Context, key []byte) (bool, error) {
	v, err := t.Get(ctx, key)
	return v != nil, err
}

func (t *tx) Put(_ context.Context, key, val []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	i, ok := find(t.data, key)
	if ok {
		return kv.ErrTxKeyAlreadyExists
	}
	t.insertAt(i, key, val)
	return nil
}

func (t *tx) Set(_ context.Context, key, val []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	i, ok := find(t.data, key)
	if ok {
		t.data[i].val = cloneBytes(val)
		return nil
	}
	t.insertAt(i, key, val)
	return nil
}

func (t *tx) Putc(_ context.Context, key, val, check []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	i, ok := find(t.data, key)
	if !matchesCheck(ok, currentVal(t.data, i, ok), check) {
		return kv.ErrTxConditionNotMet
	}
	if ok {
		t.data[i].val = cloneBytes(val)
		return nil
	}
	t.insertAt(i, key, val)
	return nil
}

func (t *tx) Del(_ context.Context, key []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	i, ok := find(t.data, key)
	if !ok {
		return nil
	}
	t.removeAt(i)
	return nil
}

func (t *tx) Delc(_ context.Context, key, check []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	i, ok := find(t.data, key)
	if !matchesCheck(ok, currentVal(t.data, i, ok), check) {
		return kv.ErrTxConditionNotMet
	}
	if ok {
		t.removeAt(i)
	}
	return nil
}

func (t *tx) Scan(_ context.Context, lo, hi []byte, limit int) ([]kv.KV, error) {
	if t.finished {
		return nil, kv.ErrTxFinished
	}
	start, _ := find(t.data, lo)
	var out []kv.KV
	for i := start; i < len(t.data); i++ {
		if string(t.data[i].key) >= string(hi) {
			break
		}
		out = append(out, kv.KV{
			Key:   cloneBytes(t.data[i].key),
			Value: cloneBytes(t.data[i].val),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Commit applies the transaction's private data snapshot back to the
// store; Cancel discards it untouched, so a partially-built write never
// becomes visible.
func (t *tx) Commit(_ context.Context) error {
	if t.finished {
		return kv.ErrTxFinished
	}
	t.finished = true
	t.store.data = t.data
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Cancel(_ context.Context) error {
	if t.finished {
		return kv.ErrTxFinished
	}
	t.finished = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Clock() clock.Clock { return t.store.clock }

func (t *tx) insertAt(i int, key, val []byte) {
	e := entry{key: cloneBytes(key), val: cloneBytes(val)}
	t.data = append(t.data, entry{})
	copy(t.data[i+1:], t.data[i:])
	t.data[i] = e
}

func (t *tx) removeAt(i int) {
	t.data = append(t.data[:i], t.data[i+1:]...)
}

func currentVal(data []entry, i int, ok bool) []byte {
	if !ok {
		return nil
	}
	return data[i].val
}

func matchesCheck(ok bool, current, check []byte) bool {
	if !ok {
		return check == nil
	}
	if check == nil {
		return false
	}
	return string(current) == string(check)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
