package engine_util

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemEngine is an in-process DB used by MEMORY regions and tests. Snapshots
// are O(1) copy-on-write clones of the tree.
type MemEngine struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memItem]
	path string
}

func NewMemEngine() *MemEngine {
	return &MemEngine{
		tree: btree.NewG[memItem](32, memLess),
		path: "memory",
	}
}

func (e *MemEngine) Path() string { return e.path }

func (e *MemEngine) GetCF(cf string, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	item, ok := e.tree.Get(memItem{key: KeyWithCF(cf, key)})
	if !ok {
		return nil, nil
	}
	return append([]byte{}, item.value...), nil
}

func (e *MemEngine) PutCF(cf string, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.putLocked(cf, key, value)
	return nil
}

func (e *MemEngine) putLocked(cf string, key, value []byte) {
	e.tree.ReplaceOrInsert(memItem{
		key:   KeyWithCF(cf, key),
		value: append([]byte{}, value...),
	})
}

func (e *MemEngine) DeleteCF(cf string, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree.Delete(memItem{key: KeyWithCF(cf, key)})
	return nil
}

func (e *MemEngine) DeleteRangeCF(cf string, startKey, endKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleteRangeLocked(cf, startKey, endKey)
	return nil
}

func (e *MemEngine) deleteRangeLocked(cf string, startKey, endKey []byte) {
	upper := rangeEndWithCF(cf, endKey)
	var doomed [][]byte
	e.tree.AscendGreaterOrEqual(memItem{key: KeyWithCF(cf, startKey)}, func(it memItem) bool {
		if bytes.Compare(it.key, upper) >= 0 {
			return false
		}
		doomed = append(doomed, it.key)
		return true
	})
	for _, k := range doomed {
		e.tree.Delete(memItem{key: k})
	}
}

func (e *MemEngine) Write(wb *WriteBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range wb.modifies {
		switch m.kind {
		case modifyPut:
			e.putLocked(m.cf, m.key, m.value)
		case modifyDelete:
			e.tree.Delete(memItem{key: KeyWithCF(m.cf, m.key)})
		case modifyDeleteRange:
			e.deleteRangeLocked(m.cf, m.key, m.endKey)
		}
	}
	return nil
}

func (e *MemEngine) CompareAndSet(cf string, key, expect, update []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var cur []byte
	if item, ok := e.tree.Get(memItem{key: KeyWithCF(cf, key)}); ok {
		cur = item.value
	}
	if !bytes.Equal(cur, expect) {
		return false, nil
	}
	e.putLocked(cf, key, update)
	return true, nil
}

func (e *MemEngine) PutIfAbsent(cf string, key, value []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tree.Get(memItem{key: KeyWithCF(cf, key)}); ok {
		return false, nil
	}
	e.putLocked(cf, key, value)
	return true, nil
}

func (e *MemEngine) snapshotTree() *btree.BTreeG[memItem] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Clone()
}

func (e *MemEngine) NewSnapshot() StorageReader {
	return &memReader{tree: e.snapshotTree()}
}

func (e *MemEngine) IterCF(cf string, opts IterOptions) DBIterator {
	return newMemIterator(e.snapshotTree(), cf, opts)
}

func (e *MemEngine) Checkpoint(string) error {
	return errors.New("memory engine does not support checkpoints")
}

func (e *MemEngine) ExportCF(string, string) ([]SstFileMeta, error) {
	return nil, errors.New("memory engine does not support sst export")
}

func (e *MemEngine) IngestCF(string, []string) error {
	return errors.New("memory engine does not support sst ingest")
}

func (e *MemEngine) Close() error { return nil }

type memReader struct {
	tree *btree.BTreeG[memItem]
}

func (r *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	item, ok := r.tree.Get(memItem{key: KeyWithCF(cf, key)})
	if !ok {
		return nil, nil
	}
	return append([]byte{}, item.value...), nil
}

func (r *memReader) IterCF(cf string, opts IterOptions) DBIterator {
	return newMemIterator(r.tree, cf, opts)
}

func (r *memReader) Close() {}

// memIterator materializes the in-bounds items of one family from a cloned
// tree and navigates by index.
type memIterator struct {
	items []memItem
	pos   int
}

func newMemIterator(tree *btree.BTreeG[memItem], cf string, opts IterOptions) *memIterator {
	cfLower, cfUpper := cfKeyBounds(cf)
	lower := cfLower
	if opts.LowerBound != nil {
		lower = KeyWithCF(cf, opts.LowerBound)
	}
	upper := cfUpper
	if opts.UpperBound != nil {
		upper = KeyWithCF(cf, opts.UpperBound)
		if opts.WithEnd {
			upper = append(upper, 0)
		}
	}
	it := &memIterator{}
	tree.AscendGreaterOrEqual(memItem{key: lower}, func(item memItem) bool {
		if bytes.Compare(item.key, upper) >= 0 {
			return false
		}
		if !opts.WithStart && bytes.Equal(item.key, lower) {
			return true
		}
		it.items = append(it.items, item)
		return true
	})
	return it
}

func (it *memIterator) Item() DBItem {
	item := it.items[it.pos]
	return &sliceItem{key: item.key[1:], value: item.value}
}

func (it *memIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.items)
}

func (it *memIterator) Next() { it.pos++ }

func (it *memIterator) Prev() { it.pos-- }

func (it *memIterator) Seek(key []byte) {
	it.pos = it.search(key)
}

// search returns the index of the first item whose plain key >= key.
func (it *memIterator) search(key []byte) int {
	lo, hi := 0, len(it.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(it.items[mid].key[1:], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (it *memIterator) SeekForPrev(key []byte) {
	pos := it.search(key)
	if pos < len(it.items) && bytes.Equal(it.items[pos].key[1:], key) {
		it.pos = pos
		return
	}
	it.pos = pos - 1
}

func (it *memIterator) SeekToFirst() { it.pos = 0 }

func (it *memIterator) SeekToLast() { it.pos = len(it.items) - 1 }

func (it *memIterator) Close() {}
