package runner

import (
	"bytes"
	"container/heap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
)

// mergedEntry is one heap element: the current row of one source iterator.
type mergedEntry struct {
	key       []byte
	valueSize int
	iterPos   int
}

type mergedHeap []mergedEntry

func (h mergedHeap) Len() int { return len(h) }

func (h mergedHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].iterPos < h[j].iterPos
}

func (h mergedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergedHeap) Push(x interface{}) { *h = append(*h, x.(mergedEntry)) }

func (h *mergedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergedIterator views several column families as one stream ordered by
// storage key: a min-heap over per-CF iterators. Advancing pops the
// minimum and refills from its source.
type MergedIterator struct {
	reader engine_util.StorageReader
	iters  []engine_util.DBIterator
	heap   mergedHeap
}

// NewMergedIterator opens one iterator per family over the region range
// [startKey, endKey) against a fresh snapshot. Versioned families get the
// bounds widened to cover every version of every in-range key. Close
// releases everything.
func NewMergedIterator(db engine_util.DB, cfNames []string, startKey, endKey []byte) *MergedIterator {
	reader := db.NewSnapshot()
	m := &MergedIterator{reader: reader}
	for i, cf := range cfNames {
		start, end := startKey, endKey
		if engine_util.VersionedCFs[cf] {
			start = codec.EncodeKey(startKey, codec.TsMax)
			if len(endKey) > 0 {
				end = codec.EncodeKey(endKey, codec.TsMax)
			}
		}
		iter := reader.IterCF(cf, engine_util.DefaultRange(start, end))
		m.iters = append(m.iters, iter)
		iter.Seek(start)
		m.fill(i)
	}
	heap.Init(&m.heap)
	return m
}

func (m *MergedIterator) fill(iterPos int) {
	iter := m.iters[iterPos]
	if !iter.Valid() {
		return
	}
	item := iter.Item()
	m.heap = append(m.heap, mergedEntry{
		key:       item.KeyCopy(nil),
		valueSize: item.ValueSize(),
		iterPos:   iterPos,
	})
	iter.Next()
}

func (m *MergedIterator) Valid() bool { return len(m.heap) > 0 }

// Next pops the minimum and refills from its originating iterator.
func (m *MergedIterator) Next() {
	if len(m.heap) == 0 {
		return
	}
	entry := heap.Pop(&m.heap).(mergedEntry)
	pos := len(m.heap)
	m.fill(entry.iterPos)
	if len(m.heap) > pos {
		heap.Fix(&m.heap, pos)
	}
}

// Key returns the current minimum storage key.
func (m *MergedIterator) Key() []byte { return m.heap[0].key }

// KeyValueSize returns the current row's key plus value size in bytes.
func (m *MergedIterator) KeyValueSize() int {
	return len(m.heap[0].key) + m.heap[0].valueSize
}

func (m *MergedIterator) Close() {
	for _, iter := range m.iters {
		iter.Close()
	}
	m.reader.Close()
}
