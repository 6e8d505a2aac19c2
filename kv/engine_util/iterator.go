package engine_util

// IterOptions bounds an iterator within one column family. Bounds are plain
// keys. WithStart and WithEnd carry the inclusive bits of the public range
// type; the engine itself only understands [lower, upper) so the extra
// checks are enforced here.
type IterOptions struct {
	LowerBound []byte
	UpperBound []byte
	WithStart  bool
	WithEnd    bool
}

// DefaultRange builds the usual [start, end) options.
func DefaultRange(start, end []byte) IterOptions {
	return IterOptions{LowerBound: start, UpperBound: end, WithStart: true, WithEnd: false}
}

// DBItem is the current key-value pair of an iterator.
type DBItem interface {
	// Key returns the plain key within the column family. The slice is only
	// valid until the iterator advances.
	Key() []byte
	// KeyCopy copies the key into dst, allocating when dst is too small.
	KeyCopy(dst []byte) []byte
	// Value retrieves the value.
	Value() ([]byte, error)
	// ValueSize returns the size of the value.
	ValueSize() int
	// ValueCopy copies the value into dst, allocating when dst is too small.
	ValueCopy(dst []byte) ([]byte, error)
}

// DBIterator walks one column family in ascending key order.
type DBIterator interface {
	// Item returns the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next advances the iterator. Check Valid afterwards.
	Next()
	// Prev steps the iterator back.
	Prev()
	// Seek positions at the first key >= the given plain key.
	Seek(key []byte)
	// SeekForPrev positions at the last key <= the given plain key.
	SeekForPrev(key []byte)
	// SeekToFirst positions at the smallest in-bounds key.
	SeekToFirst()
	// SeekToLast positions at the largest in-bounds key.
	SeekToLast()
	// Close releases the iterator and its snapshot reference.
	Close()
}

func safeCopy(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

type sliceItem struct {
	key   []byte
	value []byte
}

func (i *sliceItem) Key() []byte { return i.key }

func (i *sliceItem) KeyCopy(dst []byte) []byte { return safeCopy(dst, i.key) }

func (i *sliceItem) Value() ([]byte, error) { return i.value, nil }

func (i *sliceItem) ValueSize() int { return len(i.value) }

func (i *sliceItem) ValueCopy(dst []byte) ([]byte, error) { return safeCopy(dst, i.value), nil }
