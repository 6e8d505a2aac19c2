package engine_util

import (
	"bytes"

	"github.com/cockroachdb/pebble"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// pebbleIterator walks one column family of either the live DB or a pinned
// snapshot, stripping the family prefix from keys. Exact bound semantics
// (WithStart/WithEnd) are enforced above the engine's [lower, upper)
// bounds.
type pebbleIterator struct {
	iter   *pebble.Iterator
	shared *pebbleSnapshot
	opts   IterOptions
	// lowerFull is the prefixed lower bound, kept for exclusive-start
	// checks.
	lowerFull []byte
	closed    bool
}

func newPebbleIterator(db *pebble.DB, snap *pebble.Snapshot, cf string, opts IterOptions, shared *pebbleSnapshot) DBIterator {
	cfLower, cfUpper := cfKeyBounds(cf)
	lower := cfLower
	if opts.LowerBound != nil {
		lower = KeyWithCF(cf, opts.LowerBound)
	}
	upper := cfUpper
	if opts.UpperBound != nil {
		upper = KeyWithCF(cf, opts.UpperBound)
		if opts.WithEnd {
			// An inclusive end widens the engine bound by one zero byte.
			upper = append(upper, 0)
		}
	}
	pOpts := &pebble.IterOptions{LowerBound: lower, UpperBound: upper}

	var iter *pebble.Iterator
	var err error
	if snap != nil {
		iter, err = snap.NewIter(pOpts)
	} else {
		iter, err = db.NewIter(pOpts)
	}
	if err != nil {
		// NewIter only fails when the engine is closed; surface an
		// exhausted iterator rather than a nil.
		log.Error("open iterator failed", zap.String("cf", cf), zap.Error(err))
		if shared != nil {
			shared.unref()
		}
		return &exhaustedIterator{}
	}
	it := &pebbleIterator{iter: iter, shared: shared, opts: opts, lowerFull: lower}
	return it
}

func (it *pebbleIterator) skipExcludedStart() {
	if it.opts.WithStart || it.opts.LowerBound == nil {
		return
	}
	for it.iter.Valid() && bytes.Equal(it.iter.Key(), it.lowerFull) {
		it.iter.Next()
	}
}

func (it *pebbleIterator) stepBackFromExcludedStart() {
	if it.opts.WithStart || it.opts.LowerBound == nil {
		return
	}
	for it.iter.Valid() && bytes.Equal(it.iter.Key(), it.lowerFull) {
		it.iter.Prev()
	}
}

func (it *pebbleIterator) Item() DBItem {
	return &sliceItem{key: it.iter.Key()[1:], value: it.iter.Value()}
}

func (it *pebbleIterator) Valid() bool { return it.iter.Valid() }

func (it *pebbleIterator) Next() { it.iter.Next() }

func (it *pebbleIterator) Prev() {
	it.iter.Prev()
	it.stepBackFromExcludedStart()
}

func (it *pebbleIterator) Seek(key []byte) {
	full := make([]byte, 0, len(key)+1)
	full = append(full, it.lowerFull[0])
	full = append(full, key...)
	it.iter.SeekGE(full)
	it.skipExcludedStart()
}

func (it *pebbleIterator) SeekForPrev(key []byte) {
	full := make([]byte, 0, len(key)+2)
	full = append(full, it.lowerFull[0])
	full = append(full, key...)
	// SeekLT over key+0x00 lands on the last key <= key.
	it.iter.SeekLT(append(full, 0))
	it.stepBackFromExcludedStart()
}

func (it *pebbleIterator) SeekToFirst() {
	it.iter.First()
	it.skipExcludedStart()
}

func (it *pebbleIterator) SeekToLast() {
	it.iter.Last()
	it.stepBackFromExcludedStart()
}

func (it *pebbleIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	_ = it.iter.Close()
	if it.shared != nil {
		it.shared.unref()
	}
}

// exhaustedIterator is returned when an iterator cannot be opened.
type exhaustedIterator struct{}

func (*exhaustedIterator) Item() DBItem       { return nil }
func (*exhaustedIterator) Valid() bool        { return false }
func (*exhaustedIterator) Next()              {}
func (*exhaustedIterator) Prev()              {}
func (*exhaustedIterator) Seek([]byte)        {}
func (*exhaustedIterator) SeekForPrev([]byte) {}
func (*exhaustedIterator) SeekToFirst()       {}
func (*exhaustedIterator) SeekToLast()        {}
func (*exhaustedIterator) Close()             {}
