package mvcc

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// KeyValue is one visible row of a scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Reader answers point and range reads at a timestamp over the MVCC column
// families, skipping tombstones and versions newer than the requested ts.
type Reader struct {
	db engine_util.DB
}

func NewReader(db engine_util.DB) *Reader {
	return &Reader{db: db}
}

func decodeErr(encodedKey []byte, err error) error {
	// A decode failure mid-scan means the family holds corrupt rows.
	return kverrors.New(kverrors.CodeInternal, "corrupt mvcc key %s: %v", codec.ToHex(encodedKey), err)
}

// KvGet returns the newest visible value of plainKey at ts, or nil when the
// key is absent or deleted.
func (r *Reader) KvGet(cf string, ts uint64, plainKey []byte) ([]byte, error) {
	if len(plainKey) == 0 {
		return nil, kverrors.New(kverrors.CodeKeyEmpty, "empty key")
	}
	snap := r.db.NewSnapshot()
	defer snap.Close()
	return kvGet(snap, cf, ts, plainKey)
}

func kvGet(reader engine_util.StorageReader, cf string, ts uint64, plainKey []byte) ([]byte, error) {
	iter := reader.IterCF(cf, engine_util.IterOptions{WithStart: true})
	defer iter.Close()

	iter.Seek(codec.EncodeKey(plainKey, ts))
	if !iter.Valid() {
		return nil, nil
	}
	item := iter.Item()
	if !codec.SameUserKey(item.Key(), plainKey) {
		return nil, nil
	}
	value, err := item.Value()
	if err != nil {
		return nil, err
	}
	flag, payload, err := codec.UnpackValue(value)
	if err != nil {
		return nil, decodeErr(item.Key(), err)
	}
	if flag == codec.ValueFlagDelete {
		return nil, nil
	}
	return append([]byte{}, payload...), nil
}

// KvScan returns every visible row of [plainStart, plainEnd) at ts.
func (r *Reader) KvScan(cf string, ts uint64, plainStart, plainEnd []byte) ([]KeyValue, error) {
	var out []KeyValue
	err := r.KvScanFunc(cf, ts, plainStart, plainEnd, func(key, value []byte) bool {
		out = append(out, KeyValue{Key: append([]byte{}, key...), Value: append([]byte{}, value...)})
		return true
	})
	return out, err
}

// scanRange encodes scan bounds; an empty plainEnd leaves the scan
// unbounded above.
func scanRange(plainStart, plainEnd []byte) (encStart, encEnd []byte, err error) {
	if len(plainEnd) > 0 && bytes.Compare(plainStart, plainEnd) >= 0 {
		return nil, nil, kverrors.New(kverrors.CodeRangeEmptyOrInverted, "range [%s, %s)", codec.ToHex(plainStart), codec.ToHex(plainEnd))
	}
	encStart = codec.EncodeKey(plainStart, codec.TsMax)
	if len(plainEnd) > 0 {
		encEnd = codec.EncodeKey(plainEnd, codec.TsMax)
	}
	return encStart, encEnd, nil
}

// KvScanFunc streams visible rows to fn; fn returning false stops the scan.
func (r *Reader) KvScanFunc(cf string, ts uint64, plainStart, plainEnd []byte, fn func(key, value []byte) bool) error {
	encStart, encEnd, err := scanRange(plainStart, plainEnd)
	if err != nil {
		return err
	}
	snap := r.db.NewSnapshot()
	defer snap.Close()
	iter := snap.IterCF(cf, engine_util.DefaultRange(encStart, encEnd))
	defer iter.Close()

	for iter.Seek(encStart); iter.Valid(); {
		item := iter.Item()
		plainKey, verTs, err := codec.DecodeKey(item.Key())
		if err != nil {
			return decodeErr(item.Key(), err)
		}
		if verTs > ts {
			// All versions newer than the request sort first; jump straight
			// to the newest visible one.
			iter.Seek(codec.EncodeKey(plainKey, ts))
			continue
		}
		value, err := item.Value()
		if err != nil {
			return err
		}
		flag, payload, err := codec.UnpackValue(value)
		if err != nil {
			return decodeErr(item.Key(), err)
		}
		if flag != codec.ValueFlagDelete {
			if !fn(plainKey, payload) {
				return nil
			}
		}
		iter.Seek(codec.NextPlainKeySeek(plainKey))
	}
	return nil
}

// KvCount counts visible keys in [plainStart, plainEnd) at ts.
func (r *Reader) KvCount(cf string, ts uint64, plainStart, plainEnd []byte) (int64, error) {
	var count int64
	err := r.KvScanFunc(cf, ts, plainStart, plainEnd, func(_, _ []byte) bool {
		count++
		return true
	})
	return count, err
}

// KvMinKey returns the smallest visible key of the range, or nil.
func (r *Reader) KvMinKey(cf string, ts uint64, plainStart, plainEnd []byte) ([]byte, error) {
	var minKey []byte
	err := r.KvScanFunc(cf, ts, plainStart, plainEnd, func(key, _ []byte) bool {
		minKey = append([]byte{}, key...)
		return false
	})
	return minKey, err
}

// KvMaxKey returns the largest visible key of the range, or nil. It walks
// backwards from the end of the range, probing each candidate key forward
// for a visible version.
func (r *Reader) KvMaxKey(cf string, ts uint64, plainStart, plainEnd []byte) ([]byte, error) {
	encStart, encEnd, err := scanRange(plainStart, plainEnd)
	if err != nil {
		return nil, err
	}
	snap := r.db.NewSnapshot()
	defer snap.Close()
	iter := snap.IterCF(cf, engine_util.DefaultRange(encStart, encEnd))
	defer iter.Close()

	iter.SeekToLast()
	for iter.Valid() {
		item := iter.Item()
		plainKey, _, err := codec.DecodeKey(item.Key())
		if err != nil {
			return nil, decodeErr(item.Key(), err)
		}
		value, err := kvGet(snap, cf, ts, plainKey)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return append([]byte{}, plainKey...), nil
		}
		// EncodeKey(plainKey, TsMax) sorts before every real version of
		// plainKey, so seeking back from it lands on the last row of the
		// previous plain key.
		iter.SeekForPrev(codec.EncodeKey(plainKey, codec.TsMax))
	}
	return nil, nil
}

// Iterator walks visible rows of one family at a fixed timestamp.
type Iterator struct {
	snap engine_util.StorageReader
	iter engine_util.DBIterator
	ts   uint64

	key   []byte
	value []byte
	err   error
}

// NewIterator opens a timestamped iterator over [plainStart, plainEnd).
// Close releases the underlying snapshot.
func (r *Reader) NewIterator(cf string, ts uint64, plainStart, plainEnd []byte) *Iterator {
	encStart, encEnd, err := scanRange(plainStart, plainEnd)
	if err != nil {
		return &Iterator{err: err}
	}
	snap := r.db.NewSnapshot()
	iter := snap.IterCF(cf, engine_util.DefaultRange(encStart, encEnd))
	it := &Iterator{snap: snap, iter: iter, ts: ts}
	it.iter.Seek(encStart)
	it.advance()
	return it
}

func (it *Iterator) advance() {
	it.key, it.value = nil, nil
	for it.iter.Valid() {
		item := it.iter.Item()
		plainKey, verTs, err := codec.DecodeKey(item.Key())
		if err != nil {
			it.err = decodeErr(item.Key(), err)
			return
		}
		if verTs > it.ts {
			it.iter.Seek(codec.EncodeKey(plainKey, it.ts))
			continue
		}
		value, err := item.Value()
		if err != nil {
			it.err = err
			return
		}
		flag, payload, err := codec.UnpackValue(value)
		if err != nil {
			it.err = decodeErr(item.Key(), err)
			return
		}
		if flag == codec.ValueFlagDelete {
			it.iter.Seek(codec.NextPlainKeySeek(plainKey))
			continue
		}
		it.key = append([]byte{}, plainKey...)
		it.value = append([]byte{}, payload...)
		return
	}
}

func (it *Iterator) Valid() bool { return it.key != nil && it.err == nil }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Key() []byte { return it.key }

func (it *Iterator) Value() []byte { return it.value }

func (it *Iterator) Next() {
	if it.key == nil {
		return
	}
	it.iter.Seek(codec.NextPlainKeySeek(it.key))
	it.advance()
}

func (it *Iterator) Close() {
	if it.iter != nil {
		it.iter.Close()
	}
	if it.snap != nil {
		it.snap.Close()
	}
}
