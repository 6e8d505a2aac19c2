package mvcc

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// KvPair is one visible row returned by a transactional scan.
type KvPair struct {
	Key   []byte
	Value []byte
}

// Scanner reads sequential committed key-value pairs visible at the
// transaction's start timestamp. Invariant: either the scanner is finished,
// or it is ready to return a value immediately.
type Scanner struct {
	writeIter engine_util.DBIterator
	txn       *RoTxn
	endKey    []byte
}

// NewScanner positions a scanner at startKey. An empty endKey leaves the
// scan unbounded above.
func NewScanner(txn *RoTxn, startKey, endKey []byte) *Scanner {
	writeIter := txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{WithStart: true})
	writeIter.Seek(codec.EncodeKey(startKey, codec.TsMax))
	return &Scanner{
		writeIter: writeIter,
		txn:       txn,
		endKey:    endKey,
	}
}

func (scan *Scanner) Close() {
	scan.writeIter.Close()
}

// Next returns the next visible pair, or (nil, nil, nil) when exhausted.
// Encountering a lock older than the read ts aborts with KEY_IS_LOCKED.
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for {
		if !scan.writeIter.Valid() {
			return nil, nil, nil
		}

		item := scan.writeIter.Item()
		userKey, commitTs, err := codec.DecodeKey(item.Key())
		if err != nil {
			return nil, nil, kverrors.New(kverrors.CodeInternal, "corrupt write key %s: %v", codec.ToHex(item.Key()), err)
		}
		if len(scan.endKey) > 0 && bytes.Compare(userKey, scan.endKey) >= 0 {
			return nil, nil, nil
		}

		if commitTs > scan.txn.StartTS {
			// Committed after our read point; skip to an older version.
			scan.writeIter.Seek(codec.EncodeKey(userKey, scan.txn.StartTS))
			continue
		}

		lock, err := scan.txn.GetLock(userKey)
		if err != nil {
			return nil, nil, err
		}
		if lock != nil && lock.Ts < scan.txn.StartTS && !lock.IsPessimistic() {
			return nil, nil, kverrors.KeyIsLocked(lock.Info(userKey))
		}

		writeValue, err := item.Value()
		if err != nil {
			return nil, nil, err
		}
		write, err := ParseWrite(writeValue)
		if err != nil {
			return nil, nil, err
		}
		userKey = append([]byte{}, userKey...)
		if write.Kind == WriteKindRollback || write.Kind == WriteKindLock {
			// Not a data-bearing record; look at the next older version.
			scan.writeIter.Next()
			continue
		}
		if write.Kind != WriteKindPut {
			// Deleted at this version; move to the next key.
			scan.writeIter.Seek(codec.NextPlainKeySeek(userKey))
			continue
		}

		var value []byte
		if write.ShortValue != nil {
			value = write.ShortValue
		} else {
			value, err = scan.txn.DataValue(userKey, write.StartTs)
			if err != nil {
				return nil, nil, err
			}
		}

		scan.writeIter.Seek(codec.NextPlainKeySeek(userKey))
		return userKey, value, nil
	}
}
