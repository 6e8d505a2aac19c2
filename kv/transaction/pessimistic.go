package transaction

import (
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// PessimisticLockRequest acquires locks before prewrite for transactions
// that cannot tolerate optimistic conflicts.
type PessimisticLockRequest struct {
	Keys         [][]byte
	PrimaryLock  []byte
	StartTs      uint64
	ForUpdateTs  uint64
	LockTtl      uint64
	ReturnValues bool
}

// PessimisticLockResult reports per-key conflicts and, when requested, the
// committed values visible at ForUpdateTs.
type PessimisticLockResult struct {
	KeyErrors []*kverrors.Error
	Values    [][]byte
}

// PessimisticLock places pessimistic locks on every key. It fails a key
// with KEY_IS_LOCKED on a foreign lock and WRITE_CONFLICT when a commit
// newer than ForUpdateTs exists.
func (e *Engine) PessimisticLock(req *PessimisticLockRequest) (*PessimisticLockResult, error) {
	if req.StartTs == 0 || req.ForUpdateTs == 0 || len(req.Keys) == 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "pessimistic lock needs start_ts, for_update_ts, and keys")
	}
	result := &PessimisticLockResult{}
	err := e.runTxn(req.StartTs, req.Keys, func(txn *mvcc.MvccTxn) error {
		for _, key := range req.Keys {
			keyErr, value, err := pessimisticLockKey(txn, req, key)
			if err != nil {
				return err
			}
			if keyErr != nil {
				result.KeyErrors = append(result.KeyErrors, keyErr)
				continue
			}
			if req.ReturnValues {
				result.Values = append(result.Values, value)
			}
		}
		if len(result.KeyErrors) > 0 {
			txn.Writes().Reset()
			result.Values = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func pessimisticLockKey(txn *mvcc.MvccTxn, req *PessimisticLockRequest, key []byte) (*kverrors.Error, []byte, error) {
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, nil, err
	}
	if lock != nil && lock.Ts != req.StartTs {
		return kverrors.KeyIsLocked(lock.Info(key)), nil, nil
	}

	write, commitTs, err := txn.MostRecentWrite(key)
	if err != nil {
		return nil, nil, err
	}
	if write != nil && commitTs > req.ForUpdateTs {
		return kverrors.WriteConflict(req.StartTs, commitTs, key), nil, nil
	}
	if write != nil && write.Kind == mvcc.WriteKindRollback && write.StartTs == req.StartTs {
		return kverrors.New(kverrors.CodeTxnLockNotFound, "txn %d rolled back on key %x", req.StartTs, key), nil, nil
	}

	if lock == nil || lock.ForUpdateTs < req.ForUpdateTs {
		txn.PutLock(key, &mvcc.Lock{
			Primary:     req.PrimaryLock,
			Ts:          req.StartTs,
			ForUpdateTs: req.ForUpdateTs,
			Kind:        mvcc.LockKindPessimistic,
			Ttl:         req.LockTtl,
		})
	}

	var value []byte
	if req.ReturnValues {
		readTxn := &mvcc.RoTxn{Reader: txn.Reader, StartTS: req.ForUpdateTs}
		value, err = readTxn.GetValue(key)
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, value, nil
}

// PessimisticRollback removes the pessimistic locks of (startTs,
// forUpdateTs) from keys. Missing locks are ignored.
func (e *Engine) PessimisticRollback(startTs, forUpdateTs uint64, keys [][]byte) error {
	return e.runTxn(startTs, keys, func(txn *mvcc.MvccTxn) error {
		for _, key := range keys {
			lock, err := txn.GetLock(key)
			if err != nil {
				return err
			}
			if lock != nil && lock.IsPessimistic() && lock.Ts == startTs && lock.ForUpdateTs <= forUpdateTs {
				txn.DeleteLock(key)
			}
		}
		return nil
	})
}
