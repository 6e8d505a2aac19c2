package transaction

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// Commit finishes a prewritten transaction on keys, converting each lock
// into a write record at commitTs. A commit that finds its own write record
// already in place succeeds.
func (e *Engine) Commit(startTs, commitTs uint64, keys [][]byte) error {
	if commitTs <= startTs {
		return kverrors.New(kverrors.CodeIllegalParameters, "commit_ts %d must be greater than start_ts %d", commitTs, startTs)
	}
	return e.runTxn(startTs, keys, func(txn *mvcc.MvccTxn) error {
		for _, key := range keys {
			if err := commitKey(txn, key, startTs, commitTs); err != nil {
				return err
			}
		}
		return nil
	})
}

func commitKey(txn *mvcc.MvccTxn, key []byte, startTs, commitTs uint64) error {
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock == nil {
		// The lock may already be resolved; check for our own terminal
		// record at commitTs.
		write, _, err := txn.CurrentWrite(key)
		if err != nil {
			return err
		}
		if write != nil && write.StartTs == startTs && write.Kind != mvcc.WriteKindRollback {
			log.Debug("repeated commit", zap.Uint64("start_ts", startTs), zap.Binary("key", key))
			return nil
		}
		if write != nil && write.Kind == mvcc.WriteKindRollback {
			return kverrors.New(kverrors.CodeTxnLockNotFound, "txn %d rolled back on key %x", startTs, key)
		}
		return kverrors.New(kverrors.CodeTxnNotFound, "no lock or write for txn %d on key %x", startTs, key)
	}
	if lock.Ts != startTs {
		return kverrors.New(kverrors.CodeTxnLockNotFound, "lock on %x belongs to txn %d, not %d", key, lock.Ts, startTs)
	}
	if lock.MinCommitTs > commitTs {
		return kverrors.New(kverrors.CodeIllegalParameters, "commit_ts %d below lock min_commit_ts %d", commitTs, lock.MinCommitTs)
	}

	write := &mvcc.Write{StartTs: startTs, Kind: lock.Kind.CommitKind(), ShortValue: lock.ShortValue}
	txn.PutWrite(key, commitTs, write)
	txn.DeleteLock(key)
	return nil
}

// Rollback aborts a transaction on keys. A rollback record blocks any late
// commit or prewrite of startTs; rolling back an already rolled-back key is
// a success.
func (e *Engine) Rollback(startTs uint64, keys [][]byte) error {
	return e.runTxn(startTs, keys, func(txn *mvcc.MvccTxn) error {
		for _, key := range keys {
			if err := rollbackKey(txn, key, startTs); err != nil {
				return err
			}
		}
		return nil
	})
}

func rollbackKey(txn *mvcc.MvccTxn, key []byte, startTs uint64) error {
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.Ts == startTs {
		txn.DeleteLock(key)
		txn.DeleteValue(key)
		txn.PutWrite(key, startTs, &mvcc.Write{StartTs: startTs, Kind: mvcc.WriteKindRollback})
		return nil
	}

	write, _, err := txn.CurrentWrite(key)
	if err != nil {
		return err
	}
	if write != nil {
		if write.Kind == mvcc.WriteKindRollback {
			log.Debug("repeated rollback", zap.Uint64("start_ts", startTs), zap.Binary("key", key))
			return nil
		}
		return kverrors.New(kverrors.CodeIllegalParameters, "txn %d already committed on key %x", startTs, key)
	}

	// No lock and no record: leave a rollback marker to fence a late
	// prewrite.
	txn.PutWrite(key, startTs, &mvcc.Write{StartTs: startTs, Kind: mvcc.WriteKindRollback})
	return nil
}
