package transaction

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// TxnAction is the outcome of a CheckTxnStatus probe.
type TxnAction byte

const (
	// TxnActionNone: the transaction committed; CommitTs is set.
	TxnActionNone TxnAction = iota
	// TxnActionLockAlive: the primary lock is live; LockTtl is set.
	TxnActionLockAlive
	// TxnActionTTLExpireRollback: the primary lock outlived its TTL and was
	// rolled back.
	TxnActionTTLExpireRollback
	// TxnActionRolledBack: a rollback record already existed.
	TxnActionRolledBack
	// TxnActionLockNotExistRollback: neither lock nor record existed; a
	// rollback marker was written to fence late prewrites.
	TxnActionLockNotExistRollback
)

// TxnStatus is the result of CheckTxnStatus.
type TxnStatus struct {
	Action   TxnAction
	CommitTs uint64
	LockTtl  uint64
}

func physicalMs(ts uint64) uint64 {
	return ts >> 18
}

// CheckTxnStatus probes the primary key of a transaction and resolves
// expired state. ForceSyncCommit is accepted for client compatibility and
// has no effect.
func (e *Engine) CheckTxnStatus(primary []byte, lockTs, callerStartTs, currentTs uint64, forceSyncCommit bool) (*TxnStatus, error) {
	_ = forceSyncCommit
	if callerStartTs == 0 && currentTs == 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "check_txn_status needs caller_start_ts or current_ts")
	}

	status := &TxnStatus{}
	err := e.runTxn(lockTs, [][]byte{primary}, func(txn *mvcc.MvccTxn) error {
		lock, err := txn.GetLock(primary)
		if err != nil {
			return err
		}
		if lock != nil && lock.Ts == lockTs {
			if physicalMs(lockTs)+lock.Ttl < physicalMs(currentTs) {
				// The primary expired; roll it back so secondaries resolve.
				log.Info("primary lock expired",
					zap.Uint64("lock_ts", lockTs),
					zap.Uint64("ttl", lock.Ttl),
					zap.Binary("primary", primary))
				txn.DeleteLock(primary)
				txn.DeleteValue(primary)
				txn.PutWrite(primary, lockTs, &mvcc.Write{StartTs: lockTs, Kind: mvcc.WriteKindRollback})
				status.Action = TxnActionTTLExpireRollback
				return nil
			}
			status.Action = TxnActionLockAlive
			status.LockTtl = lock.Ttl
			return nil
		}

		write, commitTs, err := txn.CurrentWrite(primary)
		if err != nil {
			return err
		}
		if write != nil {
			if write.Kind == mvcc.WriteKindRollback {
				status.Action = TxnActionRolledBack
				return nil
			}
			status.Action = TxnActionNone
			status.CommitTs = commitTs
			return nil
		}

		// Nothing recorded for this transaction; fence it.
		txn.PutWrite(primary, lockTs, &mvcc.Write{StartTs: lockTs, Kind: mvcc.WriteKindRollback})
		status.Action = TxnActionLockNotExistRollback
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// SecondaryStatus is the result of CheckSecondaryLocks.
type SecondaryStatus struct {
	// Locks holds the still-live locks of the transaction, one per locked
	// key probed.
	Locks []*kverrors.LockInfo
	// CommitTs is non-zero when any probed key already committed.
	CommitTs uint64
	// RolledBack is set when any probed key carries a rollback record.
	RolledBack bool
}

// CheckSecondaryLocks collects the lock state of secondaries for a decided
// primary. Keys with neither lock nor record get a rollback fence.
func (e *Engine) CheckSecondaryLocks(keys [][]byte, startTs uint64) (*SecondaryStatus, error) {
	status := &SecondaryStatus{}
	err := e.runTxn(startTs, keys, func(txn *mvcc.MvccTxn) error {
		for _, key := range keys {
			lock, err := txn.GetLock(key)
			if err != nil {
				return err
			}
			if lock != nil && lock.Ts == startTs {
				status.Locks = append(status.Locks, lock.Info(key))
				continue
			}
			write, commitTs, err := txn.CurrentWrite(key)
			if err != nil {
				return err
			}
			if write != nil {
				if write.Kind == mvcc.WriteKindRollback {
					status.RolledBack = true
				} else {
					status.CommitTs = commitTs
				}
				continue
			}
			txn.PutWrite(key, startTs, &mvcc.Write{StartTs: startTs, Kind: mvcc.WriteKindRollback})
			status.RolledBack = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// ResolveLock finishes every given key of a decided transaction: commit
// when commitTs > 0, rollback when commitTs == 0. Empty keys resolves every
// lock of the transaction found in the lock CF.
func (e *Engine) ResolveLock(startTs, commitTs uint64, keys [][]byte) error {
	if len(keys) == 0 {
		var err error
		keys, err = e.lockedKeysOf(startTs)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
	}
	if commitTs > 0 {
		return e.Commit(startTs, commitTs, keys)
	}
	return e.Rollback(startTs, keys)
}

// ScanLocks collects up to limit locks with start ts at or below maxTs,
// feeding the scan half of the stale-lock resolve cycle. limit 0 means
// unbounded.
func (e *Engine) ScanLocks(maxTs uint64, limit int) ([]*kverrors.LockInfo, error) {
	snap := e.db.NewSnapshot()
	defer snap.Close()

	var locks []*kverrors.LockInfo
	iter := snap.IterCF(engine_util.CfLock, engine_util.IterOptions{WithStart: true})
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if limit > 0 && len(locks) >= limit {
			break
		}
		item := iter.Item()
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := mvcc.ParseLock(value)
		if err != nil {
			return nil, err
		}
		if lock.Ts <= maxTs {
			locks = append(locks, lock.Info(item.KeyCopy(nil)))
		}
	}
	return locks, nil
}

func (e *Engine) lockedKeysOf(startTs uint64) ([][]byte, error) {
	snap := e.db.NewSnapshot()
	defer snap.Close()

	var keys [][]byte
	iter := snap.IterCF(engine_util.CfLock, engine_util.IterOptions{WithStart: true})
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		item := iter.Item()
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := mvcc.ParseLock(value)
		if err != nil {
			return nil, err
		}
		if lock.Ts == startTs {
			keys = append(keys, item.KeyCopy(nil))
		}
	}
	return keys, nil
}

// TxnHeartBeat extends the TTL of a live primary lock. It fails with
// TXN_LOCK_NOT_FOUND when the lock is gone or owned by another
// transaction.
func (e *Engine) TxnHeartBeat(primary []byte, startTs, adviseTtl uint64) (uint64, error) {
	var ttl uint64
	err := e.runTxn(startTs, [][]byte{primary}, func(txn *mvcc.MvccTxn) error {
		lock, err := txn.GetLock(primary)
		if err != nil {
			return err
		}
		if lock == nil || lock.Ts != startTs {
			return kverrors.New(kverrors.CodeTxnLockNotFound, "no live lock for txn %d on primary %x", startTs, primary)
		}
		if adviseTtl > lock.Ttl {
			lock.Ttl = adviseTtl
			txn.PutLock(primary, lock)
		}
		ttl = lock.Ttl
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ttl, nil
}
