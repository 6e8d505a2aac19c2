package transaction

import (
	"bytes"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// MutationOp is the operation one prewrite mutation performs.
type MutationOp byte

const (
	MutationPut MutationOp = iota + 1
	MutationDelete
	MutationLock
)

// Mutation is one key's pending change in a prewrite request.
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
	// Pessimistic marks that this key was locked by an earlier
	// pessimistic-lock request which prewrite must find in place.
	Pessimistic bool
	// ForUpdateTsCheck, when non-zero, requires the found pessimistic
	// lock's for_update_ts to be at least this value.
	ForUpdateTsCheck uint64
}

// PrewriteRequest carries the first phase of two-phase commit.
type PrewriteRequest struct {
	Mutations   []Mutation
	PrimaryLock []byte
	StartTs     uint64
	LockTtl     uint64
	TxnSize     uint64
	MinCommitTs uint64
	MaxCommitTs uint64
	TryOnePc    bool
	ForUpdateTs uint64
	// Secondaries is set on the primary's prewrite only.
	Secondaries   [][]byte
	LockExtraData []byte
}

// PrewriteResult reports per-key conflicts. A request succeeds when
// KeyErrors is empty. OnePcCommitTs is non-zero when the request committed
// in one phase.
type PrewriteResult struct {
	KeyErrors     []*kverrors.Error
	OnePcCommitTs uint64
}

func (op MutationOp) lockKind() mvcc.LockKind {
	switch op {
	case MutationPut:
		return mvcc.LockKindPut
	case MutationDelete:
		return mvcc.LockKindDelete
	default:
		return mvcc.LockKindLock
	}
}

// Prewrite validates and locks every mutation, buffering lock and data
// writes into one atomic batch. A repeated prewrite finding its own lock is
// a success.
func (e *Engine) Prewrite(req *PrewriteRequest) (*PrewriteResult, error) {
	if req.StartTs == 0 || len(req.PrimaryLock) == 0 || len(req.Mutations) == 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "prewrite needs start_ts, primary lock, and mutations")
	}
	for _, m := range req.Mutations {
		if len(m.Key) == 0 {
			return nil, kverrors.New(kverrors.CodeKeyEmpty, "empty mutation key")
		}
	}

	keys := make([][]byte, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		keys = append(keys, m.Key)
	}

	result := &PrewriteResult{}
	err := e.runTxn(req.StartTs, keys, func(txn *mvcc.MvccTxn) error {
		for i := range req.Mutations {
			keyErr, err := e.prewriteMutation(txn, req, &req.Mutations[i])
			if err != nil {
				return err
			}
			if keyErr != nil {
				result.KeyErrors = append(result.KeyErrors, keyErr)
			}
		}
		if len(result.KeyErrors) > 0 {
			// Nothing is written when any key conflicts.
			txn.Writes().Reset()
			return nil
		}
		if req.TryOnePc {
			if commitTs, ok := e.tryOnePc(txn, req); ok {
				result.OnePcCommitTs = commitTs
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) prewriteMutation(txn *mvcc.MvccTxn, req *PrewriteRequest, m *Mutation) (*kverrors.Error, error) {
	lock, err := txn.GetLock(m.Key)
	if err != nil {
		return nil, err
	}

	if m.Pessimistic {
		// The pessimistic path must find its own lock already in place.
		if lock == nil {
			return kverrors.New(kverrors.CodePessimisticLockNotFound, "no pessimistic lock on %x for txn %d", m.Key, req.StartTs), nil
		}
		if lock.Ts != req.StartTs {
			return kverrors.KeyIsLocked(lock.Info(m.Key)), nil
		}
		if lock.IsPessimistic() && lock.ForUpdateTs < m.ForUpdateTsCheck {
			return kverrors.New(kverrors.CodePessimisticLockNotFound,
				"pessimistic lock on %x has for_update_ts %d, need at least %d", m.Key, lock.ForUpdateTs, m.ForUpdateTsCheck), nil
		}
	} else {
		write, commitTs, err := txn.MostRecentWrite(m.Key)
		if err != nil {
			return nil, err
		}
		if write != nil && commitTs >= req.StartTs {
			return kverrors.WriteConflict(req.StartTs, commitTs, m.Key), nil
		}
		if lock != nil && lock.Ts != req.StartTs {
			return kverrors.KeyIsLocked(lock.Info(m.Key)), nil
		}
		if lock != nil && lock.Ts == req.StartTs && !lock.IsPessimistic() {
			// Retried prewrite that already holds its lock.
			log.Debug("repeated prewrite", zap.Uint64("start_ts", req.StartTs), zap.Binary("key", m.Key))
			return nil, nil
		}
	}

	newLock := &mvcc.Lock{
		Primary:     req.PrimaryLock,
		Ts:          req.StartTs,
		ForUpdateTs: req.ForUpdateTs,
		Kind:        m.Op.lockKind(),
		Ttl:         req.LockTtl,
		TxnSize:     req.TxnSize,
		MinCommitTs: req.MinCommitTs,
		ExtraData:   req.LockExtraData,
	}
	if bytes.Equal(m.Key, req.PrimaryLock) {
		newLock.Secondaries = req.Secondaries
	}
	if m.Op == MutationPut {
		// Empty values go through the data family; a zero-length short
		// value is indistinguishable from "none" on the wire.
		if len(m.Value) > 0 && len(m.Value) <= shortValueMaxLen {
			newLock.ShortValue = m.Value
		} else {
			txn.PutValue(m.Key, m.Value)
		}
	}
	txn.PutLock(m.Key, newLock)
	return nil, nil
}

// tryOnePc converts a fully-validated prewrite straight into commit
// records, skipping the lock phase. It backs off to two-phase when the
// commit ts would exceed MaxCommitTs.
func (e *Engine) tryOnePc(txn *mvcc.MvccTxn, req *PrewriteRequest) (uint64, bool) {
	commitTs := req.StartTs + 1
	if req.MinCommitTs > commitTs {
		commitTs = req.MinCommitTs
	}
	if req.MaxCommitTs != 0 && commitTs > req.MaxCommitTs {
		return 0, false
	}
	txn.Writes().Reset()
	for i := range req.Mutations {
		m := &req.Mutations[i]
		write := &mvcc.Write{StartTs: req.StartTs, Kind: m.Op.lockKind().CommitKind()}
		if m.Op == MutationPut {
			if len(m.Value) > 0 && len(m.Value) <= shortValueMaxLen {
				write.ShortValue = m.Value
			} else {
				txn.PutValue(m.Key, m.Value)
			}
		}
		txn.PutWrite(m.Key, commitTs, write)
	}
	return commitTs, true
}
