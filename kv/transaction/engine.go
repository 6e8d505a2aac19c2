package transaction

import (
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/transaction/latches"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// shortValueMaxLen caps payloads inlined into lock and write records.
const shortValueMaxLen = 64

// WriteFn applies one atomic batch. The region engine installs a function
// that proposes the batch through replication; standalone engines write
// straight to the DB.
type WriteFn func(wb *engine_util.WriteBatch) error

// Engine runs the two-phase-commit state machine over the lock, write, and
// data column families. Commands compute their mutations against a
// snapshot under per-key latches, then hand one atomic batch to the
// writer.
type Engine struct {
	db      engine_util.DB
	latches *latches.Latches
	write   WriteFn
}

func NewEngine(db engine_util.DB, write WriteFn) *Engine {
	if write == nil {
		write = db.Write
	}
	return &Engine{
		db:      db,
		latches: latches.NewLatches(),
		write:   write,
	}
}

// Get reads key at startTs, failing with KEY_IS_LOCKED when a concurrent
// transaction may commit below the read point.
func (e *Engine) Get(startTs uint64, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kverrors.New(kverrors.CodeKeyEmpty, "empty key")
	}
	snap := e.db.NewSnapshot()
	defer snap.Close()
	txn := &mvcc.RoTxn{Reader: snap, StartTS: startTs}

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Ts <= startTs && !lock.IsPessimistic() {
		return nil, kverrors.KeyIsLocked(lock.Info(key))
	}
	return txn.GetValue(key)
}

// Scan returns up to limit visible pairs of [startKey, endKey) at startTs.
// limit 0 means unbounded.
func (e *Engine) Scan(startTs uint64, startKey, endKey []byte, limit int) ([]mvcc.KvPair, error) {
	snap := e.db.NewSnapshot()
	defer snap.Close()
	txn := &mvcc.RoTxn{Reader: snap, StartTS: startTs}

	scanner := mvcc.NewScanner(txn, startKey, endKey)
	defer scanner.Close()

	var pairs []mvcc.KvPair
	for limit <= 0 || len(pairs) < limit {
		key, value, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if key == nil {
			break
		}
		pairs = append(pairs, mvcc.KvPair{Key: key, Value: value})
	}
	return pairs, nil
}

// runTxn latches keys, runs body against a fresh snapshot, and applies the
// buffered batch when body succeeds.
func (e *Engine) runTxn(startTs uint64, keys [][]byte, body func(txn *mvcc.MvccTxn) error) error {
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	snap := e.db.NewSnapshot()
	defer snap.Close()

	txn := mvcc.NewTxn(snap, startTs)
	if err := body(txn); err != nil {
		return err
	}
	if txn.Writes().Len() == 0 {
		return nil
	}
	return e.write(txn.Writes())
}
