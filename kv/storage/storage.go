package storage

import (
	"context"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/raftstore"
	"github.com/yuhaijun999/dingo-store/kv/transaction"
)

// ReadOps, WriteOps, and TxnOps are the three capability records of an
// engine kind. Each kind installs plain function members; there is no
// further dispatch layering.
type ReadOps struct {
	KvGet    func(cf string, ts uint64, key []byte) ([]byte, error)
	KvScan   func(cf string, ts uint64, startKey, endKey []byte) ([]mvcc.KeyValue, error)
	KvCount  func(cf string, ts uint64, startKey, endKey []byte) (int64, error)
	KvMinKey func(cf string, ts uint64, startKey, endKey []byte) ([]byte, error)
	KvMaxKey func(cf string, ts uint64, startKey, endKey []byte) ([]byte, error)
}

type WriteOps struct {
	KvPut    func(ctx context.Context, key, value []byte) error
	KvDelete func(ctx context.Context, key []byte) error
}

type TxnOps struct {
	Prewrite            func(regionID uint64, req *transaction.PrewriteRequest) (*transaction.PrewriteResult, error)
	Commit              func(regionID uint64, startTs, commitTs uint64, keys [][]byte) error
	Rollback            func(regionID uint64, startTs uint64, keys [][]byte) error
	PessimisticLock     func(regionID uint64, req *transaction.PessimisticLockRequest) (*transaction.PessimisticLockResult, error)
	PessimisticRollback func(regionID uint64, startTs, forUpdateTs uint64, keys [][]byte) error
	CheckTxnStatus      func(regionID uint64, primary []byte, lockTs, callerStartTs, currentTs uint64, forceSyncCommit bool) (*transaction.TxnStatus, error)
	CheckSecondaryLocks func(regionID uint64, keys [][]byte, startTs uint64) (*transaction.SecondaryStatus, error)
	ScanLocks           func(regionID uint64, maxTs uint64, limit int) ([]*kverrors.LockInfo, error)
	ResolveLock         func(regionID uint64, startTs, commitTs uint64, keys [][]byte) error
	TxnHeartBeat        func(regionID uint64, primary []byte, startTs, adviseTtl uint64) (uint64, error)
	Get                 func(regionID uint64, startTs uint64, key []byte) ([]byte, error)
	Scan                func(regionID uint64, startTs uint64, startKey, endKey []byte, limit int) ([]mvcc.KvPair, error)
	GC                  func(regionID uint64, safePointTs uint64) error
}

// Storage is the entry point of one store node: reads at a timestamp, raw
// versioned writes routed through region replication, and the
// transactional surface.
type Storage struct {
	Read  ReadOps
	Write WriteOps
	Txn   TxnOps

	db    engine_util.DB
	store *raftstore.Store
	ts    *mvcc.TsProvider
}

// New wires the capability records for the store's engine kinds. Raw
// writes locate the covering region and ride its replication path.
func New(db engine_util.DB, store *raftstore.Store, ts *mvcc.TsProvider) *Storage {
	s := &Storage{db: db, store: store, ts: ts}
	reader := mvcc.NewReader(s.db)

	s.Read = ReadOps{
		KvGet:    reader.KvGet,
		KvScan:   reader.KvScan,
		KvCount:  reader.KvCount,
		KvMinKey: reader.KvMinKey,
		KvMaxKey: reader.KvMaxKey,
	}
	s.Write = WriteOps{
		KvPut: func(ctx context.Context, key, value []byte) error {
			return s.rawWrite(ctx, key, codec.ValueFlagNormal, value)
		},
		KvDelete: func(ctx context.Context, key []byte) error {
			return s.rawWrite(ctx, key, codec.ValueFlagDelete, nil)
		},
	}
	s.Txn = TxnOps{
		Prewrite: func(regionID uint64, req *transaction.PrewriteRequest) (*transaction.PrewriteResult, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.Prewrite(req)
		},
		Commit: func(regionID uint64, startTs, commitTs uint64, keys [][]byte) error {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return err
			}
			return engine.Commit(startTs, commitTs, keys)
		},
		Rollback: func(regionID uint64, startTs uint64, keys [][]byte) error {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return err
			}
			return engine.Rollback(startTs, keys)
		},
		PessimisticLock: func(regionID uint64, req *transaction.PessimisticLockRequest) (*transaction.PessimisticLockResult, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.PessimisticLock(req)
		},
		PessimisticRollback: func(regionID uint64, startTs, forUpdateTs uint64, keys [][]byte) error {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return err
			}
			return engine.PessimisticRollback(startTs, forUpdateTs, keys)
		},
		CheckTxnStatus: func(regionID uint64, primary []byte, lockTs, callerStartTs, currentTs uint64, forceSyncCommit bool) (*transaction.TxnStatus, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.CheckTxnStatus(primary, lockTs, callerStartTs, currentTs, forceSyncCommit)
		},
		CheckSecondaryLocks: func(regionID uint64, keys [][]byte, startTs uint64) (*transaction.SecondaryStatus, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.CheckSecondaryLocks(keys, startTs)
		},
		ScanLocks: func(regionID uint64, maxTs uint64, limit int) ([]*kverrors.LockInfo, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.ScanLocks(maxTs, limit)
		},
		ResolveLock: func(regionID uint64, startTs, commitTs uint64, keys [][]byte) error {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return err
			}
			return engine.ResolveLock(startTs, commitTs, keys)
		},
		TxnHeartBeat: func(regionID uint64, primary []byte, startTs, adviseTtl uint64) (uint64, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return 0, err
			}
			return engine.TxnHeartBeat(primary, startTs, adviseTtl)
		},
		Get: func(regionID uint64, startTs uint64, key []byte) ([]byte, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.Get(startTs, key)
		},
		Scan: func(regionID uint64, startTs uint64, startKey, endKey []byte, limit int) ([]mvcc.KvPair, error) {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return nil, err
			}
			return engine.Scan(startTs, startKey, endKey, limit)
		},
		GC: func(regionID uint64, safePointTs uint64) error {
			engine, err := store.TxnEngine(regionID)
			if err != nil {
				return err
			}
			return engine.GC(safePointTs)
		},
	}
	return s
}

// GetTs allocates a fresh timestamp.
func (s *Storage) GetTs() (uint64, error) {
	return s.ts.GetTs(0)
}

// RawGet reads the newest raw value of key.
func (s *Storage) RawGet(key []byte) ([]byte, error) {
	ts, err := s.ts.GetTs(0)
	if err != nil {
		return nil, err
	}
	return s.Read.KvGet(engine_util.CfDefault, ts, key)
}

// rawWrite versions a raw mutation at a fresh timestamp and proposes it to
// the covering region.
func (s *Storage) rawWrite(ctx context.Context, key []byte, flag codec.ValueFlag, value []byte) error {
	if len(key) == 0 {
		return kverrors.New(kverrors.CodeKeyEmpty, "empty key")
	}
	h, err := s.store.Registry().FindByKey(key)
	if err != nil {
		return err
	}
	ts, err := s.ts.GetTs(0)
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfDefault, codec.EncodeKey(key, ts), codec.PackValue(flag, value))
	return s.store.Write(ctx, h.ID(), wb)
}

// EngineKindOf reports the engine kind covering key, mostly for
// inspection.
func (s *Storage) EngineKindOf(key []byte) (meta.StoreEngineKind, error) {
	h, err := s.store.Registry().FindByKey(key)
	if err != nil {
		return "", err
	}
	return h.Meta().StoreEngine, nil
}
