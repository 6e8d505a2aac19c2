package transaction

import (
	"bytes"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
)

// gcBatchSize bounds the mutations of one GC flush.
const gcBatchSize = 256

// GC reclaims versions committed at or before safePointTs, keeping the
// newest committed version per key at or below the safe point. Rollback
// fences at or below the safe point are dropped. Locks are untouched; stale
// locks need a separate resolve cycle. Per-key failures are logged and the
// sweep continues.
func (e *Engine) GC(safePointTs uint64) error {
	snap := e.db.NewSnapshot()
	defer snap.Close()

	iter := snap.IterCF(engine_util.CfWrite, engine_util.IterOptions{WithStart: true})
	defer iter.Close()

	wb := new(engine_util.WriteBatch)
	var (
		currentKey []byte
		keptOne    bool
		errCount   int
	)

	flush := func() error {
		if wb.Len() == 0 {
			return nil
		}
		if err := e.write(wb); err != nil {
			return err
		}
		wb.Reset()
		return nil
	}

	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		item := iter.Item()
		userKey, commitTs, err := codec.DecodeKey(item.Key())
		if err != nil {
			log.Error("gc: skip corrupt write key", zap.String("key", codec.ToHex(item.Key())), zap.Error(err))
			errCount++
			continue
		}
		if !bytes.Equal(userKey, currentKey) {
			currentKey = append(currentKey[:0], userKey...)
			keptOne = false
		}
		if commitTs > safePointTs {
			continue
		}

		value, err := item.Value()
		if err != nil {
			log.Error("gc: read write record", zap.String("key", codec.ToHex(item.Key())), zap.Error(err))
			errCount++
			continue
		}
		write, err := mvcc.ParseWrite(value)
		if err != nil {
			log.Error("gc: parse write record", zap.String("key", codec.ToHex(item.Key())), zap.Error(err))
			errCount++
			continue
		}

		switch write.Kind {
		case mvcc.WriteKindRollback, mvcc.WriteKindLock:
			// Fences and lock markers below the safe point carry no data.
			wb.DeleteCF(engine_util.CfWrite, codec.EncodeKey(userKey, commitTs))
		case mvcc.WriteKindPut, mvcc.WriteKindDelete:
			if !keptOne {
				// Newest committed version at or below the safe point stays.
				keptOne = true
				continue
			}
			wb.DeleteCF(engine_util.CfWrite, codec.EncodeKey(userKey, commitTs))
			wb.DeleteCF(engine_util.CfData, codec.EncodeKey(userKey, write.StartTs))
		}

		if wb.Len() >= gcBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if errCount > 0 {
		log.Warn("gc finished with skipped keys", zap.Int("skipped", errCount), zap.Uint64("safe_point", safePointTs))
	}
	return nil
}
