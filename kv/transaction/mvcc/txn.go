package mvcc

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
)

// RoTxn reads transactional state from a consistent snapshot.
type RoTxn struct {
	Reader  engine_util.StorageReader
	StartTS uint64
}

// MvccTxn buffers the writes of one command for a single atomic batch. It
// lowers timestamps, locks, and write records into plain engine mutations.
type MvccTxn struct {
	RoTxn
	writes engine_util.WriteBatch
}

func NewTxn(reader engine_util.StorageReader, startTs uint64) *MvccTxn {
	return &MvccTxn{RoTxn: RoTxn{Reader: reader, StartTS: startTs}}
}

// Writes returns the buffered mutations of this transaction.
func (txn *MvccTxn) Writes() *engine_util.WriteBatch {
	return &txn.writes
}

// GetLock returns the lock on key, or (nil, nil) when the key is unlocked.
func (txn *RoTxn) GetLock(key []byte) (*Lock, error) {
	value, err := txn.Reader.GetCF(engine_util.CfLock, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return ParseLock(value)
}

// PutLock buffers a lock write for key.
func (txn *MvccTxn) PutLock(key []byte, lock *Lock) {
	txn.writes.SetCF(engine_util.CfLock, key, lock.ToBytes())
}

// DeleteLock buffers removal of the lock on key.
func (txn *MvccTxn) DeleteLock(key []byte) {
	txn.writes.DeleteCF(engine_util.CfLock, key)
}

// PutWrite buffers a write record at (key, ts).
func (txn *MvccTxn) PutWrite(key []byte, ts uint64, write *Write) {
	txn.writes.SetCF(engine_util.CfWrite, codec.EncodeKey(key, ts), write.ToBytes())
}

// DeleteWrite buffers removal of the write record at (key, ts).
func (txn *MvccTxn) DeleteWrite(key []byte, ts uint64) {
	txn.writes.DeleteCF(engine_util.CfWrite, codec.EncodeKey(key, ts))
}

// PutValue buffers the payload of this transaction at (key, StartTS).
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	txn.writes.SetCF(engine_util.CfData, codec.EncodeKey(key, txn.StartTS), codec.PackValue(codec.ValueFlagNormal, value))
}

// DeleteValue buffers removal of the payload at (key, StartTS).
func (txn *MvccTxn) DeleteValue(key []byte) {
	txn.writes.DeleteCF(engine_util.CfData, codec.EncodeKey(key, txn.StartTS))
}

// DataValue reads the payload written at (key, startTs).
func (txn *RoTxn) DataValue(key []byte, startTs uint64) ([]byte, error) {
	value, err := txn.Reader.GetCF(engine_util.CfData, codec.EncodeKey(key, startTs))
	if err != nil || value == nil {
		return nil, err
	}
	_, payload, err := codec.UnpackValue(value)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// MostRecentWrite finds the newest write record of key regardless of ts.
// It returns the record and its commit ts, or (nil, 0, nil).
func (txn *RoTxn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	return txn.mostRecentWriteBefore(key, codec.TsMax)
}

func (txn *RoTxn) mostRecentWriteBefore(key []byte, ts uint64) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{WithStart: true})
	defer iter.Close()

	iter.Seek(codec.EncodeKey(key, ts))
	if !iter.Valid() {
		return nil, 0, nil
	}
	item := iter.Item()
	userKey, commitTs, err := codec.DecodeKey(item.Key())
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(userKey, key) {
		return nil, 0, nil
	}
	value, err := item.Value()
	if err != nil {
		return nil, 0, err
	}
	write, err := ParseWrite(value)
	if err != nil {
		return nil, 0, err
	}
	return write, commitTs, nil
}

// CurrentWrite finds the write record of this transaction's StartTS on key,
// searching backwards through commit timestamps. It returns the record and
// its commit ts, or (nil, 0, nil) when the transaction left no record.
func (txn *RoTxn) CurrentWrite(key []byte) (*Write, uint64, error) {
	seekTs := codec.TsMax
	for {
		write, commitTs, err := txn.mostRecentWriteBefore(key, seekTs)
		if err != nil {
			return nil, 0, err
		}
		if write == nil {
			return nil, 0, nil
		}
		if write.StartTs == txn.StartTS {
			return write, commitTs, nil
		}
		if commitTs <= txn.StartTS {
			return nil, 0, nil
		}
		seekTs = commitTs - 1
	}
}

// GetValue finds the value of key visible at StartTS: the newest committed
// put at or below it, following write records down through rollbacks.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{WithStart: true})
	defer iter.Close()

	for iter.Seek(codec.EncodeKey(key, txn.StartTS)); iter.Valid(); iter.Next() {
		item := iter.Item()
		userKey, _, err := codec.DecodeKey(item.Key())
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(userKey, key) {
			return nil, nil
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		write, err := ParseWrite(value)
		if err != nil {
			return nil, err
		}
		switch write.Kind {
		case WriteKindPut:
			if write.ShortValue != nil {
				return write.ShortValue, nil
			}
			return txn.DataValue(key, write.StartTs)
		case WriteKindDelete:
			return nil, nil
		case WriteKindRollback, WriteKindLock:
			// Not a data-bearing record; keep looking at older versions.
		}
	}
	return nil, nil
}
