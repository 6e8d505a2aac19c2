package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// WriteKind is the terminal state a write record marks.
type WriteKind byte

const (
	WriteKindPut WriteKind = iota + 1
	WriteKindDelete
	WriteKindRollback
	WriteKindLock
)

// Write is one row of the write column family, stored at (key, commitTs).
// It is the durable marker that a transaction reached a terminal state for
// this key; GC is the only thing that removes it.
type Write struct {
	StartTs uint64
	Kind    WriteKind
	// ShortValue carries the payload inline when the lock did.
	ShortValue []byte
}

func (wr *Write) ToBytes() []byte {
	buf := make([]byte, 0, 9+4+len(wr.ShortValue))
	buf = append(buf, byte(wr.Kind))
	buf = appendUint64(buf, wr.StartTs)
	buf = appendBytes(buf, wr.ShortValue)
	return buf
}

// ParseWrite decodes a write CF value.
func ParseWrite(value []byte) (*Write, error) {
	if len(value) < 13 {
		return nil, errors.Errorf("parsing write record: need at least 13 bytes, found %d", len(value))
	}
	wr := &Write{
		Kind:    WriteKind(value[0]),
		StartTs: binary.BigEndian.Uint64(value[1:]),
	}
	sv, _, err := takeBytes(value[9:])
	if err != nil {
		return nil, errors.Annotate(err, "parsing write record short value")
	}
	wr.ShortValue = sv
	return wr, nil
}

// CommitKind maps a lock kind to the write kind commit records for it.
func (kind LockKind) CommitKind() WriteKind {
	switch kind {
	case LockKindPut:
		return WriteKindPut
	case LockKindDelete:
		return WriteKindDelete
	default:
		return WriteKindLock
	}
}
