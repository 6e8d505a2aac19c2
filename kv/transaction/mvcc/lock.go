package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// LockKind records what operation a lock protects.
type LockKind byte

const (
	LockKindPut LockKind = iota + 1
	LockKindDelete
	LockKindLock
	LockKindPessimistic
)

// Lock is one row of the lock column family. A key has at most one lock at
// any moment; the lock CF is not versioned.
type Lock struct {
	Primary     []byte
	Ts          uint64
	ForUpdateTs uint64
	Kind        LockKind
	Ttl         uint64
	TxnSize     uint64
	MinCommitTs uint64
	Secondaries [][]byte
	// ShortValue inlines small payloads so commit can skip the data CF.
	ShortValue []byte
	// ExtraData is opaque client data carried through the lock lifetime.
	ExtraData []byte
}

// Info converts the lock into its client-visible form for conflict errors.
func (lock *Lock) Info(key []byte) *kverrors.LockInfo {
	return &kverrors.LockInfo{
		PrimaryLock: lock.Primary,
		LockTs:      lock.Ts,
		Key:         key,
		LockTTL:     lock.Ttl,
		TxnSize:     lock.TxnSize,
		ForUpdateTs: lock.ForUpdateTs,
		MinCommitTs: lock.MinCommitTs,
	}
}

// IsPessimistic reports whether this is an unpledged pessimistic lock.
func (lock *Lock) IsPessimistic() bool {
	return lock.Kind == LockKindPessimistic
}

const lockHdrLen = 1 + 8*5

func (lock *Lock) ToBytes() []byte {
	size := lockHdrLen + 4 + len(lock.Primary) + 4 + len(lock.ShortValue) + 4
	for _, s := range lock.Secondaries {
		size += 4 + len(s)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(lock.Kind))
	buf = appendUint64(buf, lock.Ts)
	buf = appendUint64(buf, lock.ForUpdateTs)
	buf = appendUint64(buf, lock.MinCommitTs)
	buf = appendUint64(buf, lock.Ttl)
	buf = appendUint64(buf, lock.TxnSize)
	buf = appendBytes(buf, lock.Primary)
	buf = appendBytes(buf, lock.ShortValue)
	buf = appendBytes(buf, lock.ExtraData)
	buf = appendUint32(buf, uint32(len(lock.Secondaries)))
	for _, s := range lock.Secondaries {
		buf = appendBytes(buf, s)
	}
	return buf
}

// ParseLock decodes a lock CF value.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) < lockHdrLen {
		return nil, errors.Errorf("parsing lock: need at least %d bytes, found %d", lockHdrLen, len(input))
	}
	lock := &Lock{Kind: LockKind(input[0])}
	rest := input[1:]
	lock.Ts = binary.BigEndian.Uint64(rest)
	lock.ForUpdateTs = binary.BigEndian.Uint64(rest[8:])
	lock.MinCommitTs = binary.BigEndian.Uint64(rest[16:])
	lock.Ttl = binary.BigEndian.Uint64(rest[24:])
	lock.TxnSize = binary.BigEndian.Uint64(rest[32:])
	rest = rest[40:]

	var err error
	if lock.Primary, rest, err = takeBytes(rest); err != nil {
		return nil, errors.Annotate(err, "parsing lock primary")
	}
	if lock.ShortValue, rest, err = takeBytes(rest); err != nil {
		return nil, errors.Annotate(err, "parsing lock short value")
	}
	if lock.ExtraData, rest, err = takeBytes(rest); err != nil {
		return nil, errors.Annotate(err, "parsing lock extra data")
	}
	count, rest, err := takeUint32(rest)
	if err != nil {
		return nil, errors.Annotate(err, "parsing lock secondaries")
	}
	for i := uint32(0); i < count; i++ {
		var s []byte
		if s, rest, err = takeBytes(rest); err != nil {
			return nil, errors.Annotate(err, "parsing lock secondaries")
		}
		lock.Secondaries = append(lock.Secondaries, s)
	}
	return lock, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func takeUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errors.New("truncated input")
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}

func takeBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := takeUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < int(n) {
		return nil, nil, errors.New("truncated input")
	}
	if n == 0 {
		return nil, rest, nil
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}
