package codec

import (
	"github.com/pingcap/errors"
)

// ValueFlag is the first byte of every packed value.
type ValueFlag byte

const (
	// ValueFlagNormal marks a plain payload.
	ValueFlagNormal ValueFlag = 0
	// ValueFlagDelete marks a tombstone; the payload is empty.
	ValueFlagDelete ValueFlag = 1
	// ValueFlagExt marks a payload with further framing that the codec does
	// not interpret.
	ValueFlagExt ValueFlag = 2
)

// PackValue prefixes payload with its flag byte. The payload itself is
// opaque to the codec.
func PackValue(flag ValueFlag, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, byte(flag))
	return append(buf, payload...)
}

// UnpackValue splits a packed value into flag and payload.
func UnpackValue(value []byte) (ValueFlag, []byte, error) {
	if len(value) == 0 {
		return 0, nil, errors.New("packed value is empty")
	}
	flag := ValueFlag(value[0])
	switch flag {
	case ValueFlagNormal, ValueFlagDelete, ValueFlagExt:
		return flag, value[1:], nil
	default:
		return 0, nil, errors.Errorf("unknown value flag %d", value[0])
	}
}

// IsTombstone reports whether a packed value marks a deletion.
func IsTombstone(value []byte) bool {
	return len(value) > 0 && ValueFlag(value[0]) == ValueFlagDelete
}
