package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pingcap/errors"
)

// TsMax is the largest assignable timestamp. Ts 0 is reserved as "unset".
const TsMax uint64 = ^uint64(0)

const tsLen = 8

// EncodeKey appends an inverted big-endian timestamp to a plain key so that
// versions of the same key sort newest-first: for a fixed plain key,
// EncodeKey(k, t1) < EncodeKey(k, t2) iff t1 > t2.
func EncodeKey(plainKey []byte, ts uint64) []byte {
	buf := make([]byte, 0, len(plainKey)+tsLen)
	buf = append(buf, plainKey...)
	return AppendTs(buf, ts)
}

// AppendTs appends the inverted timestamp suffix to an already-built key.
func AppendTs(key []byte, ts uint64) []byte {
	buf := make([]byte, tsLen)
	binary.BigEndian.PutUint64(buf, ^ts)
	return append(key, buf...)
}

// DecodeKey splits an encoded key into its plain key and timestamp.
func DecodeKey(encodedKey []byte) ([]byte, uint64, error) {
	if len(encodedKey) <= tsLen {
		return nil, 0, errors.Errorf("encoded key too short: %s", hex.EncodeToString(encodedKey))
	}
	plainKey := encodedKey[:len(encodedKey)-tsLen]
	ts := ^binary.BigEndian.Uint64(encodedKey[len(encodedKey)-tsLen:])
	return plainKey, ts, nil
}

// TruncateTs strips the timestamp suffix, returning the plain key.
func TruncateTs(encodedKey []byte) ([]byte, error) {
	if len(encodedKey) <= tsLen {
		return nil, errors.Errorf("encoded key too short: %s", hex.EncodeToString(encodedKey))
	}
	return encodedKey[:len(encodedKey)-tsLen], nil
}

// EncodeRange maps a plain range [start, end) to the encoded range covering
// every version of every key inside it. Encoding with TsMax yields the
// smallest encoded key for each plain key, so it brackets all versions.
func EncodeRange(plainStart, plainEnd []byte) ([]byte, []byte) {
	return EncodeKey(plainStart, TsMax), EncodeKey(plainEnd, TsMax)
}

// NextPlainKeySeek returns the smallest encoded key that sorts after every
// version of plainKey. Used to skip the remaining versions of the current
// key during a scan.
func NextPlainKeySeek(plainKey []byte) []byte {
	next := make([]byte, 0, len(plainKey)+tsLen+1)
	next = append(next, plainKey...)
	next = AppendTs(next, 0)
	return append(next, 0)
}

// SameUserKey reports whether an encoded key belongs to the given plain key.
func SameUserKey(encodedKey, plainKey []byte) bool {
	if len(encodedKey) != len(plainKey)+tsLen {
		return false
	}
	return bytes.Equal(encodedKey[:len(plainKey)], plainKey)
}

// ToHex renders a key for error messages and logs.
func ToHex(key []byte) string {
	return hex.EncodeToString(key)
}
