package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		key []byte
		ts  uint64
	}{
		{[]byte("a"), 0},
		{[]byte("a"), 1},
		{[]byte("key"), 42},
		{[]byte{0x00}, 1 << 40},
		{[]byte{0xff, 0xff}, (1 << 46) - 1},
		{bytes.Repeat([]byte("x"), 300), 987654321},
	}
	for _, c := range cases {
		encoded := EncodeKey(c.key, c.ts)
		key, ts, err := DecodeKey(encoded)
		require.NoError(t, err)
		require.Equal(t, c.key, key)
		require.Equal(t, c.ts, ts)

		plain, err := TruncateTs(encoded)
		require.NoError(t, err)
		require.Equal(t, c.key, plain)
	}
}

func TestDecodeKeyTooShort(t *testing.T) {
	_, _, err := DecodeKey([]byte("short"))
	require.Error(t, err)
	_, err = TruncateTs(nil)
	require.Error(t, err)
}

func TestEncodeOrderingNewestFirst(t *testing.T) {
	key := []byte("k")
	// Larger ts must sort earlier.
	for _, pair := range [][2]uint64{{1, 2}, {5, 100}, {0, 1}, {1 << 30, 1 << 45}} {
		older, newer := pair[0], pair[1]
		require.Less(t, bytes.Compare(EncodeKey(key, newer), EncodeKey(key, older)), 0,
			"encode(k, %d) should sort before encode(k, %d)", newer, older)
	}
}

func TestEncodeOrderingByKey(t *testing.T) {
	// Key order dominates version order.
	require.Less(t, bytes.Compare(EncodeKey([]byte("a"), 1), EncodeKey([]byte("b"), 1000)), 0)
}

func TestEncodeRangeBracketsAllVersions(t *testing.T) {
	start, end := EncodeRange([]byte("b"), []byte("d"))
	for _, ts := range []uint64{1, 1000, 1 << 45} {
		v := EncodeKey([]byte("b"), ts)
		require.LessOrEqual(t, bytes.Compare(start, v), 0)
		require.Less(t, bytes.Compare(v, end), 0)

		v = EncodeKey([]byte("c"), ts)
		require.Less(t, bytes.Compare(v, end), 0)

		v = EncodeKey([]byte("d"), ts)
		require.GreaterOrEqual(t, bytes.Compare(v, end), 0)
	}
}

func TestNextPlainKeySeek(t *testing.T) {
	key := []byte("k")
	next := NextPlainKeySeek(key)
	// Every version of k sorts before the seek target.
	require.Less(t, bytes.Compare(EncodeKey(key, 0), next), 0)
	// The first version of the following key "l" sorts after it.
	require.Less(t, bytes.Compare(next, EncodeKey([]byte("l"), TsMax)), 0)
}

func TestSameUserKey(t *testing.T) {
	require.True(t, SameUserKey(EncodeKey([]byte("abc"), 7), []byte("abc")))
	require.False(t, SameUserKey(EncodeKey([]byte("abd"), 7), []byte("abc")))
	require.False(t, SameUserKey(EncodeKey([]byte("ab"), 7), []byte("abc")))
}

func TestPackUnpackValue(t *testing.T) {
	packed := PackValue(ValueFlagNormal, []byte("payload"))
	flag, payload, err := UnpackValue(packed)
	require.NoError(t, err)
	require.Equal(t, ValueFlagNormal, flag)
	require.Equal(t, []byte("payload"), payload)

	tomb := PackValue(ValueFlagDelete, nil)
	require.True(t, IsTombstone(tomb))
	flag, payload, err = UnpackValue(tomb)
	require.NoError(t, err)
	require.Equal(t, ValueFlagDelete, flag)
	require.Empty(t, payload)

	_, _, err = UnpackValue(nil)
	require.Error(t, err)
	_, _, err = UnpackValue([]byte{0x77})
	require.Error(t, err)
}
