package engine_util

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/config"
)

func openEngines(t *testing.T) map[string]DB {
	t.Helper()
	conf := config.NewTestConfig().Engine
	conf.DBPath = t.TempDir()
	pe, err := OpenPebbleEngine(&conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })
	return map[string]DB{"pebble": pe, "memory": NewMemEngine()}
}

func TestPutGetDelete(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.PutCF(CfDefault, []byte("k"), []byte("v")))
			val, err := db.GetCF(CfDefault, []byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v"), val)

			// Families are disjoint keyspaces.
			val, err = db.GetCF(CfLock, []byte("k"))
			require.NoError(t, err)
			require.Nil(t, val)

			require.NoError(t, db.DeleteCF(CfDefault, []byte("k")))
			val, err = db.GetCF(CfDefault, []byte("k"))
			require.NoError(t, err)
			require.Nil(t, val)
		})
	}
}

func TestWriteBatchAtomicAcrossCFs(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			wb := new(WriteBatch)
			wb.SetCF(CfData, []byte("a"), []byte("1"))
			wb.SetCF(CfLock, []byte("a"), []byte("2"))
			wb.DeleteCF(CfWrite, []byte("missing"))
			require.NoError(t, db.Write(wb))

			val, err := db.GetCF(CfData, []byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), val)
			val, err = db.GetCF(CfLock, []byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("2"), val)
		})
	}
}

func TestDeleteRange(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				require.NoError(t, db.PutCF(CfDefault, []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
			}
			require.NoError(t, db.DeleteRangeCF(CfDefault, []byte("k03"), []byte("k07")))
			for i := 0; i < 10; i++ {
				val, err := db.GetCF(CfDefault, []byte(fmt.Sprintf("k%02d", i)))
				require.NoError(t, err)
				if i >= 3 && i < 7 {
					require.Nil(t, val, "k%02d should be deleted", i)
				} else {
					require.NotNil(t, val, "k%02d should survive", i)
				}
			}
		})
	}
}

func TestIteratorBoundsAndSeek(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c", "d", "e"} {
				require.NoError(t, db.PutCF(CfDefault, []byte(k), []byte("v-"+k)))
			}

			iter := db.IterCF(CfDefault, DefaultRange([]byte("b"), []byte("e")))
			defer iter.Close()

			var got []string
			for iter.SeekToFirst(); iter.Valid(); iter.Next() {
				got = append(got, string(iter.Item().Key()))
			}
			require.Equal(t, []string{"b", "c", "d"}, got)

			iter.Seek([]byte("c"))
			require.True(t, iter.Valid())
			require.Equal(t, []byte("c"), iter.Item().Key())

			iter.SeekForPrev([]byte("cc"))
			require.True(t, iter.Valid())
			require.Equal(t, []byte("c"), iter.Item().Key())

			iter.SeekToLast()
			require.True(t, iter.Valid())
			require.Equal(t, []byte("d"), iter.Item().Key())
		})
	}
}

func TestIteratorInclusiveBits(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c"} {
				require.NoError(t, db.PutCF(CfDefault, []byte(k), []byte("v")))
			}

			// Exclusive start.
			iter := db.IterCF(CfDefault, IterOptions{LowerBound: []byte("a"), UpperBound: []byte("c"), WithStart: false})
			var got []string
			for iter.SeekToFirst(); iter.Valid(); iter.Next() {
				got = append(got, string(iter.Item().Key()))
			}
			iter.Close()
			require.Equal(t, []string{"b"}, got)

			// Inclusive end.
			iter = db.IterCF(CfDefault, IterOptions{LowerBound: []byte("a"), UpperBound: []byte("c"), WithStart: true, WithEnd: true})
			got = nil
			for iter.SeekToFirst(); iter.Valid(); iter.Next() {
				got = append(got, string(iter.Item().Key()))
			}
			iter.Close()
			require.Equal(t, []string{"a", "b", "c"}, got)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.PutCF(CfDefault, []byte("k"), []byte("old")))
			snap := db.NewSnapshot()
			defer snap.Close()

			require.NoError(t, db.PutCF(CfDefault, []byte("k"), []byte("new")))
			require.NoError(t, db.PutCF(CfDefault, []byte("k2"), []byte("v2")))

			val, err := snap.GetCF(CfDefault, []byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("old"), val)
			val, err = snap.GetCF(CfDefault, []byte("k2"))
			require.NoError(t, err)
			require.Nil(t, val)
		})
	}
}

func TestSnapshotOutlivesReaderThroughIterator(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.PutCF(CfDefault, []byte("k"), []byte("v")))
			snap := db.NewSnapshot()
			iter := snap.IterCF(CfDefault, IterOptions{WithStart: true})
			// The iterator holds its own snapshot reference.
			snap.Close()
			iter.SeekToFirst()
			require.True(t, iter.Valid())
			require.Equal(t, []byte("k"), iter.Item().Key())
			iter.Close()
		})
	}
}

func TestCompareAndSetPutIfAbsent(t *testing.T) {
	for name, db := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := db.PutIfAbsent(CfMeta, []byte("k"), []byte("v1"))
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = db.PutIfAbsent(CfMeta, []byte("k"), []byte("v2"))
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = db.CompareAndSet(CfMeta, []byte("k"), []byte("v1"), []byte("v2"))
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = db.CompareAndSet(CfMeta, []byte("k"), []byte("v1"), []byte("v3"))
			require.NoError(t, err)
			require.False(t, ok)

			val, err := db.GetCF(CfMeta, []byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), val)
		})
	}
}

func TestCheckpoint(t *testing.T) {
	conf := config.NewTestConfig().Engine
	conf.DBPath = t.TempDir()
	db, err := OpenPebbleEngine(&conf)
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.PutCF(CfDefault, []byte(fmt.Sprintf("key-%04d", i)), []byte("value")))
	}

	dir := t.TempDir() + "/checkpoint"
	require.NoError(t, db.Checkpoint(dir))
}
