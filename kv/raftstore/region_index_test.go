package raftstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/vectorindex"
)

func TestStoreVectorIndexLifecycle(t *testing.T) {
	s := newTestStore(t)
	region := monoRegion(1, "", "")
	region.StartKey, region.EndKey = nil, nil
	region.Index = &meta.IndexParameter{
		Vector: &meta.VectorIndexParameter{IndexType: "FLAT", Dimension: 2, MetricType: "L2"},
	}
	_, err := s.CreateRegion(region)
	require.NoError(t, err)

	idx, err := s.VectorIndex(1)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(5, 1, []float32{0, 0}, map[string]string{"tag": "A"}))
	require.NoError(t, idx.Upsert(5, 2, []float32{9, 9}, map[string]string{"tag": "B"}))

	again, err := s.VectorIndex(1)
	require.NoError(t, err)
	require.Same(t, idx, again)

	results, err := idx.SearchWithScalarFilter([]float32{0, 0}, 1, []vectorindex.ScalarPredicate{{Field: "tag", Value: "B"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].ID)
}

func TestStoreVectorIndexMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRegion(monoRegion(1, "a", "z"))
	require.NoError(t, err)

	_, err = s.VectorIndex(1)
	require.True(t, kverrors.Is(err, kverrors.CodeVectorIndexNotFound))
	_, err = s.DocumentIndex(1)
	require.True(t, kverrors.Is(err, kverrors.CodeDocumentIndexNotFound))
}

func TestStoreScanSessions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRegion(monoRegion(1, "a", "z"))
	require.NoError(t, err)

	for i := byte('b'); i < 'j'; i++ {
		require.NoError(t, s.DB().PutCF(engine_util.CfDefault,
			codec.EncodeKey([]byte{i}, 5),
			codec.PackValue(codec.ValueFlagNormal, []byte{i})))
	}

	scanID, batch, err := s.ScanBegin(1, engine_util.CfDefault, 10, []byte("b"), []byte("z"), 3)
	require.NoError(t, err)
	require.Len(t, batch.Kvs, 3)
	require.False(t, batch.Done)

	total := len(batch.Kvs)
	for !batch.Done {
		batch, err = s.ScanContinue(scanID, 3)
		require.NoError(t, err)
		total += len(batch.Kvs)
	}
	require.Equal(t, 8, total)

	s.ScanRelease(scanID)
	s.ScanRelease(scanID)
}

func TestStoreScanOutsideRegion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRegion(monoRegion(1, "b", "m"))
	require.NoError(t, err)

	_, _, err = s.ScanBegin(1, engine_util.CfDefault, 10, []byte("x"), []byte("z"), 3)
	require.True(t, kverrors.Is(err, kverrors.CodeRegionIDNotMatch))
}
