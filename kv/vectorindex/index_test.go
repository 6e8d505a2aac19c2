package vectorindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.75}
	decoded, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	require.Equal(t, v, decoded)

	_, err = DecodeVector([]byte{1, 2})
	require.Error(t, err)
}

func TestFlatIndexSearch(t *testing.T) {
	idx := NewFlatIndex(2, MetricL2)
	require.NoError(t, idx.Add(1, []float32{0, 0}))
	require.NoError(t, idx.Add(2, []float32{1, 0}))
	require.NoError(t, idx.Add(3, []float32{5, 5}))

	results, err := idx.Search([]float32{0.1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, uint64(1), results[0].ID)
	require.Equal(t, uint64(2), results[1].ID)

	// Filter excludes the nearest neighbor.
	results, err = idx.Search([]float32{0.1, 0}, 2, func(id uint64) bool { return id != 1 })
	require.NoError(t, err)
	require.Equal(t, uint64(2), results[0].ID)

	require.Error(t, func() error { _, err := idx.Search([]float32{1}, 1, nil); return err }())
	require.Error(t, idx.Add(4, []float32{1, 2, 3}))
}

func newRegionIndex(t *testing.T, speedupFields ...string) *RegionIndex {
	t.Helper()
	db := engine_util.NewMemEngine()
	param := meta.VectorIndexParameter{
		IndexType:           "FLAT",
		Dimension:           2,
		MetricType:          "L2",
		ScalarSpeedupFields: speedupFields,
	}
	return New(7, param, db)
}

// fillTagged inserts n vectors alternating between tags "A" and "B".
func fillTagged(t *testing.T, ri *RegionIndex, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		tag := "A"
		if i%2 == 1 {
			tag = "B"
		}
		err := ri.Upsert(5, uint64(i+1), []float32{float32(i), 0}, map[string]string{
			"tag":  tag,
			"name": fmt.Sprintf("item-%d", i),
		})
		require.NoError(t, err)
	}
}

func TestScalarPreFilter(t *testing.T) {
	ri := newRegionIndex(t)
	fillTagged(t, ri, 1000)

	results, err := ri.SearchWithScalarFilter([]float32{0, 0}, 5, []ScalarPredicate{{Field: "tag", Value: "A"}})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		// Tag "A" lives on odd ids (even offsets).
		require.Equal(t, uint64(1), r.ID%2, "id %d should be tagged A", r.ID)
	}
	// Nearest tagged-A vectors are at offsets 0, 2, 4, 6, 8.
	require.Equal(t, uint64(1), results[0].ID)
	require.Equal(t, uint64(3), results[1].ID)
}

func TestScalarPreFilterSpeedup(t *testing.T) {
	ri := newRegionIndex(t, "tag")
	fillTagged(t, ri, 100)

	results, err := ri.SearchWithScalarFilter([]float32{0, 0}, 5, []ScalarPredicate{{Field: "tag", Value: "B"}})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		require.Equal(t, uint64(0), r.ID%2, "id %d should be tagged B", r.ID)
	}
}

func TestPostFilter(t *testing.T) {
	ri := newRegionIndex(t)
	fillTagged(t, ri, 100)

	results, err := ri.SearchWithPostFilter([]float32{0, 0}, 5, []ScalarPredicate{{Field: "tag", Value: "A"}})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		require.Equal(t, uint64(1), r.ID%2)
	}
}

func TestIDFilter(t *testing.T) {
	ri := newRegionIndex(t)
	fillTagged(t, ri, 100)

	results, err := ri.SearchWithIDFilter([]float32{0, 0}, 3, []uint64{10, 20, 30, 40})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, uint64(10), results[0].ID)
	require.Equal(t, uint64(20), results[1].ID)
}

func TestDeleteRemovesFromIndexAndScalars(t *testing.T) {
	ri := newRegionIndex(t, "tag")
	fillTagged(t, ri, 10)
	require.Equal(t, 10, ri.Count())

	require.NoError(t, ri.Delete(6, 1))
	require.Equal(t, 9, ri.Count())

	results, err := ri.SearchWithScalarFilter([]float32{0, 0}, 5, []ScalarPredicate{{Field: "tag", Value: "A"}})
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, uint64(1), r.ID)
	}
}

func TestBuildFromEngine(t *testing.T) {
	db := engine_util.NewMemEngine()
	param := meta.VectorIndexParameter{IndexType: "FLAT", Dimension: 2, MetricType: "L2"}

	writer := New(7, param, db)
	fillTagged(t, writer, 50)

	// A fresh wrapper over the same engine rebuilds from the data family.
	rebuilt := New(7, param, db)
	require.Equal(t, 0, rebuilt.Count())
	require.NoError(t, rebuilt.Build(10, nil, VectorKey(^uint64(0))))
	require.Equal(t, 50, rebuilt.Count())
}
