package docindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

func newTestIndex(t *testing.T) *RegionIndex {
	t.Helper()
	param := meta.DocumentIndexParameter{TextFields: []string{"title", "body"}}
	return New(3, param, engine_util.NewMemEngine())
}

func seedDocs(t *testing.T, ri *RegionIndex) {
	t.Helper()
	docs := map[uint64]Document{
		1: {"title": "Distributed storage systems", "body": "Regions replicate via consensus.", "lang": "en"},
		2: {"title": "Vector search", "body": "Approximate neighbors over embeddings.", "lang": "en"},
		3: {"title": "Storage engines", "body": "Sorted keys, snapshots, and compaction.", "lang": "de"},
	}
	for id, doc := range docs {
		require.NoError(t, ri.Upsert(5, id, doc))
	}
}

func TestDocumentSearch(t *testing.T) {
	ri := newTestIndex(t)
	seedDocs(t, ri)

	results, err := ri.Search("storage", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := []uint64{results[0].ID, results[1].ID}
	require.ElementsMatch(t, []uint64{1, 3}, ids)

	// More matched terms rank higher.
	results, err = ri.Search("storage snapshots", 10, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), results[0].ID)
	require.Equal(t, 2, results[0].Score)
}

func TestDocumentSearchScalarFilter(t *testing.T) {
	ri := newTestIndex(t)
	seedDocs(t, ri)

	results, err := ri.Search("storage", 10, []ScalarPredicate{{Field: "lang", Value: "de"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(3), results[0].ID)
}

func TestDocumentUpsertReplacesTerms(t *testing.T) {
	ri := newTestIndex(t)
	seedDocs(t, ri)

	require.NoError(t, ri.Upsert(6, 2, Document{"title": "Graph databases", "body": "Edges and nodes.", "lang": "en"}))

	results, err := ri.Search("vector", 10, nil)
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = ri.Search("graph", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].ID)
}

func TestDocumentDelete(t *testing.T) {
	ri := newTestIndex(t)
	seedDocs(t, ri)
	require.Equal(t, 3, ri.Count())

	require.NoError(t, ri.Delete(6, 3))
	require.Equal(t, 2, ri.Count())

	results, err := ri.Search("compaction", 10, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestDocumentBuild(t *testing.T) {
	db := engine_util.NewMemEngine()
	param := meta.DocumentIndexParameter{TextFields: []string{"title"}}

	writer := New(3, param, db)
	require.NoError(t, writer.Upsert(5, 1, Document{"title": "hello world"}))
	require.NoError(t, writer.Upsert(5, 2, Document{"title": "goodbye world"}))
	require.NoError(t, writer.Delete(6, 2))

	rebuilt := New(3, param, db)
	require.NoError(t, rebuilt.Build(10, nil, DocKey(^uint64(0))))
	require.Equal(t, 1, rebuilt.Count())

	results, err := rebuilt.Search("world", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(1), results[0].ID)
}

func TestSearchValidation(t *testing.T) {
	ri := newTestIndex(t)
	_, err := ri.Search("", 10, nil)
	require.Error(t, err)
	_, err = ri.Search("storage", 0, nil)
	require.Error(t, err)
}
