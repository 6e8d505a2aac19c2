package vectorindex

import (
	"encoding/json"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
)

// postFilterOverFetch is the over-fetch multiplier of post-filtered
// searches.
const postFilterOverFetch = 10

// ScalarPredicate is one equality condition on a scalar field. Multiple
// predicates are conjunctive.
type ScalarPredicate struct {
	Field string
	Value string
}

// RegionIndex coordinates one region's vector index: the neighbor search
// delegates to the Index backend, auxiliary scalar data and rebuild state
// live in the engine.
type RegionIndex struct {
	regionID uint64
	param    meta.VectorIndexParameter
	db       engine_util.DB
	reader   *mvcc.Reader
	index    Index

	speedupFields map[string]bool
}

// New builds the wrapper; the backend is chosen by the region's index
// type, with the exhaustive backend as fallback.
func New(regionID uint64, param meta.VectorIndexParameter, db engine_util.DB) *RegionIndex {
	speedup := make(map[string]bool, len(param.ScalarSpeedupFields))
	for _, f := range param.ScalarSpeedupFields {
		speedup[f] = true
	}
	return &RegionIndex{
		regionID:      regionID,
		param:         param,
		db:            db,
		reader:        mvcc.NewReader(db),
		index:         NewFlatIndex(param.Dimension, MetricType(param.MetricType)),
		speedupFields: speedup,
	}
}

// Build loads every vector visible at ts from the vector data family into
// the backend. Called at region recovery and after bulk ingest.
func (ri *RegionIndex) Build(ts uint64, startKey, endKey []byte) error {
	loaded := 0
	err := ri.reader.KvScanFunc(engine_util.CfVectorData, ts, startKey, endKey, func(key, value []byte) bool {
		id, err := VectorID(key)
		if err != nil {
			log.Warn("skip malformed vector key", zap.Uint64("region", ri.regionID), zap.Binary("key", key))
			return true
		}
		vector, err := DecodeVector(value)
		if err != nil {
			log.Warn("skip malformed vector payload", zap.Uint64("region", ri.regionID), zap.Uint64("id", id))
			return true
		}
		if err := ri.index.Add(id, vector); err != nil {
			log.Warn("skip vector with wrong dimension", zap.Uint64("region", ri.regionID), zap.Uint64("id", id))
		}
		loaded++
		return true
	})
	if err != nil {
		return err
	}
	log.Info("vector index built", zap.Uint64("region", ri.regionID), zap.Int("vectors", loaded))
	return nil
}

// Upsert writes a vector with its scalar record through one atomic batch
// and mirrors it into the backend. The ts versions the data family row.
func (ri *RegionIndex) Upsert(ts uint64, id uint64, vector []float32, scalars map[string]string) error {
	if err := ri.index.Add(id, vector); err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfVectorData, codec.EncodeKey(VectorKey(id), ts), codec.PackValue(codec.ValueFlagNormal, EncodeVector(vector)))
	if scalars != nil {
		data, err := json.Marshal(scalars)
		if err != nil {
			return err
		}
		wb.SetCF(engine_util.CfVectorScalar, VectorKey(id), data)
		for field, value := range scalars {
			if ri.speedupFields[field] {
				wb.SetCF(engine_util.CfVectorScalarSpeed, speedupKey(id, field), []byte(value))
			}
		}
	}
	return ri.db.Write(wb)
}

// Delete removes a vector: a tombstone in the data family, removal of
// scalar rows, and eviction from the backend.
func (ri *RegionIndex) Delete(ts uint64, id uint64) error {
	ri.index.Delete(id)
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfVectorData, codec.EncodeKey(VectorKey(id), ts), codec.PackValue(codec.ValueFlagDelete, nil))
	wb.DeleteCF(engine_util.CfVectorScalar, VectorKey(id))
	for field := range ri.speedupFields {
		wb.DeleteCF(engine_util.CfVectorScalarSpeed, speedupKey(id, field))
	}
	return ri.db.Write(wb)
}

// Count returns the number of vectors in the backend.
func (ri *RegionIndex) Count() int {
	return ri.index.Count()
}

// Search runs an unfiltered nearest-neighbor query.
func (ri *RegionIndex) Search(query []float32, topN int) ([]SearchResult, error) {
	return ri.index.Search(query, topN, nil)
}

// SearchWithPostFilter over-fetches, applies the scalar predicates to the
// candidates, and truncates to topN.
func (ri *RegionIndex) SearchWithPostFilter(query []float32, topN int, predicates []ScalarPredicate) ([]SearchResult, error) {
	candidates, err := ri.index.Search(query, topN*postFilterOverFetch, nil)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, topN)
	for _, c := range candidates {
		match, err := ri.matchScalars(c.ID, predicates)
		if err != nil {
			return nil, err
		}
		if match {
			results = append(results, c)
			if len(results) == topN {
				break
			}
		}
	}
	return results, nil
}

// SearchWithIDFilter restricts the search to caller-supplied ids.
func (ri *RegionIndex) SearchWithIDFilter(query []float32, topN int, allowed []uint64) ([]SearchResult, error) {
	allowedSet := make(map[uint64]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	return ri.index.Search(query, topN, func(id uint64) bool {
		return allowedSet[id]
	})
}

// SearchWithScalarFilter collects the ids matching the predicates first,
// then searches within them. When the first predicate is on a speedup
// field, the selective speedup family is scanned instead of materializing
// whole scalar records; otherwise every scalar record is read.
func (ri *RegionIndex) SearchWithScalarFilter(query []float32, topN int, predicates []ScalarPredicate) ([]SearchResult, error) {
	if len(predicates) == 0 {
		return ri.index.Search(query, topN, nil)
	}
	allowed, err := ri.collectMatchingIDs(predicates)
	if err != nil {
		return nil, err
	}
	return ri.index.Search(query, topN, func(id uint64) bool {
		return allowed[id]
	})
}

func (ri *RegionIndex) collectMatchingIDs(predicates []ScalarPredicate) (map[uint64]bool, error) {
	if ri.speedupFields[predicates[0].Field] {
		return ri.collectBySpeedupScan(predicates)
	}
	return ri.collectByScalarScan(predicates)
}

// collectByScalarScan walks full scalar records.
func (ri *RegionIndex) collectByScalarScan(predicates []ScalarPredicate) (map[uint64]bool, error) {
	allowed := make(map[uint64]bool)
	iter := ri.db.IterCF(engine_util.CfVectorScalar, engine_util.IterOptions{WithStart: true})
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		item := iter.Item()
		id, err := VectorID(item.Key())
		if err != nil {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		var scalars map[string]string
		if err := json.Unmarshal(value, &scalars); err != nil {
			return nil, kverrors.New(kverrors.CodeVectorScalarNotFound, "corrupt scalar record for id %d", id)
		}
		if scalarsMatch(scalars, predicates) {
			allowed[id] = true
		}
	}
	return allowed, nil
}

// collectBySpeedupScan resolves the first predicate from the selective
// speedup family, then verifies the remainder against full records.
func (ri *RegionIndex) collectBySpeedupScan(predicates []ScalarPredicate) (map[uint64]bool, error) {
	first := predicates[0]
	rest := predicates[1:]

	allowed := make(map[uint64]bool)
	iter := ri.db.IterCF(engine_util.CfVectorScalarSpeed, engine_util.IterOptions{WithStart: true})
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		item := iter.Item()
		id, field, err := decodeSpeedupKey(item.Key())
		if err != nil || field != first.Field {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		if string(value) != first.Value {
			continue
		}
		if len(rest) > 0 {
			match, err := ri.matchScalars(id, rest)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		allowed[id] = true
	}
	return allowed, nil
}

func (ri *RegionIndex) matchScalars(id uint64, predicates []ScalarPredicate) (bool, error) {
	if len(predicates) == 0 {
		return true, nil
	}
	value, err := ri.db.GetCF(engine_util.CfVectorScalar, VectorKey(id))
	if err != nil {
		return false, err
	}
	if value == nil {
		return false, nil
	}
	var scalars map[string]string
	if err := json.Unmarshal(value, &scalars); err != nil {
		return false, kverrors.New(kverrors.CodeVectorScalarNotFound, "corrupt scalar record for id %d", id)
	}
	return scalarsMatch(scalars, predicates), nil
}

func scalarsMatch(scalars map[string]string, predicates []ScalarPredicate) bool {
	for _, p := range predicates {
		if scalars[p.Field] != p.Value {
			return false
		}
	}
	return true
}

func speedupKey(id uint64, field string) []byte {
	key := VectorKey(id)
	key = append(key, 0)
	return append(key, field...)
}

func decodeSpeedupKey(key []byte) (uint64, string, error) {
	if len(key) < 10 || key[8] != 0 {
		return 0, "", kverrors.New(kverrors.CodeInternal, "malformed speedup key %x", key)
	}
	id, err := VectorID(key[:8])
	if err != nil {
		return 0, "", err
	}
	return id, string(key[9:]), nil
}
