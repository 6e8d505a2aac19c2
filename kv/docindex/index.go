package docindex

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
)

// Document is a flat field map; the region's configured text fields are
// tokenized into the term index, everything else is scalar-only.
type Document map[string]string

// SearchResult is one matching document.
type SearchResult struct {
	ID    uint64
	Score int
	Doc   Document
}

// ScalarPredicate is one equality condition on a document field.
type ScalarPredicate struct {
	Field string
	Value string
}

// RegionIndex coordinates one region's document index: tokenized terms in
// memory, document payloads and scalar rows in the engine.
type RegionIndex struct {
	regionID uint64
	param    meta.DocumentIndexParameter
	db       engine_util.DB
	reader   *mvcc.Reader

	mu    sync.RWMutex
	terms map[string]map[uint64]bool
	docs  map[uint64]Document
}

func New(regionID uint64, param meta.DocumentIndexParameter, db engine_util.DB) *RegionIndex {
	return &RegionIndex{
		regionID: regionID,
		param:    param,
		db:       db,
		reader:   mvcc.NewReader(db),
		terms:    make(map[string]map[uint64]bool),
		docs:     make(map[uint64]Document),
	}
}

// DocKey is the plain key of a document id.
func DocKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func docID(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, kverrors.New(kverrors.CodeInternal, "document key length %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// Build loads every document visible at ts into the term index.
func (ri *RegionIndex) Build(ts uint64, startKey, endKey []byte) error {
	loaded := 0
	err := ri.reader.KvScanFunc(engine_util.CfDocumentData, ts, startKey, endKey, func(key, value []byte) bool {
		id, err := docID(key)
		if err != nil {
			log.Warn("skip malformed document key", zap.Uint64("region", ri.regionID), zap.Binary("key", key))
			return true
		}
		var doc Document
		if err := json.Unmarshal(value, &doc); err != nil {
			log.Warn("skip malformed document payload", zap.Uint64("region", ri.regionID), zap.Uint64("id", id))
			return true
		}
		ri.indexDoc(id, doc)
		loaded++
		return true
	})
	if err != nil {
		return err
	}
	log.Info("document index built", zap.Uint64("region", ri.regionID), zap.Int("documents", loaded))
	return nil
}

// Upsert writes a document and its scalar row atomically and refreshes
// the term index.
func (ri *RegionIndex) Upsert(ts uint64, id uint64, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfDocumentData, codec.EncodeKey(DocKey(id), ts), codec.PackValue(codec.ValueFlagNormal, data))
	wb.SetCF(engine_util.CfDocumentScalar, DocKey(id), data)
	if err := ri.db.Write(wb); err != nil {
		return err
	}
	ri.unindexDoc(id)
	ri.indexDoc(id, doc)
	return nil
}

// Delete tombstones the document and evicts it from the term index.
func (ri *RegionIndex) Delete(ts uint64, id uint64) error {
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfDocumentData, codec.EncodeKey(DocKey(id), ts), codec.PackValue(codec.ValueFlagDelete, nil))
	wb.DeleteCF(engine_util.CfDocumentScalar, DocKey(id))
	if err := ri.db.Write(wb); err != nil {
		return err
	}
	ri.unindexDoc(id)
	return nil
}

// Count returns the number of indexed documents.
func (ri *RegionIndex) Count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.docs)
}

// Search matches query terms against the configured text fields, applies
// the scalar predicates, and returns up to topN documents ordered by
// matched-term count.
func (ri *RegionIndex) Search(query string, topN int, predicates []ScalarPredicate) ([]SearchResult, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "empty query")
	}
	if topN <= 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "topN must be positive")
	}

	ri.mu.RLock()
	scores := make(map[uint64]int)
	for _, term := range queryTerms {
		for id := range ri.terms[term] {
			scores[id]++
		}
	}
	results := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		doc := ri.docs[id]
		if !docMatches(doc, predicates) {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: score, Doc: doc})
	}
	ri.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

func docMatches(doc Document, predicates []ScalarPredicate) bool {
	for _, p := range predicates {
		if doc[p.Field] != p.Value {
			return false
		}
	}
	return true
}

func (ri *RegionIndex) indexDoc(id uint64, doc Document) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.docs[id] = doc
	for _, field := range ri.param.TextFields {
		for _, term := range tokenize(doc[field]) {
			set, ok := ri.terms[term]
			if !ok {
				set = make(map[uint64]bool)
				ri.terms[term] = set
			}
			set[id] = true
		}
	}
}

func (ri *RegionIndex) unindexDoc(id uint64) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	doc, ok := ri.docs[id]
	if !ok {
		return
	}
	delete(ri.docs, id)
	for _, field := range ri.param.TextFields {
		for _, term := range tokenize(doc[field]) {
			if set, ok := ri.terms[term]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(ri.terms, term)
				}
			}
		}
	}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
