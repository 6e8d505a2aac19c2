package vectorindex

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// Filter restricts a search to ids it accepts. A nil filter accepts all.
type Filter func(id uint64) bool

// SearchResult is one neighbor of a query.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// Index is the per-region nearest-neighbor structure. The engine
// coordinates building, loading, and filtering around it; the distance
// search itself is behind this interface so backends can vary.
type Index interface {
	Add(id uint64, vector []float32) error
	Delete(id uint64)
	Search(query []float32, topN int, filter Filter) ([]SearchResult, error)
	Count() int
}

// MetricType selects the distance function.
type MetricType string

const (
	MetricL2 MetricType = "L2"
	MetricIP MetricType = "IP"
)

// FlatIndex is the exact, exhaustive backend: no graph, no quantization.
type FlatIndex struct {
	mu        sync.RWMutex
	dimension int
	metric    MetricType
	vectors   map[uint64][]float32
}

func NewFlatIndex(dimension int, metric MetricType) *FlatIndex {
	if metric == "" {
		metric = MetricL2
	}
	return &FlatIndex{
		dimension: dimension,
		metric:    metric,
		vectors:   make(map[uint64][]float32),
	}
}

func (idx *FlatIndex) Add(id uint64, vector []float32) error {
	if len(vector) != idx.dimension {
		return kverrors.New(kverrors.CodeIllegalParameters,
			"vector dimension %d, index expects %d", len(vector), idx.dimension)
	}
	idx.mu.Lock()
	idx.vectors[id] = append([]float32{}, vector...)
	idx.mu.Unlock()
	return nil
}

func (idx *FlatIndex) Delete(id uint64) {
	idx.mu.Lock()
	delete(idx.vectors, id)
	idx.mu.Unlock()
}

func (idx *FlatIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

func (idx *FlatIndex) Search(query []float32, topN int, filter Filter) ([]SearchResult, error) {
	if len(query) != idx.dimension {
		return nil, kverrors.New(kverrors.CodeIllegalParameters,
			"query dimension %d, index expects %d", len(query), idx.dimension)
	}
	if topN <= 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "topN must be positive")
	}

	idx.mu.RLock()
	results := make([]SearchResult, 0, len(idx.vectors))
	for id, vector := range idx.vectors {
		if filter != nil && !filter(id) {
			continue
		}
		results = append(results, SearchResult{ID: id, Distance: idx.distance(query, vector)})
	}
	idx.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

func (idx *FlatIndex) distance(a, b []float32) float32 {
	switch idx.metric {
	case MetricIP:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		// Larger inner product means closer; negate so smaller sorts first.
		return -dot
	default:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return float32(math.Sqrt(float64(sum)))
	}
}

// EncodeVector serializes a vector for the vector data family.
func EncodeVector(vector []float32) []byte {
	buf := make([]byte, 4+4*len(vector))
	binary.LittleEndian.PutUint32(buf, uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a vector data payload.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, kverrors.New(kverrors.CodeInternal, "vector payload too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint32(data)
	if len(data) != int(4+4*n) {
		return nil, kverrors.New(kverrors.CodeInternal, "vector payload length %d, want %d floats", len(data), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return out, nil
}

// VectorKey is the plain key of a vector id in the vector families.
func VectorKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// VectorID recovers the id from a vector family plain key.
func VectorID(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, kverrors.New(kverrors.CodeInternal, "vector key length %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
