package runner

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/worker"
)

// SplitCheckTask asks for a full key-space scan of one region.
type SplitCheckTask struct {
	Region meta.Region
}

// SplitHandler receives the result of a split check. splitKey is nil when
// the region should not split; size and keys are always reported so the
// region's metrics stay fresh.
type SplitHandler interface {
	HandleSplitCheckResult(region *meta.Region, splitKey []byte, size int64, keys uint64)
}

// splitChecker picks a split key while streaming a region's merged
// key space.
type splitChecker interface {
	policyName() string
	// onKv consumes one row; plainKey is the version-stripped key.
	onKv(plainKey []byte, keyValueSize int)
	// splitKey returns the chosen key, or nil when the region is too small.
	splitKey() []byte
	// stats reports scanned distinct keys and bytes.
	stats() (keys uint64, size int64)
}

type splitCheckHandler struct {
	db      engine_util.DB
	conf    config.Split
	handler SplitHandler
}

// NewSplitCheckHandler builds the worker handler that runs full split
// scans.
func NewSplitCheckHandler(db engine_util.DB, conf config.Split, handler SplitHandler) worker.TaskHandler {
	return &splitCheckHandler{db: db, conf: conf, handler: handler}
}

func (r *splitCheckHandler) Handle(t worker.Task) {
	task, ok := t.(*SplitCheckTask)
	if !ok {
		log.Error("unexpected split check task", zap.Any("task", t))
		return
	}
	region := task.Region
	checker := r.newChecker()

	iter := NewMergedIterator(r.db, engine_util.CFs, region.StartKey, region.EndKey)
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		if engine_util.VersionedCFs[engine_util.CFs[iter.heap[0].iterPos]] {
			key = plainKeyOf(key)
		}
		checker.onKv(key, iter.KeyValueSize())
	}

	keys, size := checker.stats()
	splitKey := checker.splitKey()
	log.Info("split check scanned region",
		zap.Uint64("region", region.ID),
		zap.String("policy", checker.policyName()),
		zap.Int64("size", size),
		zap.Uint64("keys", keys),
		zap.String("split_key", codec.ToHex(splitKey)))
	r.handler.HandleSplitCheckResult(&region, splitKey, size, keys)
}

func (r *splitCheckHandler) newChecker() splitChecker {
	switch r.conf.Policy {
	case config.SplitPolicySize:
		return &sizeSplitChecker{
			splitSize:  int64(r.conf.ThresholdSize),
			splitRatio: r.conf.SizeRatio,
		}
	case config.SplitPolicyKeys:
		return &keysSplitChecker{
			keysNumber: r.conf.KeysNumber,
			keysRatio:  r.conf.KeysRatio,
		}
	default:
		return &halfSplitChecker{
			thresholdSize: int64(r.conf.ThresholdSize),
			chunkSize:     int64(r.conf.ChunkSize),
		}
	}
}

// plainKeyOf strips the version suffix from a versioned family's storage
// key. Handle calls it only for versioned families, so keys of
// non-versioned families pass through unchanged.
func plainKeyOf(storageKey []byte) []byte {
	if plain, err := codec.TruncateTs(storageKey); err == nil && len(plain) > 0 {
		return plain
	}
	return storageKey
}

// halfSplitChecker records a candidate every chunkSize bytes and, once the
// region crosses thresholdSize, splits at the middle candidate.
type halfSplitChecker struct {
	thresholdSize int64
	chunkSize     int64

	size       int64
	chunk      int64
	keys       uint64
	prevKey    []byte
	isSplit    bool
	candidates [][]byte
}

func (c *halfSplitChecker) policyName() string { return "HALF" }

func (c *halfSplitChecker) onKv(plainKey []byte, keyValueSize int) {
	c.size += int64(keyValueSize)
	c.chunk += int64(keyValueSize)
	if c.chunk >= c.chunkSize {
		c.chunk = 0
		c.candidates = append(c.candidates, append([]byte{}, plainKey...))
	}
	if c.size >= c.thresholdSize {
		c.isSplit = true
	}
	c.countKey(plainKey)
}

func (c *halfSplitChecker) countKey(plainKey []byte) {
	if string(plainKey) != string(c.prevKey) {
		c.prevKey = append(c.prevKey[:0], plainKey...)
		c.keys++
	}
}

func (c *halfSplitChecker) splitKey() []byte {
	if !c.isSplit || len(c.candidates) == 0 {
		return nil
	}
	return c.candidates[len(c.candidates)/2]
}

func (c *halfSplitChecker) stats() (uint64, int64) { return c.keys, c.size }

// sizeSplitChecker remembers the key where the region crossed
// thresholdSize x ratio and splits there once the total crosses
// thresholdSize.
type sizeSplitChecker struct {
	splitSize  int64
	splitRatio float64

	size    int64
	keys    uint64
	prevKey []byte
	key     []byte
	isSplit bool
}

func (c *sizeSplitChecker) policyName() string { return "SIZE" }

func (c *sizeSplitChecker) onKv(plainKey []byte, keyValueSize int) {
	c.size += int64(keyValueSize)
	splitPos := int64(float64(c.splitSize) * c.splitRatio)
	if c.key == nil && c.size >= splitPos {
		c.key = append([]byte{}, plainKey...)
	} else if c.size >= c.splitSize {
		c.isSplit = true
	}
	if string(plainKey) != string(c.prevKey) {
		c.prevKey = append(c.prevKey[:0], plainKey...)
		c.keys++
	}
}

func (c *sizeSplitChecker) splitKey() []byte {
	if !c.isSplit {
		return nil
	}
	return c.key
}

func (c *sizeSplitChecker) stats() (uint64, int64) { return c.keys, c.size }

// keysSplitChecker counts distinct plain keys, marking the candidate at
// keysNumber x ratio and splitting once the count reaches keysNumber.
type keysSplitChecker struct {
	keysNumber uint64
	keysRatio  float64

	size    int64
	keys    uint64
	prevKey []byte
	key     []byte
	isSplit bool
}

func (c *keysSplitChecker) policyName() string { return "KEYS" }

func (c *keysSplitChecker) onKv(plainKey []byte, keyValueSize int) {
	c.size += int64(keyValueSize)
	if string(plainKey) != string(c.prevKey) {
		c.prevKey = append(c.prevKey[:0], plainKey...)
		c.keys++

		candidatePos := uint64(float64(c.keysNumber) * c.keysRatio)
		if c.key == nil && candidatePos > 0 && c.keys >= candidatePos {
			c.key = append([]byte{}, plainKey...)
		}
		if c.keys >= c.keysNumber {
			c.isSplit = true
		}
	}
}

func (c *keysSplitChecker) splitKey() []byte {
	if !c.isSplit {
		return nil
	}
	return c.key
}

func (c *keysSplitChecker) stats() (uint64, int64) { return c.keys, c.size }
