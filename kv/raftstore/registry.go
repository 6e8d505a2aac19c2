package raftstore

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

// regionItem orders regions by start key in the range tree.
type regionItem struct {
	startKey []byte
	regionID uint64
}

func regionItemLess(a, b regionItem) bool {
	return bytes.Compare(a.startKey, b.startKey) < 0
}

// Registry is the single owner of region runtime state. Components keep
// region ids, never back-pointers; every lookup hands out a borrowed
// handle, and the registry outlives all of them.
type Registry struct {
	db engine_util.DB

	regions *xsync.MapOf[uint64, *RegionHandle]

	mu        sync.Mutex
	rangeTree *btree.BTreeG[regionItem]
}

func NewRegistry(db engine_util.DB) *Registry {
	return &Registry{
		db:        db,
		regions:   xsync.NewMapOf[uint64, *RegionHandle](),
		rangeTree: btree.NewG[regionItem](16, regionItemLess),
	}
}

// Get returns the handle of a region, or a REGION_NOT_FOUND error.
func (reg *Registry) Get(regionID uint64) (*RegionHandle, error) {
	if h, ok := reg.regions.Load(regionID); ok {
		return h, nil
	}
	return nil, kverrors.New(kverrors.CodeRegionNotFound, "region %d", regionID)
}

// FindByKey returns the region whose range contains key.
func (reg *Registry) FindByKey(key []byte) (*RegionHandle, error) {
	reg.mu.Lock()
	var candidate regionItem
	found := false
	reg.rangeTree.DescendLessOrEqual(regionItem{startKey: key}, func(item regionItem) bool {
		candidate = item
		found = true
		return false
	})
	reg.mu.Unlock()
	if !found {
		return nil, kverrors.New(kverrors.CodeRegionNotFound, "no region covers key %x", key)
	}
	h, err := reg.Get(candidate.regionID)
	if err != nil {
		return nil, err
	}
	if !h.Meta().ContainsKey(key) {
		return nil, kverrors.New(kverrors.CodeRegionNotFound, "no region covers key %x", key)
	}
	return h, nil
}

// Register adds a region handle and persists its descriptor.
func (reg *Registry) Register(region *meta.Region) (*RegionHandle, error) {
	h := newRegionHandle(region)
	if err := reg.persist(region); err != nil {
		return nil, err
	}
	reg.regions.Store(region.ID, h)
	reg.mu.Lock()
	reg.rangeTree.ReplaceOrInsert(regionItem{startKey: region.StartKey, regionID: region.ID})
	reg.mu.Unlock()
	regionsGauge.Inc()
	log.Info("region registered",
		zap.Uint64("region", region.ID),
		zap.String("state", string(region.State)),
		zap.String("engine", string(region.StoreEngine)))
	return h, nil
}

// Drop tombstones a region and removes it from lookup structures. The
// descriptor stays in the meta CF for audit until deleted explicitly.
func (reg *Registry) Drop(regionID uint64) error {
	h, err := reg.Get(regionID)
	if err != nil {
		return err
	}
	region := h.Meta()
	region.State = meta.RegionStateTombstone
	if err := reg.persist(&region); err != nil {
		return err
	}
	h.setMeta(&region)
	reg.regions.Delete(regionID)
	reg.mu.Lock()
	reg.rangeTree.Delete(regionItem{startKey: region.StartKey})
	reg.mu.Unlock()
	regionsGauge.Dec()
	log.Info("region dropped", zap.Uint64("region", regionID))
	return nil
}

// persist writes the descriptor to the meta CF.
func (reg *Registry) persist(region *meta.Region) error {
	data, err := region.Marshal()
	if err != nil {
		return err
	}
	return reg.db.PutCF(engine_util.CfMeta, meta.RegionMetaKey(region.ID), data)
}

// UpdateMeta persists a mutated descriptor and refreshes lookup state.
func (reg *Registry) UpdateMeta(region *meta.Region) error {
	h, err := reg.Get(region.ID)
	if err != nil {
		return err
	}
	old := h.Meta()
	if err := reg.persist(region); err != nil {
		return err
	}
	h.setMeta(region)
	if !bytes.Equal(old.StartKey, region.StartKey) {
		reg.mu.Lock()
		reg.rangeTree.Delete(regionItem{startKey: old.StartKey})
		reg.rangeTree.ReplaceOrInsert(regionItem{startKey: region.StartKey, regionID: region.ID})
		reg.mu.Unlock()
	}
	return nil
}

// Each calls fn for every live region until fn returns false.
func (reg *Registry) Each(fn func(h *RegionHandle) bool) {
	reg.regions.Range(func(_ uint64, h *RegionHandle) bool {
		return fn(h)
	})
}

// Count returns the number of live regions.
func (reg *Registry) Count() int {
	return reg.regions.Size()
}

// LoadAll recovers descriptors from the meta CF at boot. Regions in
// recoverable states are re-registered; the rest are skipped with a
// warning.
func (reg *Registry) LoadAll() ([]*RegionHandle, error) {
	start, end := meta.RegionMetaPrefix()
	iter := reg.db.IterCF(engine_util.CfMeta, engine_util.DefaultRange(start, end))
	defer iter.Close()

	var out []*RegionHandle
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		item := iter.Item()
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		region, err := meta.UnmarshalRegion(value)
		if err != nil {
			log.Warn("skip corrupt region descriptor", zap.Binary("key", item.Key()), zap.Error(err))
			continue
		}
		switch region.State {
		case meta.RegionStateNormal, meta.RegionStateStandby, meta.RegionStateSplitting, meta.RegionStateMerging:
		default:
			log.Warn("skip region in non-recoverable state",
				zap.Uint64("region", region.ID), zap.String("state", string(region.State)))
			continue
		}
		h, err := reg.Register(region)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
