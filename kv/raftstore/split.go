package raftstore

import (
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/raftstore/runner"
	"github.com/yuhaijun999/dingo-store/kv/worker"
)

// splitWorkerCount bounds concurrent full split scans.
const splitWorkerCount = 2

// nextRegionID seeds locally-allocated child region ids when no
// coordinator assigns them.
var nextRegionID atomic.Uint64

func init() {
	nextRegionID.Store(1 << 32)
}

// AllocRegionID hands out a locally unique region id.
func AllocRegionID() uint64 {
	return nextRegionID.Add(1)
}

// startSplitChecker starts the periodic pre-check loop and the scan
// worker pool.
func (s *Store) startSplitChecker() {
	if !s.conf.Region.EnableAutoSplit {
		return
	}
	pool := worker.NewPool("split-check", splitWorkerCount, &s.wg, func(int) worker.TaskHandler {
		return runner.NewSplitCheckHandler(s.db, s.conf.Split, s)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pool.Stop()
		ticker := time.NewTicker(s.conf.Split.CheckTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.preSplitCheck(pool)
			}
		}
	}()
}

// preSplitCheck gates the expensive full scan: only leader-held NORMAL
// regions that are open to change and plausibly large enough are
// dispatched.
func (s *Store) preSplitCheck(pool *worker.Pool) {
	s.registry.Each(func(h *RegionHandle) bool {
		region := h.Meta()
		if region.State != meta.RegionStateNormal {
			return true
		}
		if h.ChangeDisabled() {
			return true
		}
		if isLeader, _ := s.IsLeader(region.ID); !isLeader {
			return true
		}
		// Non-raft regions only split when the lite toggle allows it.
		if region.StoreEngine != meta.StoreEngineRaft && !s.conf.Region.EnableSplitAndMergeForLite {
			return true
		}
		if s.conf.Split.CheckApproximateSize &&
			h.ApproximateSize() > 0 &&
			h.ApproximateSize() < int64(s.conf.Split.ApproximateThreshold) {
			return true
		}
		pool.Dispatch(&runner.SplitCheckTask{Region: region})
		return true
	})
}

// HandleSplitCheckResult receives the outcome of a full split scan. The
// metrics always land; the split is validated and executed when a key was
// produced.
func (s *Store) HandleSplitCheckResult(region *meta.Region, splitKey []byte, size int64, keys uint64) {
	h, err := s.registry.Get(region.ID)
	if err != nil {
		return
	}
	if size > 0 {
		h.SetApproximateSize(size)
	}
	h.SetKeyCount(int64(keys))
	if splitKey == nil {
		return
	}
	if _, err := s.SplitRegion(region.ID, region.Epoch.Version, splitKey, 0); err != nil {
		splitSuppressedCounter.Inc()
		log.Warn("split suppressed",
			zap.Uint64("region", region.ID),
			zap.String("split_key", codec.ToHex(splitKey)),
			zap.Error(err))
	}
}

// SplitRegion splits a region at splitKey, producing a child region
// covering [splitKey, end) while the parent shrinks to [start, splitKey).
// epochVersion guards against the region changing shape since the caller
// observed it; 0 skips the check. newRegionID 0 allocates locally.
func (s *Store) SplitRegion(fromID, epochVersion uint64, splitKey []byte, newRegionID uint64) (uint64, error) {
	h, err := s.registry.Get(fromID)
	if err != nil {
		return 0, err
	}
	parent := h.Meta()

	if len(splitKey) == 0 {
		return 0, kverrors.New(kverrors.CodeKeyEmpty, "empty split key")
	}
	if !parent.CheckKeyInside(splitKey) {
		return 0, kverrors.New(kverrors.CodeIllegalParameters,
			"split key %x outside region %d range [%x, %x)", splitKey, fromID, parent.StartKey, parent.EndKey)
	}
	if epochVersion != 0 && parent.Epoch.Version != epochVersion {
		return 0, kverrors.New(kverrors.CodeRegionVersionChanged,
			"region %d version %d, split checked at %d", fromID, parent.Epoch.Version, epochVersion)
	}
	if isLeader, leader := s.IsLeader(fromID); !isLeader {
		return 0, kverrors.NotLeader(fromID, leader)
	}
	if !h.DisableChange() {
		return 0, kverrors.New(kverrors.CodeDisableChange, "region %d busy with another shape change", fromID)
	}
	defer h.EnableChange()

	if err := h.TransitState(meta.RegionStateNormal, meta.RegionStateSplitting); err != nil {
		return 0, err
	}
	restore := func() {
		if err := h.TransitState(meta.RegionStateSplitting, meta.RegionStateNormal); err != nil {
			log.Error("restore region state after failed split", zap.Uint64("region", fromID), zap.Error(err))
		}
	}

	if newRegionID == 0 {
		newRegionID = AllocRegionID()
	}
	child := &meta.Region{
		ID:          newRegionID,
		Epoch:       meta.RegionEpoch{ConfVersion: parent.Epoch.ConfVersion, Version: parent.Epoch.Version + 1},
		StartKey:    splitKey,
		EndKey:      parent.EndKey,
		State:       meta.RegionStateNormal,
		Peers:       parent.Peers,
		StoreEngine: parent.StoreEngine,
		Index:       parent.Index,
	}

	shrunk := parent
	shrunk.EndKey = splitKey
	shrunk.Epoch.Version++
	shrunk.State = meta.RegionStateNormal

	if _, err := s.CreateRegion(child); err != nil {
		restore()
		return 0, err
	}
	if err := s.registry.UpdateMeta(&shrunk); err != nil {
		restore()
		return 0, err
	}

	splitCounter.Inc()
	log.Info("region split",
		zap.Uint64("parent", fromID),
		zap.Uint64("child", newRegionID),
		zap.String("split_key", codec.ToHex(splitKey)),
		zap.Uint64("new_version", shrunk.Epoch.Version))
	return newRegionID, nil
}
