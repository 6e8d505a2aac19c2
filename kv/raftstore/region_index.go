package raftstore

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/docindex"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/raftstore/scan"
	"github.com/yuhaijun999/dingo-store/kv/vectorindex"
)

// VectorIndex returns the region's vector index wrapper, building it from
// the engine on first use.
func (s *Store) VectorIndex(regionID uint64) (*vectorindex.RegionIndex, error) {
	if idx, ok := s.vectorIndexes.Load(regionID); ok {
		return idx, nil
	}
	h, err := s.registry.Get(regionID)
	if err != nil {
		return nil, err
	}
	region := h.Meta()
	if region.Index == nil || region.Index.Vector == nil {
		return nil, kverrors.New(kverrors.CodeVectorIndexNotFound, "region %d has no vector index", regionID)
	}

	idx, loaded := s.vectorIndexes.LoadOrCompute(regionID, func() *vectorindex.RegionIndex {
		return vectorindex.New(regionID, *region.Index.Vector, s.db)
	})
	if !loaded {
		if err := idx.Build(codec.TsMax-1, region.StartKey, region.EndKey); err != nil {
			s.vectorIndexes.Delete(regionID)
			return nil, err
		}
	}
	return idx, nil
}

// DocumentIndex returns the region's document index wrapper, building it
// from the engine on first use.
func (s *Store) DocumentIndex(regionID uint64) (*docindex.RegionIndex, error) {
	if idx, ok := s.documentIndexes.Load(regionID); ok {
		return idx, nil
	}
	h, err := s.registry.Get(regionID)
	if err != nil {
		return nil, err
	}
	region := h.Meta()
	if region.Index == nil || region.Index.Document == nil {
		return nil, kverrors.New(kverrors.CodeDocumentIndexNotFound, "region %d has no document index", regionID)
	}

	idx, loaded := s.documentIndexes.LoadOrCompute(regionID, func() *docindex.RegionIndex {
		return docindex.New(regionID, *region.Index.Document, s.db)
	})
	if !loaded {
		if err := idx.Build(codec.TsMax-1, region.StartKey, region.EndKey); err != nil {
			s.documentIndexes.Delete(regionID)
			return nil, err
		}
	}
	return idx, nil
}

// ScanBegin opens a scan session over a region's range, rejecting a start
// key outside the region and clamping the end key to the region's end.
func (s *Store) ScanBegin(regionID uint64, cf string, ts uint64, startKey, endKey []byte, maxFetch int) (string, *scan.Batch, error) {
	h, err := s.registry.Get(regionID)
	if err != nil {
		return "", nil, err
	}
	region := h.Meta()
	if !region.ContainsKey(startKey) {
		return "", nil, kverrors.New(kverrors.CodeRegionIDNotMatch,
			"scan start %x outside region %d", startKey, regionID)
	}
	if isLeader, leader := s.IsLeader(regionID); !isLeader {
		return "", nil, kverrors.NotLeader(regionID, leader)
	}
	if len(region.EndKey) > 0 && (len(endKey) == 0 || bytes.Compare(endKey, region.EndKey) > 0) {
		endKey = region.EndKey
	}
	return s.scanSessions.Begin(regionID, mvcc.NewReader(s.db), cf, ts, startKey, endKey, nil, maxFetch)
}

// ScanContinue advances an open session.
func (s *Store) ScanContinue(scanID string, maxFetch int) (*scan.Batch, error) {
	return s.scanSessions.Continue(scanID, maxFetch)
}

// ScanRelease tears a session down; releasing twice is fine.
func (s *Store) ScanRelease(scanID string) {
	s.scanSessions.Release(scanID)
}
