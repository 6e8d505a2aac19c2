package meta

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pingcap/errors"
)

// RegionState tracks a region through its lifecycle.
type RegionState string

const (
	RegionStateNew       RegionState = "NEW"
	RegionStateNormal    RegionState = "NORMAL"
	RegionStateStandby   RegionState = "STANDBY"
	RegionStateSplitting RegionState = "SPLITTING"
	RegionStateMerging   RegionState = "MERGING"
	RegionStateTombstone RegionState = "TOMBSTONE"
	RegionStateOrphan    RegionState = "ORPHAN"
)

// StoreEngineKind selects how a region replicates its writes.
type StoreEngineKind string

const (
	StoreEngineRaft   StoreEngineKind = "RAFT"
	StoreEngineMono   StoreEngineKind = "MONO"
	StoreEngineMemory StoreEngineKind = "MEMORY"
)

// RegionEpoch versions a region's shape. ConfVersion moves on membership
// change, Version on split or merge.
type RegionEpoch struct {
	ConfVersion uint64 `json:"conf_version"`
	Version     uint64 `json:"version"`
}

// Peer is one replica endpoint of a region.
type Peer struct {
	StoreID   uint64 `json:"store_id"`
	ReplicaID uint64 `json:"replica_id"`
	Addr      string `json:"addr"`
}

// VectorIndexParameter configures the vector index of a region.
type VectorIndexParameter struct {
	IndexType string `json:"index_type"`
	Dimension int    `json:"dimension"`
	// MetricType selects the distance: "L2" or "IP".
	MetricType string `json:"metric_type"`
	// ScalarSpeedupFields are scalar keys mirrored into the speedup family
	// for selective column scans.
	ScalarSpeedupFields []string `json:"scalar_speedup_fields,omitempty"`
}

// DocumentIndexParameter configures the document index of a region.
type DocumentIndexParameter struct {
	// TextFields are the searchable document fields.
	TextFields []string `json:"text_fields"`
}

// IndexParameter is set on index-bearing regions.
type IndexParameter struct {
	Vector   *VectorIndexParameter   `json:"vector,omitempty"`
	Document *DocumentIndexParameter `json:"document,omitempty"`
}

// Region is the unit of replication and split: a contiguous plain-key range
// plus its replica set and lifecycle state.
type Region struct {
	ID       uint64      `json:"id"`
	Epoch    RegionEpoch `json:"epoch"`
	StartKey []byte      `json:"start_key"`
	EndKey   []byte      `json:"end_key"`
	State    RegionState `json:"state"`
	Peers    []Peer      `json:"peers"`

	StoreEngine StoreEngineKind `json:"store_engine"`
	Index       *IndexParameter `json:"index,omitempty"`
}

// ContainsKey reports whether key falls in the region's range. An empty end
// key is unbounded above.
func (r *Region) ContainsKey(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

// CheckKeyInside requires key to lie strictly inside the range, excluding
// both boundaries. Split keys must satisfy this.
func (r *Region) CheckKeyInside(key []byte) bool {
	if bytes.Compare(key, r.StartKey) <= 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

func (r *Region) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.Trace(err)
}

func UnmarshalRegion(data []byte) (*Region, error) {
	r := new(Region)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.Annotate(err, "unmarshal region meta")
	}
	return r, nil
}

// RegionMetaKey is the meta-CF key of a region's descriptor.
func RegionMetaKey(regionID uint64) []byte {
	return []byte(fmt.Sprintf("region/%016d", regionID))
}

// RegionMetaPrefix bounds a scan over every region descriptor.
func RegionMetaPrefix() (start, end []byte) {
	return []byte("region/"), []byte("region0")
}

// RaftAppliedKey is the meta-CF key holding a region's applied log index.
func RaftAppliedKey(regionID uint64) []byte {
	return []byte(fmt.Sprintf("raft_applied/%016d", regionID))
}
