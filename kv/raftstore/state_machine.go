package raftstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/codec"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

// snapshotCFs are the families captured in a region snapshot. The meta CF
// is store-global and excluded.
var snapshotCFs = []string{
	engine_util.CfDefault, engine_util.CfData, engine_util.CfLock, engine_util.CfWrite,
	engine_util.CfVectorData, engine_util.CfVectorScalar, engine_util.CfVectorScalarSpeed,
	engine_util.CfVectorTable, engine_util.CfDocumentData, engine_util.CfDocumentScalar,
}

// snapshotBounds widens region bounds for timestamp-suffixed families.
func snapshotBounds(cf string, startKey, endKey []byte) (start, end []byte) {
	if !engine_util.VersionedCFs[cf] {
		return startKey, endKey
	}
	start = codec.EncodeKey(startKey, codec.TsMax)
	if len(endKey) > 0 {
		end = codec.EncodeKey(endKey, codec.TsMax)
	}
	return start, end
}

// regionStateMachine adapts one region to the raft library's on-disk state
// machine contract. Committed entries are decoded write commands applied to
// the shared engine; the applied index rides in the same atomic batch.
type regionStateMachine struct {
	regionID  uint64
	replicaID uint64
	db        engine_util.DB
	registry  *Registry
	applied   uint64
}

func newRegionStateMachine(db engine_util.DB, registry *Registry) sm.CreateOnDiskStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IOnDiskStateMachine {
		return &regionStateMachine{
			regionID:  shardID,
			replicaID: replicaID,
			db:        db,
			registry:  registry,
		}
	}
}

func (r *regionStateMachine) Open(stopc <-chan struct{}) (uint64, error) {
	value, err := r.db.GetCF(engine_util.CfMeta, meta.RaftAppliedKey(r.regionID))
	if err != nil {
		return 0, err
	}
	if value != nil {
		r.applied = binary.BigEndian.Uint64(value)
	}
	log.Info("region state machine opened",
		zap.Uint64("region", r.regionID),
		zap.Uint64("applied", r.applied))
	return r.applied, nil
}

// Update applies committed entries in log order. A failed entry records its
// error in the entry result and on the region handle; the loop never aborts
// the process.
func (r *regionStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	for i := range entries {
		entries[i].Result = r.applyEntry(&entries[i])
	}
	return entries, nil
}

func (r *regionStateMachine) applyEntry(entry *sm.Entry) sm.Result {
	cmd, err := decodeCommand(entry.Cmd)
	if err != nil {
		return r.failResult(applyInternal, err.Error())
	}
	if cmd.RegionID != r.regionID {
		return r.failResult(applyRegionIDMismatch,
			fmt.Sprintf("command for region %d applied to region %d", cmd.RegionID, r.regionID))
	}
	if h, err := r.registry.Get(r.regionID); err == nil {
		if current := h.Meta().Epoch; current.Version != cmd.Epoch.Version {
			return r.failResult(applyVersionChanged,
				fmt.Sprintf("region %d version %d, proposed at %d", r.regionID, current.Version, cmd.Epoch.Version))
		}
	}

	wb := engine_util.FromEntries(cmd.Entries)
	appliedBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(appliedBuf, entry.Index)
	wb.SetCF(engine_util.CfMeta, meta.RaftAppliedKey(r.regionID), appliedBuf)

	if err := r.db.Write(wb); err != nil {
		return r.failResult(applyInternal, err.Error())
	}
	r.applied = entry.Index
	return sm.Result{Value: applyOK}
}

func (r *regionStateMachine) failResult(code uint64, msg string) sm.Result {
	log.Error("apply failed",
		zap.Uint64("region", r.regionID),
		zap.Uint64("code", code),
		zap.String("msg", msg))
	if h, err := r.registry.Get(r.regionID); err == nil {
		h.RecordError(applyResultErr(code, msg))
	}
	return sm.Result{Value: code, Data: []byte(msg)}
}

func (r *regionStateMachine) Lookup(query interface{}) (interface{}, error) {
	// Reads are served from the engine on the leader; linearizable lookups
	// through the log are not used.
	return nil, nil
}

func (r *regionStateMachine) Sync() error {
	// Every apply batch commits with the engine's sync setting.
	return nil
}

type snapshotRow struct {
	Cf    string `json:"cf"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func (r *regionStateMachine) PrepareSnapshot() (interface{}, error) {
	return r.db.NewSnapshot(), nil
}

// SaveSnapshot streams the region's key range of every data-bearing CF.
func (r *regionStateMachine) SaveSnapshot(ctx interface{}, w io.Writer, done <-chan struct{}) error {
	reader := ctx.(engine_util.StorageReader)
	defer reader.Close()

	region, err := r.regionMeta()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, cf := range snapshotCFs {
		start, end := snapshotBounds(cf, region.StartKey, region.EndKey)
		iter := reader.IterCF(cf, engine_util.DefaultRange(start, end))
		for iter.SeekToFirst(); iter.Valid(); iter.Next() {
			select {
			case <-done:
				iter.Close()
				return sm.ErrSnapshotStopped
			default:
			}
			item := iter.Item()
			value, err := item.Value()
			if err != nil {
				iter.Close()
				return err
			}
			if err := enc.Encode(snapshotRow{Cf: cf, Key: item.KeyCopy(nil), Value: value}); err != nil {
				iter.Close()
				return err
			}
		}
		iter.Close()
	}
	return bw.Flush()
}

// RecoverFromSnapshot replaces the region's key range with the streamed
// rows.
func (r *regionStateMachine) RecoverFromSnapshot(reader io.Reader, done <-chan struct{}) error {
	region, err := r.regionMeta()
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	for _, cf := range snapshotCFs {
		start, end := snapshotBounds(cf, region.StartKey, region.EndKey)
		wb.DeleteRangeCF(cf, start, end)
	}

	dec := json.NewDecoder(bufio.NewReader(reader))
	for {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		var row snapshotRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		wb.SetCF(row.Cf, row.Key, row.Value)
	}
	return r.db.Write(wb)
}

func (r *regionStateMachine) regionMeta() (*meta.Region, error) {
	value, err := r.db.GetCF(engine_util.CfMeta, meta.RegionMetaKey(r.regionID))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("region %d descriptor missing", r.regionID)
	}
	return meta.UnmarshalRegion(value)
}

func (r *regionStateMachine) Close() error {
	return nil
}
