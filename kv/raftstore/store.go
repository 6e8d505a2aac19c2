package raftstore

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4"
	dbconfig "github.com/lni/dragonboat/v4/config"
	"github.com/pingcap/log"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/docindex"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
	"github.com/yuhaijun999/dingo-store/kv/raftstore/scan"
	"github.com/yuhaijun999/dingo-store/kv/transaction"
	"github.com/yuhaijun999/dingo-store/kv/vectorindex"
)

// Store runs this node's regions: it recovers them at boot, replicates
// their writes, applies committed entries, and owns the split and scan
// machinery built on top.
type Store struct {
	conf      *config.Config
	db        engine_util.DB
	registry  *Registry
	replicaID uint64

	nh   *dragonboat.NodeHost
	nhMu sync.Mutex

	txnEngines      *xsync.MapOf[uint64, *transaction.Engine]
	vectorIndexes   *xsync.MapOf[uint64, *vectorindex.RegionIndex]
	documentIndexes *xsync.MapOf[uint64, *docindex.RegionIndex]
	scanSessions    *scan.Manager

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewStore(conf *config.Config, db engine_util.DB, replicaID uint64) *Store {
	return &Store{
		conf:            conf,
		db:              db,
		registry:        NewRegistry(db),
		replicaID:       replicaID,
		txnEngines:      xsync.NewMapOf[uint64, *transaction.Engine](),
		vectorIndexes:   xsync.NewMapOf[uint64, *vectorindex.RegionIndex](),
		documentIndexes: xsync.NewMapOf[uint64, *docindex.RegionIndex](),
		scanSessions:    scan.NewManager(conf.Region.ScanSessionTTL, conf.Region.ScanSessionSweepInterval),
		stopCh:          make(chan struct{}),
	}
}

func (s *Store) Registry() *Registry { return s.registry }

func (s *Store) DB() engine_util.DB { return s.db }

// Start recovers persisted regions and brings their replication online.
// Recovery is best effort: a region whose raft state cannot start is
// skipped with a warning.
func (s *Store) Start() error {
	handles, err := s.registry.LoadAll()
	if err != nil {
		return err
	}
	for _, h := range handles {
		region := h.Meta()
		if region.StoreEngine != meta.StoreEngineRaft {
			continue
		}
		if err := s.startRaftRegion(&region); err != nil {
			log.Warn("skip region with unrecoverable raft state",
				zap.Uint64("region", region.ID), zap.Error(err))
		}
	}
	s.startSplitChecker()
	return nil
}

func (s *Store) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	s.scanSessions.Stop()
	s.wg.Wait()
	s.nhMu.Lock()
	if s.nh != nil {
		s.nh.Close()
		s.nh = nil
	}
	s.nhMu.Unlock()
}

// nodeHost lazily starts the raft library host.
func (s *Store) nodeHost() (*dragonboat.NodeHost, error) {
	s.nhMu.Lock()
	defer s.nhMu.Unlock()
	if s.nh != nil {
		return s.nh, nil
	}
	raftDir := s.conf.Raft.LogPath
	if raftDir == "" {
		raftDir = filepath.Join(s.conf.Engine.DBPath, "raft")
	}
	nhc := dbconfig.NodeHostConfig{
		NodeHostDir:    raftDir,
		WALDir:         raftDir,
		RTTMillisecond: s.conf.Raft.RTTMillisecond,
		RaftAddress:    s.conf.Raft.Addr,
	}
	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return nil, kverrors.New(kverrors.CodeRaftInitFailed, "start raft host: %v", err)
	}
	s.nh = nh
	return nh, nil
}

func (s *Store) startRaftRegion(region *meta.Region) error {
	nh, err := s.nodeHost()
	if err != nil {
		return err
	}
	members := make(map[uint64]dragonboat.Target, len(region.Peers))
	for _, p := range region.Peers {
		members[p.ReplicaID] = dragonboat.Target(p.Addr)
	}
	rc := dbconfig.Config{
		ReplicaID:          s.replicaID,
		ShardID:            region.ID,
		CheckQuorum:        true,
		ElectionRTT:        s.conf.Raft.ElectionRTT,
		HeartbeatRTT:       s.conf.Raft.HeartbeatRTT,
		SnapshotEntries:    s.conf.Raft.SnapshotEntries,
		CompactionOverhead: s.conf.Raft.CompactionOverhead,
	}
	if err := nh.StartOnDiskReplica(members, false, newRegionStateMachine(s.db, s.registry), rc); err != nil {
		return kverrors.New(kverrors.CodeRaftInitFailed, "start region %d: %v", region.ID, err)
	}
	return nil
}

// CreateRegion registers a new region and, for RAFT regions, starts its
// replica.
func (s *Store) CreateRegion(region *meta.Region) (*RegionHandle, error) {
	if region.ID == 0 {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "region id must be set")
	}
	if len(region.EndKey) > 0 && string(region.StartKey) >= string(region.EndKey) {
		return nil, kverrors.New(kverrors.CodeRangeEmptyOrInverted,
			"region range [%x, %x)", region.StartKey, region.EndKey)
	}
	if region.State == "" || region.State == meta.RegionStateNew {
		region.State = meta.RegionStateNormal
	}
	h, err := s.registry.Register(region)
	if err != nil {
		return nil, err
	}
	if region.StoreEngine == meta.StoreEngineRaft {
		if err := s.startRaftRegion(region); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// QueryRegion returns a copy of the region descriptor.
func (s *Store) QueryRegion(regionID uint64) (meta.Region, error) {
	h, err := s.registry.Get(regionID)
	if err != nil {
		return meta.Region{}, err
	}
	return h.Meta(), nil
}

// IsLeader reports whether this node leads the region. Non-raft regions
// are always led locally.
func (s *Store) IsLeader(regionID uint64) (bool, uint64) {
	h, err := s.registry.Get(regionID)
	if err != nil {
		return false, 0
	}
	if h.Meta().StoreEngine != meta.StoreEngineRaft {
		return true, s.replicaID
	}
	s.nhMu.Lock()
	nh := s.nh
	s.nhMu.Unlock()
	if nh == nil {
		return false, 0
	}
	leaderID, _, valid, err := nh.GetLeaderID(regionID)
	if err != nil || !valid {
		return false, 0
	}
	return leaderID == s.replicaID, leaderID
}

// AsyncWrite proposes one atomic batch to the region and returns a future
// the apply loop resolves exactly once.
func (s *Store) AsyncWrite(ctx context.Context, regionID uint64, wb *engine_util.WriteBatch) *WriteFuture {
	future := newWriteFuture()
	h, err := s.registry.Get(regionID)
	if err != nil {
		future.resolve(err)
		return future
	}
	region := h.Meta()

	switch region.StoreEngine {
	case meta.StoreEngineRaft:
		s.proposeRaft(&region, wb, future)
	default:
		// MONO and MEMORY regions apply directly; ordering comes from the
		// engine's commit discipline.
		err := s.db.Write(wb)
		h.RecordError(err)
		future.resolve(err)
	}
	return future
}

// Write proposes and blocks until the apply loop fires the completion.
func (s *Store) Write(ctx context.Context, regionID uint64, wb *engine_util.WriteBatch) error {
	return s.AsyncWrite(ctx, regionID, wb).WaitCtx(ctx)
}

// proposeRaft submits the command with the configured propose timeout. An
// in-flight proposal cannot be cancelled; callers bound only their wait.
func (s *Store) proposeRaft(region *meta.Region, wb *engine_util.WriteBatch, future *WriteFuture) {
	s.nhMu.Lock()
	nh := s.nh
	s.nhMu.Unlock()
	if nh == nil {
		future.resolve(kverrors.New(kverrors.CodeRaftNotFound, "raft host not started for region %d", region.ID))
		return
	}
	leaderID, _, valid, err := nh.GetLeaderID(region.ID)
	if err != nil {
		future.resolve(kverrors.New(kverrors.CodeRaftNotFound, "region %d: %v", region.ID, err))
		return
	}
	if !valid || leaderID != s.replicaID {
		future.resolve(kverrors.NotLeader(region.ID, leaderID))
		return
	}

	cmd := &Command{RegionID: region.ID, Epoch: region.Epoch, Entries: wb.Entries()}
	data, err := encodeCommand(cmd)
	if err != nil {
		future.resolve(err)
		return
	}

	timeout := s.conf.Raft.ProposeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	session := nh.GetNoOPSession(region.ID)
	go func() {
		proposeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		result, err := nh.SyncPropose(proposeCtx, session, data)
		if err != nil {
			if proposeCtx.Err() != nil {
				future.resolve(kverrors.New(kverrors.CodeTimeout, "propose region %d: %v", region.ID, err))
				return
			}
			future.resolve(kverrors.New(kverrors.CodeInternal, "propose region %d: %v", region.ID, err))
			return
		}
		future.resolve(applyResultErr(result.Value, string(result.Data)))
	}()
}

// TxnEngine returns the region's transaction engine; its writes are
// proposed through the region's replication path.
func (s *Store) TxnEngine(regionID uint64) (*transaction.Engine, error) {
	if engine, ok := s.txnEngines.Load(regionID); ok {
		return engine, nil
	}
	if _, err := s.registry.Get(regionID); err != nil {
		return nil, err
	}
	engine, _ := s.txnEngines.LoadOrCompute(regionID, func() *transaction.Engine {
		return transaction.NewEngine(s.db, func(wb *engine_util.WriteBatch) error {
			return s.Write(context.Background(), regionID, wb)
		})
	})
	return engine, nil
}
