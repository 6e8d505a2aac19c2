package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

// SplitPolicy selects how the split checker picks a split key.
type SplitPolicy string

const (
	SplitPolicyHalf SplitPolicy = "HALF"
	SplitPolicySize SplitPolicy = "SIZE"
	SplitPolicyKeys SplitPolicy = "KEYS"
)

// Engine holds the sorted-key engine tuning knobs.
type Engine struct {
	DBPath          string `toml:"db_path"`
	BlockCacheSize  int64  `toml:"block_cache_size"`
	WriteBufferSize int    `toml:"write_buffer_size"`
	// BlockCacheSizeStr / WriteBufferSizeStr accept human-readable sizes
	// ("256MB") and take precedence when set.
	BlockCacheSizeStr  string `toml:"block_cache_size_str"`
	WriteBufferSizeStr string `toml:"write_buffer_size_str"`
	SyncWrites         bool   `toml:"sync_writes"`
	IngestRateLimit    int    `toml:"ingest_rate_limit"`
}

// Raft holds raft replication options.
type Raft struct {
	Addr                     string        `toml:"addr"`
	LogPath                  string        `toml:"log_path"`
	SegmentLogMaxSegmentSize uint64        `toml:"segmentlog_max_segment_size"`
	RTTMillisecond           uint64        `toml:"rtt_millisecond"`
	ElectionRTT              uint64        `toml:"election_rtt"`
	HeartbeatRTT             uint64        `toml:"heartbeat_rtt"`
	SnapshotEntries          uint64        `toml:"snapshot_entries"`
	CompactionOverhead       uint64        `toml:"compaction_overhead"`
	ProposeTimeout           time.Duration `toml:"propose_timeout"`
}

// Split holds split-check options.
type Split struct {
	Policy               SplitPolicy   `toml:"policy"`
	ThresholdSize        uint64        `toml:"threshold_size"`
	ChunkSize            uint64        `toml:"chunk_size"`
	SizeRatio            float64       `toml:"size_ratio"`
	KeysNumber           uint64        `toml:"keys_number"`
	KeysRatio            float64       `toml:"keys_ratio"`
	CheckApproximateSize bool          `toml:"check_approximate_size"`
	CheckTickInterval    time.Duration `toml:"check_tick_interval"`
	ApproximateThreshold uint64        `toml:"approximate_threshold"`
}

// TsProvider holds timestamp provider options.
type TsProvider struct {
	BatchSize            uint32        `toml:"batch_size"`
	SendRetryNum         uint32        `toml:"send_retry_num"`
	MaxRetryNum          uint32        `toml:"max_retry_num"`
	RenewMaxRetryNum     uint32        `toml:"renew_max_retry_num"`
	CleanDeadInterval    time.Duration `toml:"clean_dead_interval"`
	BatchTsStaleInterval time.Duration `toml:"batch_ts_stale_interval"`
}

// Region holds region lifecycle toggles.
type Region struct {
	EnableAutoSplit            bool          `toml:"enable_auto_split"`
	EnableSplitAndMergeForLite bool          `toml:"enable_region_split_and_merge_for_lite"`
	ScanSessionTTL             time.Duration `toml:"scan_session_ttl"`
	ScanSessionSweepInterval   time.Duration `toml:"scan_session_sweep_interval"`
}

// Config gathers every option the core consumes. It is bound at startup and
// treated as immutable afterwards.
type Config struct {
	StoreAddr       string   `toml:"store_addr"`
	CoordinatorAddr string   `toml:"coordinator_addr"`
	LogLevel        string   `toml:"log_level"`
	ColumnFamilies  []string `toml:"column_families"`

	Engine     Engine     `toml:"engine"`
	Raft       Raft       `toml:"raft"`
	Split      Split      `toml:"split"`
	TsProvider TsProvider `toml:"ts_provider"`
	Region     Region     `toml:"region"`
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:       "127.0.0.1:20160",
		CoordinatorAddr: "127.0.0.1:22001",
		LogLevel:        getLogLevel(),
		Engine: Engine{
			DBPath:          "/tmp/dingo-store",
			BlockCacheSize:  256 * int64(MB),
			WriteBufferSize: 64 * int(MB),
			SyncWrites:      true,
			IngestRateLimit: 0,
		},
		Raft: Raft{
			Addr:                     "127.0.0.1:20170",
			LogPath:                  "/tmp/dingo-store/raft",
			SegmentLogMaxSegmentSize: 8 * MB,
			RTTMillisecond:           100,
			ElectionRTT:              10,
			HeartbeatRTT:             2,
			SnapshotEntries:          10000,
			CompactionOverhead:       500,
			ProposeTimeout:           10 * time.Second,
		},
		Split: Split{
			Policy:               SplitPolicyHalf,
			ThresholdSize:        96 * MB,
			ChunkSize:            1 * MB,
			SizeRatio:            0.5,
			KeysNumber:           400000,
			KeysRatio:            0.5,
			CheckApproximateSize: true,
			CheckTickInterval:    10 * time.Second,
			ApproximateThreshold: 48 * MB,
		},
		TsProvider: TsProvider{
			BatchSize:            100,
			SendRetryNum:         8,
			MaxRetryNum:          16,
			RenewMaxRetryNum:     16,
			CleanDeadInterval:    3 * time.Second,
			BatchTsStaleInterval: 3 * time.Second,
		},
		Region: Region{
			EnableAutoSplit:            true,
			EnableSplitAndMergeForLite: false,
			ScanSessionTTL:             60 * time.Second,
			ScanSessionSweepInterval:   10 * time.Second,
		},
	}
}

// NewTestConfig shortens every interval so tests converge quickly.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.Engine.SyncWrites = false
	c.Split.CheckTickInterval = 100 * time.Millisecond
	c.Region.ScanSessionTTL = time.Second
	c.Region.ScanSessionSweepInterval = 50 * time.Millisecond
	c.TsProvider.CleanDeadInterval = 100 * time.Millisecond
	c.TsProvider.BatchTsStaleInterval = 500 * time.Millisecond
	return c
}

// FromFile loads a TOML config over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Annotatef(err, "decode config %s", path)
	}
	if err := c.resolveSizes(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) resolveSizes() error {
	if s := c.Engine.BlockCacheSizeStr; s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return errors.Annotatef(err, "parse block_cache_size_str %q", s)
		}
		c.Engine.BlockCacheSize = n
	}
	if s := c.Engine.WriteBufferSizeStr; s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return errors.Annotatef(err, "parse write_buffer_size_str %q", s)
		}
		c.Engine.WriteBufferSize = int(n)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Engine.DBPath == "" {
		return fmt.Errorf("engine.db_path must be set")
	}
	switch c.Split.Policy {
	case SplitPolicyHalf, SplitPolicySize, SplitPolicyKeys:
	default:
		return fmt.Errorf("unknown split policy %q", c.Split.Policy)
	}
	if c.Split.ChunkSize == 0 {
		return fmt.Errorf("split.chunk_size must be greater than 0")
	}
	if c.Split.SizeRatio <= 0 || c.Split.SizeRatio >= 1 {
		return fmt.Errorf("split.size_ratio must be in (0, 1)")
	}
	if c.TsProvider.BatchSize == 0 {
		return fmt.Errorf("ts_provider.batch_size must be greater than 0")
	}
	if c.Raft.ElectionRTT <= c.Raft.HeartbeatRTT {
		return fmt.Errorf("raft.election_rtt must be greater than raft.heartbeat_rtt")
	}
	return nil
}
