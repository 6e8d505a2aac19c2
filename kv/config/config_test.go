package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
	require.NoError(t, NewTestConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := NewDefaultConfig()
	c.Split.Policy = "WEIRD"
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.Split.SizeRatio = 1.5
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.TsProvider.BatchSize = 0
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.Engine.DBPath = ""
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.Raft.ElectionRTT = 1
	c.Raft.HeartbeatRTT = 2
	require.Error(t, c.Validate())
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.toml")
	content := `
store_addr = "10.0.0.1:20160"

[engine]
db_path = "/data/store"
block_cache_size_str = "128MB"

[split]
policy = "SIZE"
threshold_size = 1048576

[ts_provider]
batch_size = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:20160", c.StoreAddr)
	require.Equal(t, "/data/store", c.Engine.DBPath)
	require.Equal(t, int64(128*1024*1024), c.Engine.BlockCacheSize)
	require.Equal(t, SplitPolicySize, c.Split.Policy)
	require.Equal(t, uint64(1048576), c.Split.ThresholdSize)
	require.Equal(t, uint32(50), c.TsProvider.BatchSize)
	// Untouched sections keep their defaults.
	require.Equal(t, uint32(16), c.TsProvider.MaxRetryNum)
}

func TestFromFileBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.toml")
	require.NoError(t, os.WriteFile(path, []byte("[split]\npolicy = \"NOPE\"\n"), 0644))
	_, err := FromFile(path)
	require.Error(t, err)
}
