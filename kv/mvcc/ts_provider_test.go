package mvcc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

func newTestProvider(t *testing.T) (*TsProvider, *LocalTsoClient) {
	t.Helper()
	client := NewLocalTsoClient()
	p := NewTsProvider(client, config.NewTestConfig().TsProvider)
	t.Cleanup(p.Stop)
	return p, client
}

func TestComposeTs(t *testing.T) {
	ts := ComposeTs(1234, 56)
	require.Equal(t, int64(1234), PhysicalOf(ts))
	require.Equal(t, int64(56), LogicalOf(ts))
}

func TestGetTsStrictlyIncreasing(t *testing.T) {
	p, _ := newTestProvider(t)
	var prev uint64
	for i := 0; i < 1000; i++ {
		ts, err := p.GetTs(0)
		require.NoError(t, err)
		require.Greater(t, ts, prev)
		prev = ts
	}
}

func TestGetTsAfter(t *testing.T) {
	p, _ := newTestProvider(t)
	ts, err := p.GetTs(0)
	require.NoError(t, err)
	after, err := p.GetTs(ts)
	require.NoError(t, err)
	require.Greater(t, after, ts)
}

func TestGetTsConcurrentDistinct(t *testing.T) {
	p, _ := newTestProvider(t)
	const threads = 8
	const perThread = 2000

	results := make([][]uint64, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := make([]uint64, 0, perThread)
			for j := 0; j < perThread; j++ {
				ts, err := p.GetTs(0)
				if err != nil {
					t.Error(err)
					return
				}
				out = append(out, ts)
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, threads*perThread)
	for _, out := range results {
		for _, ts := range out {
			require.Positive(t, ts)
			require.False(t, seen[ts], "duplicate ts %d", ts)
			seen[ts] = true
		}
	}
	require.Len(t, seen, threads*perThread)
}

func TestBatchTsoUnderLoad(t *testing.T) {
	client := NewLocalTsoClient()
	conf := config.NewDefaultConfig().TsProvider
	conf.BatchSize = 100
	p := NewTsProvider(client, conf)
	defer p.Stop()

	const threads = 8
	const perThread = 10000

	results := make([][]uint64, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := make([]uint64, 0, perThread)
			for j := 0; j < perThread; j++ {
				ts, err := p.GetTs(0)
				if err != nil {
					t.Error(err)
					return
				}
				out = append(out, ts)
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, threads*perThread)
	for _, out := range results {
		for _, ts := range out {
			require.Positive(t, ts)
			require.False(t, seen[ts], "duplicate ts %d", ts)
			seen[ts] = true
		}
	}
	require.Len(t, seen, threads*perThread)
	require.LessOrEqual(t, client.RequestCount.Load(), int64(1200),
		"renew round-trips should amortize: got %d for %d timestamps", client.RequestCount.Load(), threads*perThread)
}

func TestFlushForcesRenew(t *testing.T) {
	p, client := newTestProvider(t)
	_, err := p.GetTs(0)
	require.NoError(t, err)
	before := client.RequestCount.Load()

	p.Flush()
	_, err = p.GetTs(0)
	require.NoError(t, err)
	require.Greater(t, client.RequestCount.Load(), before)
}

func TestStaleBatchSkipped(t *testing.T) {
	conf := config.NewTestConfig().TsProvider
	conf.BatchTsStaleInterval = 10 * time.Millisecond
	list := NewBatchTsList(conf.BatchTsStaleInterval.Milliseconds(), conf.CleanDeadInterval.Milliseconds())

	list.Push(NewBatchTs(100, 0, 10))
	ts := list.GetTs(0)
	require.Positive(t, ts)

	time.Sleep(30 * time.Millisecond)
	// The batch outlived its stale interval; even though it has unissued
	// timestamps, it is skipped and the queue reports empty.
	require.Zero(t, list.GetTs(0))
}

type failingTsoClient struct{}

func (failingTsoClient) GenTso(uint32) (Tso, uint32, error) {
	return Tso{}, 0, kverrors.New(kverrors.CodeTimeout, "coordinator unreachable")
}

func TestGetTsExhaustsRetries(t *testing.T) {
	conf := config.NewTestConfig().TsProvider
	conf.MaxRetryNum = 2
	conf.RenewMaxRetryNum = 1
	conf.SendRetryNum = 1
	p := NewTsProvider(failingTsoClient{}, conf)
	defer p.Stop()

	_, err := p.GetTs(0)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.CodeTsUnavailable))
}

func TestDeadListReclamation(t *testing.T) {
	list := NewBatchTsList(10000, 50)
	for i := 0; i < 5; i++ {
		list.Push(NewBatchTs(int64(100+i), 0, 1))
	}
	// Drain everything; exhausted nodes move to the dead queue.
	for list.GetTs(0) != 0 {
	}
	require.Greater(t, list.ActualDeadCount(), 1)

	// After the grace interval, reclamation detaches everything but the
	// trailing sentinel.
	time.Sleep(100 * time.Millisecond)
	list.CleanDead()
	require.Equal(t, 1, list.ActualDeadCount())
}
