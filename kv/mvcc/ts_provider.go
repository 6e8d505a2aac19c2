package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/worker"
)

// Tso is the coordinator's timestamp: a physical millisecond clock plus a
// logical counter.
type Tso struct {
	Physical int64
	Logical  int64
}

// TsoClient is the coordinator round-trip the provider consumes. A request
// asks for count consecutive timestamps; the response carries the first.
type TsoClient interface {
	GenTso(count uint32) (Tso, uint32, error)
}

// TsProvider amortizes coordinator round-trips by issuing timestamps from
// preallocated batches. GetTs is lock-free in the fast path; only an empty
// active queue triggers a synchronous renew.
type TsProvider struct {
	list   *BatchTsList
	client TsoClient
	conf   config.TsProvider

	renewWorker *worker.Worker
	renewEpoch  atomic.Uint64
	wg          sync.WaitGroup

	getCount     atomic.Int64
	getFailCount atomic.Int64
}

type renewTask struct {
	epoch uint64
	done  chan struct{}
}

func NewTsProvider(client TsoClient, conf config.TsProvider) *TsProvider {
	p := &TsProvider{
		list:   NewBatchTsList(conf.BatchTsStaleInterval.Milliseconds(), conf.CleanDeadInterval.Milliseconds()),
		client: client,
		conf:   conf,
	}
	p.renewWorker = worker.NewWorker("ts-renew", &p.wg)
	p.renewWorker.Start(&renewHandler{p: p})
	return p
}

func (p *TsProvider) Stop() {
	p.renewWorker.Stop()
	p.wg.Wait()
}

// GetTs returns the next unused timestamp strictly greater than afterTs and
// greater than every timestamp previously returned from this process. The
// get-path retry budget is authoritative: each empty read of the active
// queue consumes one retry, however many internal renew attempts it cost.
func (p *TsProvider) GetTs(afterTs uint64) (uint64, error) {
	for retry := uint32(0); retry < p.conf.MaxRetryNum; retry++ {
		if ts := p.list.GetTs(afterTs); ts > 0 {
			p.getCount.Add(1)
			tsIssuedCounter.Inc()
			return ts, nil
		}
		p.launchRenew(true)
	}

	p.getFailCount.Add(1)
	tsFailedCounter.Inc()
	log.Error("get ts retries exhausted", zap.Uint32("retries", p.conf.MaxRetryNum))
	return 0, kverrors.New(kverrors.CodeTsUnavailable, "timestamp batches exhausted after %d retries", p.conf.MaxRetryNum)
}

// Flush drops every queued batch. Called when the coordinator epoch moves.
func (p *TsProvider) Flush() {
	p.list.Flush()
}

func (p *TsProvider) launchRenew(sync bool) {
	task := &renewTask{epoch: p.renewEpoch.Load()}
	if sync {
		task.done = make(chan struct{})
	}
	p.renewWorker.Sender() <- task
	if sync {
		<-task.done
	}
}

// TriggerRenew requests an asynchronous refill of the active queue.
func (p *TsProvider) TriggerRenew() {
	p.launchRenew(false)
}

type renewHandler struct {
	p *TsProvider
}

func (h *renewHandler) Handle(t worker.Task) {
	task := t.(*renewTask)
	defer func() {
		if task.done != nil {
			close(task.done)
		}
	}()
	// A queued task whose epoch already moved raced with a completed renew;
	// the fresh batch it wanted is there.
	if task.epoch != h.p.renewEpoch.Load() {
		return
	}
	h.p.renewBatchTs()
}

func (p *TsProvider) renewBatchTs() {
	for retry := uint32(0); retry < p.conf.RenewMaxRetryNum; retry++ {
		batch, err := p.sendTsoRequest()
		if err != nil {
			log.Warn("tso request failed", zap.Error(err))
			time.Sleep(2 * time.Millisecond)
			continue
		}
		p.list.Push(batch)
		p.renewEpoch.Add(1)
		tsRenewCounter.Inc()
		p.list.CleanDead()
		return
	}
	log.Error("renew retries exhausted", zap.Uint32("retries", p.conf.RenewMaxRetryNum))
}

func (p *TsProvider) sendTsoRequest() (*BatchTs, error) {
	var lastErr error
	for retry := uint32(0); retry < p.conf.SendRetryNum; retry++ {
		tso, count, err := p.client.GenTso(p.conf.BatchSize)
		if err != nil {
			lastErr = err
			continue
		}
		log.Debug("tso response",
			zap.Int64("physical", tso.Physical),
			zap.Int64("logical", tso.Logical),
			zap.Uint32("count", count))
		return NewBatchTs(tso.Physical, tso.Logical, count), nil
	}
	return nil, lastErr
}

// DebugInfo summarizes provider state for inspection endpoints.
func (p *TsProvider) DebugInfo() string {
	return p.list.DebugInfo()
}

// GetTsCount reports issued timestamps; GetTsFailCount reports exhausted
// gets.
func (p *TsProvider) GetTsCount() int64     { return p.getCount.Load() }
func (p *TsProvider) GetTsFailCount() int64 { return p.getFailCount.Load() }

// LocalTsoClient is an in-process TSO used by tests and MONO deployments
// without a coordinator. It dispenses batches from the wall clock.
type LocalTsoClient struct {
	mu       sync.Mutex
	physical int64
	logical  int64

	// RequestCount tallies round-trips for observability in tests.
	RequestCount atomic.Int64
}

func NewLocalTsoClient() *LocalTsoClient {
	return &LocalTsoClient{}
}

func (c *LocalTsoClient) GenTso(count uint32) (Tso, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RequestCount.Add(1)

	now := nowMs()
	if now > c.physical {
		c.physical = now
		c.logical = 0
	}
	if c.logical+int64(count) >= 1<<logicalBits {
		// Logical space exhausted for this millisecond; move the clock.
		c.physical++
		c.logical = 0
	}
	tso := Tso{Physical: c.physical, Logical: c.logical}
	c.logical += int64(count)
	return tso, count, nil
}
