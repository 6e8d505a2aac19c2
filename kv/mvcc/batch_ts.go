package mvcc

import (
	"fmt"
	"sync/atomic"
)

// BatchTs is a preallocated run of consecutive timestamps [startTs, endTs)
// reserved from the coordinator and issued locally. Nodes double as queue
// links; a zero-width node acts as a queue sentinel.
type BatchTs struct {
	physical int64
	startTs  uint64
	endTs    uint64

	nextToIssue atomic.Uint64
	next        atomic.Pointer[BatchTs]

	createTime int64
	deadTime   atomic.Int64
}

func newSentinelBatchTs() *BatchTs {
	return &BatchTs{createTime: nowMs()}
}

// NewBatchTs builds a batch covering count timestamps starting at
// (physical, logical).
func NewBatchTs(physical, logical int64, count uint32) *BatchTs {
	b := &BatchTs{
		physical:   physical,
		startTs:    ComposeTs(physical, logical),
		endTs:      ComposeTs(physical, logical+int64(count)),
		createTime: nowMs(),
	}
	b.nextToIssue.Store(b.startTs)
	return b
}

func (b *BatchTs) Physical() int64   { return b.physical }
func (b *BatchTs) CreateTime() int64 { return b.createTime }

// GetTs reserves the next unused timestamp of this batch, or 0 when the
// batch is exhausted.
func (b *BatchTs) GetTs() uint64 {
	ts := b.nextToIssue.Add(1) - 1
	if ts >= b.endTs {
		return 0
	}
	return ts
}

// Flush exhausts the batch so no further timestamps are issued from it.
func (b *BatchTs) Flush() {
	b.nextToIssue.Store(b.endTs)
}

// BatchTsList is a pair of lock-free singly-linked queues: active nodes
// with available timestamps and dead nodes awaiting reclamation after a
// grace interval. Queue manipulation follows the Michael-Scott pattern
// with helping on tail advancement.
type BatchTsList struct {
	head atomic.Pointer[BatchTs]
	tail atomic.Pointer[BatchTs]

	deadHead atomic.Pointer[BatchTs]
	deadTail atomic.Pointer[BatchTs]

	lastPhysical atomic.Int64
	activeCount  atomic.Int64
	deadCount    atomic.Int64

	staleIntervalMs int64
	cleanIntervalMs int64
}

func NewBatchTsList(staleIntervalMs, cleanIntervalMs int64) *BatchTsList {
	l := &BatchTsList{
		staleIntervalMs: staleIntervalMs,
		cleanIntervalMs: cleanIntervalMs,
	}
	sentinel := newSentinelBatchTs()
	l.head.Store(sentinel)
	l.tail.Store(sentinel)
	deadSentinel := newSentinelBatchTs()
	l.deadHead.Store(deadSentinel)
	l.deadTail.Store(deadSentinel)
	return l
}

// Push appends a batch to the active queue.
func (l *BatchTsList) Push(b *BatchTs) {
	for {
		tail := l.tail.Load()
		tailNext := tail.next.Load()
		if tail != l.tail.Load() {
			continue
		}
		if tailNext != nil {
			// Help a stalled producer move the tail forward.
			l.tail.CompareAndSwap(tail, tailNext)
			continue
		}
		if tail.next.CompareAndSwap(nil, b) {
			l.activeCount.Add(1)
			l.lastPhysical.Store(b.physical)
			return
		}
	}
}

// isStale reports whether a batch should be skipped even when non-empty:
// either it has outlived the stale interval, or its physical clock lags the
// newest observed batch by more than the stale interval.
func (l *BatchTsList) isStale(b *BatchTs) bool {
	if b.createTime+l.staleIntervalMs < nowMs() {
		return true
	}
	return b.physical+l.staleIntervalMs < l.lastPhysical.Load()
}

// GetTs issues the next timestamp greater than afterTs, or 0 when the
// active queue has nothing usable and a renew is needed.
func (l *BatchTsList) GetTs(afterTs uint64) uint64 {
	for {
		head := l.head.Load()
		tail := l.tail.Load()
		headNext := head.next.Load()

		if !l.isStale(head) {
			if ts := head.GetTs(); ts > afterTs && ts > 0 {
				return ts
			}
		}

		if headNext == nil {
			return 0
		}

		if head == tail {
			l.tail.CompareAndSwap(tail, headNext)
			continue
		}

		if l.head.CompareAndSwap(head, headNext) {
			l.activeCount.Add(-1)
			l.pushDead(head)
		}
	}
}

func (l *BatchTsList) pushDead(b *BatchTs) {
	b.next.Store(nil)
	b.deadTime.Store(nowMs())

	for {
		tail := l.deadTail.Load()
		tailNext := tail.next.Load()
		if tail != l.deadTail.Load() {
			continue
		}
		if tailNext != nil {
			l.deadTail.CompareAndSwap(tail, tailNext)
			continue
		}
		if tail.next.CompareAndSwap(nil, b) {
			l.deadCount.Add(1)
			return
		}
	}
}

// CleanDead detaches dead nodes whose grace interval has elapsed. Driven
// synchronously from the get/renew paths; there is no background timer.
func (l *BatchTsList) CleanDead() {
	for {
		head := l.deadHead.Load()
		tail := l.deadTail.Load()
		headNext := head.next.Load()

		cleanBefore := nowMs() - l.cleanIntervalMs
		if head.deadTime.Load() >= cleanBefore {
			return
		}
		if headNext == nil {
			return
		}
		if head == tail {
			l.deadTail.CompareAndSwap(tail, headNext)
			continue
		}
		if l.deadHead.CompareAndSwap(head, headNext) {
			l.deadCount.Add(-1)
		}
	}
}

// Flush exhausts every queued batch, forcing the next GetTs to renew.
// Used after a coordinator failover may have reissued timestamp ranges.
func (l *BatchTsList) Flush() {
	for {
		head := l.head.Load()
		tail := l.tail.Load()
		headNext := head.next.Load()

		head.Flush()

		if head == tail && headNext == nil {
			return
		}
		if head == tail {
			l.tail.CompareAndSwap(tail, headNext)
			continue
		}
		if l.head.CompareAndSwap(head, headNext) {
			l.activeCount.Add(-1)
		}
	}
}

// ActualCount walks the active queue. Debug only.
func (l *BatchTsList) ActualCount() int {
	count := 0
	for node := l.head.Load(); node != nil; node = node.next.Load() {
		count++
	}
	return count
}

// ActualDeadCount walks the dead queue. Debug only.
func (l *BatchTsList) ActualDeadCount() int {
	count := 0
	for node := l.deadHead.Load(); node != nil; node = node.next.Load() {
		count++
	}
	return count
}

// DebugInfo summarizes queue state for inspection endpoints.
func (l *BatchTsList) DebugInfo() string {
	return fmt.Sprintf("actual_count(%d) active_count(%d) actual_dead_count(%d) dead_count(%d)",
		l.ActualCount(), l.activeCount.Load(), l.ActualDeadCount(), l.deadCount.Load())
}
