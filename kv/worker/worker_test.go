package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	order []int
}

func (h *recordingHandler) Handle(t Task) {
	h.mu.Lock()
	h.order = append(h.order, t.(int))
	h.mu.Unlock()
}

func TestWorkerPreservesTaskOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", &wg)
	handler := &recordingHandler{}
	w.Start(handler)

	for i := 0; i < 100; i++ {
		w.Sender() <- i
	}
	w.Stop()
	wg.Wait()

	require.Len(t, handler.order, 100)
	for i, got := range handler.order {
		require.Equal(t, i, got)
	}
}

type countingHandler struct {
	counter *atomic.Int64
}

func (h countingHandler) Handle(Task) {
	h.counter.Add(1)
}

func TestPoolDispatchesAcrossWorkers(t *testing.T) {
	var wg sync.WaitGroup
	var counter atomic.Int64
	pool := NewPool("test", 4, &wg, func(int) TaskHandler {
		return countingHandler{counter: &counter}
	})

	for i := 0; i < 200; i++ {
		pool.Dispatch(i)
	}
	pool.Stop()
	wg.Wait()
	require.Equal(t, int64(200), counter.Load())
}
