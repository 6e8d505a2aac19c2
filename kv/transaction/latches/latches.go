package latches

import (
	"sync"
)

// Latches gives commands exclusive access to the keys they will write. A
// latch is a per-plain-key lock: commands that write to multiple keys/CFs
// latch every key up front so two commands cannot race on the same rows.
// This is not a transaction lock; it only covers one command's
// read-check-buffer-write window.
type Latches struct {
	latchMap   map[string]*sync.WaitGroup
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// acquire tries to latch every key at once. On conflict it returns a wait
// group of a current holder to wait on.
func (l *Latches) acquire(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if wg, ok := l.latchMap[string(key)]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = wg
	}
	return nil
}

// WaitForLatches blocks until all keys are latched by the caller.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.acquire(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// ReleaseLatches unlatches keys locked together by one WaitForLatches call
// and wakes waiters.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			if wg, ok := l.latchMap[string(key)]; ok {
				wg.Done()
			}
			first = false
		}
		delete(l.latchMap, string(key))
	}
}
