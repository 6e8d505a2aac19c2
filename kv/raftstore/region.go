package raftstore

import (
	"sync"
	"sync/atomic"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

// RegionHandle is the registry-owned runtime state of one region. State
// transitions are guarded by the handle's mutex and performed only on the
// leader.
type RegionHandle struct {
	mu     sync.Mutex
	region meta.Region

	// disableChange suppresses shape changes (split, merge) while a
	// higher-priority task runs. Only the task that sets it clears it; the
	// split executor sets it before proposing and clears it when the split
	// applies or fails.
	disableChange atomic.Bool

	approximateSize atomic.Int64
	keyCount        atomic.Int64

	// lastErr records the most recent apply failure for inspection; the
	// apply loop never aborts the process.
	lastErr atomic.Value
}

func newRegionHandle(region *meta.Region) *RegionHandle {
	h := &RegionHandle{region: *region}
	return h
}

// Meta returns a copy of the descriptor.
func (h *RegionHandle) Meta() meta.Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.region
}

func (h *RegionHandle) ID() uint64 {
	return h.Meta().ID
}

func (h *RegionHandle) setMeta(region *meta.Region) {
	h.mu.Lock()
	h.region = *region
	h.mu.Unlock()
}

// TransitState moves the region between lifecycle states, validating the
// source state.
func (h *RegionHandle) TransitState(from, to meta.RegionState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.region.State != from {
		return kverrors.New(kverrors.CodeRegionVersionChanged,
			"region %d is %s, not %s", h.region.ID, h.region.State, from)
	}
	h.region.State = to
	return nil
}

// DisableChange marks the region as closed to shape changes. It returns
// false when another task already holds the flag.
func (h *RegionHandle) DisableChange() bool {
	return h.disableChange.CompareAndSwap(false, true)
}

// EnableChange reopens the region to shape changes.
func (h *RegionHandle) EnableChange() {
	h.disableChange.Store(false)
}

// ChangeDisabled reports whether shape changes are currently suppressed.
func (h *RegionHandle) ChangeDisabled() bool {
	return h.disableChange.Load()
}

// SetApproximateSize records the scanned byte size of the region.
func (h *RegionHandle) SetApproximateSize(size int64) {
	h.approximateSize.Store(size)
}

func (h *RegionHandle) ApproximateSize() int64 {
	return h.approximateSize.Load()
}

// SetKeyCount records the scanned distinct-key count of the region.
func (h *RegionHandle) SetKeyCount(n int64) {
	h.keyCount.Store(n)
}

func (h *RegionHandle) KeyCount() int64 {
	return h.keyCount.Load()
}

// RecordError keeps the last apply error for inspection endpoints.
func (h *RegionHandle) RecordError(err error) {
	if err != nil {
		h.lastErr.Store(err.Error())
	}
}

// LastError returns the most recent recorded apply error, or "".
func (h *RegionHandle) LastError() string {
	if v := h.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}
