package raftstore

import (
	"context"
	"encoding/json"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/meta"
)

// Command is one replicated write: the mutations of a single request plus
// the shape the proposer saw. The state machine rejects the command when
// the region's version moved underneath it.
type Command struct {
	RegionID uint64                   `json:"region_id"`
	Epoch    meta.RegionEpoch         `json:"epoch"`
	Entries  []engine_util.BatchEntry `json:"entries"`
}

func encodeCommand(cmd *Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	return data, errors.Trace(err)
}

func decodeCommand(data []byte) (*Command, error) {
	cmd := new(Command)
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, errors.Annotate(err, "decode raft command")
	}
	return cmd, nil
}

// Apply result codes carried through the raft entry result.
const (
	applyOK uint64 = iota
	applyVersionChanged
	applyRegionIDMismatch
	applyInternal
)

func applyResultErr(code uint64, msg string) error {
	switch code {
	case applyOK:
		return nil
	case applyVersionChanged:
		return kverrors.New(kverrors.CodeRegionVersionChanged, "%s", msg)
	case applyRegionIDMismatch:
		return kverrors.New(kverrors.CodeRegionIDNotMatch, "%s", msg)
	default:
		return kverrors.New(kverrors.CodeInternal, "%s", msg)
	}
}

// WriteFuture resolves exactly once when a proposed write applies (or
// fails). Synchronous callers wait on it; asynchronous callers register a
// callback goroutine themselves.
type WriteFuture struct {
	ch chan error
}

func newWriteFuture() *WriteFuture {
	return &WriteFuture{ch: make(chan error, 1)}
}

func (f *WriteFuture) resolve(err error) {
	f.ch <- err
}

// Wait blocks until the write applies.
func (f *WriteFuture) Wait() error {
	return <-f.ch
}

// WaitCtx blocks until the write applies or ctx expires. The proposal is
// not cancelled; the write may still apply later.
func (f *WriteFuture) WaitCtx(ctx context.Context) error {
	select {
	case err := <-f.ch:
		return err
	case <-ctx.Done():
		return kverrors.New(kverrors.CodeTimeout, "write wait: %v", ctx.Err())
	}
}
