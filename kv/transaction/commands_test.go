package transaction

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(engine_util.NewMemEngine(), nil)
}

func mustPrewrite(t *testing.T, e *Engine, startTs uint64, primary string, kvs ...string) {
	t.Helper()
	req := prewriteReq(startTs, primary, kvs...)
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
}

func prewriteReq(startTs uint64, primary string, kvs ...string) *PrewriteRequest {
	req := &PrewriteRequest{
		PrimaryLock: []byte(primary),
		StartTs:     startTs,
		LockTtl:     1000,
	}
	for i := 0; i+1 < len(kvs); i += 2 {
		req.Mutations = append(req.Mutations, Mutation{Op: MutationPut, Key: []byte(kvs[i]), Value: []byte(kvs[i+1])})
	}
	return req
}

func TestPrewriteCommitGetVisibility(t *testing.T) {
	e := newTestEngine(t)

	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	val, err := e.Get(20, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val)

	val, err = e.Get(19, []byte("K"))
	require.NoError(t, err)
	require.Nil(t, val)

	val, err = e.Get(^uint64(0), []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val)
}

func TestLargeValueGoesThroughDataCF(t *testing.T) {
	e := newTestEngine(t)
	large := make([]byte, shortValueMaxLen*4)
	for i := range large {
		large[i] = byte(i)
	}

	req := &PrewriteRequest{
		PrimaryLock: []byte("K"),
		StartTs:     10,
		LockTtl:     1000,
		Mutations:   []Mutation{{Op: MutationPut, Key: []byte("K"), Value: large}},
	}
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	val, err := e.Get(25, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, large, val)
}

func TestEmptyValuePut(t *testing.T) {
	e := newTestEngine(t)
	req := &PrewriteRequest{
		PrimaryLock: []byte("K"),
		StartTs:     10,
		LockTtl:     1000,
		Mutations:   []Mutation{{Op: MutationPut, Key: []byte("K"), Value: nil}},
	}
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	// An empty put reads back as present-but-empty, not as missing.
	val, err := e.Get(25, []byte("K"))
	require.NoError(t, err)
	require.NotNil(t, val)
	require.Empty(t, val)
}

func TestIdempotentCommit(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")

	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	// Exactly one write record exists for the key.
	pairs, err := e.Scan(30, []byte("A"), []byte("Z"), 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
}

func TestIdempotentPrewrite(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	// The retry finds its own lock and succeeds.
	mustPrewrite(t, e, 10, "K", "K", "V")
}

func TestWriteConflict(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	result, err := e.Prewrite(prewriteReq(15, "K", "K", "V2"))
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
	require.Equal(t, kverrors.CodeWriteConflict, result.KeyErrors[0].Code)
	require.Equal(t, uint64(20), result.KeyErrors[0].ConflictTs)
}

func TestLockConflictCarriesLockInfo(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "P", "P", "V")

	result, err := e.Prewrite(prewriteReq(11, "P", "P", "V2"))
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
	keyErr := result.KeyErrors[0]
	require.Equal(t, kverrors.CodeKeyIsLocked, keyErr.Code)
	require.NotNil(t, keyErr.Lock)
	require.Equal(t, []byte("P"), keyErr.Lock.PrimaryLock)
	require.Equal(t, uint64(10), keyErr.Lock.LockTs)
}

func TestRollbackBlocksFutureCommit(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Rollback(10, [][]byte{[]byte("K")}))

	err := e.Commit(10, 30, [][]byte{[]byte("K")})
	require.Error(t, err)
	code := kverrors.CodeOf(err)
	require.True(t, code == kverrors.CodeTxnLockNotFound || code == kverrors.CodeTxnNotFound,
		"got %s", code)
}

func TestRollbackIdempotent(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Rollback(10, [][]byte{[]byte("K")}))
	require.NoError(t, e.Rollback(10, [][]byte{[]byte("K")}))
}

func TestRollbackFencesLatePrewrite(t *testing.T) {
	e := newTestEngine(t)
	// Rollback arrives before the prewrite it aborts.
	require.NoError(t, e.Rollback(10, [][]byte{[]byte("K")}))

	result, err := e.Prewrite(prewriteReq(10, "K", "K", "V"))
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
	require.Equal(t, kverrors.CodeWriteConflict, result.KeyErrors[0].Code)
}

func TestMvccSnapshotScan(t *testing.T) {
	e := newTestEngine(t)

	mustPrewrite(t, e, 10, "x", "x", "A")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("x")}))
	mustPrewrite(t, e, 30, "x", "x", "B")

	// A scan below the live lock's start ts sees the committed value.
	pairs, err := e.Scan(25, []byte("a"), []byte("z"), 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, []byte("x"), pairs[0].Key)
	require.Equal(t, []byte("A"), pairs[0].Value)

	// A scan above it trips over the lock.
	_, err = e.Scan(40, []byte("a"), []byte("z"), 0)
	require.Error(t, err)
	kvErr, ok := err.(*kverrors.Error)
	require.True(t, ok)
	require.Equal(t, kverrors.CodeKeyIsLocked, kvErr.Code)
	require.Equal(t, uint64(30), kvErr.Lock.LockTs)
}

func TestResolveRollback(t *testing.T) {
	e := newTestEngine(t)

	mustPrewrite(t, e, 10, "x", "x", "A")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("x")}))
	mustPrewrite(t, e, 30, "x", "x", "B")

	require.NoError(t, e.Rollback(30, [][]byte{[]byte("x")}))

	pairs, err := e.Scan(40, []byte("a"), []byte("z"), 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, []byte("A"), pairs[0].Value)

	err = e.Commit(30, 50, [][]byte{[]byte("x")})
	require.True(t, kverrors.Is(err, kverrors.CodeTxnLockNotFound))
}

func TestResolveLockCommitsAndRollsBack(t *testing.T) {
	e := newTestEngine(t)

	mustPrewrite(t, e, 10, "a", "a", "1", "b", "2")
	// Resolve with a commit ts finishes the transaction.
	require.NoError(t, e.ResolveLock(10, 20, nil))
	val, err := e.Get(25, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), val)

	mustPrewrite(t, e, 30, "c", "c", "3")
	// Resolve with commit ts 0 rolls back.
	require.NoError(t, e.ResolveLock(30, 0, nil))
	val, err = e.Get(40, []byte("c"))
	require.NoError(t, err)
	require.Nil(t, val)
}

func TestDeleteMutation(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	req := &PrewriteRequest{
		PrimaryLock: []byte("K"),
		StartTs:     30,
		LockTtl:     1000,
		Mutations:   []Mutation{{Op: MutationDelete, Key: []byte("K")}},
	}
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.NoError(t, e.Commit(30, 40, [][]byte{[]byte("K")}))

	val, err := e.Get(45, []byte("K"))
	require.NoError(t, err)
	require.Nil(t, val)
	val, err = e.Get(25, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val)
}

func TestOnePcCommit(t *testing.T) {
	e := newTestEngine(t)
	req := prewriteReq(10, "K", "K", "V")
	req.TryOnePc = true
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.Positive(t, result.OnePcCommitTs)

	val, err := e.Get(result.OnePcCommitTs, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val)
}

func TestOnePcFallsBackOnMaxCommitTs(t *testing.T) {
	e := newTestEngine(t)
	req := prewriteReq(10, "K", "K", "V")
	req.TryOnePc = true
	req.MinCommitTs = 100
	req.MaxCommitTs = 50
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.Zero(t, result.OnePcCommitTs)

	// The lock phase happened instead.
	require.NoError(t, e.Commit(10, 200, [][]byte{[]byte("K")}))
}

func TestPessimisticLockFlow(t *testing.T) {
	e := newTestEngine(t)

	lockResult, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:        [][]byte{[]byte("K")},
		PrimaryLock: []byte("K"),
		StartTs:     10,
		ForUpdateTs: 10,
		LockTtl:     1000,
	})
	require.NoError(t, err)
	require.Empty(t, lockResult.KeyErrors)

	// A conflicting transaction cannot lock the key.
	other, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:        [][]byte{[]byte("K")},
		PrimaryLock: []byte("K"),
		StartTs:     11,
		ForUpdateTs: 11,
	})
	require.NoError(t, err)
	require.Len(t, other.KeyErrors, 1)
	require.Equal(t, kverrors.CodeKeyIsLocked, other.KeyErrors[0].Code)

	// Prewrite must roll the pessimistic lock forward.
	req := &PrewriteRequest{
		PrimaryLock: []byte("K"),
		StartTs:     10,
		ForUpdateTs: 10,
		LockTtl:     1000,
		Mutations:   []Mutation{{Op: MutationPut, Key: []byte("K"), Value: []byte("V"), Pessimistic: true, ForUpdateTsCheck: 10}},
	}
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	val, err := e.Get(25, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val)
}

func TestPessimisticPrewriteWithoutLockFails(t *testing.T) {
	e := newTestEngine(t)
	req := &PrewriteRequest{
		PrimaryLock: []byte("K"),
		StartTs:     10,
		Mutations:   []Mutation{{Op: MutationPut, Key: []byte("K"), Value: []byte("V"), Pessimistic: true}},
	}
	result, err := e.Prewrite(req)
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
	require.Equal(t, kverrors.CodePessimisticLockNotFound, result.KeyErrors[0].Code)
}

func TestPessimisticLockWriteConflict(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	result, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:        [][]byte{[]byte("K")},
		PrimaryLock: []byte("K"),
		StartTs:     15,
		ForUpdateTs: 15,
	})
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
	require.Equal(t, kverrors.CodeWriteConflict, result.KeyErrors[0].Code)
}

func TestPessimisticLockReturnValues(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "K", "K", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("K")}))

	result, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:         [][]byte{[]byte("K")},
		PrimaryLock:  []byte("K"),
		StartTs:      30,
		ForUpdateTs:  30,
		ReturnValues: true,
	})
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
	require.Len(t, result.Values, 1)
	require.Equal(t, []byte("V"), result.Values[0])
}

func TestPessimisticRollback(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:        [][]byte{[]byte("K")},
		PrimaryLock: []byte("K"),
		StartTs:     10,
		ForUpdateTs: 10,
	})
	require.NoError(t, err)
	require.NoError(t, e.PessimisticRollback(10, 10, [][]byte{[]byte("K")}))

	// The key is free again.
	result, err := e.PessimisticLock(&PessimisticLockRequest{
		Keys:        [][]byte{[]byte("K")},
		PrimaryLock: []byte("K"),
		StartTs:     11,
		ForUpdateTs: 11,
	})
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
}

func TestCheckTxnStatus(t *testing.T) {
	e := newTestEngine(t)

	// Undefined probe inputs are rejected.
	_, err := e.CheckTxnStatus([]byte("P"), 10, 0, 0, false)
	require.True(t, kverrors.Is(err, kverrors.CodeIllegalParameters))

	// Live lock within TTL.
	mustPrewrite(t, e, 10<<18, "P", "P", "V")
	status, err := e.CheckTxnStatus([]byte("P"), 10<<18, 1, (11)<<18, false)
	require.NoError(t, err)
	require.Equal(t, TxnActionLockAlive, status.Action)
	require.Equal(t, uint64(1000), status.LockTtl)

	// Expired lock gets rolled back.
	status, err = e.CheckTxnStatus([]byte("P"), 10<<18, 1, (10+2000)<<18, false)
	require.NoError(t, err)
	require.Equal(t, TxnActionTTLExpireRollback, status.Action)

	// Probe again: the rollback record answers.
	status, err = e.CheckTxnStatus([]byte("P"), 10<<18, 1, (10+2000)<<18, false)
	require.NoError(t, err)
	require.Equal(t, TxnActionRolledBack, status.Action)
}

func TestCheckTxnStatusCommitted(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "P", "P", "V")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("P")}))

	status, err := e.CheckTxnStatus([]byte("P"), 10, 1, 100, false)
	require.NoError(t, err)
	require.Equal(t, TxnActionNone, status.Action)
	require.Equal(t, uint64(20), status.CommitTs)
}

func TestCheckTxnStatusNoLockFences(t *testing.T) {
	e := newTestEngine(t)
	status, err := e.CheckTxnStatus([]byte("P"), 10, 1, 100, false)
	require.NoError(t, err)
	require.Equal(t, TxnActionLockNotExistRollback, status.Action)

	// The fence blocks a late prewrite.
	result, err := e.Prewrite(prewriteReq(10, "P", "P", "V"))
	require.NoError(t, err)
	require.Len(t, result.KeyErrors, 1)
}

func TestCheckSecondaryLocks(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "P", "P", "V", "S1", "1", "S2", "2")
	require.NoError(t, e.Commit(10, 20, [][]byte{[]byte("S1")}))

	status, err := e.CheckSecondaryLocks([][]byte{[]byte("S1"), []byte("S2")}, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(20), status.CommitTs)
	require.Len(t, status.Locks, 1)
}

func TestTxnHeartBeat(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "P", "P", "V")

	ttl, err := e.TxnHeartBeat([]byte("P"), 10, 5000)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), ttl)

	// A shorter advise does not shrink the TTL.
	ttl, err = e.TxnHeartBeat([]byte("P"), 10, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), ttl)

	_, err = e.TxnHeartBeat([]byte("P"), 99, 100)
	require.True(t, kverrors.Is(err, kverrors.CodeTxnLockNotFound))
}

func TestGCKeepsNewestBelowSafePoint(t *testing.T) {
	e := newTestEngine(t)

	for i, commit := range []uint64{5, 15, 25} {
		start := commit - 2
		mustPrewrite(t, e, start, "K", "K", fmt.Sprintf("v%d", i+1))
		require.NoError(t, e.Commit(start, commit, [][]byte{[]byte("K")}))
	}

	require.NoError(t, e.GC(20))

	// v@15 survives as the newest version at or below the safe point.
	val, err := e.Get(17, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)

	// v@25 is above the safe point and untouched.
	val, err = e.Get(30, []byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), val)

	// v@5 is gone.
	val, err = e.Get(7, []byte("K"))
	require.NoError(t, err)
	require.Nil(t, val)
}

func TestGCDropsRollbackFences(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Rollback(10, [][]byte{[]byte("K")}))
	require.NoError(t, e.GC(20))

	// After GC the fence is gone, so the late prewrite succeeds.
	result, err := e.Prewrite(prewriteReq(10, "K", "K", "V"))
	require.NoError(t, err)
	require.Empty(t, result.KeyErrors)
}

func TestScanLocks(t *testing.T) {
	e := newTestEngine(t)
	mustPrewrite(t, e, 10, "a", "a", "1")
	mustPrewrite(t, e, 20, "b", "b", "2")
	mustPrewrite(t, e, 30, "c", "c", "3")

	locks, err := e.ScanLocks(20, 0)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	require.Equal(t, uint64(10), locks[0].LockTs)
	require.Equal(t, uint64(20), locks[1].LockTs)

	locks, err = e.ScanLocks(100, 1)
	require.NoError(t, err)
	require.Len(t, locks, 1)

	// The scan feeds resolution: roll the oldest one back.
	require.NoError(t, e.ResolveLock(10, 0, nil))
	locks, err = e.ScanLocks(100, 0)
	require.NoError(t, err)
	require.Len(t, locks, 2)
}

func TestConcurrentCommandsOnSameKey(t *testing.T) {
	e := newTestEngine(t)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(startTs uint64) {
			req := prewriteReq(startTs, "K", "K", "V")
			_, err := e.Prewrite(req)
			done <- err
		}(uint64(10 + i))
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// Exactly one of the two owns the lock.
	snap := e.db.NewSnapshot()
	defer snap.Close()
	lockValue, err := snap.GetCF(engine_util.CfLock, []byte("K"))
	require.NoError(t, err)
	require.NotNil(t, lockValue)
}
