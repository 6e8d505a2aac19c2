package kverrors

import (
	"fmt"
)

// Code identifies an error class. Every error surfaced by the store carries
// one of these plus a human-readable message.
type Code string

const (
	// Not-found.
	CodeKeyNotFound           Code = "KEY_NOT_FOUND"
	CodeRegionNotFound        Code = "REGION_NOT_FOUND"
	CodeRaftNotFound          Code = "RAFT_NOT_FOUND"
	CodeVectorIndexNotFound   Code = "VECTOR_INDEX_NOT_FOUND"
	CodeVectorScalarNotFound  Code = "VECTOR_SCALAR_DATA_NOT_FOUND"
	CodeDocumentIndexNotFound Code = "DOCUMENT_INDEX_NOT_FOUND"

	// Leadership / placement.
	CodeNotLeader            Code = "NOT_LEADER"
	CodeRegionIDNotMatch     Code = "REGION_ID_NOT_MATCH"
	CodeRegionVersionChanged Code = "REGION_VERSION_CHANGED"

	// Validation.
	CodeIllegalParameters    Code = "ILLEGAL_PARAMETERS"
	CodeKeyEmpty             Code = "KEY_EMPTY"
	CodeRangeEmptyOrInverted Code = "RANGE_EMPTY_OR_INVERTED"

	// Transactional conflict.
	CodeWriteConflict           Code = "WRITE_CONFLICT"
	CodeKeyIsLocked             Code = "KEY_IS_LOCKED"
	CodeTxnLockNotFound         Code = "TXN_LOCK_NOT_FOUND"
	CodeTxnNotFound             Code = "TXN_NOT_FOUND"
	CodePessimisticLockNotFound Code = "PESSIMISTIC_LOCK_NOT_FOUND"
	CodeTTLExpired              Code = "TTL_EXPIRED"

	// Capacity / policy.
	CodeDisableChange    Code = "DISABLE_CHANGE"
	CodeClusterReadOnly  Code = "CLUSTER_READ_ONLY"
	CodeVectorNotSupport Code = "VECTOR_NOT_SUPPORT"

	// Infrastructure.
	CodeInternal             Code = "INTERNAL"
	CodeTimeout              Code = "TIMEOUT"
	CodeTransferLeaderFailed Code = "TRANSFER_LEADER_FAILED"
	CodeRaftInitFailed       Code = "RAFT_INIT_FAILED"
	CodeTsUnavailable        Code = "TS_UNAVAILABLE"
)

// LockInfo describes an encountered lock so the client can resolve it.
type LockInfo struct {
	PrimaryLock []byte
	LockTs      uint64
	Key         []byte
	LockTTL     uint64
	TxnSize     uint64
	ForUpdateTs uint64
	MinCommitTs uint64
}

// Error is the store's error type. Conflict errors may carry the lock that
// caused them; leadership errors carry a leader hint.
type Error struct {
	Code       Code
	Msg        string
	Lock       *LockInfo
	LeaderHint uint64
	ConflictTs uint64
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// KeyIsLocked builds a KEY_IS_LOCKED error carrying the blocking lock.
func KeyIsLocked(lock *LockInfo) *Error {
	return &Error{
		Code: CodeKeyIsLocked,
		Msg:  fmt.Sprintf("key is locked by txn %d", lock.LockTs),
		Lock: lock,
	}
}

// WriteConflict builds a WRITE_CONFLICT error recording the conflicting
// commit ts.
func WriteConflict(startTs, conflictTs uint64, key []byte) *Error {
	return &Error{
		Code:       CodeWriteConflict,
		Msg:        fmt.Sprintf("write conflict: txn %d saw commit at %d on key %x", startTs, conflictTs, key),
		ConflictTs: conflictTs,
	}
}

// NotLeader builds a NOT_LEADER error with the current leader if known.
func NotLeader(regionID, leader uint64) *Error {
	return &Error{
		Code:       CodeNotLeader,
		Msg:        fmt.Sprintf("region %d: not leader, hint %d", regionID, leader),
		LeaderHint: leader,
	}
}

// CodeOf extracts the Code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
