package engine_util

import "bytes"

// StorageReader is a read handle over a consistent view of the engine.
// Close must be called on every exit path; it drops the reader's snapshot
// reference.
type StorageReader interface {
	// GetCF returns the value of key in cf, or (nil, nil) when absent.
	GetCF(cf string, key []byte) ([]byte, error)
	// IterCF opens an iterator over cf. The iterator takes its own snapshot
	// reference and stays usable after the reader is closed.
	IterCF(cf string, opts IterOptions) DBIterator
	Close()
}

// SstFileMeta describes one exported SST for downstream ingest decisions.
type SstFileMeta struct {
	Level       int    `json:"level"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	SmallestKey []byte `json:"smallest_key"`
	LargestKey  []byte `json:"largest_key"`
}

// DB is the column-family aware engine handle the rest of the store builds
// on. Two implementations exist: the persistent sorted-key engine and an
// in-memory engine used by MEMORY regions and tests.
type DB interface {
	// GetCF returns the value of key in cf, or (nil, nil) when absent.
	GetCF(cf string, key []byte) ([]byte, error)
	// IterCF opens an iterator over the live state of cf.
	IterCF(cf string, opts IterOptions) DBIterator
	// NewSnapshot pins a consistent point-in-time view.
	NewSnapshot() StorageReader
	// Write applies all buffered mutations atomically.
	Write(wb *WriteBatch) error
	// PutCF writes one key.
	PutCF(cf string, key, value []byte) error
	// DeleteCF removes one key.
	DeleteCF(cf string, key []byte) error
	// DeleteRangeCF removes [startKey, endKey) in cf.
	DeleteRangeCF(cf string, startKey, endKey []byte) error
	// CompareAndSet atomically replaces the value of key when it currently
	// equals expect (nil expect means "absent"). Returns whether it swapped.
	CompareAndSet(cf string, key, expect, update []byte) (bool, error)
	// PutIfAbsent writes key only when it does not exist yet.
	PutIfAbsent(cf string, key, value []byte) (bool, error)
	// Checkpoint produces a hard-linked readable snapshot on disk.
	Checkpoint(dir string) error
	// ExportCF checkpoints cf and lists the SSTs overlapping it.
	ExportCF(cf string, dir string) ([]SstFileMeta, error)
	// IngestCF imports external SST files into cf's keyspace.
	IngestCF(cf string, files []string) error
	Path() string
	Close() error
}

// ExceedEndKey reports whether current is at or past endKey. An empty
// endKey means unbounded.
func ExceedEndKey(current, endKey []byte) bool {
	if len(endKey) == 0 {
		return false
	}
	return bytes.Compare(current, endKey) >= 0
}
