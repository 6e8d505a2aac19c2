package engine_util

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yuhaijun999/dingo-store/kv/config"
)

// PebbleEngine is the persistent DB implementation.
type PebbleEngine struct {
	db   *pebble.DB
	path string
	sync bool

	// commitMu serializes read-modify-write primitives (CompareAndSet,
	// PutIfAbsent) against each other; plain writes go straight to the
	// engine's own commit pipeline.
	commitMu sync.Mutex

	ingestLimiter *rate.Limiter
}

// OpenPebbleEngine opens (or creates) the engine rooted at conf.DBPath.
func OpenPebbleEngine(conf *config.Engine) (*PebbleEngine, error) {
	if err := os.MkdirAll(conf.DBPath, 0755); err != nil {
		return nil, errors.Annotatef(err, "create db dir %s", conf.DBPath)
	}
	cache := pebble.NewCache(conf.BlockCacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(conf.WriteBufferSize),
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
	}
	db, err := pebble.Open(conf.DBPath, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open engine at %s", conf.DBPath)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if conf.IngestRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.IngestRateLimit), conf.IngestRateLimit)
	}

	log.Info("engine opened", zap.String("path", conf.DBPath))
	return &PebbleEngine{
		db:            db,
		path:          conf.DBPath,
		sync:          conf.SyncWrites,
		ingestLimiter: limiter,
	}, nil
}

func (e *PebbleEngine) writeOpt() *pebble.WriteOptions {
	if e.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (e *PebbleEngine) Path() string { return e.path }

func (e *PebbleEngine) GetCF(cf string, key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(KeyWithCF(cf, key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, nil
}

func (e *PebbleEngine) PutCF(cf string, key, value []byte) error {
	return errors.Trace(e.db.Set(KeyWithCF(cf, key), value, e.writeOpt()))
}

func (e *PebbleEngine) DeleteCF(cf string, key []byte) error {
	return errors.Trace(e.db.Delete(KeyWithCF(cf, key), e.writeOpt()))
}

func (e *PebbleEngine) DeleteRangeCF(cf string, startKey, endKey []byte) error {
	return errors.Trace(e.db.DeleteRange(KeyWithCF(cf, startKey), rangeEndWithCF(cf, endKey), e.writeOpt()))
}

func (e *PebbleEngine) Write(wb *WriteBatch) error {
	if wb.Len() == 0 {
		return nil
	}
	batch := e.db.NewBatch()
	defer batch.Close()
	for _, m := range wb.modifies {
		var err error
		switch m.kind {
		case modifyPut:
			err = batch.Set(KeyWithCF(m.cf, m.key), m.value, nil)
		case modifyDelete:
			err = batch.Delete(KeyWithCF(m.cf, m.key), nil)
		case modifyDeleteRange:
			err = batch.DeleteRange(KeyWithCF(m.cf, m.key), rangeEndWithCF(m.cf, m.endKey), nil)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(batch.Commit(e.writeOpt()))
}

func (e *PebbleEngine) CompareAndSet(cf string, key, expect, update []byte) (bool, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	cur, err := e.GetCF(cf, key)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, expect) {
		return false, nil
	}
	if err := e.PutCF(cf, key, update); err != nil {
		return false, err
	}
	return true, nil
}

func (e *PebbleEngine) PutIfAbsent(cf string, key, value []byte) (bool, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	cur, err := e.GetCF(cf, key)
	if err != nil {
		return false, err
	}
	if cur != nil {
		return false, nil
	}
	if err := e.PutCF(cf, key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (e *PebbleEngine) IterCF(cf string, opts IterOptions) DBIterator {
	return newPebbleIterator(e.db, nil, cf, opts, nil)
}

// pebbleSnapshot pins a pebble snapshot with a reference count shared by
// the reader handle and every iterator opened from it.
type pebbleSnapshot struct {
	snap *pebble.Snapshot
	refs int32
}

func (s *pebbleSnapshot) ref() {
	atomic.AddInt32(&s.refs, 1)
}

func (s *pebbleSnapshot) unref() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		_ = s.snap.Close()
	}
}

type pebbleSnapReader struct {
	shared *pebbleSnapshot
	closed bool
}

func (e *PebbleEngine) NewSnapshot() StorageReader {
	shared := &pebbleSnapshot{snap: e.db.NewSnapshot(), refs: 1}
	return &pebbleSnapReader{shared: shared}
}

func (r *pebbleSnapReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, closer, err := r.shared.snap.Get(KeyWithCF(cf, key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, nil
}

func (r *pebbleSnapReader) IterCF(cf string, opts IterOptions) DBIterator {
	r.shared.ref()
	return newPebbleIterator(nil, r.shared.snap, cf, opts, r.shared)
}

func (r *pebbleSnapReader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.shared.unref()
}

func (e *PebbleEngine) Checkpoint(dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.db.Checkpoint(dir))
}

func (e *PebbleEngine) ExportCF(cf string, dir string) ([]SstFileMeta, error) {
	if err := e.Checkpoint(dir); err != nil {
		return nil, err
	}
	lower, upper := cfKeyBounds(cf)
	levels, err := e.db.SSTables()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var metas []SstFileMeta
	for level, tables := range levels {
		for _, t := range tables {
			smallest := t.Smallest.UserKey
			largest := t.Largest.UserKey
			if bytes.Compare(largest, lower) < 0 || bytes.Compare(smallest, upper) >= 0 {
				continue
			}
			name := fmt.Sprintf("%s.sst", t.FileNum)
			metas = append(metas, SstFileMeta{
				Level:       level,
				Name:        name,
				Path:        filepath.Join(dir, name),
				SmallestKey: append([]byte{}, smallest...),
				LargestKey:  append([]byte{}, largest...),
			})
		}
	}
	return metas, nil
}

func (e *PebbleEngine) IngestCF(cf string, files []string) error {
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return errors.Annotatef(err, "stat sst %s", f)
		}
		if err := e.waitIngestQuota(info.Size()); err != nil {
			return errors.Trace(err)
		}
	}
	log.Info("ingest sst files", zap.String("cf", cf), zap.Int("count", len(files)))
	return errors.Trace(e.db.Ingest(files))
}

// waitIngestQuota consumes n bytes of ingest budget in burst-sized chunks.
func (e *PebbleEngine) waitIngestQuota(n int64) error {
	if e.ingestLimiter.Limit() == rate.Inf {
		return nil
	}
	burst := int64(e.ingestLimiter.Burst())
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := e.ingestLimiter.WaitN(context.Background(), int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (e *PebbleEngine) Close() error {
	return errors.Trace(e.db.Close())
}
