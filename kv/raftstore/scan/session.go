package scan

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
)

// Batch is one RPC's worth of scan output.
type Batch struct {
	Kvs []mvcc.KeyValue
	// Done marks that the session's range is exhausted.
	Done bool
}

// Projection optionally transforms rows before they leave the server; a
// nil return drops the row.
type Projection func(key, value []byte) *mvcc.KeyValue

// Session parks one in-progress range scan between RPCs. The iterator
// stays pinned on its snapshot; no engine locks are held between calls.
type session struct {
	id         string
	regionID   uint64
	iter       *mvcc.Iterator
	projection Projection

	mu       sync.Mutex
	lastUsed time.Time
	done     bool
}

// Manager owns the store-wide session table, keyed by scan id, and its TTL
// sweeper. Sessions are not split into per-region tables; each session
// records its region id.
type Manager struct {
	sessions *xsync.MapOf[string, *session]
	ttl      time.Duration

	stopCh  chan struct{}
	stopped sync.Once
}

func NewManager(ttl, sweepInterval time.Duration) *Manager {
	m := &Manager{
		sessions: xsync.NewMapOf[string, *session](),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.sweep(sweepInterval)
	return m
}

func (m *Manager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
	m.sessions.Range(func(id string, _ *session) bool {
		m.Release(id)
		return true
	})
}

// Begin opens a session over the reader's range at ts and returns the scan
// id plus the first batch.
func (m *Manager) Begin(regionID uint64, reader *mvcc.Reader, cf string, ts uint64, startKey, endKey []byte, projection Projection, maxFetch int) (string, *Batch, error) {
	iter := reader.NewIterator(cf, ts, startKey, endKey)
	if err := iter.Err(); err != nil {
		iter.Close()
		return "", nil, err
	}
	sess := &session{
		id:         uuid.NewString(),
		regionID:   regionID,
		iter:       iter,
		projection: projection,
		lastUsed:   time.Now(),
	}
	batch, err := sess.fetch(maxFetch)
	if err != nil {
		iter.Close()
		return "", nil, err
	}
	if batch.Done {
		// fetch already tore the iterator down.
		return sess.id, batch, nil
	}
	m.sessions.Store(sess.id, sess)
	log.Debug("scan session opened", zap.String("scan_id", sess.id), zap.Uint64("region", regionID))
	return sess.id, batch, nil
}

// Continue advances an open session by up to maxFetch rows.
func (m *Manager) Continue(scanID string, maxFetch int) (*Batch, error) {
	sess, ok := m.sessions.Load(scanID)
	if !ok {
		return nil, kverrors.New(kverrors.CodeIllegalParameters, "unknown scan session %s", scanID)
	}
	batch, err := sess.fetch(maxFetch)
	if err != nil {
		m.Release(scanID)
		return nil, err
	}
	if batch.Done {
		m.Release(scanID)
	}
	return batch, nil
}

// Release tears a session down. Releasing an unknown or already-released
// session is a no-op.
func (m *Manager) Release(scanID string) {
	sess, ok := m.sessions.LoadAndDelete(scanID)
	if !ok {
		return
	}
	sess.mu.Lock()
	if !sess.done {
		sess.done = true
		sess.iter.Close()
	}
	sess.mu.Unlock()
	log.Debug("scan session released", zap.String("scan_id", scanID))
}

// Count returns the number of parked sessions.
func (m *Manager) Count() int {
	return m.sessions.Size()
}

func (m *Manager) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.sessions.Range(func(id string, sess *session) bool {
				sess.mu.Lock()
				expired := now.Sub(sess.lastUsed) > m.ttl
				sess.mu.Unlock()
				if expired {
					log.Info("scan session expired", zap.String("scan_id", id), zap.Uint64("region", sess.regionID))
					m.Release(id)
				}
				return true
			})
		}
	}
}

func (sess *session) fetch(maxFetch int) (*Batch, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.done {
		return &Batch{Done: true}, nil
	}
	sess.lastUsed = time.Now()

	if maxFetch <= 0 {
		maxFetch = 1024
	}
	batch := &Batch{}
	for len(batch.Kvs) < maxFetch && sess.iter.Valid() {
		key, value := sess.iter.Key(), sess.iter.Value()
		if sess.projection != nil {
			if kv := sess.projection(key, value); kv != nil {
				batch.Kvs = append(batch.Kvs, *kv)
			}
		} else {
			batch.Kvs = append(batch.Kvs, mvcc.KeyValue{Key: key, Value: value})
		}
		sess.iter.Next()
	}
	if err := sess.iter.Err(); err != nil {
		return nil, err
	}
	if !sess.iter.Valid() {
		batch.Done = true
		sess.done = true
		sess.iter.Close()
	}
	return batch, nil
}
