package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zumicdb/zumic/internal/aof"
	"github.com/zumicdb/zumic/internal/zdb"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// ErrLocked is returned when another process holds the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// StoreConfig assembles everything Open needs.
type StoreConfig struct {
	Shards     int
	SyncPolicy aof.SyncPolicy
	// FsyncEveryN is the record count between fsyncs under SyncEveryN.
	FsyncEveryN int
	// FsyncInterval is the fsync period under SyncPerInterval.
	FsyncInterval time.Duration
	Version       zdb.FormatVersion
	Limits        zdb.Limits
	Compaction    CompactionConfig
	SweepInterval time.Duration
}

// DefaultStoreConfig returns production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Shards:        16,
		SyncPolicy:    aof.SyncPerInterval,
		FsyncEveryN:   100,
		FsyncInterval: time.Second,
		Version:       zdb.CurrentVersion,
		Limits:        zdb.DefaultLimits(),
		Compaction:    DefaultCompactionConfig(),
		SweepInterval: 10 * time.Second,
	}
}

func (c StoreConfig) logConfig() aof.Config {
	return aof.Config{
		SyncPolicy: c.SyncPolicy,
		EveryN:     c.FsyncEveryN,
		Interval:   c.FsyncInterval,
		Version:    c.Version,
	}
}

// Store is the durable key-value store: a sharded in-memory index backed by
// snapshots plus an operation log. All methods are safe for concurrent use.
type Store struct {
	dir     string
	cfg     StoreConfig
	log     *zap.Logger
	index   *Index
	logPath string

	// gate serializes mutations against log rotation. Normal writes take
	// the read side; rotation takes the write side.
	gate sync.RWMutex
	logw *aof.Writer

	ops              atomic.Uint64
	recordsSinceSnap atomic.Uint64
	lastWriteNanos   atomic.Int64
	closed           atomic.Bool

	lockFile *os.File

	compactor *compactor
	sweepStop chan struct{}
	sweepDone chan struct{}

	recovery RecoveryStats
}

// Open locks dir, recovers state from the newest snapshot and the log tail,
// and starts the background compaction and expiry workers.
func Open(dir string, cfg StoreConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	ix := NewIndex(cfg.Shards)
	recovery, err := recoverState(dir, ix, cfg.Limits, log)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}

	logw, err := aof.Open(logPath(dir), cfg.logConfig(), log)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}

	s := &Store{
		dir:       dir,
		cfg:       cfg,
		log:       log,
		index:     ix,
		logPath:   logPath(dir),
		logw:      logw,
		lockFile:  lock,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		recovery:  recovery,
	}
	s.compactor = newCompactor(s, cfg.Compaction, log)
	s.compactor.start()

	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	} else {
		close(s.sweepDone)
	}
	return s, nil
}

func acquireLock(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, err
	}
	return f, nil
}

func releaseLock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			if n := s.index.SweepExpired(); n > 0 {
				s.log.Debug("expired entries swept", zap.Int("count", n))
			}
		}
	}
}

// RecoveryStats reports what the opening recovery pass applied.
func (s *Store) RecoveryStats() RecoveryStats { return s.recovery }

// Get returns the value for key.
func (s *Store) Get(key []byte) (zdb.Value, error) {
	if s.closed.Load() {
		return zdb.Value{}, ErrStoreClosed
	}
	return s.index.Get(key)
}

// Set durably stores key to v: the operation is logged before the index is
// updated.
func (s *Store) Set(key []byte, v zdb.Value) error {
	return s.setWithTTL(key, v, 0)
}

// SetWithTTL is Set with an expiry. The expiry lives in memory only; a
// restart resurrects the key until the next snapshot cycle drops it.
func (s *Store) SetWithTTL(key []byte, v zdb.Value, ttl time.Duration) error {
	return s.setWithTTL(key, v, ttl)
}

func (s *Store) setWithTTL(key []byte, v zdb.Value, ttl time.Duration) error {
	s.gate.RLock()
	if s.closed.Load() {
		s.gate.RUnlock()
		return ErrStoreClosed
	}
	if err := s.logw.AppendSet(key, v); err != nil {
		s.gate.RUnlock()
		return err
	}
	if ttl > 0 {
		s.index.SetWithTTL(key, v, ttl)
	} else {
		s.index.Set(key, v)
	}
	s.noteWrite(1)
	size := s.logw.Size()
	s.gate.RUnlock()

	s.compactor.maybeTrigger(size, s.recordsSinceSnap.Load())
	return nil
}

// Del removes key, reporting whether it existed.
func (s *Store) Del(key []byte) (bool, error) {
	s.gate.RLock()
	if s.closed.Load() {
		s.gate.RUnlock()
		return false, ErrStoreClosed
	}
	if err := s.logw.AppendDel(key); err != nil {
		s.gate.RUnlock()
		return false, err
	}
	existed := s.index.Del(key)
	s.noteWrite(1)
	size := s.logw.Size()
	s.gate.RUnlock()

	s.compactor.maybeTrigger(size, s.recordsSinceSnap.Load())
	return existed, nil
}

// MSet stores all pairs. The log carries one record per pair; the index
// applies them atomically with respect to readers of the touched shards.
func (s *Store) MSet(pairs []zdb.DumpEntry) error {
	s.gate.RLock()
	if s.closed.Load() {
		s.gate.RUnlock()
		return ErrStoreClosed
	}
	for _, p := range pairs {
		if err := s.logw.AppendSet(p.Key, p.Value); err != nil {
			s.gate.RUnlock()
			return err
		}
	}
	s.index.MSet(pairs)
	s.noteWrite(uint64(len(pairs)))
	size := s.logw.Size()
	s.gate.RUnlock()

	s.compactor.maybeTrigger(size, s.recordsSinceSnap.Load())
	return nil
}

// MGet reads all keys in one consistent pass. Missing keys yield nil slots.
func (s *Store) MGet(keys [][]byte) ([]*zdb.Value, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.index.MGet(keys), nil
}

// Range walks live entries; see Index.Range for consistency notes.
func (s *Store) Range(fn func(key []byte, v zdb.Value) bool) {
	s.index.Range(fn)
}

// Len returns the live entry count.
func (s *Store) Len() int { return s.index.Len() }

func (s *Store) noteWrite(n uint64) {
	s.ops.Add(n)
	s.recordsSinceSnap.Add(n)
	s.lastWriteNanos.Store(time.Now().UnixNano())
}

func (s *Store) dirtySince(t time.Time) bool {
	return s.lastWriteNanos.Load() > t.UnixNano()
}

// consistencyPoint copies the live entries under the write gate so the copy
// matches a single moment in the operation stream.
func (s *Store) consistencyPoint() ([]zdb.DumpEntry, uint64) {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.index.SnapshotEntries(), s.ops.Load()
}

// rotateLog replaces the operation log with a compact rewrite of the live
// state. Runs under the write gate, so no append can interleave. The log
// is rewritten from the current index rather than the snapshot copy, which
// folds in any writes that landed between the consistency point and now.
func (s *Store) rotateLog(_ uint64) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	entries := s.index.SnapshotEntries()
	if err := s.logw.Close(); err != nil {
		return err
	}
	if err := aof.Rewrite(s.logPath, s.cfg.Version, entries); err != nil {
		// Reopen the old log so writes keep appending somewhere durable.
		logw, oerr := aof.Open(s.logPath, s.cfg.logConfig(), s.log)
		if oerr != nil {
			return multierr.Append(err, oerr)
		}
		s.logw = logw
		return err
	}
	logw, err := aof.Open(s.logPath, s.cfg.logConfig(), s.log)
	if err != nil {
		return err
	}
	s.logw = logw
	s.recordsSinceSnap.Store(0)
	return nil
}

// Snapshot cuts a snapshot synchronously. The background compactor uses
// the same path; this is for explicit saves from the ops surface.
func (s *Store) Snapshot() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.compactor.compact()
}

// Snapshots lists snapshot files on disk, newest first.
func (s *Store) Snapshots() ([]string, error) {
	return ListSnapshots(s.dir)
}

// StoreStats is a point-in-time view of store health.
type StoreStats struct {
	Entries   int
	Shards    []ShardStats
	LogSize   int64
	Ops       uint64
	Snapshots int
}

// Stats assembles counters from the index and the log.
func (s *Store) Stats() StoreStats {
	snaps, _ := ListSnapshots(s.dir)
	return StoreStats{
		Entries:   s.index.Len(),
		Shards:    s.index.Stats(),
		LogSize:   s.logw.Size(),
		Ops:       s.ops.Load(),
		Snapshots: len(snaps),
	}
}

// Close stops the workers, flushes the log, and releases the directory
// lock. Safe to call once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}

	s.compactor.close()
	close(s.sweepStop)
	<-s.sweepDone

	s.gate.Lock()
	defer s.gate.Unlock()

	var errs error
	if err := s.logw.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	releaseLock(s.lockFile)
	s.log.Info("store closed", zap.Uint64("total_ops", s.ops.Load()))
	return errs
}
