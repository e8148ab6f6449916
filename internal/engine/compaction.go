package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zumicdb/zumic/internal/zdb"
)

// CompactionConfig controls when and how snapshots are cut.
type CompactionConfig struct {
	// MaxLogSize triggers compaction when the operation log grows past
	// this many bytes.
	MaxLogSize int64
	// MaxRecords triggers compaction after this many logged operations
	// since the last snapshot.
	MaxRecords uint64
	// MaxInterval forces a snapshot at least this often while dirty.
	MaxInterval time.Duration
	// Retain is how many finished snapshots to keep on disk.
	Retain int
	// Compress wraps large values in zstd frames inside the snapshot.
	Compress bool
	// Version is the dump format version snapshots are written at.
	Version zdb.FormatVersion
}

// DefaultCompactionConfig returns production defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		MaxLogSize:  64 * 1024 * 1024,
		MaxRecords:  100_000,
		MaxInterval: 5 * time.Minute,
		Retain:      3,
		Compress:    true,
		Version:     zdb.CurrentVersion,
	}
}

// snapshotPrefix names snapshot files snapshot-<unixnano>.zdb so
// lexicographic and chronological order agree.
const (
	snapshotPrefix = "snapshot-"
	snapshotExt    = ".zdb"
)

// SnapshotPath builds the file name for a snapshot cut at ts.
func SnapshotPath(dir string, ts int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", snapshotPrefix, ts, snapshotExt))
}

// ListSnapshots returns snapshot paths in the directory, newest first.
func ListSnapshots(dir string) ([]string, error) {
	pattern := filepath.Join(dir, snapshotPrefix+"*"+snapshotExt)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// compactor runs snapshot cuts in the background. Triggers collapse: a
// pending trigger while one is queued is dropped, the running cut already
// covers it.
type compactor struct {
	store  *Store
	cfg    CompactionConfig
	log    *zap.Logger
	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	lastSnapshot time.Time
	failures     int
}

func newCompactor(store *Store, cfg CompactionConfig, log *zap.Logger) *compactor {
	return &compactor{
		store:        store,
		cfg:          cfg,
		log:          log,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		lastSnapshot: time.Now(),
	}
}

func (c *compactor) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *compactor) close() {
	close(c.stop)
	c.wg.Wait()
}

// trigger requests a compaction without blocking the caller.
func (c *compactor) trigger() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// maybeTrigger checks thresholds after a write and queues a cut when any
// is exceeded.
func (c *compactor) maybeTrigger(logSize int64, recordsSinceSnap uint64) {
	if c.cfg.MaxLogSize > 0 && logSize >= c.cfg.MaxLogSize {
		c.trigger()
		return
	}
	if c.cfg.MaxRecords > 0 && recordsSinceSnap >= c.cfg.MaxRecords {
		c.trigger()
	}
}

func (c *compactor) run() {
	defer c.wg.Done()

	interval := c.cfg.MaxInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.notify:
			c.compactWithRetry()
		case <-ticker.C:
			if c.store.dirtySince(c.lastSnapshotTime()) {
				c.compactWithRetry()
			}
		}
	}
}

func (c *compactor) lastSnapshotTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot
}

// compactWithRetry cuts a snapshot, backing off on failure so a full disk
// does not turn into a hot loop.
func (c *compactor) compactWithRetry() {
	if err := c.compact(); err != nil {
		c.mu.Lock()
		c.failures++
		n := c.failures
		c.mu.Unlock()

		backoff := time.Duration(n) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		c.log.Error("compaction failed, backing off",
			zap.Error(err),
			zap.Int("consecutive_failures", n),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
			c.trigger()
		case <-c.stop:
		}
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
}

// compact cuts one snapshot: copy the live entries at a consistency point,
// write them to a new dump file, rotate the operation log, prune old
// snapshots.
func (c *compactor) compact() error {
	start := time.Now()
	entries, logMark := c.store.consistencyPoint()

	path := SnapshotPath(c.store.dir, start.UnixNano())
	w, err := zdb.NewDumpWriter(path, c.cfg.Version, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var aerr error
		if c.cfg.Compress {
			aerr = w.AddCompressedEntry(e.Key, e.Value)
		} else {
			aerr = w.AddEntry(e.Key, e.Value)
		}
		if aerr != nil {
			w.Abort()
			return aerr
		}
	}
	if err := w.Finish(); err != nil {
		return err
	}

	if err := c.store.rotateLog(logMark); err != nil {
		c.log.Warn("snapshot written but log rotation failed", zap.Error(err))
		return err
	}

	pruned := c.prune()
	c.log.Info("compaction finished",
		zap.String("snapshot", filepath.Base(path)),
		zap.Int("entries", len(entries)),
		zap.Int("pruned_snapshots", pruned),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// prune removes snapshots beyond the retention count, oldest first.
func (c *compactor) prune() int {
	retain := c.cfg.Retain
	if retain < 1 {
		retain = 1
	}
	snaps, err := ListSnapshots(c.store.dir)
	if err != nil {
		c.log.Warn("snapshot listing failed during prune", zap.Error(err))
		return 0
	}
	cut := retain
	if cut > len(snaps) {
		cut = len(snaps)
	}
	pruned := 0
	for _, path := range snaps[cut:] {
		if err := os.Remove(path); err != nil {
			c.log.Warn("snapshot prune failed", zap.String("path", path), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}
