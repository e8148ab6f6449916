// Package aof implements the append-only operation log. Every mutation is
// appended before it is applied, and replayed in order on restart to rebuild
// state newer than the last snapshot.
//
// Record format:
//
//	+----------------+------------------+---------------------------+
//	| CRC32 (u32 LE) | length (u32 LE)  | payload (length bytes)    |
//	+----------------+------------------+---------------------------+
//
// The CRC covers the payload only. Payload layout:
//
//	opcode (1 byte) | key length (varint) | key | value (Set only)
package aof

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zumicdb/zumic/internal/zdb"
)

// Opcodes identifying each logged operation.
const (
	OpSet byte = 1
	OpDel byte = 2
)

// SyncPolicy determines when appended records reach stable storage.
type SyncPolicy int

const (
	// SyncPerInterval fsyncs on a fixed period from a background
	// goroutine. The period comes from Config.Interval.
	SyncPerInterval SyncPolicy = iota
	// SyncAlways fsyncs after every append.
	SyncAlways
	// SyncEveryN fsyncs once every Config.EveryN appended records.
	SyncEveryN
	// SyncNever leaves flushing to the OS.
	SyncNever
)

// Config controls writer behavior.
type Config struct {
	SyncPolicy SyncPolicy
	// EveryN is the record count between fsyncs under SyncEveryN.
	// Values below 1 behave like SyncAlways.
	EveryN int
	// Interval is the fsync period under SyncPerInterval. One second
	// when unset.
	Interval time.Duration
	Version  zdb.FormatVersion
}

// DefaultConfig returns the defaults used when the caller supplies nothing.
func DefaultConfig() Config {
	return Config{
		SyncPolicy: SyncPerInterval,
		Interval:   time.Second,
		Version:    zdb.CurrentVersion,
	}
}

// Writer appends operation records to the log file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	path   string
	size   int64
	policy SyncPolicy
	everyN int
	// unsynced counts records appended since the last fsync under
	// SyncEveryN.
	unsynced int
	interval time.Duration
	ver      zdb.FormatVersion
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// Open opens or creates the log at path for appending.
func Open(path string, cfg Config, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	w := &Writer{
		file:     file,
		buf:      bufio.NewWriterSize(file, 64*1024),
		path:     path,
		size:     info.Size(),
		policy:   cfg.SyncPolicy,
		everyN:   cfg.EveryN,
		interval: cfg.Interval,
		ver:      cfg.Version,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}

	if w.policy == SyncPerInterval {
		go w.syncLoop()
	} else {
		close(w.done)
	}
	return w, nil
}

func (w *Writer) syncLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				w.log.Warn("aof background sync failed", zap.Error(err))
			}
		case <-w.stop:
			return
		}
	}
}

// AppendSet logs a write of key to v.
func (w *Writer) AppendSet(key []byte, v zdb.Value) error {
	payload := &payloadBuffer{}
	payload.data = append(payload.data, OpSet)
	if _, err := zdb.WriteUvarint(payload, uint64(len(key))); err != nil {
		return err
	}
	payload.data = append(payload.data, key...)
	if _, err := zdb.WriteValue(payload, v, w.ver); err != nil {
		return err
	}
	return w.append(payload.data)
}

// AppendDel logs a deletion of key.
func (w *Writer) AppendDel(key []byte) error {
	payload := &payloadBuffer{}
	payload.data = append(payload.data, OpDel)
	if _, err := zdb.WriteUvarint(payload, uint64(len(key))); err != nil {
		return err
	}
	payload.data = append(payload.data, key...)
	return w.append(payload.data)
}

func (w *Writer) append(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(payload)))
	if _, err := w.buf.Write(head[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}
	w.size += int64(8 + len(payload))

	switch w.policy {
	case SyncAlways:
		return w.syncLocked()
	case SyncEveryN:
		w.unsynced++
		if w.unsynced >= w.everyN {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.unsynced = 0
	return w.file.Sync()
}

// Size returns the current log size in bytes, including buffered records.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Close flushes, fsyncs, and closes the log.
func (w *Writer) Close() error {
	close(w.stop)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Remove closes the log and deletes the file.
func (w *Writer) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

type payloadBuffer struct {
	data []byte
}

func (b *payloadBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
