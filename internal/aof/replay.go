package aof

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zumicdb/zumic/internal/zdb"
)

// Op is one replayed operation.
type Op struct {
	Code  byte
	Key   []byte
	Value zdb.Value // meaningful for OpSet only
}

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Records        uint64
	BytesReplayed  int64
	TailTruncated  bool
	TruncatedBytes int64
}

// ReplayOptions adjust replay behavior.
type ReplayOptions struct {
	Version zdb.FormatVersion
	Limits  zdb.Limits
	// RepairTail truncates the file to the last complete record when the
	// log ends mid-record. A torn final record is the normal signature of
	// a crash during append.
	RepairTail bool
	Logger     *zap.Logger
}

// DefaultReplayOptions returns the options used by recovery.
func DefaultReplayOptions() ReplayOptions {
	return ReplayOptions{
		Version:    zdb.CurrentVersion,
		Limits:     zdb.DefaultLimits(),
		RepairTail: true,
	}
}

// Replay reads the log at path and delivers each operation to fn in append
// order. A missing file replays zero records. A torn tail is tolerated (and
// repaired when RepairTail is set). A bad record with intact data after it
// means the file was not merely cut short, so replaying past it would
// reorder history; that fails with a zdb.CorruptedDataError carrying the
// record offset and failure reason.
func Replay(path string, opts ReplayOptions, fn func(Op) error) (ReplayStats, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var stats ReplayStats

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return stats, err
	}
	total := info.Size()

	reader := bufio.NewReaderSize(file, 64*1024)
	var offset int64 // start of the record currently being read

	for {
		var head [8]byte
		n, err := io.ReadFull(reader, head[:])
		if err == io.EOF {
			break // clean end on a record boundary
		}
		if err != nil {
			// Torn header at the tail.
			return finishTail(path, file, log, stats, offset, total, opts.RepairTail, int64(n))
		}
		checksum := binary.LittleEndian.Uint32(head[0:4])
		length := binary.LittleEndian.Uint32(head[4:8])

		payload := make([]byte, length)
		pn, err := io.ReadFull(reader, payload)
		if err != nil {
			return finishTail(path, file, log, stats, offset, total, opts.RepairTail, 8+int64(pn))
		}

		if crc32.ChecksumIEEE(payload) != checksum {
			// A full record is present but its checksum fails. If this is
			// the final record it is still just a torn tail; anything
			// after it means real mid-log damage.
			if offset+8+int64(length) >= total {
				return finishTail(path, file, log, stats, offset, total, opts.RepairTail, 8+int64(length))
			}
			return stats, corruptionAt(&zdb.CorruptedDataError{Hint: "record checksum mismatch"}, offset)
		}

		op, err := decodeOp(payload, opts)
		if err != nil {
			if offset+8+int64(length) >= total {
				return finishTail(path, file, log, stats, offset, total, opts.RepairTail, 8+int64(length))
			}
			return stats, corruptionAt(err, offset)
		}

		if err := fn(op); err != nil {
			return stats, err
		}
		offset += 8 + int64(length)
		stats.Records++
		stats.BytesReplayed = offset
	}

	return stats, nil
}

// finishTail records a torn final record and optionally truncates it away.
func finishTail(path string, file *os.File, log *zap.Logger, stats ReplayStats, goodEnd, total int64, repair bool, torn int64) (ReplayStats, error) {
	stats.TailTruncated = true
	stats.TruncatedBytes = total - goodEnd
	stats.BytesReplayed = goodEnd
	log.Warn("aof ends mid-record, dropping torn tail",
		zap.String("path", path),
		zap.Int64("good_bytes", goodEnd),
		zap.Int64("torn_bytes", stats.TruncatedBytes))

	if repair {
		file.Close()
		if err := os.Truncate(path, goodEnd); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// corruptionAt shapes a record failure into the mid-log corruption error
// surfaced to recovery, pinning the record offset and preserving whatever
// the decoder learned (tag, key, specific reason) in the hint chain.
func corruptionAt(err error, offset int64) error {
	e := &zdb.CorruptedDataError{Offset: offset, Hint: "AOF corruption; restore from snapshot"}
	var ce *zdb.CorruptedDataError
	switch {
	case errors.As(err, &ce):
		e.Tag, e.HasTag, e.Key = ce.Tag, ce.HasTag, ce.Key
		if ce.Hint != "" {
			e.Hint = ce.Hint + "; AOF corruption; restore from snapshot"
		}
	case err != nil:
		e.Hint = err.Error() + "; AOF corruption; restore from snapshot"
	}
	return e
}

// withKey attaches the record key to a decode error when the value codec
// did not already name one.
func withKey(err error, key []byte) error {
	var ce *zdb.CorruptedDataError
	if errors.As(err, &ce) && ce.Key == "" {
		e := *ce
		e.Key = string(key)
		return &e
	}
	return err
}

func decodeOp(payload []byte, opts ReplayOptions) (Op, error) {
	if len(payload) < 2 {
		return Op{}, &zdb.CorruptedDataError{Hint: "record too short"}
	}
	r := bytes.NewReader(payload)

	code, _ := r.ReadByte()
	if code != OpSet && code != OpDel {
		return Op{}, &zdb.CorruptedDataError{Hint: fmt.Sprintf("unknown opcode 0x%02X", code)}
	}

	keyLen, err := zdb.ReadUvarint(r)
	if err != nil {
		return Op{}, &zdb.CorruptedDataError{Hint: "bad key length: " + err.Error()}
	}
	if keyLen > opts.Limits.MaxStringSize || keyLen > uint64(r.Len()) {
		return Op{}, &zdb.CorruptedDataError{Hint: "key length out of range"}
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Op{}, &zdb.CorruptedDataError{Hint: "short key: " + err.Error()}
	}

	op := Op{Code: code, Key: key}
	if code == OpSet {
		v, err := zdb.ReadValueLimits(r, opts.Version, opts.Limits)
		if err != nil {
			return Op{}, withKey(err, key)
		}
		op.Value = v
	}
	if r.Len() != 0 {
		return Op{}, &zdb.CorruptedDataError{Key: string(key), Hint: "trailing bytes in record"}
	}
	return op, nil
}

// Rewrite writes a compact log at path containing one Set per live entry,
// atomically replacing any previous log.
func Rewrite(path string, ver zdb.FormatVersion, entries []zdb.DumpEntry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".rewrite-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	buf := bufio.NewWriterSize(tmp, 64*1024)
	for _, e := range entries {
		payload := &payloadBuffer{}
		payload.data = append(payload.data, OpSet)
		if _, err := zdb.WriteUvarint(payload, uint64(len(e.Key))); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		payload.data = append(payload.data, e.Key...)
		if _, err := zdb.WriteValue(payload, e.Value, ver); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}

		var head [8]byte
		binary.LittleEndian.PutUint32(head[0:4], crc32.ChecksumIEEE(payload.data))
		binary.LittleEndian.PutUint32(head[4:8], uint32(len(payload.data)))
		if _, err := buf.Write(head[:]); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := buf.Write(payload.data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := buf.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

