package zdb

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// DumpEntry is one key-value pair in a dump file.
type DumpEntry struct {
	Key   []byte
	Value Value
}

// crcWriter tees every write into a running CRC32.
type crcWriter struct {
	w   io.Writer
	crc hash.Hash32
	n   int64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.crc.Write(p[:n])
	c.n += int64(n)
	return n, err
}

// DumpWriter produces a dump file atomically: entries are written to a temp
// file in the destination directory, fsynced, and renamed into place by
// Finish. The CRC32 covers every byte from the file magic through the
// trailer magic inclusive.
type DumpWriter struct {
	file    *os.File
	buf     *bufio.Writer
	cw      *crcWriter
	ver     FormatVersion
	path    string
	tmpPath string
	count   uint64
}

// NewDumpWriter creates a dump writer targeting path, writing the header
// immediately.
func NewDumpWriter(path string, ver FormatVersion, flags uint16) (*DumpWriter, error) {
	if !ver.Valid() {
		return nil, &UnsupportedVersionError{Found: ver, Current: CurrentVersion, Hint: "unknown target version"}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}

	buf := bufio.NewWriterSize(tmp, 64*1024)
	cw := &crcWriter{w: buf, crc: crc32.NewIEEE()}

	w := &DumpWriter{
		file:    tmp,
		buf:     buf,
		cw:      cw,
		ver:     ver,
		path:    path,
		tmpPath: tmp.Name(),
	}

	var header [8]byte
	copy(header[0:4], FileMagic[:])
	binary.BigEndian.PutUint16(header[4:6], uint16(ver))
	binary.BigEndian.PutUint16(header[6:8], flags)
	if _, err := cw.Write(header[:]); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// AddEntry appends one key-value pair. Entries are written in the order
// presented; the reader never reorders.
func (w *DumpWriter) AddEntry(key []byte, v Value) error {
	if _, err := WriteUvarint(w.cw, uint64(len(key))); err != nil {
		return err
	}
	if _, err := w.cw.Write(key); err != nil {
		return err
	}
	if _, err := WriteValue(w.cw, v, w.ver); err != nil {
		return err
	}
	w.count++
	return nil
}

// AddCompressedEntry appends a pair with the value wrapped in a zstd frame
// when it is large enough to benefit.
func (w *DumpWriter) AddCompressedEntry(key []byte, v Value) error {
	buf := &countingBuffer{}
	if _, err := WriteValue(buf, v, w.ver); err != nil {
		return err
	}
	if !ShouldCompress(len(buf.data)) {
		return w.AddEntry(key, v)
	}
	if _, err := WriteUvarint(w.cw, uint64(len(key))); err != nil {
		return err
	}
	if _, err := w.cw.Write(key); err != nil {
		return err
	}
	if _, err := WriteCompressedValue(w.cw, v, w.ver); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of entries written so far.
func (w *DumpWriter) Count() uint64 { return w.count }

// Finish writes the trailer, fsyncs, and renames the temp file into place.
func (w *DumpWriter) Finish() error {
	if _, err := w.cw.Write(TrailerMagic[:]); err != nil {
		w.Abort()
		return err
	}
	// The CRC field itself is outside the checksummed range.
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], w.cw.crc.Sum32())
	if _, err := w.buf.Write(sum[:]); err != nil {
		w.Abort()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return err
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// Abort removes the temp file without publishing anything.
func (w *DumpWriter) Abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// WriteDump streams entries into a new dump file at path.
func WriteDump(path string, ver FormatVersion, entries []DumpEntry) error {
	w, err := NewDumpWriter(path, ver, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.AddEntry(e.Key, e.Value); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Finish()
}

// ReadDump loads a whole dump into memory. Large dumps should use Parser
// with a streaming handler instead.
func ReadDump(r io.Reader) ([]DumpEntry, error) {
	p, err := NewParser(r)
	if err != nil {
		return nil, err
	}
	h := NewCollectHandler()
	if err := p.Parse(h); err != nil {
		return nil, err
	}
	return h.Entries(), nil
}

// ReadDumpFile is ReadDump over a file path.
func ReadDumpFile(path string) ([]DumpEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDump(f)
}
