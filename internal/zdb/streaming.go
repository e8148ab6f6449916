package zdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
)

// ErrorAction tells the parser how to proceed after a handler reported a
// failure for one entry.
type ErrorAction int

const (
	// Abort stops parsing and surfaces the error to the caller.
	Abort ErrorAction = iota
	// Continue ignores the failure and keeps parsing.
	Continue
	// SkipEntry drops the offending entry and keeps parsing.
	SkipEntry
)

// Handler receives parse events. OnError is only consulted for handler-level
// failures; structural corruption in the stream itself always aborts because
// entries are not individually framed and there is no point to resync at.
type Handler interface {
	OnHeader(ver FormatVersion, flags uint16) error
	OnEntry(key []byte, v Value) error
	OnEnd(stats Stats) error
	OnError(key []byte, err error) ErrorAction
}

// Stats summarizes one completed parse.
type Stats struct {
	Records   uint64
	Bytes     int64
	Version   FormatVersion
	Flags     uint16
	CRCOK     bool
	Truncated bool
}

// crcReader counts and checksums every byte consumed from the underlying
// buffered reader. Peek goes straight to the bufio.Reader so lookahead never
// pollutes the CRC.
type crcReader struct {
	br  *bufio.Reader
	crc hash.Hash32
	n   int64
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.crc.Write(p[:n])
	c.n += int64(n)
	return n, err
}

// Parser streams entries out of a dump file, verifying the trailing CRC32.
type Parser struct {
	cr     *crcReader
	ver    FormatVersion
	flags  uint16
	limits Limits
	stats  Stats
}

// ParserOption adjusts parser behavior.
type ParserOption func(*parserOptions)

type parserOptions struct {
	limits      Limits
	allowLegacy bool
}

// WithLimits overrides the default decode safety caps.
func WithLimits(l Limits) ParserOption {
	return func(o *parserOptions) { o.limits = l }
}

// AllowLegacy turns off the legacy dump check: a stream without the file
// magic is then refused at the header as a bad file magic (CorruptedDataError)
// rather than as an UnsupportedVersionError. Legacy dumps are never decoded.
func AllowLegacy() ParserOption {
	return func(o *parserOptions) { o.allowLegacy = true }
}

// NewParser reads and validates the dump header. Streams whose first bytes
// look like a bare value tag rather than the file magic are assumed to be
// legacy pre-versioning dumps and refused unless AllowLegacy is set.
func NewParser(r io.Reader, opts ...ParserOption) (*Parser, error) {
	o := parserOptions{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(&o)
	}

	cr := &crcReader{br: bufio.NewReaderSize(r, 64*1024), crc: crc32.NewIEEE()}

	head, err := cr.br.Peek(4)
	if err != nil {
		return nil, eofErr(0, "stream ended inside file header")
	}
	if !bytes.Equal(head, FileMagic[:]) {
		if looksLikeLegacyDump(head[0]) && !o.allowLegacy {
			return nil, &UnsupportedVersionError{
				Found:   0,
				Current: CurrentVersion,
				Hint:    "no file magic; stream looks like a legacy dump without a header",
			}
		}
		return nil, corrupted(head[0], false, 0, "bad file magic")
	}

	var header [8]byte
	if _, err := io.ReadFull(cr, header[:]); err != nil {
		return nil, eofErr(cr.n, "stream ended inside file header")
	}
	ver := FormatVersion(binary.BigEndian.Uint16(header[4:6]))
	flags := binary.BigEndian.Uint16(header[6:8])
	if !CurrentVersion.canReadVersion(ver) {
		return nil, &UnsupportedVersionError{
			Found:   ver,
			Current: CurrentVersion,
			Hint:    "dump written by a newer or unknown format version; consider migration tool",
		}
	}

	return &Parser{
		cr:     cr,
		ver:    ver,
		flags:  flags,
		limits: o.limits,
		stats:  Stats{Version: ver, Flags: flags},
	}, nil
}

// looksLikeLegacyDump reports whether b is plausible as the first byte of a
// headerless dump, which always started with a value tag.
func looksLikeLegacyDump(b byte) bool {
	return b >= TagStr && b <= TagGeo
}

// Version returns the format version declared in the header.
func (p *Parser) Version() FormatVersion { return p.ver }

// Flags returns the header flags field.
func (p *Parser) Flags() uint16 { return p.flags }

// Parse consumes the whole stream, delivering each entry to h. A stream that
// ends cleanly before the first entry is treated as an empty dump; truncation
// after data has been seen is an error carrying the last complete key.
func (p *Parser) Parse(h Handler) error {
	if err := h.OnHeader(p.ver, p.flags); err != nil {
		return err
	}

	var lastKey []byte
	for {
		peeked, err := p.cr.br.Peek(4)
		if err != nil && len(peeked) == 0 {
			if p.stats.Records == 0 {
				// Writer died between header and first entry; nothing
				// was lost.
				p.stats.Truncated = true
				p.stats.Bytes = p.cr.n
				return h.OnEnd(p.stats)
			}
			return tagKey(eofErr(p.cr.n, "stream ended at entry boundary before trailer"), lastKey)
		}
		if err == nil && bytes.Equal(peeked, TrailerMagic[:]) {
			return p.finish(h)
		}

		key, v, perr := p.readEntry()
		if perr != nil {
			return tagKey(perr, lastKey)
		}
		lastKey = key
		p.stats.Records++

		if herr := h.OnEntry(key, v); herr != nil {
			switch h.OnError(key, herr) {
			case Continue, SkipEntry:
				continue
			default:
				return herr
			}
		}
	}
}

func (p *Parser) readEntry() ([]byte, Value, error) {
	start := p.cr.n
	keyLen, err := ReadUvarint(p.cr)
	if err != nil {
		return nil, Value{}, retagOffset(err, start)
	}
	if keyLen > p.limits.MaxStringSize {
		return nil, Value{}, corrupted(0, false, p.cr.n, "key length exceeds safety cap")
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(p.cr, key); err != nil {
		return nil, Value{}, eofErr(p.cr.n, "stream ended inside key")
	}
	v, err := ReadValueLimits(p.cr, p.ver, p.limits)
	if err != nil {
		// Corruption names the entry being decoded; a truncated value is
		// left for Parse to tag with the last complete key.
		if IsCorrupted(err) {
			err = tagKey(err, key)
		}
		return nil, Value{}, err
	}
	return key, v, nil
}

// finish consumes the trailer through the CRC, then reads and checks the
// final checksum, which sits outside the checksummed range.
func (p *Parser) finish(h Handler) error {
	var trailer [4]byte
	if _, err := io.ReadFull(p.cr, trailer[:]); err != nil {
		return eofErr(p.cr.n, "stream ended inside trailer")
	}
	want := p.cr.crc.Sum32()

	var sum [4]byte
	if _, err := io.ReadFull(p.cr.br, sum[:]); err != nil {
		return eofErr(p.cr.n, "stream ended before CRC field")
	}
	got := binary.BigEndian.Uint32(sum[:])
	if got != want {
		return corrupted(0, false, p.cr.n, "CRC mismatch: dump is corrupt or was modified")
	}
	p.stats.CRCOK = true
	p.stats.Bytes = p.cr.n + 4
	return h.OnEnd(p.stats)
}

// SkipBytes discards exactly n bytes from the stream, keeping the CRC
// current.
func (p *Parser) SkipBytes(n int64) error {
	if _, err := io.CopyN(io.Discard, p.cr, n); err != nil {
		return eofErr(p.cr.n, "stream ended during skip")
	}
	return nil
}

func tagKey(err error, key []byte) error {
	switch e := err.(type) {
	case *CorruptedDataError:
		if e.Key == "" {
			e.Key = string(key)
		}
	case *UnexpectedEofError:
		if e.Key == "" {
			e.Key = string(key)
		}
	}
	return err
}

// CollectHandler gathers every entry into memory.
type CollectHandler struct {
	entries []DumpEntry
}

// NewCollectHandler returns an empty collector.
func NewCollectHandler() *CollectHandler { return &CollectHandler{} }

func (c *CollectHandler) OnHeader(FormatVersion, uint16) error { return nil }

func (c *CollectHandler) OnEntry(key []byte, v Value) error {
	k := make([]byte, len(key))
	copy(k, key)
	c.entries = append(c.entries, DumpEntry{Key: k, Value: v})
	return nil
}

func (c *CollectHandler) OnEnd(Stats) error { return nil }

func (c *CollectHandler) OnError([]byte, error) ErrorAction { return Abort }

// Entries returns everything collected, in stream order.
func (c *CollectHandler) Entries() []DumpEntry { return c.entries }

// CountHandler counts entries without retaining them.
type CountHandler struct {
	count uint64
	stats Stats
}

// NewCountHandler returns a zeroed counter.
func NewCountHandler() *CountHandler { return &CountHandler{} }

func (c *CountHandler) OnHeader(FormatVersion, uint16) error { return nil }

func (c *CountHandler) OnEntry([]byte, Value) error {
	c.count++
	return nil
}

func (c *CountHandler) OnEnd(s Stats) error {
	c.stats = s
	return nil
}

func (c *CountHandler) OnError([]byte, error) ErrorAction { return Abort }

// Count returns the number of entries seen.
func (c *CountHandler) Count() uint64 { return c.count }

// Stats returns the final parse stats, valid after OnEnd.
func (c *CountHandler) Stats() Stats { return c.stats }

// CallbackHandler adapts a plain function to the Handler interface.
type CallbackHandler struct {
	fn func(key []byte, v Value) error
}

// NewCallbackHandler wraps fn as a handler; errors from fn abort the parse.
func NewCallbackHandler(fn func(key []byte, v Value) error) *CallbackHandler {
	return &CallbackHandler{fn: fn}
}

func (c *CallbackHandler) OnHeader(FormatVersion, uint16) error { return nil }

func (c *CallbackHandler) OnEntry(key []byte, v Value) error { return c.fn(key, v) }

func (c *CallbackHandler) OnEnd(Stats) error { return nil }

func (c *CallbackHandler) OnError([]byte, error) ErrorAction { return Abort }

// FilterHandler forwards only entries matching a predicate to an inner
// handler.
type FilterHandler struct {
	inner Handler
	pred  func(key []byte, v Value) bool
}

// NewFilterHandler wraps inner so it only sees entries for which pred is
// true.
func NewFilterHandler(inner Handler, pred func(key []byte, v Value) bool) *FilterHandler {
	return &FilterHandler{inner: inner, pred: pred}
}

func (f *FilterHandler) OnHeader(ver FormatVersion, flags uint16) error {
	return f.inner.OnHeader(ver, flags)
}

func (f *FilterHandler) OnEntry(key []byte, v Value) error {
	if !f.pred(key, v) {
		return nil
	}
	return f.inner.OnEntry(key, v)
}

func (f *FilterHandler) OnEnd(s Stats) error { return f.inner.OnEnd(s) }

func (f *FilterHandler) OnError(key []byte, err error) ErrorAction {
	return f.inner.OnError(key, err)
}

// TransformHandler rewrites each entry before passing it on. Returning a nil
// key drops the entry.
type TransformHandler struct {
	inner Handler
	fn    func(key []byte, v Value) ([]byte, Value)
}

// NewTransformHandler wraps inner with a per-entry rewrite function.
func NewTransformHandler(inner Handler, fn func(key []byte, v Value) ([]byte, Value)) *TransformHandler {
	return &TransformHandler{inner: inner, fn: fn}
}

func (t *TransformHandler) OnHeader(ver FormatVersion, flags uint16) error {
	return t.inner.OnHeader(ver, flags)
}

func (t *TransformHandler) OnEntry(key []byte, v Value) error {
	nk, nv := t.fn(key, v)
	if nk == nil {
		return nil
	}
	return t.inner.OnEntry(nk, nv)
}

func (t *TransformHandler) OnEnd(s Stats) error { return t.inner.OnEnd(s) }

func (t *TransformHandler) OnError(key []byte, err error) ErrorAction {
	return t.inner.OnError(key, err)
}
