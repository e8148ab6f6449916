package zdb

import (
	"encoding/binary"
	"io"
)

// WriteValue serializes v using the encoding rules for ver and returns the
// number of bytes written.
func WriteValue(w io.Writer, v Value, ver FormatVersion) (int, error) {
	e := encoder{w: w, ver: ver}
	if err := e.writeValue(v); err != nil {
		return e.n, err
	}
	return e.n, nil
}

type encoder struct {
	w   io.Writer
	ver FormatVersion
	n   int
}

func (e *encoder) write(p []byte) error {
	n, err := e.w.Write(p)
	e.n += n
	return err
}

func (e *encoder) writeByte(b byte) error {
	return e.write([]byte{b})
}

func (e *encoder) writeU64LE(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return e.write(buf[:])
}

func (e *encoder) writeFloat(f float64) error {
	return e.writeU64LE(canonicalFloatBits(f))
}

// writeLength emits a length field: varint for v3+, fixed u32 LE before.
func (e *encoder) writeLength(n uint64) error {
	if e.ver.usesVarintLengths() {
		written, err := WriteUvarint(e.w, n)
		e.n += written
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	return e.write(buf[:])
}

func (e *encoder) writeBytes(b []byte) error {
	if err := e.writeLength(uint64(len(b))); err != nil {
		return err
	}
	return e.write(b)
}

func (e *encoder) writeValue(v Value) error {
	if err := e.writeByte(v.Tag()); err != nil {
		return err
	}
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return e.writeByte(b)
	case KindInt:
		return e.writeU64LE(uint64(v.Int))
	case KindFloat:
		return e.writeFloat(v.Float)
	case KindStr:
		return e.writeBytes(v.Str)
	case KindBitmap:
		return e.writeBytes(v.Bitmap)
	case KindHLL:
		return e.writeBytes(v.HLL)
	case KindArray:
		if err := e.writeLength(uint64(len(v.Array))); err != nil {
			return err
		}
		for _, item := range v.Array {
			if err := e.writeValue(item); err != nil {
				return err
			}
		}
		return nil
	case KindList:
		if err := e.writeLength(uint64(len(v.List))); err != nil {
			return err
		}
		for _, item := range v.List {
			if err := e.writeValue(StrValue(item)); err != nil {
				return err
			}
		}
		return nil
	case KindHash:
		if err := e.writeLength(uint64(len(v.Hash))); err != nil {
			return err
		}
		for _, field := range sortedKeys(v.Hash) {
			if err := e.writeBytes([]byte(field)); err != nil {
				return err
			}
			if err := e.writeValue(StrValue(v.Hash[field])); err != nil {
				return err
			}
		}
		return nil
	case KindSet:
		if err := e.writeLength(uint64(len(v.Set))); err != nil {
			return err
		}
		for _, member := range sortedKeys(v.Set) {
			if err := e.writeBytes([]byte(member)); err != nil {
				return err
			}
		}
		return nil
	case KindZSet:
		if err := e.writeLength(uint64(len(v.ZSet))); err != nil {
			return err
		}
		for _, entry := range sortedZSet(v.ZSet) {
			if err := e.writeBytes([]byte(entry.Member)); err != nil {
				return err
			}
			if err := e.writeFloat(entry.Score); err != nil {
				return err
			}
		}
		return nil
	case KindGeo:
		if err := e.writeLength(uint64(len(v.Geo))); err != nil {
			return err
		}
		for _, g := range v.Geo {
			if err := e.writeBytes([]byte(g.Member)); err != nil {
				return err
			}
			if err := e.writeFloat(g.Lon); err != nil {
				return err
			}
			if err := e.writeFloat(g.Lat); err != nil {
				return err
			}
			if err := e.writeFloat(g.Score); err != nil {
				return err
			}
		}
		return nil
	case KindStream:
		if err := e.writeLength(uint64(len(v.Stream))); err != nil {
			return err
		}
		for _, entry := range v.Stream {
			if err := e.writeU64LE(entry.ID.Ms); err != nil {
				return err
			}
			if err := e.writeU64LE(entry.ID.Seq); err != nil {
				return err
			}
			if err := e.writeLength(uint64(len(entry.Fields))); err != nil {
				return err
			}
			for _, f := range entry.Fields {
				if err := e.writeBytes([]byte(f.Name)); err != nil {
					return err
				}
				if err := e.writeValue(f.Value); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return corrupted(v.Tag(), true, -1, "unknown value kind on encode")
}

// WriteCompressedValue serializes v as a TagCompressed block: the inner value
// is encoded, zstd-compressed, and framed with both lengths.
func WriteCompressedValue(w io.Writer, v Value, ver FormatVersion) (int, error) {
	e := encoder{w: w, ver: ver}

	var inner encoder
	buf := &countingBuffer{}
	inner = encoder{w: buf, ver: ver}
	if err := inner.writeValue(v); err != nil {
		return 0, err
	}

	compressed, err := CompressBlock(buf.data)
	if err != nil {
		return 0, err
	}

	if err := e.writeByte(TagCompressed); err != nil {
		return e.n, err
	}
	if err := e.writeLength(uint64(len(buf.data))); err != nil {
		return e.n, err
	}
	if err := e.writeLength(uint64(len(compressed))); err != nil {
		return e.n, err
	}
	if err := e.write(compressed); err != nil {
		return e.n, err
	}
	return e.n, nil
}

type countingBuffer struct {
	data []byte
}

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
