package zdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// ReadValue deserializes one value from r using the rules for ver and the
// default safety limits. It consumes exactly the encoded length.
func ReadValue(r io.Reader, ver FormatVersion) (Value, error) {
	return ReadValueLimits(r, ver, DefaultLimits())
}

// ReadValueLimits is ReadValue with caller-supplied size caps.
func ReadValueLimits(r io.Reader, ver FormatVersion, limits Limits) (Value, error) {
	d := &decoder{r: r, ver: ver, limits: limits}
	return d.readValue()
}

type decoder struct {
	r      io.Reader
	ver    FormatVersion
	limits Limits
	offset int64
}

func (d *decoder) read(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.offset += int64(n)
	if err != nil {
		return eofErr(d.offset, "stream ended mid-value")
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	var one [1]byte
	if err := d.read(one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

func (d *decoder) readU64LE() (uint64, error) {
	var buf [8]byte
	if err := d.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *decoder) readFloat() (float64, error) {
	bits, err := d.readU64LE()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// readLength reads a length field: varint for v3+, fixed u32 LE before.
func (d *decoder) readLength() (uint64, error) {
	if d.ver.usesVarintLengths() {
		start := d.offset
		n, err := countingUvarint(d.r, &d.offset)
		if err != nil {
			return 0, retagOffset(err, start)
		}
		return n, nil
	}
	var buf [4]byte
	if err := d.read(buf[:]); err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(buf[:])), nil
}

// countingUvarint is ReadUvarint tracking the stream offset.
func countingUvarint(r io.Reader, offset *int64) (uint64, error) {
	var (
		result uint64
		shift  uint
		one    [1]byte
	)
	for i := 0; i < MaxVarintLen; i++ {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return 0, eofErr(*offset, "stream ended inside varint")
		}
		*offset++
		b := one[0]
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, corrupted(0, false, *offset, "varint overflow")
}

func retagOffset(err error, offset int64) error {
	switch e := err.(type) {
	case *CorruptedDataError:
		e.Offset = offset
	case *UnexpectedEofError:
		e.Offset = offset
	}
	return err
}

// readSized reads a length-prefixed byte block, enforcing cap before
// allocation.
func (d *decoder) readSized(tag byte, cap uint64, what string) ([]byte, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	if n > cap {
		return nil, corrupted(tag, true, d.offset, what+" length exceeds safety cap")
	}
	buf := make([]byte, n)
	if err := d.read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// checkCollection validates a declared element count against the cap without
// allocating the collection.
func (d *decoder) checkCollection(tag byte, n uint64) error {
	if n > d.limits.MaxCollectionSize {
		return corrupted(tag, true, d.offset, "collection length exceeds safety cap")
	}
	return nil
}

func (d *decoder) readValue() (Value, error) {
	tagOffset := d.offset
	tag, err := d.readByte()
	if err != nil {
		return Value{}, err
	}

	switch tag {
	case TagNull:
		return Null(), nil

	case TagBool:
		b, err := d.readByte()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b != 0), nil

	case TagInt:
		u, err := d.readU64LE()
		if err != nil {
			return Value{}, err
		}
		return IntValue(int64(u)), nil

	case TagFloat:
		f, err := d.readFloat()
		if err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil

	case TagStr:
		b, err := d.readSized(tag, d.limits.MaxStringSize, "string")
		if err != nil {
			return Value{}, err
		}
		return StrValue(b), nil

	case TagBitmap:
		b, err := d.readSized(tag, d.limits.MaxBitmapSize, "bitmap")
		if err != nil {
			return Value{}, err
		}
		return BitmapValue(b), nil

	case TagHLL:
		b, err := d.readSized(tag, d.limits.MaxStringSize, "hll")
		if err != nil {
			return Value{}, err
		}
		return HLLValue(b), nil

	case TagArray:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			item, err := d.readValue()
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{Kind: KindArray, Array: items}, nil

	case TagList:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		items := make([][]byte, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			item, err := d.readValue()
			if err != nil {
				return Value{}, err
			}
			if item.Kind != KindStr {
				return Value{}, corrupted(item.Tag(), true, d.offset, "list element must be a string")
			}
			items = append(items, item.Str)
		}
		return Value{Kind: KindList, List: items}, nil

	case TagHash:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		m := make(map[string][]byte, capHint(n))
		for i := uint64(0); i < n; i++ {
			field, err := d.readSized(tag, d.limits.MaxStringSize, "hash field")
			if err != nil {
				return Value{}, err
			}
			val, err := d.readValue()
			if err != nil {
				return Value{}, err
			}
			if val.Kind != KindStr {
				return Value{}, corrupted(val.Tag(), true, d.offset, "hash value must be a string")
			}
			m[string(field)] = val.Str
		}
		return Value{Kind: KindHash, Hash: m}, nil

	case TagSet:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		set := make(map[string]struct{}, capHint(n))
		for i := uint64(0); i < n; i++ {
			member, err := d.readSized(tag, d.limits.MaxStringSize, "set member")
			if err != nil {
				return Value{}, err
			}
			set[string(member)] = struct{}{}
		}
		return Value{Kind: KindSet, Set: set}, nil

	case TagZSet:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		entries := make([]ZSetEntry, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			member, err := d.readSized(tag, d.limits.MaxStringSize, "zset member")
			if err != nil {
				return Value{}, err
			}
			score, err := d.readFloat()
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, ZSetEntry{Member: string(member), Score: score})
		}
		return Value{Kind: KindZSet, ZSet: entries}, nil

	case TagGeo:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		entries := make([]GeoEntry, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			member, err := d.readSized(tag, d.limits.MaxStringSize, "geo member")
			if err != nil {
				return Value{}, err
			}
			lon, err := d.readFloat()
			if err != nil {
				return Value{}, err
			}
			lat, err := d.readFloat()
			if err != nil {
				return Value{}, err
			}
			score, err := d.readFloat()
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, GeoEntry{Member: string(member), Lon: lon, Lat: lat, Score: score})
		}
		return Value{Kind: KindGeo, Geo: entries}, nil

	case TagStream:
		n, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCollection(tag, n); err != nil {
			return Value{}, err
		}
		entries := make([]StreamEntry, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			ms, err := d.readU64LE()
			if err != nil {
				return Value{}, err
			}
			seq, err := d.readU64LE()
			if err != nil {
				return Value{}, err
			}
			fieldCount, err := d.readLength()
			if err != nil {
				return Value{}, err
			}
			if err := d.checkCollection(tag, fieldCount); err != nil {
				return Value{}, err
			}
			fields := make([]StreamField, 0, capHint(fieldCount))
			for j := uint64(0); j < fieldCount; j++ {
				name, err := d.readSized(tag, d.limits.MaxStringSize, "stream field")
				if err != nil {
					return Value{}, err
				}
				val, err := d.readValue()
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, StreamField{Name: string(name), Value: val})
			}
			entries = append(entries, StreamEntry{ID: StreamID{Ms: ms, Seq: seq}, Fields: fields})
		}
		return Value{Kind: KindStream, Stream: entries}, nil

	case TagCompressed:
		uncompressedLen, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		compressedLen, err := d.readLength()
		if err != nil {
			return Value{}, err
		}
		if compressedLen > d.limits.MaxCompressedSize {
			return Value{}, corrupted(tag, true, d.offset, "compressed length exceeds safety cap")
		}
		if uncompressedLen > d.limits.MaxCompressedSize {
			return Value{}, corrupted(tag, true, d.offset, "uncompressed length exceeds safety cap")
		}
		frame := make([]byte, compressedLen)
		if err := d.read(frame); err != nil {
			return Value{}, err
		}
		raw, err := DecompressBlock(frame)
		if err != nil {
			return Value{}, err
		}
		if uint64(len(raw)) != uncompressedLen {
			return Value{}, corrupted(tag, true, d.offset, "uncompressed length mismatch")
		}
		inner := &decoder{r: bytes.NewReader(raw), ver: d.ver, limits: d.limits}
		v, err := inner.readValue()
		if err != nil {
			return Value{}, err
		}
		return v, nil

	case TagEOF:
		return Value{}, corrupted(tag, true, tagOffset, "end sentinel is not a value tag")

	default:
		return Value{}, corrupted(tag, true, tagOffset, "unknown value tag")
	}
}

// capHint bounds the initial allocation for a declared collection size so a
// hostile length cannot pre-allocate unbounded memory.
func capHint(n uint64) int {
	if n > 4096 {
		return 4096
	}
	return int(n)
}
