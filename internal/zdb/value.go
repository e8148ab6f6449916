package zdb

import (
	"bytes"
	"math"
	"sort"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindArray
	KindList
	KindHash
	KindSet
	KindZSet
	KindBitmap
	KindGeo
	KindHLL
	KindStream
)

// ZSetEntry is one member of a sorted set.
type ZSetEntry struct {
	Member string
	Score  float64
}

// GeoEntry is one member of a geospatial index.
type GeoEntry struct {
	Member string
	Lon    float64
	Lat    float64
	Score  float64
}

// StreamID identifies a stream entry: milliseconds plus a sequence number.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// StreamEntry is one record in a stream value.
type StreamEntry struct {
	ID     StreamID
	Fields []StreamField
}

// StreamField is a named value inside a stream entry. Field order is part
// of the entry's identity, so a slice is used rather than a map.
type StreamField struct {
	Name  string
	Value Value
}

// Value is the closed tagged union over every variant the store recognizes.
// Exactly one payload field is meaningful, selected by Kind. The codec treats
// collection internals as opaque; only the shapes below exist on the wire.
type Value struct {
	Kind Kind

	Bool   bool
	Int    int64
	Float  float64
	Str    []byte
	Array  []Value
	List   [][]byte
	Hash   map[string][]byte
	Set    map[string]struct{}
	ZSet   []ZSetEntry
	Bitmap []byte
	Geo    []GeoEntry
	HLL    []byte
	Stream []StreamEntry
}

// Constructors for the common variants.

func Null() Value               { return Value{Kind: KindNull} }
func BoolValue(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value {
	return Value{Kind: KindFloat, Float: f}
}
func StrValue(b []byte) Value    { return Value{Kind: KindStr, Str: b} }
func BitmapValue(b []byte) Value { return Value{Kind: KindBitmap, Bitmap: b} }
func HLLValue(b []byte) Value    { return Value{Kind: KindHLL, HLL: b} }

// Tag returns the wire tag for the value's kind.
func (v Value) Tag() byte {
	switch v.Kind {
	case KindNull:
		return TagNull
	case KindBool:
		return TagBool
	case KindInt:
		return TagInt
	case KindFloat:
		return TagFloat
	case KindStr:
		return TagStr
	case KindArray:
		return TagArray
	case KindList:
		return TagList
	case KindHash:
		return TagHash
	case KindSet:
		return TagSet
	case KindZSet:
		return TagZSet
	case KindBitmap:
		return TagBitmap
	case KindGeo:
		return TagGeo
	case KindHLL:
		return TagHLL
	case KindStream:
		return TagStream
	}
	return TagNull
}

// canonicalNaN is the quiet-NaN bit pattern floats are normalized to on
// write, so a value round-trips to bit-identical bytes.
const canonicalNaN = 0x7FF8000000000000

func canonicalFloatBits(f float64) uint64 {
	if math.IsNaN(f) {
		return canonicalNaN
	}
	return math.Float64bits(f)
}

// sortedZSet returns the entries ordered by (score, member) lex. The codec
// always emits sorted-set members in this order.
func sortedZSet(entries []ZSetEntry) []ZSetEntry {
	out := make([]ZSetEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// sortedKeys returns map keys in lexicographic order so hash and set
// encodings are deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep equality of two values. NaN floats compare equal to
// each other (both normalize to the canonical pattern).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return canonicalFloatBits(v.Float) == canonicalFloatBits(other.Float)
	case KindStr:
		return bytes.Equal(v.Str, other.Str)
	case KindBitmap:
		return bytes.Equal(v.Bitmap, other.Bitmap)
	case KindHLL:
		return bytes.Equal(v.HLL, other.HLL)
	case KindArray:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !bytes.Equal(v.List[i], other.List[i]) {
				return false
			}
		}
		return true
	case KindHash:
		if len(v.Hash) != len(other.Hash) {
			return false
		}
		for k, val := range v.Hash {
			ov, ok := other.Hash[k]
			if !ok || !bytes.Equal(val, ov) {
				return false
			}
		}
		return true
	case KindSet:
		if len(v.Set) != len(other.Set) {
			return false
		}
		for k := range v.Set {
			if _, ok := other.Set[k]; !ok {
				return false
			}
		}
		return true
	case KindZSet:
		a, b := sortedZSet(v.ZSet), sortedZSet(other.ZSet)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i].Member != b[i].Member ||
				canonicalFloatBits(a[i].Score) != canonicalFloatBits(b[i].Score) {
				return false
			}
		}
		return true
	case KindGeo:
		if len(v.Geo) != len(other.Geo) {
			return false
		}
		for i := range v.Geo {
			a, b := v.Geo[i], other.Geo[i]
			if a.Member != b.Member ||
				canonicalFloatBits(a.Lon) != canonicalFloatBits(b.Lon) ||
				canonicalFloatBits(a.Lat) != canonicalFloatBits(b.Lat) ||
				canonicalFloatBits(a.Score) != canonicalFloatBits(b.Score) {
				return false
			}
		}
		return true
	case KindStream:
		if len(v.Stream) != len(other.Stream) {
			return false
		}
		for i := range v.Stream {
			a, b := v.Stream[i], other.Stream[i]
			if a.ID != b.ID || len(a.Fields) != len(b.Fields) {
				return false
			}
			for j := range a.Fields {
				if a.Fields[j].Name != b.Fields[j].Name ||
					!a.Fields[j].Value.Equal(b.Fields[j].Value) {
					return false
				}
			}
		}
		return true
	}
	return false
}
