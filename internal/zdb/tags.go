package zdb

// One-byte tags identifying each value variant on the wire.
// These are stable; changing one breaks every existing dump and AOF.
const (
	TagStr        byte = 0x01
	TagInt        byte = 0x02
	TagFloat      byte = 0x03
	TagNull       byte = 0x04
	TagList       byte = 0x05
	TagHash       byte = 0x06
	TagZSet       byte = 0x07
	TagSet        byte = 0x08
	TagHLL        byte = 0x09
	TagStream     byte = 0x0A
	TagBool       byte = 0x0B
	TagCompressed byte = 0x0C
	TagArray      byte = 0x0D
	TagBitmap     byte = 0x0E
	TagGeo        byte = 0x0F

	// TagEOF is reserved as the listpack end sentinel. It never appears at
	// the value layer; the decoder rejects it as corruption.
	TagEOF byte = 0xFF
)

// File framing constants.
var (
	// FileMagic opens every dump file.
	FileMagic = [4]byte{'Z', 'D', 'B', 0}
	// TrailerMagic closes the entry stream, before the CRC32.
	TrailerMagic = [4]byte{'E', 'N', 'D', '!'}
)

// FormatVersion selects the on-disk encoding rules.
type FormatVersion uint16

const (
	// V1 and V2 use fixed 32-bit little-endian length fields.
	V1 FormatVersion = 1
	V2 FormatVersion = 2
	// V3 uses varint length fields.
	V3 FormatVersion = 3

	// CurrentVersion is the default target for new writes.
	CurrentVersion = V3
)

// Valid reports whether v names a known format version.
func (v FormatVersion) Valid() bool {
	return v >= V1 && v <= V3
}

// usesVarintLengths reports whether length fields are varint-encoded.
func (v FormatVersion) usesVarintLengths() bool {
	return v >= V3
}

// CanRead returns the set of versions a reader running at v accepts.
// Readers are backward compatible across all released versions.
func (v FormatVersion) CanRead() []FormatVersion {
	out := make([]FormatVersion, 0, int(v))
	for fv := V1; fv <= v; fv++ {
		out = append(out, fv)
	}
	return out
}

// CanWrite returns the set of versions a writer running at v may emit.
// Writers emit only their own version; downgrades go through a rewrite.
func (v FormatVersion) CanWrite() []FormatVersion {
	return []FormatVersion{v}
}

// canReadVersion reports whether a reader at v accepts dumps written at found.
func (v FormatVersion) canReadVersion(found FormatVersion) bool {
	return found.Valid() && found <= v
}
