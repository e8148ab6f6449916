package zdb

// Limits caps the sizes a decoder will accept before allocating. Any declared
// length above its cap aborts the read with CorruptedDataError.
type Limits struct {
	MaxStringSize     uint64
	MaxCollectionSize uint64
	MaxCompressedSize uint64
	MaxBitmapSize     uint64
}

// DefaultLimits returns the caps applied when the caller does not supply any.
func DefaultLimits() Limits {
	return Limits{
		MaxStringSize:     512 * 1024 * 1024, // 512MB
		MaxCollectionSize: 64 * 1024 * 1024,  // 64M elements
		MaxCompressedSize: 512 * 1024 * 1024,
		MaxBitmapSize:     512 * 1024 * 1024,
	}
}
