package zdb

import (
	"github.com/klauspost/compress/zstd"
)

// MinCompressionSize is the block size below which compression is skipped;
// tiny payloads grow under the zstd frame overhead.
const MinCompressionSize = 64

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// ShouldCompress reports whether a block of the given size is worth
// compressing.
func ShouldCompress(size int) bool {
	return size >= MinCompressionSize
}

// CompressBlock compresses data as a single zstd frame.
func CompressBlock(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecompressBlock decompresses a zstd frame produced by CompressBlock.
func DecompressBlock(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, &CompressionError{Op: "decompress", Err: err}
	}
	return out, nil
}
