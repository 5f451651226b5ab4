// Package codec compresses and decompresses the message payloads a
// bridge remote exchanges over the wire (spec §4.14).
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm a payload was compressed with,
// carried alongside the compressed bytes in a bridge sync frame so the
// receiving side knows how to undo it.
type Compression int

const (
	CompressionUnspecified Compression = iota
	CompressionNone
	CompressionZstd
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: init zstd decoder: %v", err))
	}
}

// Compress compresses data with zstd and reports the Compression value
// to attach to the outgoing frame.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress reverses Compress. Returns an error for unspecified or
// unrecognized compression values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("codec: unsupported compression: %v", compression)
	}
}
