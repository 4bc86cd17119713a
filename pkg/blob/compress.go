package blob

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionZstd names the codec recorded in offload descriptors.
const CompressionZstd = "zstd"

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() error {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return codecErr
}

// Compress zstd-encodes data.
func Compress(data []byte) ([]byte, error) {
	if err := codec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if err := codec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
