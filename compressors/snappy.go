package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusexport/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using Snappy.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte, rawLen int) ([]byte, error) {
	decompressed, err := snappy.Decode(make([]byte, 0, rawLen), data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if len(decompressed) != rawLen {
		return nil, fmt.Errorf("snappy decompressed %d bytes, expected %d", len(decompressed), rawLen)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
