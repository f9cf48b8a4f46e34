package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusexport/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	// Incompressible input makes CompressBlock return 0; the block is then
	// stored as is and recognized on the way back by its length.
	if n == 0 || n >= len(data) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return dst[:n], nil
}

// Decompress needs the raw length because the LZ4 block format does not
// record it.
func (c *LZ4Compressor) Decompress(data []byte, rawLen int) ([]byte, error) {
	if rawLen == 0 {
		return []byte{}, nil
	}
	if len(data) == rawLen {
		out := make([]byte, rawLen)
		copy(out, data)
		return out, nil
	}
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != rawLen {
		return nil, fmt.Errorf("lz4 decompressed %d bytes, expected %d", n, rawLen)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
