package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/nexusexport/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("hello world, this is a test of the block compressor")},
		{name: "repetitive data", data: bytes.Repeat([]byte("ORDERS|"), 512)},
		{name: "empty data", data: []byte{}},
		{name: "short incompressible", data: []byte{0x9f, 0x01, 0xe3, 0x77}},
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		compressor, err := ForType(ct)
		require.NoError(t, err)
		require.Equal(t, ct, compressor.Type())

		for _, tc := range testCases {
			t.Run(ct.String()+"/"+tc.name, func(t *testing.T) {
				compressed, err := compressor.Compress(tc.data)
				require.NoError(t, err)

				decompressed, err := compressor.Decompress(compressed, len(tc.data))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tc.data, decompressed), "round trip changed the data")
			})
		}
	}
}

func TestCompressors_RepetitiveDataShrinks(t *testing.T) {
	data := bytes.Repeat([]byte("partition-0|txn|row"), 1000)
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		compressor, err := ForType(ct)
		require.NoError(t, err)
		compressed, err := compressor.Compress(data)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(data), ct.String())
	}
}

func TestCompressors_WrongRawLength(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 100)
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		compressor, err := ForType(ct)
		require.NoError(t, err)
		compressed, err := compressor.Compress(data)
		require.NoError(t, err)
		_, err = compressor.Decompress(compressed, len(data)+7)
		assert.Error(t, err, ct.String())
	}
}

func TestForType_Unknown(t *testing.T) {
	_, err := ForType(core.CompressionType(42))
	assert.Error(t, err)
}

func BenchmarkLZ4Compress(b *testing.B) {
	compressor := NewLz4Compressor()
	data := bytes.Repeat([]byte(`{"table":"ORDERS","partition":0,"txn":1001,"row":"abc"}`), 50)

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := compressor.Compress(data); err != nil {
			b.Fatalf("Compress() error: %v", err)
		}
	}
}
