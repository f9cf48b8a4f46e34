package datasource

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusexport/compressors"
	"github.com/INLOpen/nexusexport/core"
)

const (
	// BlockSuffix is the file extension of data block files.
	BlockSuffix = ".blk"

	blockMagicNumber uint32 = 0x45585042 // "EXPB"
	// magic(4) + uso(8) + compression(1) + rawLen(4) + crc(4)
	blockHeaderSize = 21
)

// blockHeader precedes the (possibly compressed) buffer in every block file.
type blockHeader struct {
	USO         uint64
	Compression core.CompressionType
	RawLen      uint32
	Checksum    uint32 // crc32 (IEEE) of the stored payload
}

// BlockFileName returns the data file name of the block at uso. The offset
// is zero padded so a lexical sort is also an offset sort.
func BlockFileName(nonce string, uso uint64) string {
	return fmt.Sprintf("%s.%020d%s", nonce, uso, BlockSuffix)
}

// parseBlockFileName returns the uso encoded in a block file name.
func parseBlockFileName(nonce, name string) (uint64, bool) {
	if !strings.HasPrefix(name, nonce+".") || !strings.HasSuffix(name, BlockSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, nonce+"."), BlockSuffix)
	uso, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return uso, true
}

func encodeBlockHeader(h blockHeader) []byte {
	buf := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], blockMagicNumber)
	binary.LittleEndian.PutUint64(buf[4:12], h.USO)
	buf[12] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[13:17], h.RawLen)
	binary.LittleEndian.PutUint32(buf[17:21], h.Checksum)
	return buf
}

func decodeBlockHeader(buf []byte) (blockHeader, error) {
	if len(buf) < blockHeaderSize {
		return blockHeader{}, fmt.Errorf("block header too short: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != blockMagicNumber {
		return blockHeader{}, fmt.Errorf("invalid block magic number: got %x, want %x", magic, blockMagicNumber)
	}
	return blockHeader{
		USO:         binary.LittleEndian.Uint64(buf[4:12]),
		Compression: core.CompressionType(buf[12]),
		RawLen:      binary.LittleEndian.Uint32(buf[13:17]),
		Checksum:    binary.LittleEndian.Uint32(buf[17:21]),
	}, nil
}

// writeBlock compresses buf and writes it to dir with write-and-rename.
// The file is fsynced only when sync is set.
func writeBlock(dir, nonce string, uso uint64, buf []byte, compressor core.Compressor, sync bool) (string, error) {
	payload, err := compressor.Compress(buf)
	if err != nil {
		return "", fmt.Errorf("failed to compress block at uso %d: %w", uso, err)
	}
	header := encodeBlockHeader(blockHeader{
		USO:         uso,
		Compression: compressor.Type(),
		RawLen:      uint32(len(buf)),
		Checksum:    crc32.ChecksumIEEE(payload),
	})

	block := core.BlockBuffers.Get()
	defer core.BlockBuffers.Put(block)
	block.Write(header)
	block.Write(payload)

	finalPath := filepath.Join(dir, BlockFileName(nonce, uso))
	tempPath := finalPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to create block file: %w", err)
	}
	if _, err := file.Write(block.Bytes()); err != nil {
		file.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write block: %w", err)
	}
	if sync {
		if err := file.Sync(); err != nil {
			file.Close()
			os.Remove(tempPath)
			return "", fmt.Errorf("failed to sync block file: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close block file before rename: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to rename block file: %w", err)
	}
	return finalPath, nil
}

// readBlockHeader reads only the header of a block file.
func readBlockHeader(path string) (blockHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		return blockHeader{}, err
	}
	defer file.Close()
	buf := make([]byte, blockHeaderSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		return blockHeader{}, fmt.Errorf("failed to read block header of %s: %w", path, err)
	}
	return decodeBlockHeader(buf)
}

// readBlock reads, verifies and decompresses a block file.
func readBlock(path string) (blockHeader, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return blockHeader{}, nil, err
	}
	h, err := decodeBlockHeader(data)
	if err != nil {
		return blockHeader{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	payload := data[blockHeaderSize:]
	if sum := crc32.ChecksumIEEE(payload); sum != h.Checksum {
		return h, nil, fmt.Errorf("%s: checksum mismatch: got %x, want %x", path, sum, h.Checksum)
	}
	compressor, err := compressors.ForType(h.Compression)
	if err != nil {
		return h, nil, fmt.Errorf("%s: %w", path, err)
	}
	raw, err := compressor.Decompress(payload, int(h.RawLen))
	if err != nil {
		return h, nil, fmt.Errorf("%s: failed to decompress block: %w", path, err)
	}
	return h, raw, nil
}
