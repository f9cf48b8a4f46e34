package datasource

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexusexport/core"
)

const (
	// AdSuffix is the file extension of advertisement files.
	AdSuffix = ".ad"

	adMagicNumber uint32 = 0x45584144 // "EXAD"
	adVersion     uint16 = 1
	maxStringLen         = 1<<16 - 1
)

var errStringTooLong = errors.New("string longer than 65535 bytes")

// Advertisement is the on-disk identity of a data source. It is enough to
// rebuild the source after a restart.
type Advertisement struct {
	Nonce       string
	Database    string
	TableName   string
	Signature   string
	Partition   core.PartitionID
	SiteID      int64
	Epoch       int64
	Compression core.CompressionType
	Columns     []core.Column
}

// AdFileName returns the advertisement file name for a nonce.
func AdFileName(nonce string) string {
	return nonce + AdSuffix
}

// NonceFromAdPath extracts the nonce from an advertisement path.
func NonceFromAdPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), AdSuffix)
}

// WriteAdvertisement atomically writes ad into dir using write-and-rename.
func WriteAdvertisement(dir string, ad Advertisement) (string, error) {
	finalPath := filepath.Join(dir, AdFileName(ad.Nonce))
	tempPath := finalPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temp advertisement file: %w", err)
	}
	w := bufio.NewWriter(file)
	if err := encodeAdvertisement(w, ad); err != nil {
		file.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to encode advertisement: %w", err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to flush advertisement: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to sync temp advertisement file: %w", err)
	}
	// Close before rename for Windows.
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp advertisement file before rename: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to rename temp advertisement file: %w", err)
	}
	return finalPath, nil
}

// ReadAdvertisement reads an advertisement file. The nonce is taken from the
// file name.
func ReadAdvertisement(path string) (Advertisement, error) {
	file, err := os.Open(path)
	if err != nil {
		return Advertisement{}, fmt.Errorf("failed to open advertisement %s: %w", path, err)
	}
	defer file.Close()

	ad, err := decodeAdvertisement(bufio.NewReader(file))
	if err != nil {
		return Advertisement{}, fmt.Errorf("failed to decode advertisement %s: %w", path, err)
	}
	ad.Nonce = NonceFromAdPath(path)
	return ad, nil
}

func encodeAdvertisement(w io.Writer, ad Advertisement) error {
	fixed := []any{
		adMagicNumber,
		adVersion,
		ad.Epoch,
		int32(ad.Partition),
		ad.SiteID,
		uint8(ad.Compression),
	}
	for _, v := range fixed {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, s := range []string{ad.Database, ad.TableName, ad.Signature} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	if len(ad.Columns) > maxStringLen {
		return fmt.Errorf("too many columns: %d", len(ad.Columns))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(ad.Columns))); err != nil {
		return err
	}
	for _, c := range ad.Columns {
		if err := writeString(w, c.Name); err != nil {
			return err
		}
		if err := writeString(w, c.Type); err != nil {
			return err
		}
	}
	return nil
}

func decodeAdvertisement(r io.Reader) (Advertisement, error) {
	var (
		magic       uint32
		version     uint16
		partition   int32
		compression uint8
		ad          Advertisement
	)
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return ad, fmt.Errorf("failed to read magic number: %w", err)
	}
	if magic != adMagicNumber {
		return ad, fmt.Errorf("invalid advertisement magic number: got %x, want %x", magic, adMagicNumber)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return ad, fmt.Errorf("failed to read version: %w", err)
	}
	if version != adVersion {
		return ad, fmt.Errorf("unsupported advertisement version %d", version)
	}
	for _, v := range []any{&ad.Epoch, &partition, &ad.SiteID, &compression} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return ad, err
		}
	}
	ad.Partition = core.PartitionID(partition)
	ad.Compression = core.CompressionType(compression)

	for _, dst := range []*string{&ad.Database, &ad.TableName, &ad.Signature} {
		s, err := readString(r)
		if err != nil {
			return ad, err
		}
		*dst = s
	}
	var numColumns uint16
	if err := binary.Read(r, binary.LittleEndian, &numColumns); err != nil {
		return ad, err
	}
	ad.Columns = make([]core.Column, 0, numColumns)
	for i := 0; i < int(numColumns); i++ {
		name, err := readString(r)
		if err != nil {
			return ad, err
		}
		typ, err := readString(r)
		if err != nil {
			return ad, err
		}
		ad.Columns = append(ad.Columns, core.Column{Name: name, Type: typ})
	}
	return ad, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return errStringTooLong
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
