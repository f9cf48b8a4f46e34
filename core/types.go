package core

import (
	"fmt"
)

// PartitionID identifies a partition of the database.
type PartitionID int32

// TxnID is a transaction id. The low bits carry the partition that
// initiated the transaction.
type TxnID int64

// MailboxID is a cluster-wide mailbox id (an HSId): the host id in the high
// 32 bits and the site id in the low 32 bits.
type MailboxID int64

const (
	// PartitionIDBits is the number of low bits of a TxnID holding the partition id.
	PartitionIDBits = 14
	partitionIDMask = (1 << PartitionIDBits) - 1
)

// PartitionOfTxn extracts the partition id encoded in a transaction id.
func PartitionOfTxn(txn TxnID) PartitionID {
	return PartitionID(int64(txn) & partitionIDMask)
}

// MakeTxnID builds a transaction id from a sequence number and a partition id.
func MakeTxnID(seq int64, partition PartitionID) TxnID {
	return TxnID(seq<<PartitionIDBits | int64(partition)&partitionIDMask)
}

// HSId combines a host id and a site id into a MailboxID.
func HSId(hostID, siteID int32) MailboxID {
	return MailboxID(int64(hostID)<<32 | int64(uint32(siteID)))
}

// HostIDOf returns the host part of an HSId.
func HostIDOf(id MailboxID) int32 {
	return int32(int64(id) >> 32)
}

// SiteIDOf returns the site part of an HSId.
func SiteIDOf(id MailboxID) int32 {
	return int32(int64(id) & 0xFFFFFFFF)
}

// String renders the mailbox as host:site, which is easier to read in logs.
func (id MailboxID) String() string {
	return fmt.Sprintf("%d:%d", HostIDOf(id), SiteIDOf(id))
}

// CompressionType identifies the compression algorithm used for a data block.
// It is stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor compresses and decompresses whole blocks.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// Decompress returns the original block. rawLen is the uncompressed
	// length recorded next to the block and is used as a size hint.
	Decompress(data []byte, rawLen int) ([]byte, error)
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType is the inverse of CompressionType.String.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression type %q", s)
	}
}
