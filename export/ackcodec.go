package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/INLOpen/nexusexport/core"
)

// ErrMalformedAck is returned by DecodeAck for payloads that are not acks.
var ErrMalformedAck = errors.New("malformed export ack")

// AckMessage acknowledges everything up to USO for one data source.
type AckMessage struct {
	Partition core.PartitionID
	Signature string
	USO       uint64
}

// EncodeAck lays out an ack big-endian:
//
//	int32  partition
//	int32  signature length
//	[]byte signature (UTF-8)
//	uint64 acked USO
func EncodeAck(ack AckMessage) []byte {
	buf := make([]byte, 4+4+len(ack.Signature)+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(ack.Partition))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(ack.Signature)))
	n := copy(buf[8:], ack.Signature)
	binary.BigEndian.PutUint64(buf[8+n:], ack.USO)
	return buf
}

// DecodeAck parses an EncodeAck payload. Anything else, including trailing
// bytes, is rejected.
func DecodeAck(buf []byte) (AckMessage, error) {
	if len(buf) < 16 {
		return AckMessage{}, fmt.Errorf("%w: %d bytes", ErrMalformedAck, len(buf))
	}
	partition := int32(binary.BigEndian.Uint32(buf[0:4]))
	sigLen := int64(int32(binary.BigEndian.Uint32(buf[4:8])))
	if sigLen < 0 || int64(len(buf)) != 16+sigLen {
		return AckMessage{}, fmt.Errorf("%w: signature length %d in %d byte payload", ErrMalformedAck, sigLen, len(buf))
	}
	sig := buf[8 : 8+sigLen]
	if !utf8.Valid(sig) {
		return AckMessage{}, fmt.Errorf("%w: signature is not valid UTF-8", ErrMalformedAck)
	}
	return AckMessage{
		Partition: core.PartitionID(partition),
		Signature: string(sig),
		USO:       binary.BigEndian.Uint64(buf[8+sigLen:]),
	}, nil
}
