// Package messaging delivers messages between mailboxes identified by
// HSIds, locally or across hosts.
package messaging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusexport/core"
)

// Kind tags the message type on the wire.
type Kind uint8

const (
	KindBinaryPayload     Kind = 1
	KindFailureSiteUpdate Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindBinaryPayload:
		return "binary_payload"
	case KindFailureSiteUpdate:
		return "failure_site_update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrMalformedMessage is returned when a message body cannot be decoded.
var ErrMalformedMessage = errors.New("messaging: malformed message")

// Message is anything a mailbox can receive.
type Message interface {
	Kind() Kind
}

// BinaryPayload carries opaque bytes whose layout is agreed between the
// sender and the receiving mailbox.
type BinaryPayload struct {
	Data []byte
}

func (*BinaryPayload) Kind() Kind { return KindBinaryPayload }

// FailureSiteUpdate reports failed sites to the survivors.
type FailureSiteUpdate struct {
	FailedHSIds []core.MailboxID
	// InitiatorForSafeTxn is the failed initiator SafeTxnID refers to.
	InitiatorForSafeTxn core.MailboxID
	SafeTxnID           core.TxnID
	CommittedTxnID      core.TxnID
}

func (*FailureSiteUpdate) Kind() Kind { return KindFailureSiteUpdate }

// MarshalBody encodes the body of msg, without the kind tag.
func MarshalBody(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *BinaryPayload:
		return m.Data, nil
	case *FailureSiteUpdate:
		buf := make([]byte, 4+8*len(m.FailedHSIds)+24)
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(m.FailedHSIds)))
		pos := 4
		for _, id := range m.FailedHSIds {
			binary.BigEndian.PutUint64(buf[pos:], uint64(id))
			pos += 8
		}
		binary.BigEndian.PutUint64(buf[pos:], uint64(m.InitiatorForSafeTxn))
		binary.BigEndian.PutUint64(buf[pos+8:], uint64(m.SafeTxnID))
		binary.BigEndian.PutUint64(buf[pos+16:], uint64(m.CommittedTxnID))
		return buf, nil
	default:
		return nil, fmt.Errorf("messaging: cannot marshal %T", msg)
	}
}

// UnmarshalBody decodes a body produced by MarshalBody for the given kind.
func UnmarshalBody(kind Kind, body []byte) (Message, error) {
	switch kind {
	case KindBinaryPayload:
		return &BinaryPayload{Data: body}, nil
	case KindFailureSiteUpdate:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: failure site update too short", ErrMalformedMessage)
		}
		n := int(binary.BigEndian.Uint32(body[0:4]))
		if len(body) != 4+8*n+24 {
			return nil, fmt.Errorf("%w: failure site update with %d ids has %d bytes", ErrMalformedMessage, n, len(body))
		}
		m := &FailureSiteUpdate{FailedHSIds: make([]core.MailboxID, n)}
		pos := 4
		for i := range m.FailedHSIds {
			m.FailedHSIds[i] = core.MailboxID(binary.BigEndian.Uint64(body[pos:]))
			pos += 8
		}
		m.InitiatorForSafeTxn = core.MailboxID(binary.BigEndian.Uint64(body[pos:]))
		m.SafeTxnID = core.TxnID(binary.BigEndian.Uint64(body[pos+8:]))
		m.CommittedTxnID = core.TxnID(binary.BigEndian.Uint64(body[pos+16:]))
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, uint8(kind))
	}
}

// envelopeHeaderSize is the destination HSId plus the kind tag.
const envelopeHeaderSize = 9

// encodeEnvelope frames msg for delivery to dest on another host.
func encodeEnvelope(dest core.MailboxID, msg Message) ([]byte, error) {
	body, err := MarshalBody(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, envelopeHeaderSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(dest))
	buf[8] = byte(msg.Kind())
	copy(buf[envelopeHeaderSize:], body)
	return buf, nil
}

func decodeEnvelope(buf []byte) (core.MailboxID, Message, error) {
	if len(buf) < envelopeHeaderSize {
		return 0, nil, fmt.Errorf("%w: envelope of %d bytes", ErrMalformedMessage, len(buf))
	}
	dest := core.MailboxID(binary.BigEndian.Uint64(buf[0:8]))
	msg, err := UnmarshalBody(Kind(buf[8]), buf[envelopeHeaderSize:])
	if err != nil {
		return dest, nil, err
	}
	return dest, msg, nil
}
