package export

import (
	"log/slog"

	"github.com/INLOpen/nexusexport/messaging"
)

// ackMailbox is the messaging endpoint of a generation. It decodes acks
// sent by peers and applies them to the generation's data sources.
type ackMailbox struct {
	gen     *Generation
	logger  *slog.Logger
	metrics *Metrics
}

var _ messaging.Mailbox = (*ackMailbox)(nil)

// Deliver never fails: anything that is not a well formed ack is logged and
// dropped.
func (m *ackMailbox) Deliver(msg messaging.Message) {
	payload, ok := msg.(*messaging.BinaryPayload)
	if !ok {
		m.logger.Error("Received an unexpected message on the export ack mailbox", "kind", msg.Kind())
		m.metrics.AcksRejected.Inc()
		return
	}
	ack, err := DecodeAck(payload.Data)
	if err != nil {
		m.logger.Error("Dropping malformed export ack", "error", err)
		m.metrics.AcksRejected.Inc()
		return
	}
	m.gen.Ack(ack.Partition, ack.Signature, ack.USO)
}
