package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
)

type discardKey struct {
	epoch     int64
	partition core.PartitionID
	signature string
	ack       bool
}

// DiscardAlerterListener warns when pushes or acks are addressed to a data
// source the generation does not have. The first discard of every
// (generation, partition, signature) is logged, then one in every
// ReportEvery so a dropped table does not flood the log.
type DiscardAlerterListener struct {
	logger      *slog.Logger
	reportEvery int64

	mu     sync.Mutex
	counts map[discardKey]int64
}

// NewDiscardAlerterListener creates the listener. reportEvery below 1 is
// treated as 1.
func NewDiscardAlerterListener(logger *slog.Logger, reportEvery int64) *DiscardAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if reportEvery < 1 {
		reportEvery = 1
	}
	return &DiscardAlerterListener{
		logger:      logger.With("component", "DiscardAlerterListener"),
		reportEvery: reportEvery,
		counts:      make(map[discardKey]int64),
	}
}

// OnEvent handles OnPushDiscarded and OnAckDiscarded events.
func (l *DiscardAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	var isAck bool
	switch event.Type() {
	case hooks.EventOnPushDiscarded:
	case hooks.EventOnAckDiscarded:
		isAck = true
	default:
		return nil
	}

	payload, ok := event.Payload().(hooks.DiscardPayload)
	if !ok {
		l.logger.Error("Received discard event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	key := discardKey{epoch: payload.Epoch, partition: payload.Partition, signature: payload.Signature, ack: isAck}
	l.mu.Lock()
	l.counts[key]++
	n := l.counts[key]
	l.mu.Unlock()

	if n == 1 || n%l.reportEvery == 0 {
		kind := "push"
		if isAck {
			kind = "ack"
		}
		l.logger.Warn("Export traffic for unknown data source",
			"kind", kind,
			"epoch", payload.Epoch,
			"partition", payload.Partition,
			"signature", payload.Signature,
			"discarded", n,
		)
	}
	return nil
}

// Discarded returns how many events of one kind were seen for a source.
func (l *DiscardAlerterListener) Discarded(epoch int64, partition core.PartitionID, signature string, ack bool) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[discardKey{epoch: epoch, partition: partition, signature: signature, ack: ack}]
}

// Priority defines the execution order.
func (l *DiscardAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *DiscardAlerterListener) IsAsync() bool { return true }
