package listeners

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
)

type partitionKey struct {
	epoch     int64
	partition core.PartitionID
}

// MembershipWatchListener logs changes in the number of peers allowed to ack a
// partition, and warns when a partition that had peers is left with none.
type MembershipWatchListener struct {
	logger *slog.Logger

	mu   sync.Mutex
	last map[partitionKey]int
}

func NewMembershipWatchListener(logger *slog.Logger) *MembershipWatchListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MembershipWatchListener{
		logger: logger.With("component", "MembershipWatchListener"),
		last:   make(map[partitionKey]int),
	}
}

func (l *MembershipWatchListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostMembershipUpdate {
		return nil
	}
	payload, ok := event.Payload().(hooks.MembershipPayload)
	if !ok {
		return nil
	}

	key := partitionKey{epoch: payload.Epoch, partition: payload.Partition}
	l.mu.Lock()
	prev, seen := l.last[key]
	l.last[key] = len(payload.Mailboxes)
	l.mu.Unlock()

	if seen && prev == len(payload.Mailboxes) {
		return nil
	}
	if seen && prev > 0 && len(payload.Mailboxes) == 0 {
		l.logger.Warn("Partition lost every peer ack mailbox",
			"epoch", payload.Epoch, "partition", payload.Partition, "previous", prev)
		return nil
	}
	l.logger.Info("Ack mailboxes changed",
		"epoch", payload.Epoch, "partition", payload.Partition, "mailboxes", payload.Mailboxes)
	return nil
}

func (l *MembershipWatchListener) Priority() int { return 100 }

// IsAsync is false: updates of one partition must be seen in order.
func (l *MembershipWatchListener) IsAsync() bool { return false }
