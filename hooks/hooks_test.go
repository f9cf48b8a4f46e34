package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusexport/core"
)

// recorder is a HookListener that appends its name and the event payload to
// a shared log.
type recorder struct {
	name     string
	priority int
	async    bool
	err      error
	delay    time.Duration
	log      *eventLog
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
	events  []HookEvent
}

func (l *eventLog) add(name string, event HookEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, name)
	l.events = append(l.events, event)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (r *recorder) OnEvent(ctx context.Context, event HookEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.log.add(r.name, event)
	return r.err
}

func (r *recorder) Priority() int { return r.priority }
func (r *recorder) IsAsync() bool { return r.async }

func generation(epoch int64) GenerationPayload {
	return GenerationPayload{Epoch: epoch, Directory: "/overflow/1001", Sources: 2}
}

func TestPreCloseAndDelete_VetoKeepsLaterListenersFromRunning(t *testing.T) {
	manager := NewHookManager(nil)
	log := &eventLog{}
	errCopyPending := errors.New("overflow copy still running")

	manager.Register(EventPreCloseAndDelete, &recorder{name: "cleanup", priority: 10, log: log})
	manager.Register(EventPreCloseAndDelete, &recorder{name: "archiver", priority: 1, log: log})
	// Asynchronous requests are ignored for pre-hooks, so the veto is seen.
	manager.Register(EventPreCloseAndDelete, &recorder{name: "retention", priority: 5, async: true, err: errCopyPending, log: log})

	err := manager.Trigger(context.Background(), NewPreCloseAndDeleteEvent(generation(1001)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errCopyPending)
	assert.Contains(t, err.Error(), string(EventPreCloseAndDelete))
	assert.Equal(t, []string{"archiver", "retention"}, log.names())

	p, ok := log.events[0].Payload().(GenerationPayload)
	require.True(t, ok)
	assert.Equal(t, generation(1001), p)
}

func TestPreCloseAndDelete_AllowedWhenEveryListenerAgrees(t *testing.T) {
	manager := NewHookManager(nil)
	log := &eventLog{}
	manager.Register(EventPreCloseAndDelete, &recorder{name: "archiver", priority: 1, log: log})
	manager.Register(EventPreCloseAndDelete, &recorder{name: "audit", priority: 1, log: log})

	require.NoError(t, manager.Trigger(context.Background(), NewPreCloseAndDeleteEvent(generation(7))))
	assert.Equal(t, []string{"archiver", "audit"}, log.names(), "equal priorities keep registration order")
}

func TestPostSourceDrained_SyncListenersSeeDrainProgressInOrder(t *testing.T) {
	manager := NewHookManager(nil)
	log := &eventLog{}
	failing := &recorder{name: "broken-exporter", priority: 1, err: errors.New("sink unavailable"), log: log}
	progress := &recorder{name: "progress", priority: 2, log: log}
	manager.Register(EventPostSourceDrained, progress)
	manager.Register(EventPostSourceDrained, failing)

	for i := int64(1); i <= 3; i++ {
		ev := NewPostSourceDrainedEvent(SourceDrainedPayload{Epoch: 9, Partition: core.PartitionID(i), Signature: "ORDERS", Drained: i, Total: 3})
		// A failing post-hook is logged, never returned.
		require.NoError(t, manager.Trigger(context.Background(), ev))
	}

	assert.Equal(t, []string{
		"broken-exporter", "progress",
		"broken-exporter", "progress",
		"broken-exporter", "progress",
	}, log.names())
	var drained []int64
	for i, ev := range log.events {
		if log.entries[i] == "progress" {
			drained = append(drained, ev.Payload().(SourceDrainedPayload).Drained)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, drained)
}

func TestPostGenerationDrained_AsyncListenerAwaitedByStop(t *testing.T) {
	manager := NewHookManager(nil)
	log := &eventLog{}
	manager.Register(EventPostGenerationDrained, &recorder{name: "notifier", async: true, delay: 200 * time.Millisecond, log: log})
	manager.Register(EventPostGenerationDrained, &recorder{name: "metrics", log: log})

	require.NoError(t, manager.Trigger(context.Background(), NewPostGenerationDrainedEvent(generation(3))))
	assert.Equal(t, []string{"metrics"}, log.names(), "async listeners do not hold up the drain path")

	manager.Stop()
	assert.Equal(t, []string{"metrics", "notifier"}, log.names())
}

func TestDiscardEvents_WithoutListeners(t *testing.T) {
	manager := NewHookManager(nil)
	payload := DiscardPayload{Epoch: 1, Partition: 4, Signature: "GONE", USO: 10, Bytes: 128}
	assert.NoError(t, manager.Trigger(context.Background(), NewOnPushDiscardedEvent(payload)))
	assert.NoError(t, manager.Trigger(context.Background(), NewOnAckDiscardedEvent(payload)))
}

func TestListenerFunc_ReceivesMembershipUpdates(t *testing.T) {
	manager := NewHookManager(nil)
	var updates atomic.Int32
	var last MembershipPayload
	manager.Register(EventPostMembershipUpdate, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		updates.Add(1)
		last = event.Payload().(MembershipPayload)
		return nil
	}))

	peers := []core.MailboxID{core.HSId(2, 1), core.HSId(3, 1)}
	require.NoError(t, manager.Trigger(context.Background(), NewPostMembershipUpdateEvent(MembershipPayload{Epoch: 5, Partition: 0, Mailboxes: peers[:1]})))
	require.NoError(t, manager.Trigger(context.Background(), NewPostMembershipUpdateEvent(MembershipPayload{Epoch: 5, Partition: 0, Mailboxes: peers})))

	// ListenerFunc is synchronous, so both updates are visible already.
	assert.Equal(t, int32(2), updates.Load())
	assert.Equal(t, peers, last.Mailboxes)
}

func TestPostTruncate_ListenersOnlySeeTheirEvent(t *testing.T) {
	manager := NewHookManager(nil)
	log := &eventLog{}
	manager.Register(EventPostTruncate, &recorder{name: "truncate", log: log})
	manager.Register(EventPostGenerationClose, &recorder{name: "close", log: log})

	payload := TruncatePayload{
		Epoch:        2,
		TxnID:        16385,
		PerPartition: true,
		Targets:      map[core.PartitionID]core.TxnID{1: 16385},
		Skipped:      []core.PartitionID{0},
	}
	require.NoError(t, manager.Trigger(context.Background(), NewPostTruncateEvent(payload)))
	require.NoError(t, manager.Trigger(context.Background(), NewPostGenerationCreateEvent(generation(2))))

	require.Equal(t, []string{"truncate"}, log.names())
	assert.Equal(t, EventPostTruncate, log.events[0].Type())
	assert.Equal(t, payload, log.events[0].Payload())
}

func BenchmarkTrigger_OnPushDiscarded(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 4; i++ {
		manager.Register(EventOnPushDiscarded, ListenerFunc(func(context.Context, HookEvent) error { return nil }))
	}
	event := NewOnPushDiscardedEvent(DiscardPayload{Partition: 1, Signature: "ORDERS", Bytes: 64})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
