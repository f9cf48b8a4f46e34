package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusexport/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Generation Lifecycle Events
	EventPostGenerationCreate  EventType = "PostGenerationCreate"
	EventPostGenerationDrained EventType = "PostGenerationDrained"
	EventPreCloseAndDelete     EventType = "PreCloseAndDelete"
	EventPostGenerationClose   EventType = "PostGenerationClose"

	// Data Source Events
	EventPostSourceDrained EventType = "PostSourceDrained"
	EventPostTruncate      EventType = "PostTruncate"

	// Routing Events
	EventOnPushDiscarded EventType = "OnPushDiscarded"
	EventOnAckDiscarded  EventType = "OnAckDiscarded"

	// Membership Events
	EventPostMembershipUpdate EventType = "PostMembershipUpdate"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookListener receives events. Pre-hook listeners run synchronously and
// may cancel the operation by returning an error.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower values run first.
	Priority() int
	// IsAsync requests asynchronous execution. Ignored for Pre-hooks.
	IsAsync() bool
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// GenerationPayload describes a generation lifecycle event.
type GenerationPayload struct {
	Epoch     int64
	Directory string
	Sources   int
}

func NewPostGenerationCreateEvent(payload GenerationPayload) HookEvent {
	return &BaseEvent{eventType: EventPostGenerationCreate, payload: payload}
}

func NewPostGenerationDrainedEvent(payload GenerationPayload) HookEvent {
	return &BaseEvent{eventType: EventPostGenerationDrained, payload: payload}
}

// NewPreCloseAndDeleteEvent is fired before a generation's sources are
// deleted. A listener returning an error (for instance while copying the
// overflow data somewhere safe) keeps the data on disk.
func NewPreCloseAndDeleteEvent(payload GenerationPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseAndDelete, payload: payload}
}

func NewPostGenerationCloseEvent(payload GenerationPayload) HookEvent {
	return &BaseEvent{eventType: EventPostGenerationClose, payload: payload}
}

// SourceDrainedPayload is sent each time a data source drains.
type SourceDrainedPayload struct {
	Epoch     int64
	Partition core.PartitionID
	Signature string
	Drained   int64
	Total     int64
}

func NewPostSourceDrainedEvent(payload SourceDrainedPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSourceDrained, payload: payload}
}

// TruncatePayload describes a completed truncation.
type TruncatePayload struct {
	Epoch        int64
	TxnID        core.TxnID
	PerPartition bool
	// Targets holds the txn id every partition was truncated to.
	Targets map[core.PartitionID]core.TxnID
	// Skipped lists partitions without a truncation point.
	Skipped []core.PartitionID
}

func NewPostTruncateEvent(payload TruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTruncate, payload: payload}
}

// DiscardPayload describes a push or ack addressed to a (partition,
// signature) the generation does not know.
type DiscardPayload struct {
	Epoch     int64
	Partition core.PartitionID
	Signature string
	USO       uint64
	Bytes     int
}

func NewOnPushDiscardedEvent(payload DiscardPayload) HookEvent {
	return &BaseEvent{eventType: EventOnPushDiscarded, payload: payload}
}

func NewOnAckDiscardedEvent(payload DiscardPayload) HookEvent {
	return &BaseEvent{eventType: EventOnAckDiscarded, payload: payload}
}

// MembershipPayload carries the peer mailboxes now allowed to ack a partition.
type MembershipPayload struct {
	Epoch     int64
	Partition core.PartitionID
	Mailboxes []core.MailboxID
}

func NewPostMembershipUpdateEvent(payload MembershipPayload) HookEvent {
	return &BaseEvent{eventType: EventPostMembershipUpdate, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is the standard HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "hooks"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// ListenerFunc adapts a function to a synchronous HookListener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                     { return 0 }
func (f ListenerFunc) IsAsync() bool                                     { return false }
