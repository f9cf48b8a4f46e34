package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusexport/core"
)

var (
	// ErrNoMailbox is returned when a local destination has no mailbox.
	ErrNoMailbox = errors.New("messaging: no such mailbox")
	// ErrNoTransport is returned when sending to another host without a
	// transport configured.
	ErrNoTransport = errors.New("messaging: no transport to remote host")
)

// Mailbox receives messages addressed to its HSId.
type Mailbox interface {
	Deliver(msg Message)
}

// MailboxFunc adapts a function to the Mailbox interface.
type MailboxFunc func(msg Message)

func (f MailboxFunc) Deliver(msg Message) { f(msg) }

// Messenger is what export components need from the messaging layer.
type Messenger interface {
	HostID() int32
	CreateMailbox(mb Mailbox) core.MailboxID
	RemoveMailbox(id core.MailboxID)
	Send(ctx context.Context, dest core.MailboxID, msg Message) error
}

// Transport carries messages to mailboxes on other hosts.
type Transport interface {
	Send(ctx context.Context, dest core.MailboxID, msg Message) error
	Close() error
}

// HostMessenger owns the mailboxes of one host. Messages to local HSIds are
// delivered in-process; the rest go through the transport.
type HostMessenger struct {
	hostID int32
	logger *slog.Logger

	mu        sync.RWMutex
	mailboxes map[core.MailboxID]Mailbox
	nextSite  int32
	transport Transport
}

var _ Messenger = (*HostMessenger)(nil)

// NewHostMessenger creates the messenger of host hostID. The transport may
// be nil for single host deployments and set later with SetTransport.
func NewHostMessenger(hostID int32, transport Transport, logger *slog.Logger) *HostMessenger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HostMessenger{
		hostID:    hostID,
		logger:    logger.With("component", "messenger", "host_id", hostID),
		mailboxes: make(map[core.MailboxID]Mailbox),
		transport: transport,
	}
}

func (m *HostMessenger) HostID() int32 { return m.hostID }

// SetTransport replaces the transport used for remote destinations.
func (m *HostMessenger) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// CreateMailbox registers mb under a fresh HSId on this host.
func (m *HostMessenger) CreateMailbox(mb Mailbox) core.MailboxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSite++
	id := core.HSId(m.hostID, m.nextSite)
	m.mailboxes[id] = mb
	m.logger.Debug("Created mailbox", "mailbox", id)
	return id
}

// RemoveMailbox unregisters a mailbox. Later messages to it are dropped.
func (m *HostMessenger) RemoveMailbox(id core.MailboxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mailboxes, id)
}

// Send delivers msg to dest.
func (m *HostMessenger) Send(ctx context.Context, dest core.MailboxID, msg Message) error {
	if core.HostIDOf(dest) == m.hostID {
		return m.Deliver(dest, msg)
	}
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNoTransport, dest)
	}
	return t.Send(ctx, dest, msg)
}

// Deliver hands msg to the local mailbox dest. Transports call it for
// inbound messages.
func (m *HostMessenger) Deliver(dest core.MailboxID, msg Message) error {
	m.mu.RLock()
	mb, ok := m.mailboxes[dest]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMailbox, dest)
	}
	mb.Deliver(msg)
	return nil
}
