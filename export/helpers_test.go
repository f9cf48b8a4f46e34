package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusexport/catalog"
	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/internal/testutil"
	"github.com/INLOpen/nexusexport/messaging"
)

// fakeFactory creates testutil.FakeSource instances and remembers them.
type fakeFactory struct {
	mu        sync.Mutex
	sources     map[string]*testutil.FakeSource
	createErr   error
	openDrained bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sources: make(map[string]*testutil.FakeSource)}
}

func (f *fakeFactory) Create(desc core.SourceDescriptor, listener core.DrainListener) (core.DataSource, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	src := testutil.NewFakeSource(desc.Partition, desc.Signature, listener)
	f.mu.Lock()
	f.sources[fmt.Sprintf("%d/%s", desc.Partition, desc.Signature)] = src
	f.mu.Unlock()
	return src, nil
}

// Open fails unless openDrained is set, in which case it restores an
// ORDERS source on partition 0 that has nothing left to export.
func (f *fakeFactory) Open(adPath string, listener core.DrainListener) (core.DataSource, error) {
	if !f.openDrained {
		return nil, errors.New("fake factory cannot open " + adPath)
	}
	src := testutil.NewFakeSource(0, "ORDERS", listener)
	if err := src.Push(0, nil, false, true); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sources["0/ORDERS"] = src
	f.mu.Unlock()
	return src, nil
}

func (f *fakeFactory) source(p core.PartitionID, sig string) *testutil.FakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[fmt.Sprintf("%d/%s", p, sig)]
}

// loopTransport connects in-process messengers of different hosts.
type loopTransport struct {
	mu    sync.RWMutex
	hosts map[int32]*messaging.HostMessenger
}

func newLoopTransport() *loopTransport {
	return &loopTransport{hosts: make(map[int32]*messaging.HostMessenger)}
}

func (l *loopTransport) host(hostID int32) *messaging.HostMessenger {
	m := messaging.NewHostMessenger(hostID, l, nil)
	l.mu.Lock()
	l.hosts[hostID] = m
	l.mu.Unlock()
	return m
}

func (l *loopTransport) Send(_ context.Context, dest core.MailboxID, msg messaging.Message) error {
	l.mu.RLock()
	m, ok := l.hosts[core.HostIDOf(dest)]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no host %d", core.HostIDOf(dest))
	}
	return m.Deliver(dest, msg)
}

func (l *loopTransport) Close() error { return nil }

// mockMessenger is a testify mock of messaging.Messenger.
type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) HostID() int32 {
	return int32(m.Called().Int(0))
}

func (m *mockMessenger) CreateMailbox(mb messaging.Mailbox) core.MailboxID {
	return m.Called(mb).Get(0).(core.MailboxID)
}

func (m *mockMessenger) RemoveMailbox(id core.MailboxID) {
	m.Called(id)
}

func (m *mockMessenger) Send(ctx context.Context, dest core.MailboxID, msg messaging.Message) error {
	return m.Called(ctx, dest, msg).Error(0)
}

// flakyStore wraps a store and fails on demand.
type flakyStore struct {
	coord.Store
	failCreate   atomic.Bool
	failChildren atomic.Bool
}

var errConnectionLost = errors.New("connection lost")

func (s *flakyStore) CreateNode(ctx context.Context, path string, mode coord.CreateMode) error {
	if s.failCreate.Load() {
		return errConnectionLost
	}
	return s.Store.CreateNode(ctx, path, mode)
}

func (s *flakyStore) Children(ctx context.Context, path string, watcher coord.Watcher) ([]string, error) {
	if s.failChildren.Load() {
		return nil, errConnectionLost
	}
	return s.Store.Children(ctx, path, watcher)
}

// ordersCatalog exports ORDERS from partitions 0 and 1, hosted on hosts 1
// and 2.
func ordersCatalog(t *testing.T) *catalog.Context {
	t.Helper()
	sites, err := catalog.NewStaticSiteTracker([]catalog.Site{
		{ID: 10, HostID: 1, Partition: 0},
		{ID: 11, HostID: 1, Partition: 1},
		{ID: 20, HostID: 2, Partition: 0},
		{ID: 21, HostID: 2, Partition: 1},
	})
	require.NoError(t, err)
	return &catalog.Context{
		Database: "db",
		Connector: &catalog.Connector{
			Enabled: true,
			Tables:  []catalog.Table{{Name: "ORDERS", Signature: "ORDERS"}},
		},
		Sites: sites,
	}
}

// emptyGeneration returns an initialized generation without sources, ready
// for AddDataSource.
func emptyGeneration(t *testing.T, opts Options) *Generation {
	t.Helper()
	g, err := NewGeneration(42, t.TempDir(), opts)
	require.NoError(t, err)
	store := coord.NewMemStore().Session()
	messenger := messaging.NewHostMessenger(1, nil, nil)
	require.NoError(t, g.InitializeFromCatalog(context.Background(), nil, nil, 1, newFakeFactory(), store, messenger))
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}
