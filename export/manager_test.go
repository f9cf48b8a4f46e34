package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/datasource"
	"github.com/INLOpen/nexusexport/messaging"
)

func newTestManager(t *testing.T, dir string, factory SourceFactory, metrics *Metrics) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		OverflowDir: dir,
		HostID:      1,
		Factory:     factory,
		Store:       coord.NewMemStore().Session(),
		Messenger:   messaging.NewHostMessenger(1, nil, nil),
		Options:     Options{Metrics: metrics},
	})
}

func TestManager_DeletesSupersededGenerationAfterDrain(t *testing.T) {
	dir := t.TempDir()
	factory := newFakeFactory()
	metrics := NewMetrics(nil)
	m := newTestManager(t, dir, factory, metrics)
	ctx := context.Background()
	cat := ordersCatalog(t)

	require.NoError(t, m.Start(ctx, cat, 1))
	defer m.Shutdown(ctx)
	require.NoError(t, m.PushExportBuffer(1, 0, "ORDERS", 10, []byte("abc"), false, true))
	require.NoError(t, m.PushExportBuffer(1, 1, "ORDERS", 10, nil, false, true))
	assert.Equal(t, uint64(3), m.QueuedBytes(1, 0, "ORDERS"))

	require.NoError(t, m.UpdateCatalog(ctx, cat, 2))
	assert.Equal(t, []int64{1, 2}, m.Epochs())
	assert.Equal(t, int64(2), m.Current().Epoch())

	m.Ack(1, 0, "ORDERS", 10)
	require.Eventually(t, func() bool { return m.Generation(1) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, filepath.Join(dir, "1"))
	assert.DirExists(t, filepath.Join(dir, "2"))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Generations))
}

func TestManager_DeletesAlreadyDrainedGenerationOnSwitch(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newFakeFactory(), nil)
	ctx := context.Background()
	cat := ordersCatalog(t)

	require.NoError(t, m.Start(ctx, cat, 1))
	defer m.Shutdown(ctx)
	require.NoError(t, m.PushExportBuffer(1, 0, "ORDERS", 0, nil, false, true))
	require.NoError(t, m.PushExportBuffer(1, 1, "ORDERS", 0, nil, false, true))
	require.True(t, m.Generation(1).AllSourcesDrained())
	assert.NotNil(t, m.Generation(1), "the current generation is kept even when drained")

	require.NoError(t, m.UpdateCatalog(ctx, cat, 2))
	require.Eventually(t, func() bool { return m.Generation(1) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, filepath.Join(dir, "1"))
}

func TestManager_UnknownEpoch(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newFakeFactory(), nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, ordersCatalog(t), 1))
	defer m.Shutdown(ctx)

	assert.NoError(t, m.PushExportBuffer(99, 0, "ORDERS", 1, []byte("x"), false, false))
	assert.NotPanics(t, func() { m.Ack(99, 0, "ORDERS", 1) })
	assert.Equal(t, uint64(0), m.QueuedBytes(99, 0, "ORDERS"))
	assert.ErrorContains(t, m.UpdateCatalog(ctx, ordersCatalog(t), 1), "already exists")
}

func TestManager_RestoresAndCleansOverflow(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	factory := datasource.NewFactory(core.CompressionLZ4, nil)

	// Generation 5 has queued data, generation 6 only a stale advertisement.
	gen5 := filepath.Join(dir, "5")
	require.NoError(t, os.Mkdir(gen5, 0755))
	src, err := factory.Create(core.SourceDescriptor{TableName: "ORDERS", Partition: 0, Signature: "ORDERS", Epoch: 5, Directory: gen5}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Push(40, []byte("pending"), true, false))
	require.NoError(t, src.Close().Wait())

	gen6 := filepath.Join(dir, "6")
	require.NoError(t, os.Mkdir(gen6, 0755))
	stale, err := factory.Create(core.SourceDescriptor{TableName: "ORDERS", Partition: 0, Signature: "ORDERS", Epoch: 6, Directory: gen6}, nil)
	require.NoError(t, err)
	require.NoError(t, stale.Close().Wait())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "not-a-generation"), 0755))

	m := newTestManager(t, dir, factory, nil)
	require.NoError(t, m.Start(ctx, ordersCatalog(t), 10))
	defer m.Shutdown(ctx)

	assert.Equal(t, []int64{5, 10}, m.Epochs())
	assert.NoDirExists(t, gen6)
	assert.Equal(t, uint64(len("pending")), m.QueuedBytes(5, 0, "ORDERS"))

	m.Ack(5, 0, "ORDERS", 40)
	require.Eventually(t, func() bool { return m.Generation(5) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, gen5)
}

func TestManager_TruncatesEveryGeneration(t *testing.T) {
	factory := newFakeFactory()
	m := NewManager(ManagerConfig{
		OverflowDir: t.TempDir(),
		HostID:      1,
		Factory:     factory,
		Store:       coord.NewMemStore().Session(),
		Messenger:   messaging.NewHostMessenger(1, nil, nil),
		Options:     Options{TruncationMode: TruncateGlobal},
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, ordersCatalog(t), 1))
	defer m.Shutdown(ctx)

	require.NoError(t, m.TruncateToTransaction(ctx, 12345, nil))
	assert.Equal(t, []core.TxnID{12345}, factory.source(0, "ORDERS").TruncatedTo())
	assert.Equal(t, []core.TxnID{12345}, factory.source(1, "ORDERS").TruncatedTo())
}

func TestManager_OverflowDirectoryIsLocked(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first := newTestManager(t, dir, newFakeFactory(), nil)
	require.NoError(t, first.Start(ctx, ordersCatalog(t), 1))

	second := newTestManager(t, dir, newFakeFactory(), nil)
	assert.ErrorIs(t, second.Start(ctx, ordersCatalog(t), 2), ErrOverflowLocked)

	require.NoError(t, first.Shutdown(ctx))
	assert.True(t, first.Current() == nil)
}

func TestManager_UnreadableAdvertisementKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	factory := datasource.NewFactory(core.CompressionNone, nil)

	gen5 := filepath.Join(dir, "5")
	require.NoError(t, os.Mkdir(gen5, 0755))
	src, err := factory.Create(core.SourceDescriptor{TableName: "ORDERS", Partition: 0, Signature: "ORDERS", Epoch: 5, Directory: gen5}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Push(40, []byte("unacked"), true, false))
	require.NoError(t, src.Close().Wait())
	adPath := src.(*datasource.Source).AdPath()
	block := filepath.Join(gen5, datasource.BlockFileName(datasource.NonceFromAdPath(adPath), 40))
	require.NoError(t, os.WriteFile(adPath, []byte("garbage"), 0644))

	m := newTestManager(t, dir, factory, nil)
	err = m.Start(ctx, ordersCatalog(t), 10)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.FileExists(t, block)
	assert.FileExists(t, adPath)
	assert.NoDirExists(t, filepath.Join(dir, "10"))
	assert.Empty(t, m.Epochs())

	// The failed Start gave the directory back.
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, lock.Unlock())
}

func TestManager_DeletesGenerationDrainedDuringRestore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	gen5 := filepath.Join(dir, "5")
	require.NoError(t, os.Mkdir(gen5, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gen5, datasource.AdFileName("n1")), []byte("ad"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(gen5, datasource.BlockFileName("n1", 1)), []byte("block"), 0644))

	// The restored source reports its drain while the generation is still
	// initializing.
	factory := newFakeFactory()
	factory.openDrained = true
	metrics := NewMetrics(nil)
	m := newTestManager(t, dir, factory, metrics)
	require.NoError(t, m.Start(ctx, ordersCatalog(t), 10))
	defer m.Shutdown(ctx)

	require.Eventually(t, func() bool { return m.Generation(5) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, gen5)
	assert.Equal(t, []int64{10}, m.Epochs())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Generations))
}

func TestManager_FailedCatalogGenerationIsRemoved(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	factory := newFakeFactory()
	messenger := messaging.NewHostMessenger(1, nil, nil)
	mem := coord.NewMemStore()
	m := NewManager(ManagerConfig{
		OverflowDir: dir,
		HostID:      1,
		Factory:     factory,
		Store:       mem.Session(),
		Messenger:   messenger,
	})
	require.NoError(t, m.Start(ctx, ordersCatalog(t), 1))
	defer m.Shutdown(ctx)

	// Listing fails after the mailbox was registered.
	m.cfg.Store = &flakyStore{Store: mem.Session()}
	m.cfg.Store.(*flakyStore).failChildren.Store(true)
	err := m.UpdateCatalog(ctx, ordersCatalog(t), 2)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.NoDirExists(t, filepath.Join(dir, "2"))
	assert.Equal(t, []int64{1}, m.Epochs())
	assert.Equal(t, int64(1), m.Current().Epoch())

	// Mailboxes are numbered per host in creation order; the second one
	// belonged to the failed generation.
	err = messenger.Deliver(core.HSId(1, 2), &messaging.BinaryPayload{Data: EncodeAck(AckMessage{Partition: 0, Signature: "ORDERS", USO: 1})})
	assert.ErrorIs(t, err, messaging.ErrNoMailbox)
	assert.True(t, factory.source(0, "ORDERS").Closed())
}
