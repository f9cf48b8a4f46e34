package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/INLOpen/nexusexport/catalog"
	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/messaging"
)

const lockFileName = ".lock"

// ErrOverflowLocked is returned by Start when another process owns the
// overflow directory.
var ErrOverflowLocked = errors.New("export overflow directory is locked by another process")

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	OverflowDir string
	HostID      int32
	Factory     SourceFactory
	Store       coord.Store
	Messenger   messaging.Messenger
	Options     Options
}

// Manager owns every generation of the host. The newest generation receives
// the catalog's tables; older ones keep draining and are deleted once all
// of their sources have drained.
type Manager struct {
	cfg    ManagerConfig
	opts   Options
	logger *slog.Logger
	lock   *flock.Flock

	mu          sync.RWMutex
	generations map[int64]*Generation
	current     int64
	scheduled   map[*Generation]struct{}

	// ctx bounds background deletions; cancelled by Shutdown.
	ctx      context.Context
	cancel   context.CancelFunc
	deleting sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	opts := cfg.Options.withDefaults()
	m := &Manager{
		cfg:         cfg,
		logger:      opts.Logger.With("component", "export_manager"),
		lock:        flock.New(filepath.Join(cfg.OverflowDir, lockFileName)),
		generations: make(map[int64]*Generation),
		current:     -1,
		scheduled:   make(map[*Generation]struct{}),
	}
	user := opts.OnAllSourcesDrained
	opts.OnAllSourcesDrained = func(g *Generation) {
		if user != nil {
			user(g)
		}
		m.generationDrained(g)
	}
	m.opts = opts
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start locks the overflow directory, restores the generations found in it
// and creates the generation of the current catalog at epoch.
func (m *Manager) Start(ctx context.Context, catalogCtx *catalog.Context, epoch int64) error {
	if err := os.MkdirAll(m.cfg.OverflowDir, 0755); err != nil {
		return core.NewFatalError("create export overflow directory", err)
	}
	locked, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", m.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrOverflowLocked, m.cfg.OverflowDir)
	}

	if err := m.restore(ctx); err != nil {
		m.abortStart()
		return err
	}
	if err := m.UpdateCatalog(ctx, catalogCtx, epoch); err != nil {
		m.abortStart()
		return err
	}
	return nil
}

// abortStart closes what a failed Start restored and releases the lock.
func (m *Manager) abortStart() {
	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("Failed to release export overflow directory", "error", err)
	}
}

func (m *Manager) restore(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.OverflowDir)
	if err != nil {
		return fmt.Errorf("failed to list export overflow directory: %w", err)
	}
	var epochs []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		epoch, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			m.logger.Warn("Ignoring non-generation directory in export overflow", "name", e.Name())
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	for _, epoch := range epochs {
		dir := filepath.Join(m.cfg.OverflowDir, strconv.FormatInt(epoch, 10))
		g := RestoreGeneration(dir, epoch, m.opts)
		if err := g.InitializeFromDisk(ctx, m.cfg.Factory, m.cfg.Store, m.cfg.Messenger); err != nil {
			g.Close(ctx)
			return fmt.Errorf("failed to restore generation %d: %w", epoch, err)
		}
		if g.NumSources() == 0 {
			m.logger.Info("Deleting restored generation without data sources", "epoch", epoch)
			if err := g.CloseAndDelete(ctx); err != nil {
				m.logger.Error("Failed to delete empty generation", "epoch", epoch, "error", err)
			}
			continue
		}
		m.add(g)
		m.logger.Info("Restored export generation", "epoch", epoch, "sources", g.NumSources())
		// Drains seen during initialization were ignored until now.
		if g.AllSourcesDrained() {
			m.scheduleDelete(g)
		}
	}
	return nil
}

// UpdateCatalog makes a generation for catalogCtx at epoch the current one.
// The previous generation is deleted once it has drained.
func (m *Manager) UpdateCatalog(ctx context.Context, catalogCtx *catalog.Context, epoch int64) error {
	m.mu.RLock()
	_, exists := m.generations[epoch]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("generation %d already exists", epoch)
	}

	g, err := NewGeneration(epoch, m.cfg.OverflowDir, m.opts)
	if err != nil {
		return err
	}
	var connector *catalog.Connector
	if catalogCtx != nil {
		connector = catalogCtx.Connector
	}
	if err := g.InitializeFromCatalog(ctx, catalogCtx, connector, m.cfg.HostID, m.cfg.Factory, m.cfg.Store, m.cfg.Messenger); err != nil {
		g.Close(ctx)
		if rmErr := os.RemoveAll(g.Directory()); rmErr != nil {
			m.logger.Error("Failed to remove directory of failed generation", "epoch", epoch, "error", rmErr)
		}
		return err
	}

	m.mu.Lock()
	previous := m.generations[m.current]
	m.current = epoch
	m.mu.Unlock()
	m.add(g)

	if previous != nil && previous.AllSourcesDrained() {
		m.scheduleDelete(previous)
	}
	m.logger.Info("Switched export to new generation", "epoch", epoch, "sources", g.NumSources())
	return nil
}

func (m *Manager) add(g *Generation) {
	m.mu.Lock()
	m.generations[g.Epoch()] = g
	m.mu.Unlock()
	m.opts.Metrics.Generations.Inc()
}

// generationDrained deletes a drained generation unless it is current or
// still initializing. Restore re-checks the latter once it has added it.
func (m *Manager) generationDrained(g *Generation) {
	m.mu.RLock()
	current := m.current
	registered := m.generations[g.Epoch()] == g
	m.mu.RUnlock()
	if !registered || g.Epoch() == current {
		return
	}
	m.scheduleDelete(g)
}

func (m *Manager) scheduleDelete(g *Generation) {
	m.mu.Lock()
	if _, ok := m.scheduled[g]; ok {
		m.mu.Unlock()
		return
	}
	m.scheduled[g] = struct{}{}
	m.mu.Unlock()

	m.deleting.Add(1)
	go func() {
		defer m.deleting.Done()
		err := g.CloseAndDelete(m.ctx)
		m.mu.Lock()
		delete(m.scheduled, g)
		m.mu.Unlock()
		if err != nil {
			if !errors.Is(err, core.ErrGenerationClosed) {
				m.logger.Error("Failed to delete drained generation", "epoch", g.Epoch(), "error", err)
			}
			return
		}
		m.mu.Lock()
		if m.generations[g.Epoch()] == g {
			delete(m.generations, g.Epoch())
			m.opts.Metrics.Generations.Dec()
		}
		m.mu.Unlock()
		m.logger.Info("Deleted drained export generation", "epoch", g.Epoch())
	}()
}

// Generation returns the generation of epoch, nil when there is none.
func (m *Manager) Generation(epoch int64) *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[epoch]
}

// Current returns the newest generation, nil before Start.
func (m *Manager) Current() *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[m.current]
}

// Epochs lists the open generations, oldest first.
func (m *Manager) Epochs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.generations))
	for epoch := range m.generations {
		out = append(out, epoch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PushExportBuffer routes a buffer to the generation of epoch.
func (m *Manager) PushExportBuffer(epoch int64, partition core.PartitionID, signature string, uso uint64, buf []byte, sync, endOfStream bool) error {
	g := m.Generation(epoch)
	if g == nil {
		m.logger.Info("Discarding export buffer for unknown generation", "epoch", epoch, "partition", partition, "signature", signature)
		if m.opts.ReleaseBuffer != nil && buf != nil {
			m.opts.ReleaseBuffer(buf)
		}
		return nil
	}
	return g.PushExportBuffer(partition, signature, uso, buf, sync, endOfStream)
}

// Ack routes an ack to the generation of epoch.
func (m *Manager) Ack(epoch int64, partition core.PartitionID, signature string, uso uint64) {
	g := m.Generation(epoch)
	if g == nil {
		m.logger.Info("Discarding export ack for unknown generation", "epoch", epoch, "partition", partition, "signature", signature)
		return
	}
	g.Ack(partition, signature, uso)
}

func (m *Manager) QueuedBytes(epoch int64, partition core.PartitionID, signature string) uint64 {
	g := m.Generation(epoch)
	if g == nil {
		return 0
	}
	return g.QueuedBytes(partition, signature)
}

// TruncateToTransaction truncates every open generation.
func (m *Manager) TruncateToTransaction(ctx context.Context, txn core.TxnID, perPartitionTxns []core.TxnID) error {
	for _, epoch := range m.Epochs() {
		g := m.Generation(epoch)
		if g == nil {
			continue
		}
		if err := g.TruncateToTransaction(ctx, txn, perPartitionTxns); err != nil && !errors.Is(err, core.ErrGenerationClosed) {
			return err
		}
	}
	return nil
}

// Shutdown waits for pending deletions, closes every generation and
// releases the overflow directory.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.deleting.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline reached with generation deletions pending")
		m.cancel()
		<-done
	}
	m.cancel()

	m.mu.Lock()
	gens := make([]*Generation, 0, len(m.generations))
	for _, g := range m.generations {
		gens = append(gens, g)
	}
	m.generations = make(map[int64]*Generation)
	m.mu.Unlock()

	for _, g := range gens {
		g.Close(ctx)
		m.opts.Metrics.Generations.Dec()
	}
	if err := m.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", m.lock.Path(), err)
	}
	m.logger.Info("Export manager stopped", "generations", len(gens))
	return nil
}
