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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexusexport/catalog"
	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
	"github.com/INLOpen/nexusexport/messaging"
)

const (
	adSuffix  = ".ad"
	tmpSuffix = ".tmp"
)

// Generation is one epoch of export state: the data sources of every
// exported table on every local partition, the ack mailbox peers use to
// retire data, and the tracker of which peers may do so.
//
// The source registry is filled during initialization and only read
// afterwards, so pushes and acks take no lock.
type Generation struct {
	epoch     int64
	directory string
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer

	sources    map[core.PartitionID]map[string]core.DataSource
	numSources int
	drain      *drainAggregator

	messenger messaging.Messenger
	mailboxID core.MailboxID
	tracker   *membershipTracker

	lifecycle sync.Mutex
	closed    atomic.Bool
}

// NewGeneration creates the directory of a fresh generation under
// overflowDir. Failing to create it is fatal.
func NewGeneration(epoch int64, overflowDir string, opts Options) (*Generation, error) {
	opts = opts.withDefaults()
	dir := filepath.Join(overflowDir, strconv.FormatInt(epoch, 10))
	if err := os.MkdirAll(overflowDir, 0755); err != nil {
		return nil, core.NewFatalError("create export overflow directory", err)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, core.NewFatalError("create export generation directory", err)
	}
	g := newGeneration(epoch, dir, opts)
	g.checkFreeSpace(overflowDir)
	g.logger.Info("Created export generation", "directory", dir)
	return g, nil
}

// RestoreGeneration returns a generation over an existing directory. Nothing
// is read until InitializeFromDisk.
func RestoreGeneration(dir string, epoch int64, opts Options) *Generation {
	return newGeneration(epoch, dir, opts.withDefaults())
}

func newGeneration(epoch int64, dir string, opts Options) *Generation {
	logger := opts.Logger.With("component", "export_generation", "epoch", epoch)
	g := &Generation{
		epoch:     epoch,
		directory: dir,
		opts:      opts,
		logger:    logger,
		tracer:    opts.Tracer,
		sources:   make(map[core.PartitionID]map[string]core.DataSource),
	}
	g.drain = &drainAggregator{
		epoch:        epoch,
		onAllDrained: g.allSourcesDrained,
		hooks:        opts.Hooks,
		metrics:      opts.Metrics,
		logger:       logger,
	}
	return g
}

func (g *Generation) checkFreeSpace(dir string) {
	if g.opts.MinFreeDiskBytes == 0 {
		return
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		g.logger.Warn("Could not read free space of export overflow volume", "directory", dir, "error", err)
		return
	}
	if usage.Free < g.opts.MinFreeDiskBytes {
		g.logger.Warn("Export overflow volume is low on space",
			"directory", dir, "free_bytes", usage.Free, "min_free_bytes", g.opts.MinFreeDiskBytes)
	}
}

func (g *Generation) allSourcesDrained() {
	if g.opts.OnAllSourcesDrained != nil {
		g.opts.OnAllSourcesDrained(g)
	}
}

// InitializeFromDisk restores a data source for every advertisement in the
// generation directory. Advertisements without data files are stale and
// deleted. Ack mailboxes are then registered for the restored partitions.
func (g *Generation) InitializeFromDisk(ctx context.Context, factory SourceFactory, store coord.Store, messenger messaging.Messenger) error {
	entries, err := os.ReadDir(g.directory)
	if err != nil {
		return fmt.Errorf("failed to list generation directory %s: %w", g.directory, err)
	}

	// Data files share the nonce prefix of their advertisement.
	dataFiles := make(map[string]int)
	var ads []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		if strings.HasSuffix(name, adSuffix) {
			ads = append(ads, name)
			continue
		}
		if i := strings.IndexByte(name, '.'); i > 0 {
			dataFiles[name[:i]]++
		}
	}
	sort.Strings(ads)

	partitions := roaring.New()
	for _, name := range ads {
		adPath := filepath.Join(g.directory, name)
		nonce := strings.TrimSuffix(name, adSuffix)
		if dataFiles[nonce] == 0 {
			g.logger.Info("Deleting stale export advertisement without data files", "path", adPath)
			if err := os.Remove(adPath); err != nil {
				g.logger.Error("Failed to delete stale export advertisement", "path", adPath, "error", err)
			}
			continue
		}
		src, err := factory.Open(adPath, g.drain)
		if err != nil {
			// The data files are still unacked; leave them on disk.
			g.logger.Error("Failed to restore export data source", "path", adPath, "error", err)
			return core.NewFatalError("restore export data source", fmt.Errorf("%s: %w", adPath, err))
		}
		if !g.register(src) {
			src.Close()
			continue
		}
		partitions.Add(uint32(src.PartitionID()))
	}
	g.drain.seal(int64(g.numSources))
	g.logger.Info("Restored export generation from disk", "sources", g.numSources, "partitions", partitions.GetCardinality())

	if err := g.registerAckMailboxes(ctx, toPartitions(partitions), store, messenger); err != nil {
		return err
	}
	g.fireCreated(ctx)
	return nil
}

// InitializeFromCatalog creates a data source for every table exported by
// connector on every partition of a site hosted on hostID, then registers
// ack mailboxes for those partitions.
func (g *Generation) InitializeFromCatalog(ctx context.Context, catalogCtx *catalog.Context, connector *catalog.Connector,
	hostID int32, factory SourceFactory, store coord.Store, messenger messaging.Messenger) error {
	var tables []catalog.Table
	if connector != nil && connector.Enabled {
		tables = connector.Tables
	}
	var sites []int64
	if catalogCtx != nil && catalogCtx.Sites != nil {
		sites = catalogCtx.Sites.SitesForHost(hostID)
	}

	partitions := roaring.New()
	for _, table := range tables {
		for _, site := range sites {
			partition, ok := catalogCtx.Sites.PartitionForSite(site)
			if !ok {
				g.logger.Warn("Site has no partition, skipping", "site", site, "table", table.Name)
				continue
			}
			if _, exists := g.sources[partition][table.Signature]; exists {
				continue
			}
			src, err := factory.Create(core.SourceDescriptor{
				Database:  catalogCtx.Database,
				TableName: table.Name,
				Partition: partition,
				SiteID:    site,
				Signature: table.Signature,
				Epoch:     g.epoch,
				Columns:   table.Columns,
				Directory: g.directory,
			}, g.drain)
			if err != nil {
				return core.NewFatalError("create export data source",
					fmt.Errorf("table %s partition %d: %w", table.Name, partition, err))
			}
			g.register(src)
			partitions.Add(uint32(partition))
		}
	}
	g.drain.seal(int64(g.numSources))
	g.logger.Info("Created export generation from catalog", "sources", g.numSources, "partitions", partitions.GetCardinality())

	if err := g.registerAckMailboxes(ctx, toPartitions(partitions), store, messenger); err != nil {
		return err
	}
	g.fireCreated(ctx)
	return nil
}

func toPartitions(bm *roaring.Bitmap) []core.PartitionID {
	out := make([]core.PartitionID, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, core.PartitionID(it.Next()))
	}
	return out
}

// register adds src to the registry. It reports false for a duplicate
// (partition, signature).
func (g *Generation) register(src core.DataSource) bool {
	bySig, ok := g.sources[src.PartitionID()]
	if !ok {
		bySig = make(map[string]core.DataSource)
		g.sources[src.PartitionID()] = bySig
	}
	if _, dup := bySig[src.Signature()]; dup {
		g.logger.Error("Duplicate export data source", "partition", src.PartitionID(), "signature", src.Signature())
		return false
	}
	bySig[src.Signature()] = src
	g.numSources++
	return true
}

// AddDataSource injects a source after initialization. It is meant for
// tests and must not race with other operations on the generation.
func (g *Generation) AddDataSource(src core.DataSource) {
	if g.register(src) {
		g.drain.expect(1)
	}
}

// registerAckMailboxes publishes the local ack mailbox under every local
// partition and seeds the membership snapshot. Any failure is fatal.
func (g *Generation) registerAckMailboxes(ctx context.Context, partitions []core.PartitionID, store coord.Store, messenger messaging.Messenger) (err error) {
	ctx, span := g.tracer.Start(ctx, "Generation.registerAckMailboxes",
		trace.WithAttributes(attribute.Int64("export.epoch", g.epoch), attribute.Int("export.partitions", len(partitions))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ack mailbox registration failed")
		}
		span.End()
	}()

	g.messenger = messenger
	g.mailboxID = messenger.CreateMailbox(&ackMailbox{gen: g, logger: g.logger, metrics: g.opts.Metrics})
	g.logger.Info("Registered export ack mailbox", "mailbox", g.mailboxID)

	if err := coord.CreateAll(ctx, store, generationPath(g.epoch)); err != nil {
		return core.NewFatalError("register export ack mailboxes", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		eg.Go(func() error {
			if err := store.CreateNode(egCtx, partitionPath(g.epoch, p), coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
				return err
			}
			return store.CreateNode(egCtx, mailboxPath(g.epoch, p, g.mailboxID), coord.Ephemeral)
		})
	}
	if err := eg.Wait(); err != nil {
		return core.NewFatalError("register export ack mailboxes", err)
	}

	g.tracker = newMembershipTracker(g.epoch, g.mailboxID, store, g.opts)
	g.tracker.start()
	if err := g.tracker.seed(ctx, partitions); err != nil {
		g.tracker.stopAndWait()
		return core.NewFatalError("list export ack mailboxes", err)
	}
	return nil
}

func (g *Generation) fireCreated(ctx context.Context) {
	_ = g.opts.Hooks.Trigger(ctx, hooks.NewPostGenerationCreateEvent(g.payload()))
}

func (g *Generation) payload() hooks.GenerationPayload {
	return hooks.GenerationPayload{Epoch: g.epoch, Directory: g.directory, Sources: g.numSources}
}

func (g *Generation) lookup(partition core.PartitionID, signature string) (core.DataSource, bool) {
	src, ok := g.sources[partition][signature]
	return src, ok
}

func (g *Generation) release(buf []byte) {
	if g.opts.ReleaseBuffer != nil && buf != nil {
		g.opts.ReleaseBuffer(buf)
	}
}

// PushExportBuffer hands buf, which starts at uso, to the data source of
// (partition, signature). Buffers for an unknown pair are dropped: the
// table may have been removed after the generation started.
func (g *Generation) PushExportBuffer(partition core.PartitionID, signature string, uso uint64, buf []byte, sync, endOfStream bool) error {
	defer g.release(buf)
	if g.closed.Load() {
		return core.ErrGenerationClosed
	}
	src, ok := g.lookup(partition, signature)
	if !ok {
		g.logger.Info("Discarding export buffer for unknown data source",
			"partition", partition, "signature", signature, "uso", uso, "bytes", len(buf))
		g.opts.Metrics.BuffersDiscarded.Inc()
		_ = g.opts.Hooks.Trigger(context.Background(), hooks.NewOnPushDiscardedEvent(hooks.DiscardPayload{
			Epoch: g.epoch, Partition: partition, Signature: signature, USO: uso, Bytes: len(buf),
		}))
		return nil
	}
	if err := src.Push(uso, buf, sync, endOfStream); err != nil {
		return fmt.Errorf("failed to push to partition %d signature %s: %w", partition, signature, err)
	}
	g.opts.Metrics.BuffersPushed.Inc()
	g.opts.Metrics.BytesPushed.Add(float64(len(buf)))
	return nil
}

// QueuedBytes returns the unacknowledged bytes of a data source, zero when
// the pair is unknown.
func (g *Generation) QueuedBytes(partition core.PartitionID, signature string) uint64 {
	src, ok := g.lookup(partition, signature)
	if !ok {
		return 0
	}
	return src.SizeInBytes()
}

// Ack retires everything up to uso in the data source of (partition,
// signature). Unknown pairs are logged and ignored.
func (g *Generation) Ack(partition core.PartitionID, signature string, uso uint64) {
	if g.closed.Load() {
		g.logger.Debug("Ignoring ack on closed generation", "partition", partition, "signature", signature, "uso", uso)
		return
	}
	src, ok := g.lookup(partition, signature)
	if !ok {
		g.logger.Info("Discarding export ack for unknown data source",
			"partition", partition, "signature", signature, "uso", uso)
		g.opts.Metrics.AcksDiscarded.Inc()
		_ = g.opts.Hooks.Trigger(context.Background(), hooks.NewOnAckDiscardedEvent(hooks.DiscardPayload{
			Epoch: g.epoch, Partition: partition, Signature: signature, USO: uso,
		}))
		return
	}
	src.Ack(uso)
	g.opts.Metrics.Acks.Inc()
}

// AckAndForward applies an ack locally and sends it to every peer mailbox
// allowed to ack the partition, so replicas retire the same data. Send
// failures are returned together after every peer was tried.
func (g *Generation) AckAndForward(ctx context.Context, partition core.PartitionID, signature string, uso uint64) error {
	g.Ack(partition, signature, uso)
	if g.closed.Load() {
		return core.ErrGenerationClosed
	}
	peers := g.AckableMailboxes(partition)
	if len(peers) == 0 {
		return nil
	}
	data := EncodeAck(AckMessage{Partition: partition, Signature: signature, USO: uso})
	var errs []error
	for _, peer := range peers {
		if err := g.messenger.Send(ctx, peer, &messaging.BinaryPayload{Data: data}); err != nil {
			g.logger.Warn("Failed to forward export ack", "peer", peer, "partition", partition, "error", err)
			errs = append(errs, fmt.Errorf("forward ack to %s: %w", peer, err))
			continue
		}
		g.opts.Metrics.AcksForwarded.Inc()
	}
	return errors.Join(errs...)
}

// TruncateToTransaction drops every row newer than the truncation point of
// each data source and waits for all of them. In per-partition mode each
// partition uses the entry of perPartitionTxns carrying its partition id;
// partitions without one are skipped. In global mode every source is
// truncated to txn. A failed truncation is fatal.
func (g *Generation) TruncateToTransaction(ctx context.Context, txn core.TxnID, perPartitionTxns []core.TxnID) (err error) {
	perPartition := g.opts.TruncationMode == TruncatePerPartition
	ctx, span := g.tracer.Start(ctx, "Generation.TruncateToTransaction",
		trace.WithAttributes(
			attribute.Int64("export.epoch", g.epoch),
			attribute.Int64("export.txn_id", int64(txn)),
			attribute.Bool("export.per_partition", perPartition),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "truncation failed")
		}
		span.End()
	}()

	if g.closed.Load() {
		return core.ErrGenerationClosed
	}

	points := make(map[core.PartitionID]core.TxnID, len(perPartitionTxns))
	for _, t := range perPartitionTxns {
		points[core.PartitionOfTxn(t)] = t
	}

	targets := make(map[core.PartitionID]core.TxnID)
	var skipped []core.PartitionID
	var futures []*core.Future
	for _, p := range g.Partitions() {
		target := txn
		if perPartition {
			t, ok := points[p]
			if !ok {
				g.logger.Error("No truncation point for partition, skipping", "partition", p, "txn_id", txn)
				skipped = append(skipped, p)
				continue
			}
			target = t
		}
		targets[p] = target
		for _, src := range g.sortedSources(p) {
			futures = append(futures, src.TruncateToTxn(target))
		}
	}

	if err := core.WaitAll(futures...); err != nil {
		return core.NewFatalError("truncate export data sources", err)
	}
	g.logger.Info("Truncated export generation", "txn_id", txn, "per_partition", perPartition,
		"sources", len(futures), "skipped_partitions", len(skipped))
	_ = g.opts.Hooks.Trigger(ctx, hooks.NewPostTruncateEvent(hooks.TruncatePayload{
		Epoch: g.epoch, TxnID: txn, PerPartition: perPartition, Targets: targets, Skipped: skipped,
	}))
	return nil
}

// Close closes every data source and waits for them. Failures are logged:
// one bad source must not hold up shutdown.
func (g *Generation) Close(ctx context.Context) {
	_, span := g.tracer.Start(ctx, "Generation.Close", trace.WithAttributes(attribute.Int64("export.epoch", g.epoch)))
	defer span.End()

	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if !g.closed.CompareAndSwap(false, true) {
		return
	}

	sources := g.allSources()
	futures := make([]*core.Future, len(sources))
	for i, src := range sources {
		futures[i] = src.Close()
	}
	failed := 0
	for i, f := range futures {
		if err := f.Wait(); err != nil {
			failed++
			g.logger.Error("Failed to close export data source",
				"partition", sources[i].PartitionID(), "signature", sources[i].Signature(), "error", err)
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d sources failed to close", failed))
	}
	g.shutdown()
	g.logger.Info("Closed export generation", "sources", len(sources), "failed", failed)
	_ = g.opts.Hooks.Trigger(ctx, hooks.NewPostGenerationCloseEvent(g.payload()))
}

// CloseAndDelete deletes every data source and then the generation
// directory. The directory is kept when any source fails, and the first
// failure is returned. A PreCloseAndDelete listener may veto the deletion,
// in which case the generation stays open.
func (g *Generation) CloseAndDelete(ctx context.Context) (err error) {
	ctx, span := g.tracer.Start(ctx, "Generation.CloseAndDelete", trace.WithAttributes(attribute.Int64("export.epoch", g.epoch)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "close and delete failed")
		}
		span.End()
	}()

	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.closed.Load() {
		return core.ErrGenerationClosed
	}
	if err := g.opts.Hooks.Trigger(ctx, hooks.NewPreCloseAndDeleteEvent(g.payload())); err != nil {
		return fmt.Errorf("deletion of generation %d cancelled: %w", g.epoch, err)
	}
	g.closed.Store(true)
	defer g.shutdown()

	sources := g.allSources()
	futures := make([]*core.Future, len(sources))
	for i, src := range sources {
		futures[i] = src.CloseAndDelete()
	}
	if err := core.WaitAll(futures...); err != nil {
		return fmt.Errorf("failed to delete data sources of generation %d: %w", g.epoch, err)
	}
	if err := os.RemoveAll(g.directory); err != nil {
		return fmt.Errorf("failed to remove generation directory %s: %w", g.directory, err)
	}
	g.logger.Info("Deleted export generation", "directory", g.directory, "sources", len(sources))
	_ = g.opts.Hooks.Trigger(ctx, hooks.NewPostGenerationCloseEvent(g.payload()))
	return nil
}

// shutdown stops membership tracking and unregisters the ack mailbox.
func (g *Generation) shutdown() {
	if g.tracker != nil {
		g.tracker.stopAndWait()
	}
	if g.messenger != nil && g.mailboxID != 0 {
		g.messenger.RemoveMailbox(g.mailboxID)
	}
}

func (g *Generation) sortedSources(p core.PartitionID) []core.DataSource {
	bySig := g.sources[p]
	sigs := make([]string, 0, len(bySig))
	for sig := range bySig {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	out := make([]core.DataSource, len(sigs))
	for i, sig := range sigs {
		out[i] = bySig[sig]
	}
	return out
}

func (g *Generation) allSources() []core.DataSource {
	out := make([]core.DataSource, 0, g.numSources)
	for _, p := range g.Partitions() {
		out = append(out, g.sortedSources(p)...)
	}
	return out
}

func (g *Generation) Epoch() int64      { return g.epoch }
func (g *Generation) Directory() string { return g.directory }
func (g *Generation) NumSources() int   { return g.numSources }

// Mailbox returns the id of the generation's ack mailbox, zero before
// initialization.
func (g *Generation) Mailbox() core.MailboxID { return g.mailboxID }

// Closed reports whether Close or CloseAndDelete completed.
func (g *Generation) Closed() bool { return g.closed.Load() }

// AllSourcesDrained reports whether the drain callback has fired.
func (g *Generation) AllSourcesDrained() bool { return g.drain.allDrained() }

// AckableMailboxes returns the peer mailboxes currently allowed to ack
// partition. The local mailbox is never included.
func (g *Generation) AckableMailboxes(partition core.PartitionID) []core.MailboxID {
	if g.tracker == nil {
		return nil
	}
	return g.tracker.current().Peers(partition)
}

// Partitions returns the partitions with at least one data source, ascending.
func (g *Generation) Partitions() []core.PartitionID {
	out := make([]core.PartitionID, 0, len(g.sources))
	for p := range g.sources {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
