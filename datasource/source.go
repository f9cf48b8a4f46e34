package datasource

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusexport/compressors"
	"github.com/INLOpen/nexusexport/core"
	"github.com/google/uuid"
)

type blockRef struct {
	uso    uint64
	rawLen uint64
	path   string
}

// Source is a disk-backed export data source. Every pushed buffer becomes
// one block file next to the source's advertisement, and acks delete the
// block files they cover.
type Source struct {
	ad         Advertisement
	dir        string
	adPath     string
	compressor core.Compressor
	listener   core.DrainListener
	logger     *slog.Logger

	mu          sync.Mutex
	blocks      []blockRef // ordered by uso
	queuedBytes uint64
	endOfStream bool
	drained     bool
	closed      bool
}

var _ core.DataSource = (*Source)(nil)

// Create makes a new source for desc, writing its advertisement into
// desc.Directory.
func Create(desc core.SourceDescriptor, compressor core.Compressor, listener core.DrainListener, logger *slog.Logger) (*Source, error) {
	if compressor == nil {
		compressor = &compressors.NoCompressionCompressor{}
	}
	ad := Advertisement{
		Nonce:       uuid.NewString(),
		Database:    desc.Database,
		TableName:   desc.TableName,
		Signature:   desc.Signature,
		Partition:   desc.Partition,
		SiteID:      desc.SiteID,
		Epoch:       desc.Epoch,
		Compression: compressor.Type(),
		Columns:     desc.Columns,
	}
	adPath, err := WriteAdvertisement(desc.Directory, ad)
	if err != nil {
		return nil, err
	}
	return newSource(ad, desc.Directory, adPath, compressor, listener, logger), nil
}

// Open rebuilds a source from its advertisement and the block files that
// share its nonce. A restored source belongs to a generation that no longer
// receives data, so it drains once everything on disk is acknowledged.
func Open(adPath string, listener core.DrainListener, logger *slog.Logger) (*Source, error) {
	ad, err := ReadAdvertisement(adPath)
	if err != nil {
		return nil, err
	}
	compressor, err := compressors.ForType(ad.Compression)
	if err != nil {
		return nil, fmt.Errorf("advertisement %s: %w", adPath, err)
	}
	dir := filepath.Dir(adPath)
	s := newSource(ad, dir, adPath, compressor, listener, logger)
	s.endOfStream = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, ad.Nonce+".") {
			continue
		}
		path := filepath.Join(dir, name)
		if strings.HasSuffix(name, ".tmp") {
			// Leftover of a write that never reached its rename.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to remove partial block file", "path", path, "error", err)
			}
			continue
		}
		uso, ok := parseBlockFileName(ad.Nonce, name)
		if !ok {
			continue
		}
		h, err := readBlockHeader(path)
		if err != nil {
			return nil, err
		}
		if h.USO != uso {
			return nil, fmt.Errorf("block %s records uso %d", path, h.USO)
		}
		s.blocks = append(s.blocks, blockRef{uso: uso, rawLen: uint64(h.RawLen), path: path})
		s.queuedBytes += uint64(h.RawLen)
	}
	sort.Slice(s.blocks, func(i, j int) bool { return s.blocks[i].uso < s.blocks[j].uso })
	return s, nil
}

func newSource(ad Advertisement, dir, adPath string, compressor core.Compressor, listener core.DrainListener, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		ad:         ad,
		dir:        dir,
		adPath:     adPath,
		compressor: compressor,
		listener:   listener,
		logger: logger.With("component", "datasource",
			"table", ad.TableName, "partition", ad.Partition, "nonce", ad.Nonce),
	}
}

func (s *Source) PartitionID() core.PartitionID { return s.ad.Partition }
func (s *Source) Signature() string             { return s.ad.Signature }
func (s *Source) TableName() string             { return s.ad.TableName }

// Advertisement returns the identity the source was created or restored with.
func (s *Source) Advertisement() Advertisement { return s.ad }

// AdPath returns the path of the source's advertisement file.
func (s *Source) AdPath() string { return s.adPath }

// Push stores buf as a block starting at uso. Empty buffers only carry the
// end-of-stream flag.
func (s *Source) Push(uso uint64, buf []byte, sync bool, endOfStream bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSourceClosed
	}
	if s.endOfStream && len(buf) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("push at uso %d after end of stream", uso)
	}
	if len(buf) > 0 {
		path, err := writeBlock(s.dir, s.ad.Nonce, uso, buf, s.compressor, sync)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.insertBlockLocked(blockRef{uso: uso, rawLen: uint64(len(buf)), path: path})
	}
	if endOfStream {
		s.endOfStream = true
	}
	notify := s.checkDrainedLocked()
	s.mu.Unlock()

	if notify {
		s.notifyDrained()
	}
	return nil
}

func (s *Source) insertBlockLocked(b blockRef) {
	i := sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].uso >= b.uso })
	if i < len(s.blocks) && s.blocks[i].uso == b.uso {
		// Same offset pushed again; the file was overwritten by the rename.
		s.queuedBytes -= s.blocks[i].rawLen
		s.blocks[i] = b
	} else {
		s.blocks = append(s.blocks, blockRef{})
		copy(s.blocks[i+1:], s.blocks[i:])
		s.blocks[i] = b
	}
	s.queuedBytes += b.rawLen
}

// Ack deletes every block starting at or before uso.
func (s *Source) Ack(uso uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("Ignoring ack on closed source", "uso", uso)
		return
	}
	n := 0
	for n < len(s.blocks) && s.blocks[n].uso <= uso {
		b := s.blocks[n]
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("Failed to delete acked block", "path", b.path, "error", err)
		}
		s.queuedBytes -= b.rawLen
		n++
	}
	s.blocks = s.blocks[n:]
	notify := s.checkDrainedLocked()
	s.mu.Unlock()

	if notify {
		s.notifyDrained()
	}
}

func (s *Source) checkDrainedLocked() bool {
	if s.drained || !s.endOfStream || len(s.blocks) > 0 {
		return false
	}
	s.drained = true
	return true
}

func (s *Source) notifyDrained() {
	s.logger.Info("Data source drained")
	if s.listener != nil {
		s.listener.SourceDrained(s.ad.Partition, s.ad.Signature)
	}
}

// SizeInBytes returns the number of uncompressed bytes not yet acknowledged.
func (s *Source) SizeInBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes
}

// TruncateToTxn drops every row written by a transaction newer than txn.
// The block holding the first such row is rewritten with the rows before
// it, and every later block is deleted.
func (s *Source) TruncateToTxn(txn core.TxnID) *core.Future {
	return core.Go(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return core.ErrSourceClosed
		}
		for i, b := range s.blocks {
			_, raw, err := readBlock(b.path)
			if err != nil {
				return fmt.Errorf("truncate %s to txn %d: %w", s.ad.TableName, txn, err)
			}
			cut := -1
			err = ForEachRow(raw, func(offset int, rowTxn core.TxnID, _ []byte) bool {
				if rowTxn > txn {
					cut = offset
					return false
				}
				return true
			})
			if err != nil {
				return fmt.Errorf("truncate %s block at uso %d: %w", s.ad.TableName, b.uso, err)
			}
			if cut < 0 {
				continue
			}
			keep := append([]blockRef(nil), s.blocks[:i]...)
			if cut > 0 {
				path, err := writeBlock(s.dir, s.ad.Nonce, b.uso, raw[:cut], s.compressor, true)
				if err != nil {
					return err
				}
				keep = append(keep, blockRef{uso: b.uso, rawLen: uint64(cut), path: path})
			}
			for _, dropped := range s.blocks[i:] {
				if cut > 0 && dropped.uso == b.uso {
					continue
				}
				if err := os.Remove(dropped.path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to delete truncated block: %w", err)
				}
			}
			s.blocks = keep
			s.queuedBytes = 0
			for _, k := range s.blocks {
				s.queuedBytes += k.rawLen
			}
			s.logger.Info("Truncated data source", "txn", txn, "blocks_left", len(s.blocks))
			return nil
		}
		return nil
	})
}

// Close releases the source without touching its files.
func (s *Source) Close() *core.Future {
	return core.Go(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.blocks = nil
		s.queuedBytes = 0
		return nil
	})
}

// CloseAndDelete closes the source and removes its block files and
// advertisement.
func (s *Source) CloseAndDelete() *core.Future {
	return core.Go(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		var errs []error
		for _, b := range s.blocks {
			if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		s.blocks = nil
		s.queuedBytes = 0
		if err := os.Remove(s.adPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("failed to delete data source %s: %w", s.ad.Nonce, err)
		}
		return nil
	})
}
