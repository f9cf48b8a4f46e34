package testutil

import (
	"sort"
	"sync"

	"github.com/INLOpen/nexusexport/core"
)

// FakeSource is an in-memory core.DataSource that records what it is asked
// to do. Acks retire pushed buffers starting at or before the acked offset,
// and the listener is told once end of stream was pushed and nothing is
// left.
type FakeSource struct {
	partition core.PartitionID
	signature string
	table     string
	listener  core.DrainListener

	// Errors returned through the futures of the matching operations.
	TruncateErr error
	CloseErr    error
	DeleteErr   error

	mu          sync.Mutex
	pending     map[uint64]int
	eos         bool
	drained     bool
	acks        []uint64
	truncatedTo []core.TxnID
	closed      bool
	deleted     bool
}

var _ core.DataSource = (*FakeSource)(nil)

func NewFakeSource(partition core.PartitionID, signature string, listener core.DrainListener) *FakeSource {
	return &FakeSource{
		partition: partition,
		signature: signature,
		table:     signature,
		listener:  listener,
		pending:   make(map[uint64]int),
	}
}

func (s *FakeSource) PartitionID() core.PartitionID { return s.partition }
func (s *FakeSource) Signature() string             { return s.signature }
func (s *FakeSource) TableName() string             { return s.table }

func (s *FakeSource) Push(uso uint64, buf []byte, sync bool, endOfStream bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSourceClosed
	}
	if len(buf) > 0 {
		s.pending[uso] = len(buf)
	}
	if endOfStream {
		s.eos = true
	}
	notify := s.checkDrainedLocked()
	s.mu.Unlock()
	if notify {
		s.listener.SourceDrained(s.partition, s.signature)
	}
	return nil
}

func (s *FakeSource) Ack(uso uint64) {
	s.mu.Lock()
	s.acks = append(s.acks, uso)
	for off := range s.pending {
		if off <= uso {
			delete(s.pending, off)
		}
	}
	notify := s.checkDrainedLocked()
	s.mu.Unlock()
	if notify {
		s.listener.SourceDrained(s.partition, s.signature)
	}
}

func (s *FakeSource) checkDrainedLocked() bool {
	if s.drained || !s.eos || len(s.pending) > 0 || s.listener == nil {
		return false
	}
	s.drained = true
	return true
}

func (s *FakeSource) SizeInBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, size := range s.pending {
		n += uint64(size)
	}
	return n
}

func (s *FakeSource) TruncateToTxn(txn core.TxnID) *core.Future {
	s.mu.Lock()
	s.truncatedTo = append(s.truncatedTo, txn)
	s.mu.Unlock()
	return core.Go(func() error { return s.TruncateErr })
}

func (s *FakeSource) Close() *core.Future {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return core.Go(func() error { return s.CloseErr })
}

func (s *FakeSource) CloseAndDelete() *core.Future {
	s.mu.Lock()
	s.closed = true
	if s.DeleteErr == nil {
		s.deleted = true
	}
	s.mu.Unlock()
	return core.Go(func() error { return s.DeleteErr })
}

// Acks returns the offsets acked so far, in call order.
func (s *FakeSource) Acks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.acks...)
}

// Pending returns the offsets of buffers not yet acked, ascending.
func (s *FakeSource) Pending() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.pending))
	for off := range s.pending {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *FakeSource) TruncatedTo() []core.TxnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.TxnID(nil), s.truncatedTo...)
}

func (s *FakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSource) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *FakeSource) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}
