package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultBlockBufferSize is the initial capacity of pooled block buffers.
const DefaultBlockBufferSize = 64 * 1024

// BlockBuffers is shared by data sources to assemble block files.
var BlockBuffers = NewBufferPool(DefaultBlockBufferSize, 64)

// BufferPool is a mutex-protected stack of reusable buffers. Unlike
// sync.Pool its contents survive garbage collection, which suits buffers
// reused at a steady rate.
type BufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	// Buffers that grew beyond this are dropped on Put.
	maxRetained int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// NewBufferPool returns a pool pre-warmed with prewarm buffers of the given
// initial capacity.
func NewBufferPool(capacity, prewarm int) *BufferPool {
	if capacity < 0 {
		capacity = 0
	}
	bp := &BufferPool{
		items:       make([]*bytes.Buffer, 0, prewarm),
		capacity:    capacity,
		maxRetained: 16 * capacity,
	}
	for i := 0; i < prewarm; i++ {
		bp.items = append(bp.items, bp.newBuffer())
	}
	return bp
}

func (bp *BufferPool) newBuffer() *bytes.Buffer {
	bp.created.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *BufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newBuffer()
	}
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	bp.hits.Add(1)
	return item
}

// Put resets buf and returns it to the pool.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (bp.maxRetained > 0 && buf.Cap() > bp.maxRetained) {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// Len returns the number of idle buffers.
func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.items)
}

// Metrics returns the pool counters.
func (bp *BufferPool) Metrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
