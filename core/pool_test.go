package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Run("Get and Put", func(t *testing.T) {
		pool := NewBufferPool(0, 4)
		require.Equal(t, 4, pool.Len())

		buf := pool.Get()
		require.NotNil(t, buf)
		require.Equal(t, 3, pool.Len())

		buf.WriteString("hello world")
		assert.Equal(t, "hello world", buf.String())

		pool.Put(buf)
		require.Equal(t, 4, pool.Len())

		buf2 := pool.Get()
		assert.Equal(t, 0, buf2.Len(), "Reused buffer should be reset")
	})

	t.Run("Get more than pool size", func(t *testing.T) {
		pool := NewBufferPool(0, 2)
		pool.Get()
		pool.Get()
		require.Equal(t, 0, pool.Len())

		newBuf := pool.Get()
		require.NotNil(t, newBuf)
		pool.Put(newBuf)
		require.Equal(t, 1, pool.Len())

		hits, misses, created := pool.Metrics()
		assert.Equal(t, uint64(2), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, uint64(3), created)
	})

	t.Run("With Initial Capacity", func(t *testing.T) {
		pool := NewBufferPool(128, 1)
		assert.GreaterOrEqual(t, pool.Get().Cap(), 128)
		assert.GreaterOrEqual(t, pool.Get().Cap(), 128)
	})

	t.Run("Oversized buffers are dropped", func(t *testing.T) {
		pool := NewBufferPool(8, 0)
		buf := pool.Get()
		buf.Write(make([]byte, 1024))
		pool.Put(buf)
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("Concurrent access", func(t *testing.T) {
		pool := NewBufferPool(16, 8)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					buf := pool.Get()
					buf.WriteString("data")
					pool.Put(buf)
				}
			}()
		}
		wg.Wait()
		hits, misses, _ := pool.Metrics()
		assert.Equal(t, uint64(5000), hits+misses)
	})
}
