package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
)

func newTestAggregator(onAllDrained func()) *drainAggregator {
	return &drainAggregator{
		epoch:        1,
		onAllDrained: onAllDrained,
		hooks:        hooks.NewHookManager(nil),
		metrics:      NewMetrics(nil),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDrainAggregator_FiresOnceUnderConcurrency(t *testing.T) {
	var fired atomic.Int32
	d := newTestAggregator(func() { fired.Add(1) })
	const sources = 64
	d.seal(sources)

	var wg sync.WaitGroup
	for i := 0; i < sources; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.SourceDrained(core.PartitionID(i), fmt.Sprintf("T%d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, d.allDrained())
}

func TestDrainAggregator_DrainBeforeSeal(t *testing.T) {
	var fired atomic.Int32
	d := newTestAggregator(func() { fired.Add(1) })

	d.SourceDrained(0, "A")
	d.SourceDrained(1, "A")
	assert.Equal(t, int32(0), fired.Load())

	d.seal(2)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDrainAggregator_PartialDrain(t *testing.T) {
	var fired atomic.Int32
	d := newTestAggregator(func() { fired.Add(1) })
	d.seal(3)

	d.SourceDrained(0, "A")
	d.SourceDrained(1, "A")
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, d.allDrained())
}

func TestDrainAggregator_NoSourcesNeverFires(t *testing.T) {
	var fired atomic.Int32
	d := newTestAggregator(func() { fired.Add(1) })
	d.seal(0)
	assert.Equal(t, int32(0), fired.Load())
}

func TestDrainAggregator_ExpectAfterSeal(t *testing.T) {
	var fired atomic.Int32
	d := newTestAggregator(func() { fired.Add(1) })
	d.seal(1)
	d.expect(1)

	d.SourceDrained(0, "A")
	assert.Equal(t, int32(0), fired.Load())
	d.SourceDrained(0, "B")
	assert.Equal(t, int32(1), fired.Load())
}

func TestDrainAggregator_TriggersHooks(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	var sourceEvents atomic.Int32
	var generationEvents atomic.Int32
	hm.Register(hooks.EventPostSourceDrained, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		sourceEvents.Add(1)
		return nil
	}))
	hm.Register(hooks.EventPostGenerationDrained, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		generationEvents.Add(1)
		assert.Equal(t, 2, e.Payload().(hooks.GenerationPayload).Sources)
		return nil
	}))
	d := newTestAggregator(nil)
	d.hooks = hm
	d.seal(2)

	d.SourceDrained(0, "A")
	d.SourceDrained(1, "A")
	assert.Equal(t, int32(2), sourceEvents.Load())
	assert.Equal(t, int32(1), generationEvents.Load())
}
