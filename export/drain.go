package export

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
)

// drainAggregator counts drained sources and runs the generation callback
// once all of them have drained. Drains may arrive before the total is
// known; they are counted and checked again when the total is sealed.
type drainAggregator struct {
	epoch   int64
	drained atomic.Int64
	total   atomic.Int64
	sealed  atomic.Bool
	fired   atomic.Bool

	onAllDrained func()
	hooks        hooks.HookManager
	metrics      *Metrics
	logger       *slog.Logger
}

var _ core.DrainListener = (*drainAggregator)(nil)

func (d *drainAggregator) SourceDrained(partition core.PartitionID, signature string) {
	n := d.drained.Add(1)
	total := d.total.Load()
	d.logger.Info("Drained source in generation", "partition", partition, "signature", signature,
		"drained", n, "total", total)
	d.metrics.SourcesDrained.Inc()
	_ = d.hooks.Trigger(context.Background(), hooks.NewPostSourceDrainedEvent(hooks.SourceDrainedPayload{
		Epoch:     d.epoch,
		Partition: partition,
		Signature: signature,
		Drained:   n,
		Total:     total,
	}))
	d.check(n)
}

// seal fixes the number of sources. A generation without sources never
// reports itself drained.
func (d *drainAggregator) seal(total int64) {
	d.total.Store(total)
	d.sealed.Store(true)
	d.check(d.drained.Load())
}

// expect adds sources registered after sealing.
func (d *drainAggregator) expect(n int64) {
	d.total.Add(n)
}

func (d *drainAggregator) check(drained int64) {
	if !d.sealed.Load() {
		return
	}
	total := d.total.Load()
	if total == 0 || drained < total {
		return
	}
	if !d.fired.CompareAndSwap(false, true) {
		return
	}
	d.logger.Info("All sources drained in generation", "sources", total)
	_ = d.hooks.Trigger(context.Background(), hooks.NewPostGenerationDrainedEvent(hooks.GenerationPayload{
		Epoch:   d.epoch,
		Sources: int(total),
	}))
	if d.onAllDrained != nil {
		d.onAllDrained()
	}
}

func (d *drainAggregator) allDrained() bool {
	return d.fired.Load()
}
