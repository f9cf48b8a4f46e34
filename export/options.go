package export

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TruncationMode decides which transaction id each partition is truncated
// to during snapshot restore.
type TruncationMode int

const (
	// TruncatePerPartition truncates every partition to the txn id recorded
	// for it in the snapshot.
	TruncatePerPartition TruncationMode = iota
	// TruncateGlobal truncates every partition to one txn id.
	TruncateGlobal
)

func (m TruncationMode) String() string {
	if m == TruncateGlobal {
		return "global"
	}
	return "per_partition"
}

// ParseTruncationMode parses the configuration spelling of a mode.
func ParseTruncationMode(s string) (TruncationMode, error) {
	switch s {
	case "per_partition", "":
		return TruncatePerPartition, nil
	case "global":
		return TruncateGlobal, nil
	default:
		return TruncatePerPartition, fmt.Errorf("unknown truncation mode %q", s)
	}
}

// SourceFactory builds the data sources of a generation.
type SourceFactory interface {
	// Create makes a new source, advertising it on disk.
	Create(desc core.SourceDescriptor, listener core.DrainListener) (core.DataSource, error)
	// Open restores the source described by the advertisement at adPath.
	Open(adPath string, listener core.DrainListener) (core.DataSource, error)
}

// Options are shared by a generation and the components it owns.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Hooks  hooks.HookManager
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
	// FatalHandler receives fatal errors raised on background paths.
	// Without one they are only logged.
	FatalHandler   core.FatalHandler
	TruncationMode TruncationMode
	// MinFreeDiskBytes triggers a warning when a new generation is created
	// on a volume with less free space. Zero disables the check.
	MinFreeDiskBytes uint64
	// OnAllSourcesDrained runs once, after every source of the generation
	// has drained.
	OnAllSourcesDrained func(g *Generation)
	// ReleaseBuffer, when set, is handed every pushed buffer once the
	// generation is done with it, whether it was stored or discarded.
	ReleaseBuffer func(buf []byte)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("export")
	}
	if o.Hooks == nil {
		o.Hooks = hooks.NewHookManager(o.Logger)
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}
