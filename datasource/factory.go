package datasource

import (
	"io"
	"log/slog"

	"github.com/INLOpen/nexusexport/compressors"
	"github.com/INLOpen/nexusexport/core"
)

// Factory creates and restores disk-backed sources for a generation.
type Factory struct {
	compression core.CompressionType
	logger      *slog.Logger
}

// NewFactory returns a factory writing new blocks with the given compression.
func NewFactory(compression core.CompressionType, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Factory{compression: compression, logger: logger}
}

// Create makes a new source described by desc.
func (f *Factory) Create(desc core.SourceDescriptor, listener core.DrainListener) (core.DataSource, error) {
	compressor, err := compressors.ForType(f.compression)
	if err != nil {
		return nil, err
	}
	src, err := Create(desc, compressor, listener, f.logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Open restores the source advertised at adPath.
func (f *Factory) Open(adPath string, listener core.DrainListener) (core.DataSource, error) {
	src, err := Open(adPath, listener, f.logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}
