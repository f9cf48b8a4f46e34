package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/nexusexport/catalog"
	"github.com/INLOpen/nexusexport/config"
	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/datasource"
	"github.com/INLOpen/nexusexport/export"
	"github.com/INLOpen/nexusexport/hooks"
	"github.com/INLOpen/nexusexport/hooks/listeners"
	"github.com/INLOpen/nexusexport/messaging"
	"github.com/INLOpen/nexusexport/server"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider
// exporting to the configured collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusexport")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// openStore returns the coordination store selected by the configuration.
func openStore(ctx context.Context, cfg config.CoordinationConfig, logger *slog.Logger, fatal core.FatalHandler) (coord.Store, error) {
	switch cfg.Backend {
	case "etcd":
		return coord.NewEtcdStore(ctx, coord.EtcdConfig{
			Endpoints:   cfg.Endpoints,
			Namespace:   cfg.Namespace,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DialTimeout: config.ParseDuration(cfg.DialTimeout, 10*time.Second, logger),
			SessionTTL:  cfg.SessionTTLSeconds,
		}, logger, fatal)
	default:
		logger.Warn("Using the in-memory coordination store; membership is not shared with other hosts")
		return coord.NewMemStore().Session(), nil
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	epoch := flag.Int64("epoch", time.Now().UnixMilli(), "Epoch of the generation created for the current catalog")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger = logger.With("host_id", cfg.Node.HostID)

	if err := run(cfg, *epoch, logger); err != nil {
		logger.Error("Export daemon failed", "error", err, "fatal", core.IsFatal(err))
		os.Exit(1)
	}
	logger.Info("Application exited gracefully.")
}

func run(cfg *config.Config, epoch int64, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatalCh := make(chan *core.FatalError, 1)
	fatal := core.FatalHandlerFunc(func(err *core.FatalError) {
		select {
		case fatalCh <- err:
		default:
		}
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var debugSrv *server.DebugServer
	if cfg.Debug.Enabled {
		debugSrv = server.NewDebugServer(&cfg.Debug, registry, logger)
		go func() {
			if err := debugSrv.Start(); err != nil {
				logger.Error("Failed to start debug server", "error", err)
			}
		}()
		defer debugSrv.Stop()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	truncation, err := export.ParseTruncationMode(cfg.Export.TruncationMode)
	if err != nil {
		return err
	}
	compression, err := core.ParseCompressionType(cfg.Export.Compression)
	if err != nil {
		return err
	}
	catalogCtx, err := catalog.FromConfig(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	discardAlerter := listeners.NewDiscardAlerterListener(logger, 1000)
	hookManager.Register(hooks.EventOnPushDiscarded, discardAlerter)
	hookManager.Register(hooks.EventOnAckDiscarded, discardAlerter)
	hookManager.Register(hooks.EventPostMembershipUpdate, listeners.NewMembershipWatchListener(logger))

	store, err := openStore(ctx, cfg.Coordination, logger, fatal)
	if err != nil {
		return err
	}
	defer store.Close()

	messenger := messaging.NewHostMessenger(cfg.Node.HostID, nil, logger)
	transport, err := messaging.NewGRPCTransport(cfg.Messaging, messenger, logger)
	if err != nil {
		return err
	}
	messenger.SetTransport(transport)
	if err := transport.Listen(cfg.Messaging.ListenAddress); err != nil {
		return err
	}
	defer transport.Close()

	collector := server.NewSystemCollector(cfg.Export.OverflowDir, 5*time.Second, registry, logger)
	collector.Start()
	defer collector.Stop()

	manager := export.NewManager(export.ManagerConfig{
		OverflowDir: cfg.Export.OverflowDir,
		HostID:      cfg.Node.HostID,
		Factory:     datasource.NewFactory(compression, logger),
		Store:       store,
		Messenger:   messenger,
		Options: export.Options{
			Logger:           logger,
			Tracer:           tp.Tracer("github.com/INLOpen/nexusexport/export"),
			Hooks:            hookManager,
			Metrics:          export.NewMetrics(registry),
			FatalHandler:     fatal,
			TruncationMode:   truncation,
			MinFreeDiskBytes: cfg.Export.MinFreeDiskBytes,
		},
	})
	if err := manager.Start(ctx, catalogCtx, epoch); err != nil {
		return err
	}
	logger.Info("Export daemon running. Press Ctrl+C to exit.", "epoch", epoch, "overflow_dir", cfg.Export.OverflowDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		logger.Info("Shutdown signal received. Stopping export...")
	case ferr := <-fatalCh:
		logger.Error("Fatal export error, terminating", "error", ferr)
		runErr = ferr
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Export manager shutdown failed", "error", err)
	}
	return runErr
}
