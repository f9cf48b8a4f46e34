package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// NodeConfig identifies this host in the cluster.
type NodeConfig struct {
	HostID int32 `yaml:"host_id"`
}

// ExportConfig holds the export overflow and data source settings.
type ExportConfig struct {
	OverflowDir string `yaml:"overflow_dir"`
	// TruncationMode is "per_partition" (truncate each partition to the txn id
	// recorded for it in the snapshot) or "global" (one txn id for all).
	TruncationMode   string `yaml:"truncation_mode"`
	Compression      string `yaml:"compression"`
	MinFreeDiskBytes uint64 `yaml:"min_free_disk_bytes"`
}

// CoordinationConfig selects and configures the coordination store.
type CoordinationConfig struct {
	Backend           string   `yaml:"backend"` // "memory" or "etcd"
	Endpoints         []string `yaml:"endpoints"`
	Namespace         string   `yaml:"namespace"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	DialTimeout       string   `yaml:"dial_timeout"`
	SessionTTLSeconds int      `yaml:"session_ttl_seconds"`
}

// MessagingConfig configures the point-to-point mailbox transport.
type MessagingConfig struct {
	ListenAddress  string           `yaml:"listen_address"`
	Peers          map[int32]string `yaml:"peers"` // host id -> address
	SendTimeout    string           `yaml:"send_timeout"`
	MaxSendRetries int              `yaml:"max_send_retries"`
	TLS            TLSConfig        `yaml:"tls"`
}

// ColumnConfig describes an exported column.
type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// TableConfig describes an exported table.
type TableConfig struct {
	Name      string         `yaml:"name"`
	Signature string         `yaml:"signature"`
	Columns   []ColumnConfig `yaml:"columns"`
}

// SiteConfig places an execution site on a host and a partition.
type SiteConfig struct {
	ID        int64 `yaml:"id"`
	HostID    int32 `yaml:"host_id"`
	Partition int32 `yaml:"partition"`
}

// CatalogConfig is the static catalog used when no catalog service is attached.
type CatalogConfig struct {
	Database         string        `yaml:"database"`
	ConnectorEnabled bool          `yaml:"connector_enabled"`
	Tables           []TableConfig `yaml:"tables"`
	Sites            []SiteConfig  `yaml:"sites"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	PProfEnabled   bool   `yaml:"pprof_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	StatsvizEnable bool   `yaml:"statsviz_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Export       ExportConfig       `yaml:"export"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Messaging    MessagingConfig    `yaml:"messaging"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Logging      LoggingConfig      `yaml:"logging"`
	Debug        DebugConfig        `yaml:"debug"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			HostID: 0,
		},
		Export: ExportConfig{
			OverflowDir:      "./export_overflow",
			TruncationMode:   "per_partition",
			Compression:      "snappy",
			MinFreeDiskBytes: 1 << 30, // 1 GiB
		},
		Coordination: CoordinationConfig{
			Backend:           "memory",
			Endpoints:         []string{"localhost:2379"},
			Namespace:         "nexusexport/",
			DialTimeout:       "10s",
			SessionTTLSeconds: 15,
		},
		Messaging: MessagingConfig{
			ListenAddress:  ":50061",
			Peers:          map[int32]string{},
			SendTimeout:    "2s",
			MaxSendRetries: 5,
		},
		Catalog: CatalogConfig{
			Database:         "database",
			ConnectorEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusexport.log",
		},
		Debug: DebugConfig{
			Enabled:        false,
			ListenAddress:  "0.0.0.0:6061",
			PProfEnabled:   true,
			MetricsEnabled: true,
			StatsvizEnable: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the export subsystem cannot run with.
func (c *Config) Validate() error {
	switch c.Export.TruncationMode {
	case "per_partition", "global":
	default:
		return fmt.Errorf("invalid export.truncation_mode %q: want per_partition or global", c.Export.TruncationMode)
	}
	switch c.Coordination.Backend {
	case "memory", "etcd":
	default:
		return fmt.Errorf("invalid coordination.backend %q: want memory or etcd", c.Coordination.Backend)
	}
	if c.Coordination.Backend == "etcd" && len(c.Coordination.Endpoints) == 0 {
		return fmt.Errorf("coordination.endpoints must be set for the etcd backend")
	}
	if c.Export.OverflowDir == "" {
		return fmt.Errorf("export.overflow_dir must be specified")
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
