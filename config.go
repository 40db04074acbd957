package moly

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DeepnessLab/moly/strategy"
	"github.com/DeepnessLab/moly/types"
)

// Topology source names.
const (
	TopologyStatic = "static"
	TopologyKV     = "kv"
)

// TransportConfig configures the NATS wire layer.
type TransportConfig struct {
	// URL of the NATS server. Ignored when Embedded is set.
	URL string `yaml:"url"`

	// SubjectPrefix is the first token of every moly subject
	// (e.g. "moly" gives "moly.middlebox.register").
	SubjectPrefix string `yaml:"subjectPrefix"`

	// Embedded runs an in-process NATS server with JetStream enabled.
	// Intended for development and single-host deployments.
	Embedded bool `yaml:"embedded"`

	// EmbeddedPort is the client port of the embedded server (-1 picks a free port).
	EmbeddedPort int `yaml:"embeddedPort"`

	// EmbeddedStoreDir holds the embedded server's JetStream data.
	EmbeddedStoreDir string `yaml:"embeddedStoreDir"`
}

// TopologyConfig selects where raw policy chains come from.
type TopologyConfig struct {
	// Source is "static" or "kv".
	Source string `yaml:"source"`

	// Bucket is the JetStream KV bucket of the kv source.
	Bucket string `yaml:"bucket"`

	// RawKey holds the raw chains written by the traffic-steering application.
	RawKey string `yaml:"rawKey"`

	// SteeredKey receives the steered chains.
	SteeredKey string `yaml:"steeredKey"`

	// StaticChains are served by the static source.
	StaticChains []types.RawPolicyChain `yaml:"staticChains,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig configures the daemon logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to human-readable console output.
	Development bool `yaml:"development"`
}

// Config is the configuration of the Controller and the molyd daemon.
//
// All duration fields accept standard Go duration strings like "5s", "1m".
type Config struct {
	// Strategy names the load balancer: "chain-affinity" or "least-loaded".
	Strategy string `yaml:"strategy"`

	// EventQueueSize is the capacity of the controller's event channel.
	// Callers block once it is full.
	EventQueueSize int `yaml:"eventQueueSize"`

	// OperationTimeout bounds a single request served over the transport.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout bounds graceful shutdown of the daemon.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Transport TransportConfig `yaml:"transport"`
	Topology  TopologyConfig  `yaml:"topology"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		Strategy:         strategy.NameChainAffinity,
		EventQueueSize:   256,
		OperationTimeout: 5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		Transport: TransportConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "moly",
			EmbeddedPort:  4222,
		},
		Topology: TopologyConfig{
			Source:     TopologyStatic,
			Bucket:     "moly-topology",
			RawKey:     "chains.raw",
			SteeredKey: "chains.steered",
		},
		Metrics: MetricsConfig{
			Address:   ":9464",
			Namespace: "moly",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = defaults.EventQueueSize
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.Transport.URL == "" {
		cfg.Transport.URL = defaults.Transport.URL
	}
	if cfg.Transport.SubjectPrefix == "" {
		cfg.Transport.SubjectPrefix = defaults.Transport.SubjectPrefix
	}
	if cfg.Transport.EmbeddedPort == 0 {
		cfg.Transport.EmbeddedPort = defaults.Transport.EmbeddedPort
	}
	if cfg.Topology.Source == "" {
		cfg.Topology.Source = defaults.Topology.Source
	}
	if cfg.Topology.Bucket == "" {
		cfg.Topology.Bucket = defaults.Topology.Bucket
	}
	if cfg.Topology.RawKey == "" {
		cfg.Topology.RawKey = defaults.Topology.RawKey
	}
	if cfg.Topology.SteeredKey == "" {
		cfg.Topology.SteeredKey = defaults.Topology.SteeredKey
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaults.Metrics.Address
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaults.Metrics.Namespace
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	switch cfg.Strategy {
	case strategy.NameChainAffinity, strategy.NameLeastLoaded:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}

	if cfg.EventQueueSize < 0 {
		return fmt.Errorf("%w: eventQueueSize must be >= 0, got %d", ErrInvalidConfig, cfg.EventQueueSize)
	}
	if cfg.OperationTimeout <= 0 {
		return fmt.Errorf("%w: operationTimeout must be > 0, got %v", ErrInvalidConfig, cfg.OperationTimeout)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdownTimeout must be > 0, got %v", ErrInvalidConfig, cfg.ShutdownTimeout)
	}

	switch cfg.Topology.Source {
	case TopologyStatic:
	case TopologyKV:
		if cfg.Topology.RawKey == cfg.Topology.SteeredKey {
			return fmt.Errorf("%w: rawKey and steeredKey must differ, both are %q",
				ErrInvalidConfig, cfg.Topology.RawKey)
		}
	default:
		return fmt.Errorf("%w: unknown topology source %q", ErrInvalidConfig, cfg.Topology.Source)
	}

	for i, chain := range cfg.Topology.StaticChains {
		if chain.TrafficClass == "" {
			return fmt.Errorf("%w: staticChains[%d] has no trafficClass", ErrInvalidConfig, i)
		}
	}

	return nil
}

// ValidateWithWarnings logs warnings for valid but unusual values.
//
// This is called after Validate() in NewController() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.Topology.Source == TopologyKV && len(cfg.Topology.StaticChains) > 0 {
		logger.Warn("staticChains are ignored by the kv topology source",
			"chains", len(cfg.Topology.StaticChains))
	}

	if cfg.EventQueueSize == 0 {
		logger.Warn("unbuffered event queue, every caller waits for the event loop",
			"recommended", DefaultConfig().EventQueueSize)
	}

	if cfg.Transport.Embedded && cfg.Transport.EmbeddedStoreDir == "" {
		logger.Warn("embedded NATS without a store directory keeps JetStream data in a temporary directory")
	}
}

// TestConfig returns a configuration for tests: default strategy,
// a static topology and short timeouts.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := moly.TestConfig()
//	cfg.Strategy = strategy.NameLeastLoaded
//	ctrl, err := moly.NewController(&cfg, facade, topo)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.EventQueueSize = 16
	cfg.OperationTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.Transport.EmbeddedPort = -1

	return cfg
}

// LoadConfig reads a YAML configuration file and applies defaults.
//
// Parameters:
//   - path: Path of the YAML file
//
// Returns:
//   - Config: Parsed configuration with defaults applied
//   - error: Read, parse or validation error
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
