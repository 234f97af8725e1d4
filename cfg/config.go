package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration controls the relational event store
type StoreConfiguration struct {
	Driver             string `toml:"driver"` // "sqlite3", "mysql" or "postgres"
	DSN                string `toml:"dsn"`    // Empty for sqlite3 means {data_dir}/events.db
	PoolSize           int    `toml:"pool_size"`
	MaxIdleTimeSeconds int    `toml:"max_idle_time_seconds"`
	MaxLifetimeSeconds int    `toml:"max_lifetime_seconds"`
	BusyTimeoutMS      int    `toml:"busy_timeout_ms"` // sqlite3 only
}

// HTTPConfiguration for the enrollment API server
type HTTPConfiguration struct {
	BindAddress         string `toml:"bind_address"`
	Port                int    `toml:"port"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// EnrollConfiguration controls enrollment admission and defaults
type EnrollConfiguration struct {
	MinAvailableConnections    int `toml:"min_available_connections"` // Backpressure threshold
	MaxAttempts                int `toml:"max_attempts"`              // Claim attempts on serialization conflict
	DefaultMaxRetries          int `toml:"default_max_retries"`
	DefaultIgnoreOlderThanDays int `toml:"default_ignore_older_than_days"`
}

// ReclaimConfiguration controls recovery of abandoned in_progress claims
type ReclaimConfiguration struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	LeaseSeconds    int  `toml:"lease_seconds"` // Claims without a status report for this long are reclaimed
}

// DebugConfiguration gates diagnostic code paths
type DebugConfiguration struct {
	AllowSlothMode bool `toml:"allow_sloth_mode"`
	SlothDelayMS   int  `toml:"sloth_delay_ms"`
}

// APIKeyConfiguration maps a static key to an identity
type APIKeyConfiguration struct {
	Name      string `toml:"name"`
	Key       string `toml:"key"`
	IsService bool   `toml:"service"`
}

// AuthConfiguration lists the identities allowed to call the API
type AuthConfiguration struct {
	Keys []APIKeyConfiguration `toml:"keys"`
}

// SinkConfiguration describes one dispatch feed destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats" or "memory"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTopics    []string `toml:"filter_topics"` // Topic patterns, empty matches all
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// FeedConfiguration controls the dispatch feed
type FeedConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Enroll     EnrollConfiguration     `toml:"enroll"`
	Reclaim    ReclaimConfiguration    `toml:"reclaim"`
	Debug      DebugConfiguration      `toml:"debug"`
	Auth       AuthConfiguration       `toml:"auth"`
	Feed       FeedConfiguration       `toml:"feed"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
	StoreDSNFlag   = flag.String("store-dsn", "", "Event store DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./conveyor-data",

	Store: StoreConfiguration{
		Driver:             "sqlite3",
		PoolSize:           16,
		MaxIdleTimeSeconds: 30,
		MaxLifetimeSeconds: 300,
		BusyTimeoutMS:      5000,
	},

	HTTP: HTTPConfiguration{
		BindAddress:         "0.0.0.0",
		Port:                5000,
		ReadTimeoutSeconds:  30,
		WriteTimeoutSeconds: 60,
	},

	Enroll: EnrollConfiguration{
		MinAvailableConnections:    3,
		MaxAttempts:                2,
		DefaultMaxRetries:          3,
		DefaultIgnoreOlderThanDays: 3,
	},

	Reclaim: ReclaimConfiguration{
		Enabled:         true,
		IntervalSeconds: 30,
		LeaseSeconds:    600, // 10 minutes without a heartbeat
	},

	Debug: DebugConfiguration{
		AllowSlothMode: false,
		SlothDelayMS:   3000,
	},

	Feed: FeedConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:                true,
		CollectIntervalSeconds: 5,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *StoreDSNFlag != "" {
		Config.Store.DSN = *StoreDSNFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("conveyor")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Driver {
	case "sqlite3":
	case "mysql", "postgres":
		if Config.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %s", Config.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s", Config.Store.Driver)
	}

	if Config.Store.PoolSize < 1 {
		return fmt.Errorf("store pool size must be >= 1")
	}

	if Config.Store.MaxIdleTimeSeconds < 0 {
		return fmt.Errorf("store max idle time must be >= 0")
	}

	if Config.Store.MaxLifetimeSeconds < 0 {
		return fmt.Errorf("store max lifetime must be >= 0")
	}

	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.Enroll.MinAvailableConnections < 0 {
		return fmt.Errorf("min available connections must be >= 0")
	}

	// The guard must leave room for at least one enrollment to run
	if Config.Enroll.MinAvailableConnections >= Config.Store.PoolSize {
		return fmt.Errorf("min available connections (%d) must be below pool size (%d)",
			Config.Enroll.MinAvailableConnections, Config.Store.PoolSize)
	}

	if Config.Enroll.MaxAttempts < 1 {
		return fmt.Errorf("enroll max attempts must be >= 1")
	}

	if Config.Enroll.DefaultMaxRetries < 1 {
		return fmt.Errorf("enroll default max retries must be >= 1")
	}

	if Config.Enroll.DefaultIgnoreOlderThanDays < 0 {
		return fmt.Errorf("enroll default ignore_older_than must be >= 0")
	}

	if Config.Reclaim.Enabled {
		if Config.Reclaim.IntervalSeconds < 1 {
			return fmt.Errorf("reclaim interval must be >= 1 second")
		}
		if Config.Reclaim.LeaseSeconds < 1 {
			return fmt.Errorf("reclaim lease must be >= 1 second")
		}
	}

	if Config.Debug.SlothDelayMS < 0 {
		return fmt.Errorf("sloth delay must be >= 0")
	}

	seen := make(map[string]bool, len(Config.Auth.Keys))
	for _, k := range Config.Auth.Keys {
		if strings.TrimSpace(k.Name) == "" || strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth keys require both name and key")
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate auth key for %s", k.Name)
		}
		seen[k.Key] = true
	}

	if Config.Feed.Enabled {
		names := make(map[string]bool, len(Config.Feed.Sinks))
		for _, s := range Config.Feed.Sinks {
			if s.Name == "" {
				return fmt.Errorf("feed sink name is required")
			}
			if names[s.Name] {
				return fmt.Errorf("duplicate feed sink name: %s", s.Name)
			}
			names[s.Name] = true
			if s.Type != "kafka" && s.Type != "nats" && s.Type != "memory" {
				return fmt.Errorf("invalid feed sink type for %s: %s", s.Name, s.Type)
			}
		}
	}

	return nil
}

// IsAuthEnabled reports whether any API keys are configured
func IsAuthEnabled() bool {
	return len(Config.Auth.Keys) > 0
}
