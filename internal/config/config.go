// Package config loads the node configuration from a YAML file with
// environment-variable overrides and typed defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	RDP     RDPConfig     `yaml:"rdp"`
	Links   LinksConfig   `yaml:"links"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig holds the stack-wide settings
type NodeConfig struct {
	Address        uint8 `yaml:"address"`
	MaxConnections int   `yaml:"maxConnections"`
	BufferCount    int   `yaml:"bufferCount"`
	BufferSize     int   `yaml:"bufferSize"`
	RxQueueLen     int   `yaml:"rxQueueLen"`
	AcceptBacklog  int   `yaml:"acceptBacklog"`
	TickIntervalMS int   `yaml:"tickIntervalMs"`
}

// RDPConfig holds the reliable-transport defaults for active connects
type RDPConfig struct {
	Window          uint32 `yaml:"window"`
	ConnTimeoutMS   uint32 `yaml:"connTimeoutMs"`
	PacketTimeoutMS uint32 `yaml:"packetTimeoutMs"`
	DelayedAcks     bool   `yaml:"delayedAcks"`
	AckTimeoutMS    uint32 `yaml:"ackTimeoutMs"`
	AckDelayCount   uint32 `yaml:"ackDelayCount"`
}

// LinkConfig describes one configured link interface
type LinkConfig struct {
	// Kind is "udp" or "wshub".
	Kind string `yaml:"kind"`
	// Listen is the local bind address (udp).
	Listen string `yaml:"listen"`
	// Peer is the remote endpoint: host:port for udp, ws:// URL for wshub.
	Peer string `yaml:"peer"`
	// Routes lists the destination addresses reached over this link.
	Routes []uint8 `yaml:"routes"`
	// Default marks this link as the default route.
	Default bool `yaml:"default"`
	MTU     int  `yaml:"mtu"`
}

// LinksConfig holds all configured link interfaces
type LinksConfig struct {
	Interfaces []LinkConfig `yaml:"interfaces"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	ConfigFile string
	Address    string
	LogLevel   string
	Metrics    string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Address:        1,
			MaxConnections: 8,
			BufferCount:    64,
			BufferSize:     256,
			RxQueueLen:     16,
			AcceptBacklog:  4,
			TickIntervalMS: 100,
		},
		RDP: RDPConfig{
			Window:          10,
			ConnTimeoutMS:   10000,
			PacketTimeoutMS: 1000,
			DelayedAcks:     true,
			AckTimeoutMS:    500,
			AckDelayCount:   5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file (when given) on top of the defaults
// and applies environment and command-line overrides.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	file := opts.ConfigFile
	if file == "" {
		file = os.Getenv("CSP_CONFIG")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
	}

	if addr := override(opts.Address, "CSP_ADDRESS"); addr != "" {
		v, err := strconv.Atoi(addr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid address %q", addr)
		}
		cfg.Node.Address = uint8(v)
	}
	if level := override(opts.LogLevel, "CSP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if metrics := override(opts.Metrics, "CSP_METRICS"); metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = metrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.Address > 31 {
		return fmt.Errorf("node address %d out of range (0-31)", c.Node.Address)
	}
	if c.Node.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive")
	}
	if c.Node.BufferCount <= 0 || c.Node.BufferSize <= 0 {
		return fmt.Errorf("buffer pool dimensions must be positive")
	}
	if c.Node.TickIntervalMS <= 0 {
		return fmt.Errorf("tickIntervalMs must be positive")
	}
	if c.RDP.Window == 0 || c.RDP.ConnTimeoutMS == 0 || c.RDP.PacketTimeoutMS == 0 ||
		c.RDP.AckTimeoutMS == 0 || c.RDP.AckDelayCount == 0 {
		return fmt.Errorf("rdp parameters must be non-zero")
	}
	for i, l := range c.Links.Interfaces {
		switch l.Kind {
		case "udp":
			if l.Listen == "" || l.Peer == "" {
				return fmt.Errorf("link %d: udp needs listen and peer", i)
			}
		case "wshub":
			if l.Peer == "" {
				return fmt.Errorf("link %d: wshub needs a peer URL", i)
			}
		default:
			return fmt.Errorf("link %d: unknown kind %q", i, l.Kind)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// override returns the command-line value when set, else the environment.
func override(cli, envKey string) string {
	if cli != "" {
		return cli
	}
	return os.Getenv(envKey)
}
