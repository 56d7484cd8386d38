// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the sensor configuration. It is resolved once at
// startup from an optional YAML file plus environment overrides; nothing
// reloads it at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete sensor configuration.
type Config struct {
	// Capture
	Interface    string  `yaml:"interface"`
	BPFFilter    string  `yaml:"bpf_filter"`
	SamplingRate float64 `yaml:"sampling_rate"`

	// Resource bounds
	MaxActiveFlows      int `yaml:"max_active_flows"`
	MaxRTTEntries       int `yaml:"max_rtt_entries"`
	MaxDNSEntries       int `yaml:"max_dns_entries"`
	MaxRetransEntries   int `yaml:"max_retrans_entries"`
	PacketQueueSize     int `yaml:"packet_queue_size"`
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// Flow lifecycle
	FlowIdleTimeout time.Duration `yaml:"flow_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Persistence
	DatabasePath  string        `yaml:"database_path"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	CacheSizeKB   int           `yaml:"cache_size_kb"`
	WriteRetries  int           `yaml:"write_retries"`

	// Maintenance
	DataRetentionDays    int `yaml:"data_retention_days"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`

	// Identifier switches
	EnableDNSTracking bool          `yaml:"enable_dns_tracking"`
	EnableReverseDNS  bool          `yaml:"enable_reverse_dns"`
	EnableDPI         bool          `yaml:"enable_dpi"`
	EnableFingerprint bool          `yaml:"enable_fingerprint"`
	EnableSNI         bool          `yaml:"enable_sni"`
	EnableALPN        bool          `yaml:"enable_alpn"`
	ReverseDNSTimeout time.Duration `yaml:"reverse_dns_timeout"`
	ReverseDNSRetries int           `yaml:"reverse_dns_retries"`

	// Enrichment
	GeoDatabasePath string `yaml:"geo_database_path"`

	// Threat rules
	SuspiciousPatterns []string `yaml:"suspicious_patterns"`
	HighRiskCountries  []string `yaml:"high_risk_countries"`

	// Adapter surface
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Analytics cache (optional; empty disables Redis)
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// Health monitor
	MonitorTarget string `yaml:"monitor_target"`

	// Observability
	LogLevel       string `yaml:"log_level"`
	StructuredLogs bool   `yaml:"structured_logs"`
}

// DefaultConfig returns the documented defaults for a Pi-class sensor.
func DefaultConfig() *Config {
	return &Config{
		Interface:    "eth0",
		BPFFilter:    "ip or ip6",
		SamplingRate: 1.0,

		MaxActiveFlows:      10000,
		MaxRTTEntries:       5000,
		MaxDNSEntries:       1000,
		MaxRetransEntries:   10000,
		PacketQueueSize:     2048,
		SubscriberQueueSize: 256,

		FlowIdleTimeout: 60 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		DatabasePath:  "netinsight.db",
		BatchSize:     50,
		BatchInterval: 5 * time.Second,
		CacheSizeKB:   8192,
		WriteRetries:  3,

		DataRetentionDays:    30,
		CleanupIntervalHours: 1,

		EnableDNSTracking: true,
		EnableReverseDNS:  true,
		EnableDPI:         true,
		EnableFingerprint: true,
		EnableSNI:         true,
		EnableALPN:        true,
		ReverseDNSTimeout: 2 * time.Second,
		ReverseDNSRetries: 2,

		GeoDatabasePath: "/usr/share/GeoIP/GeoLite2-City.mmdb",

		SuspiciousPatterns: []string{".tk", ".ml", ".ga", ".cf", ".gq", "login-", "-secure"},
		HighRiskCountries:  nil,

		ListenAddr:     ":8000",
		AllowedOrigins: []string{"*"},

		LogLevel:       "info",
		StructuredLogs: false,
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates the result. A missing file is not an error;
// the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the knobs commonly set via the environment on
// container deployments.
func (c *Config) applyEnv() {
	if v := os.Getenv("NETINSIGHT_INTERFACE"); v != "" {
		c.Interface = v
	}
	if v := os.Getenv("NETINSIGHT_BPF_FILTER"); v != "" {
		c.BPFFilter = v
	}
	if v := os.Getenv("NETINSIGHT_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("NETINSIGHT_GEO_DB_PATH"); v != "" {
		c.GeoDatabasePath = v
	}
	if v := os.Getenv("NETINSIGHT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("NETINSIGHT_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("NETINSIGHT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NETINSIGHT_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SamplingRate = f
		}
	}
	if v := os.Getenv("NETINSIGHT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DataRetentionDays = n
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behaviour.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface must not be empty")
	}
	if c.SamplingRate <= 0 || c.SamplingRate > 1.0 {
		return fmt.Errorf("sampling_rate must be in (0, 1], got %v", c.SamplingRate)
	}
	if c.MaxActiveFlows <= 0 {
		return fmt.Errorf("max_active_flows must be positive, got %d", c.MaxActiveFlows)
	}
	if c.PacketQueueSize <= 0 {
		return fmt.Errorf("packet_queue_size must be positive, got %d", c.PacketQueueSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %v", c.BatchInterval)
	}
	if c.SubscriberQueueSize <= 0 {
		return fmt.Errorf("subscriber_queue_size must be positive, got %d", c.SubscriberQueueSize)
	}
	if c.DataRetentionDays < 0 {
		return fmt.Errorf("data_retention_days must not be negative, got %d", c.DataRetentionDays)
	}
	if c.FlowIdleTimeout <= 0 {
		return fmt.Errorf("flow_idle_timeout must be positive, got %v", c.FlowIdleTimeout)
	}
	return nil
}
