// Package config handles loading and validating proxy and target configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joaobrasildev/connpool-proxy/pkg/target"
	"gopkg.in/yaml.v3"
)

// ProxyConfig holds the main proxy configuration.
type ProxyConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	ListenPort          int           `yaml:"listen_port"`
	InstanceID          string        `yaml:"instance_id"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	PinningMode         string        `yaml:"pinning_mode"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Targets  []target.Target
}

// proxyFileConfig mirrors the YAML structure for the proxy config file.
type proxyFileConfig struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// targetsFileConfig mirrors the YAML structure for the targets config file.
type targetsFileConfig struct {
	Targets []target.Target `yaml:"targets"`
}

// Load reads and parses both proxy and targets configuration files.
func Load(proxyConfigPath, targetsConfigPath string) (*Config, error) {
	proxyData, err := os.ReadFile(proxyConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config %s: %w", proxyConfigPath, err)
	}

	var proxyFile proxyFileConfig
	if err := yaml.Unmarshal(proxyData, &proxyFile); err != nil {
		return nil, fmt.Errorf("parsing proxy config %s: %w", proxyConfigPath, err)
	}

	targetsData, err := os.ReadFile(targetsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading targets config %s: %w", targetsConfigPath, err)
	}

	var targetsFile targetsFileConfig
	if err := yaml.Unmarshal(targetsData, &targetsFile); err != nil {
		return nil, fmt.Errorf("parsing targets config %s: %w", targetsConfigPath, err)
	}

	cfg := &Config{
		Proxy:    proxyFile.Proxy,
		Redis:    proxyFile.Redis,
		Fallback: proxyFile.Fallback,
		Targets:  targetsFile.Targets,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Proxy.ListenPort == 0 {
		return fmt.Errorf("proxy.listen_port is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("target[%d].id is required", i)
		}
		if t.Host == "" {
			return fmt.Errorf("target[%d].host is required", i)
		}
		if t.Port == 0 {
			return fmt.Errorf("target[%d].port is required", i)
		}
		if t.MaxConnections == 0 {
			return fmt.Errorf("target[%d].max_connections is required", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = "0.0.0.0"
	}
	if c.Proxy.SessionTimeout == 0 {
		c.Proxy.SessionTimeout = 5 * time.Minute
	}
	if c.Proxy.IdleTimeout == 0 {
		c.Proxy.IdleTimeout = 60 * time.Second
	}
	if c.Proxy.QueueTimeout == 0 {
		c.Proxy.QueueTimeout = 30 * time.Second
	}
	if c.Proxy.MaxQueueSize == 0 {
		c.Proxy.MaxQueueSize = 1000
	}
	if c.Proxy.PinningMode == "" {
		c.Proxy.PinningMode = "transaction"
	}
	if c.Proxy.HealthCheckInterval == 0 {
		c.Proxy.HealthCheckInterval = 15 * time.Second
	}
	if c.Proxy.HealthCheckPort == 0 {
		c.Proxy.HealthCheckPort = 8080
	}
	if c.Proxy.MetricsPort == 0 {
		c.Proxy.MetricsPort = 9090
	}
	if c.Proxy.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Proxy.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Targets {
		if c.Targets[i].MinIdle == 0 {
			c.Targets[i].MinIdle = 2
		}
		if c.Targets[i].MaxIdleTime == 0 {
			c.Targets[i].MaxIdleTime = 5 * time.Minute
		}
		if c.Targets[i].ConnectionTimeout == 0 {
			c.Targets[i].ConnectionTimeout = 30 * time.Second
		}
		if c.Targets[i].QueueTimeout == 0 {
			c.Targets[i].QueueTimeout = c.Proxy.QueueTimeout
		}
	}
}

// TargetByID returns the target configuration for a given target ID.
func (c *Config) TargetByID(id string) (*target.Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// TargetByDatabase returns the first target configuration whose database
// name matches exactly.
func (c *Config) TargetByDatabase(database string) (*target.Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].Database == database {
			return &c.Targets[i], true
		}
	}
	return nil, false
}
