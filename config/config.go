// Package config loads endpoint configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/sutils"
	"github.com/spf13/viper"
)

type Config struct {
	// Identity of this endpoint
	Identity uint64 `mapstructure:"identity"`
	// Interfaces to listen on and dial from, "host:port"
	Interfaces []string `mapstructure:"interfaces"`
	// Transport: tcp, quic or mem
	Transport string         `mapstructure:"transport"`
	Log       LogConfig      `mapstructure:"log"`
	Protocol  ProtocolConfig `mapstructure:"protocol"`
	Resolver  ResolverConfig `mapstructure:"resolver"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	// trace, debug, info, warn, error, fatal
	Level string `mapstructure:"level"`
	// text or json
	Format string `mapstructure:"format"`
}

type ProtocolConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	CloseRetryInterval time.Duration `mapstructure:"close_retry_interval"`
	MaxPayloadSize     int           `mapstructure:"max_payload_size"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReportInterval     time.Duration `mapstructure:"report_interval"`
}

type ResolverConfig struct {
	CacheSize int `mapstructure:"cache_size"`
	// Static maps identities to their interfaces
	Static map[string][]string `mapstructure:"static"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Address of the prometheus scrape endpoint, empty disables it
	Listen string `mapstructure:"listen"`
}

func Default() *Config {
	return &Config{
		Identity:   1,
		Interfaces: []string{"127.0.0.1:9000"},
		Transport:  "tcp",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Protocol: ProtocolConfig{
			BatchSize:          100,
			CloseRetryInterval: 10 * time.Millisecond,
			MaxPayloadSize:     1 << 20,
			DialTimeout:        5 * time.Second,
		},
		Resolver: ResolverConfig{
			CacheSize: 256,
		},
	}
}

// Load reads the file at path if given, otherwise mdtp.yaml in the working
// directory if present. Environment variables use the prefix MDTP with
// "." replaced by "_", e.g. MDTP_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MDTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("identity", cfg.Identity)
	v.SetDefault("interfaces", cfg.Interfaces)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("protocol.batch_size", cfg.Protocol.BatchSize)
	v.SetDefault("protocol.close_retry_interval", cfg.Protocol.CloseRetryInterval)
	v.SetDefault("protocol.max_payload_size", cfg.Protocol.MaxPayloadSize)
	v.SetDefault("protocol.dial_timeout", cfg.Protocol.DialTimeout)
	v.SetDefault("protocol.report_interval", cfg.Protocol.ReportInterval)
	v.SetDefault("resolver.cache_size", cfg.Resolver.CacheSize)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	if path == "" {
		path = os.Getenv("MDTP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mdtp")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Identity == 0 {
		return errors.New("identity must not be 0")
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "tcp", "quic", "mem":
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}
	if _, err := c.LocalInterfaces(); err != nil {
		return err
	}
	if _, err := c.StaticEntries(); err != nil {
		return err
	}
	if c.Metrics.Listen != "" && !c.Metrics.Enabled {
		return errors.New("metrics.listen requires metrics.enabled")
	}
	if c.Protocol.BatchSize <= 0 {
		return fmt.Errorf("invalid protocol.batch_size: %d", c.Protocol.BatchSize)
	}
	if c.Protocol.MaxPayloadSize <= 0 {
		return fmt.Errorf("invalid protocol.max_payload_size: %d", c.Protocol.MaxPayloadSize)
	}
	if c.Protocol.CloseRetryInterval <= 0 {
		return fmt.Errorf("invalid protocol.close_retry_interval: %s", c.Protocol.CloseRetryInterval)
	}
	return nil
}

func (c *Config) LocalInterfaces() (peers.InterfaceList, error) {
	return sutils.ParseInterfaceList(c.Interfaces)
}

// StaticEntries returns the resolver table given in the configuration
func (c *Config) StaticEntries() (map[peers.ID]peers.InterfaceList, error) {
	out := make(map[peers.ID]peers.InterfaceList, len(c.Resolver.Static))
	for k, v := range c.Resolver.Static {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("resolver.static: invalid identity %q", k)
		}
		ifs, err := sutils.ParseInterfaceList(v)
		if err != nil {
			return nil, fmt.Errorf("resolver.static[%s]: %w", k, err)
		}
		out[peers.ID(id)] = ifs
	}
	return out, nil
}
