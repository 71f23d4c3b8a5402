// Package config loads capture settings using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sdaa/internal/packet"
)

// Output formats
const (
	FormatBinary = "bin"  // raw concatenated records
	FormatPcap   = "pcap" // Ethernet/IPv4/UDP frames in a pcap file
)

// DebugEnabled switches utils.DebugLog on.
var DebugEnabled bool

// Config is the full set of capture settings.
type Config struct {
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Payload  PayloadConfig  `mapstructure:"payload"`
	Output   OutputConfig   `mapstructure:"output"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ReceiverConfig describes the UDP endpoint.
type ReceiverConfig struct {
	Addr        string `mapstructure:"addr"`         // ip:port
	Multicast   string `mapstructure:"multicast"`    // group address, empty = unicast
	Interface   string `mapstructure:"interface"`    // iface IPv4 for the join, empty = addr ip
	ReadBuffer  int    `mapstructure:"read_buffer"`  // SO_RCVBUF bytes
	PoolPrefill int    `mapstructure:"pool_prefill"` // payload buffers allocated at startup
}

// PayloadConfig describes the record layout.
type PayloadConfig struct {
	DataBytes int `mapstructure:"data_bytes"`
}

// Layout converts the payload settings into a record layout.
func (c PayloadConfig) Layout() packet.Layout {
	return packet.Layout{DataBytes: c.DataBytes}
}

// OutputConfig describes the sink.
type OutputConfig struct {
	Path          string        `mapstructure:"path"` // empty = count only
	Format        string        `mapstructure:"format"`
	PerSegment    int           `mapstructure:"per_segment"` // records per file, 0 = single file
	Limit         int           `mapstructure:"limit"`       // records to receive, 0 = unlimited
	BufferMB      int           `mapstructure:"buffer_mb"`
	DataOnly      bool          `mapstructure:"data_only"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StatsConfig controls diagnostics.
type StatsConfig struct {
	PrintInterval       time.Duration `mapstructure:"print_interval"`
	QueueReportInterval time.Duration `mapstructure:"queue_report_interval"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string        `mapstructure:"level"`  // debug / info / warn / error
	Format  string        `mapstructure:"format"` // text / json
	Pattern string        `mapstructure:"pattern"`
	Time    string        `mapstructure:"time"`
	File    FileLogConfig `mapstructure:"file"`
}

// FileLogConfig configures a rotating log file.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"addr":           "receiver.addr",
	"maddr":          "receiver.multicast",
	"iface":          "receiver.interface",
	"read-buffer":    "receiver.read_buffer",
	"data-bytes":     "payload.data_bytes",
	"out":            "output.path",
	"format":         "output.format",
	"per-file":       "output.per_segment",
	"count":          "output.limit",
	"buffer-mb":      "output.buffer_mb",
	"data-only":      "output.data_only",
	"flush-interval": "output.flush_interval",
	"metrics-addr":   "metrics.listen",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// Load merges defaults, the optional config file, SDAA_* environment variables and
// the flags that were set on the command line, in increasing priority.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("sdaa")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("receiver.addr", "")
	v.SetDefault("receiver.multicast", "")
	v.SetDefault("receiver.interface", "")
	v.SetDefault("receiver.read_buffer", 64<<20)
	v.SetDefault("receiver.pool_prefill", 1024)

	v.SetDefault("payload.data_bytes", packet.DefaultDataBytes)

	v.SetDefault("output.path", "")
	v.SetDefault("output.format", FormatBinary)
	v.SetDefault("output.per_segment", 0)
	v.SetDefault("output.limit", 0)
	v.SetDefault("output.buffer_mb", 8)
	v.SetDefault("output.data_only", false)
	v.SetDefault("output.flush_interval", time.Second)

	v.SetDefault("stats.print_interval", 2*time.Second)
	v.SetDefault("stats.queue_report_interval", time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.pattern", "%time [%level] %component%msg %field")
	v.SetDefault("log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "sdaa.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)
}

// Validate checks the configuration. The receiver address is optional here because
// replay does not bind a socket; commands that need it call ValidateReceiver.
func (cfg *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	if err := cfg.Payload.Layout().Validate(); err != nil {
		return err
	}

	switch cfg.Output.Format {
	case FormatBinary, FormatPcap:
	default:
		return fmt.Errorf("invalid output format: %s (must be %s/%s)", cfg.Output.Format, FormatBinary, FormatPcap)
	}
	// pcap frames must carry whole records to be replayable
	if cfg.Output.Format == FormatPcap && cfg.Output.DataOnly {
		return fmt.Errorf("output.data_only is not supported with format %s", FormatPcap)
	}
	if cfg.Output.PerSegment < 0 {
		return fmt.Errorf("invalid per-file count: %d", cfg.Output.PerSegment)
	}
	if cfg.Output.Limit < 0 {
		return fmt.Errorf("invalid packet count: %d", cfg.Output.Limit)
	}
	if cfg.Output.BufferMB <= 0 || cfg.Output.BufferMB > 4096 {
		return fmt.Errorf("invalid buffer size: %d MB", cfg.Output.BufferMB)
	}
	if cfg.Output.FlushInterval <= 0 {
		return fmt.Errorf("invalid flush interval: %s", cfg.Output.FlushInterval)
	}
	if cfg.Stats.PrintInterval <= 0 {
		return fmt.Errorf("invalid print interval: %s", cfg.Stats.PrintInterval)
	}

	if cfg.Receiver.Multicast != "" {
		ip := net.ParseIP(cfg.Receiver.Multicast).To4()
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("invalid multicast group: %s", cfg.Receiver.Multicast)
		}
	}
	if cfg.Receiver.Interface != "" && net.ParseIP(cfg.Receiver.Interface).To4() == nil {
		return fmt.Errorf("invalid interface address: %s", cfg.Receiver.Interface)
	}
	return nil
}

// ValidateReceiver checks the settings needed to bind a socket.
func (cfg *Config) ValidateReceiver() error {
	if cfg.Receiver.Addr == "" {
		return fmt.Errorf("receiver address is required")
	}
	host, _, err := net.SplitHostPort(cfg.Receiver.Addr)
	if err != nil {
		return fmt.Errorf("invalid receiver address %s: %w", cfg.Receiver.Addr, err)
	}
	if net.ParseIP(host).To4() == nil {
		return fmt.Errorf("invalid receiver address %s: not an IPv4 address", cfg.Receiver.Addr)
	}
	return nil
}
