package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"sdaa/internal/config"
	"sdaa/internal/log"
	"sdaa/internal/packet"
)

// AddOutputFlags registers the sink and payload flags shared by the capture commands.
// Their values are picked up by config.Load, so they have no variables of their own.
func AddOutputFlags(fs *pflag.FlagSet) {
	fs.StringP("out", "o", "", "output file name, or segment base name with -s (empty = count only)")
	fs.IntP("count", "p", 0, "number of records to dump (0 = unlimited)")
	fs.IntP("per-file", "s", 0, "records per file segment (0 = single file)")
	fs.IntP("buffer-mb", "b", 8, "file write buffer size in MB")
	fs.String("format", config.FormatBinary, "output format: bin or pcap")
	fs.Bool("data-only", false, "write only the data block of each record")
	fs.Int("data-bytes", packet.DefaultDataBytes, "data block size of a record in bytes")
	fs.Duration("flush-interval", time.Second, "periodic output flush interval")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("log-level", "info", "log level: debug/info/warn/error")
	fs.String("log-format", "text", "log format: text/json")
}

// Bootstrap loads the configuration, sets up logging and returns a logger tagged
// with component and a fresh run id.
func Bootstrap(configPath string, flags *pflag.FlagSet, debug bool, component string) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, nil, err
	}
	config.DebugEnabled = debug
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		cfg.Metrics.Enabled = true
	}

	logger := log.WithComponent(component).WithField("run_id", uuid.NewString())
	DebugLog("config: %+v", *cfg)
	return cfg, logger, nil
}
