package emit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"sdaa/internal/config"
	"sdaa/internal/log"
	"sdaa/internal/metrics"
	"sdaa/internal/packet"
	"sdaa/internal/udp"
	"sdaa/internal/utils"
)

// Command line parameters of the generator
var (
	emitAddr    string
	emitIface   string
	count       int
	pps         float64
	burst       int
	dropEvery   int
	startAt     uint64
	sourceID    uint32
	channel     uint16
	ttl         int
	loopback    bool
	dataBytes   int
	writeBuffer int
	metricsAddr string
	logLevel    string
	debugMode   bool
)

// EmitStats - generator statistics
type EmitStats struct {
	StartTime time.Time
	Duration  time.Duration
	Sent      uint64
	Skipped   uint64
	Bytes     uint64
}

func (s EmitStats) print(out io.Writer) {
	speed := 0.0
	if s.Duration.Seconds() > 0 {
		speed = float64(s.Bytes) / s.Duration.Seconds() / (1024 * 1024)
	}
	fmt.Fprintf(out, "\n[EMIT] === Transmission Statistics ===\n")
	fmt.Fprintf(out, "[EMIT] Duration: %.2fs\n", s.Duration.Seconds())
	fmt.Fprintf(out, "[EMIT] Records sent: %d\n", s.Sent)
	fmt.Fprintf(out, "[EMIT] Records skipped: %d\n", s.Skipped)
	fmt.Fprintf(out, "[EMIT] Total bytes: %d (%.2f MB)\n", s.Bytes, float64(s.Bytes)/(1024*1024))
	fmt.Fprintf(out, "[EMIT] Network speed: %.2f MB/s\n", speed)
	fmt.Fprintf(out, "[EMIT] =================================\n")
}

var EmitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Send a synthetic record stream, optionally with injected losses",
	RunE:  runEmit,
}

func init() {
	f := EmitCmd.Flags()
	f.StringVar(&emitAddr, "addr", "239.0.0.1:5000", "UDP destination ip:port (unicast or multicast)")
	f.StringVar(&emitIface, "iface", "", "IPv4 address of the outgoing interface for multicast")
	f.IntVar(&count, "count", 0, "counters to generate (0 = until interrupted)")
	f.Float64Var(&pps, "rate", 0, "records per second (0 = as fast as possible)")
	f.IntVar(&burst, "burst", 1, "rate limiter burst")
	f.IntVar(&dropEvery, "drop-every", 0, "skip every Nth counter to simulate loss (0 = never)")
	f.Uint64Var(&startAt, "start", 0, "first counter value; 0 starts a new session at the receiver")
	f.Uint32Var(&sourceID, "source-id", 1, "source id written into every header")
	f.Uint16Var(&channel, "channel", 0, "channel written into every header")
	f.IntVar(&ttl, "ttl", 1, "multicast TTL")
	f.BoolVar(&loopback, "loopback", true, "deliver multicast to local listeners")
	f.IntVar(&dataBytes, "data-bytes", packet.DefaultDataBytes, "data block size of a record in bytes")
	f.IntVar(&writeBuffer, "write-buffer", 4<<20, "socket send buffer in bytes")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&logLevel, "log-level", "info", "log level: debug/info/warn/error")
	f.BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func validateEmitParams() error {
	if count < 0 {
		return fmt.Errorf("invalid count: %d", count)
	}
	if pps < 0 {
		return fmt.Errorf("invalid rate: %g", pps)
	}
	if burst <= 0 {
		return fmt.Errorf("invalid burst: %d", burst)
	}
	if dropEvery < 0 || dropEvery == 1 {
		return fmt.Errorf("invalid drop-every: %d (0 or at least 2)", dropEvery)
	}
	return packet.Layout{DataBytes: dataBytes}.Validate()
}

func runEmit(cmd *cobra.Command, args []string) error {
	config.DebugEnabled = debugMode
	if err := validateEmitParams(); err != nil {
		return err
	}
	logCfg := config.LogConfig{Level: logLevel, Format: "text"}
	if debugMode {
		logCfg.Level = "debug"
	}
	if err := log.Init(logCfg); err != nil {
		return err
	}
	logger := log.WithComponent("emit")

	dst, err := utils.ParseIPv4Addr(emitAddr)
	if err != nil {
		return err
	}
	opts := udp.SenderOptions{WriteBuffer: writeBuffer, TTL: ttl, Loopback: loopback}
	if emitIface != "" {
		if opts.Interface, err = utils.ParseIPv4(emitIface); err != nil {
			return err
		}
	}
	cmd.SilenceUsage = true

	if metricsAddr != "" {
		ms := metrics.StartPrometheus(metricsAddr, "/metrics")
		defer ms.Stop(context.Background())
	}

	sender, err := udp.NewSender(dst, opts)
	if err != nil {
		return err
	}
	defer sender.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := utils.SetupGracefulShutdown()
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	e := &emitter{
		w:         sender,
		layout:    packet.Layout{DataBytes: dataBytes},
		dropEvery: uint64(dropEvery),
		start:     startAt,
		header:    packet.Header{SourceID: sourceID, Channel: channel},
		logger:    logger,
		warn:      rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	if pps > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(pps), burst)
	}

	logger.Infof("sending to %s: count=%d rate=%g drop-every=%d record=%d bytes",
		dst, count, pps, dropEvery, e.layout.RecordSize())

	stats, err := e.run(ctx, uint64(count))
	stats.print(os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// emitter writes consecutive counters, leaving out every dropEvery-th one.
type emitter struct {
	w         io.Writer
	layout    packet.Layout
	limiter   *rate.Limiter
	dropEvery uint64
	start     uint64
	header    packet.Header
	logger    logrus.FieldLogger
	now       func() time.Time
	warn      rate.Sometimes
}

// run generates n counters (0 = until ctx is done).
func (e *emitter) run(ctx context.Context, n uint64) (stats EmitStats, err error) {
	if e.now == nil {
		e.now = time.Now
	}
	stats.StartTime = e.now()
	defer func() { stats.Duration = e.now().Sub(stats.StartTime) }()

	p := packet.New(e.layout)
	for i := uint64(0); n == 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		counter := e.start + i

		if e.dropEvery > 0 && (i+1)%e.dropEvery == 0 {
			stats.Skipped++
			metrics.PromTxSkipped.Inc()
			utils.DebugLog("[TX] counter %d skipped", counter)
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}

		h := e.header
		h.Counter = counter
		h.Timestamp = uint64(e.now().UnixNano())
		p.PutHeader(h)
		fill(p.Data(), counter)

		if _, err := e.w.Write(p.Bytes()); err != nil {
			// a missing listener shows up as ECONNREFUSED on a connected socket
			e.warn.Do(func() { e.logger.Warnf("send counter %d: %v", counter, err) })
			continue
		}
		stats.Sent++
		stats.Bytes += uint64(p.Size())
		metrics.PromTxPackets.Inc()
	}
	return stats, nil
}

// fill writes a pattern derived from the counter so records can be told apart.
func fill(data []byte, counter uint64) {
	b := byte(counter)
	for i := range data {
		data[i] = b
		b++
	}
}
