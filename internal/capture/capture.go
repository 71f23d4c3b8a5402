// Package capture wires a packet source through the gap-filling pipeline and the
// delivery stage into a sink.
package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sdaa/internal/buffer"
	"sdaa/internal/config"
	"sdaa/internal/delivery"
	"sdaa/internal/log"
	"sdaa/internal/metrics"
	"sdaa/internal/pipeline"
	"sdaa/internal/sink"
)

// Source is a closable packet reader. Closing it must unblock a pending read
// with net.ErrClosed.
type Source interface {
	pipeline.PacketReader
	Close() error
}

// Options are the parts of a run that do not come from the config.
type Options struct {
	Endpoints sink.Endpoints // frame addresses for pcap output
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Delivered    uint64
	Placeholders uint64
	Stream       pipeline.Stats
	Sink         sink.Stats
	Allocated    int64 // payload buffers the pool created
	Duration     time.Duration
}

// Run captures from src until the output limit is reached, src is exhausted or ctx
// is cancelled. src is always closed when Run returns.
func Run(ctx context.Context, cfg *config.Config, src Source, opts Options) (*Summary, error) {
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("capture")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	start := opts.Now()

	pool := buffer.NewPool(cfg.Payload.Layout())
	if cfg.Receiver.PoolPrefill > 0 {
		pool.Prefill(cfg.Receiver.PoolPrefill)
	}

	out, err := sink.Open(cfg.Output, sink.Options{
		Endpoints: opts.Endpoints,
		Now:       opts.Now,
		Logger:    logger.WithField(log.ComponentKey, "sink"),
	})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("open output: %w", err)
	}

	stream := pipeline.NewStream(src, pool, pipeline.Options{
		PrintInterval: cfg.Stats.PrintInterval,
		Logger:        logger.WithField(log.ComponentKey, "pipeline"),
		Now:           opts.Now,
	})
	stage := delivery.NewStage(pool, delivery.Options{
		FlushInterval: cfg.Output.FlushInterval,
		Limit:         cfg.Output.Limit,
		Logger:        logger.WithField(log.ComponentKey, "delivery"),
	})

	g, gctx := errgroup.WithContext(ctx)
	stageDone := make(chan struct{})

	g.Go(func() error {
		defer close(stageDone)
		return stage.Run(gctx, stream.All(), out)
	})

	if every := cfg.Stats.QueueReportInterval; every > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-stageDone:
					metrics.PromQueueDepth.Set(0)
					return nil
				case <-ticker.C:
					depth := stage.InFlight()
					metrics.PromQueueDepth.Set(float64(depth))
					logger.Debugf("queue length: %d", depth)
				}
			}
		})
	}

	g.Go(func() error {
		select {
		case <-stageDone:
		case <-gctx.Done():
		}
		if err := src.Close(); err != nil {
			logger.Warnf("failed to close source: %v", err)
		}
		<-stage.ProducerDone()
		return nil
	})

	err = g.Wait()

	sum := &Summary{
		Delivered:    stage.Delivered(),
		Placeholders: stage.Placeholders(),
		Stream:       stream.Stats(),
		Sink:         out.Stats(),
		Allocated:    pool.Allocated(),
		Duration:     opts.Now().Sub(start),
	}
	if err != nil {
		return sum, fmt.Errorf("capture: %w", err)
	}
	return sum, nil
}

// Report prints the reception statistics block shown at exit.
func (s *Summary) Report(w io.Writer, tag string) {
	mb := float64(s.Sink.Bytes) / (1024 * 1024)
	speed := 0.0
	if s.Duration.Seconds() > 0 {
		speed = mb / s.Duration.Seconds()
	}

	fmt.Fprintf(w, "\n[%s] === Reception Statistics ===\n", tag)
	fmt.Fprintf(w, "[%s] Duration: %.2fs\n", tag, s.Duration.Seconds())
	fmt.Fprintf(w, "[%s] Records delivered: %d\n", tag, s.Delivered)
	fmt.Fprintf(w, "[%s] Placeholders: %d\n", tag, s.Placeholders)
	fmt.Fprintf(w, "[%s] Dropped in last session: %d\n", tag, s.Stream.Dropped)
	fmt.Fprintf(w, "[%s] Malformed datagrams: %d\n", tag, s.Stream.Malformed)
	fmt.Fprintf(w, "[%s] Sessions: %d\n", tag, s.Stream.Sessions)
	fmt.Fprintf(w, "[%s] Total bytes: %d (%.2f MB)\n", tag, s.Sink.Bytes, mb)
	fmt.Fprintf(w, "[%s] Throughput: %.2f MB/s\n", tag, speed)
	fmt.Fprintf(w, "[%s] Disk write speed: %.2f MB/s\n", tag, s.Sink.WriteSpeed)
	for _, f := range s.Sink.Files {
		fmt.Fprintf(w, "[%s] File: %s\n", tag, f)
	}
	fmt.Fprintf(w, "[%s] Buffers allocated: %d\n", tag, s.Allocated)
	fmt.Fprintf(w, "[%s] ============================\n", tag)
}
