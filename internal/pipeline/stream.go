// Package pipeline turns received datagrams into an ordered, gap-filled sequence of payloads.
package pipeline

import (
	"errors"
	"io"
	"iter"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sdaa/internal/buffer"
	"sdaa/internal/log"
	"sdaa/internal/metrics"
	"sdaa/internal/packet"
)

const (
	defaultPrintInterval = 2 * time.Second
	// placeholders synthesized between two scheduler yields
	yieldEvery = 1000
)

// PacketReader is the receive side of a socket. Read receives one datagram into b;
// the sender address is not needed, so no address is allocated per datagram.
type PacketReader interface {
	Read(b []byte) (n int, err error)
}

// Options configures a Stream.
type Options struct {
	PrintInterval time.Duration      // drop statistics line, default 2s
	Logger        logrus.FieldLogger // default component logger
	Now           func() time.Time   // clock, default time.Now
}

// Stats is a snapshot of the sequence state.
type Stats struct {
	Received  uint64 // emitted in the current session, placeholders included
	Dropped   uint64 // placeholders in the current session
	Malformed uint64 // datagrams discarded for their size, never reset
	Sessions  uint64 // zero counters seen
	Expected  uint64 // next expected counter
	Tracking  bool   // Expected is valid
}

// Stream receives datagrams into pooled payloads and reconstructs a contiguous
// counter sequence, synthesizing placeholders for every missing counter.
type Stream struct {
	src  PacketReader
	pool *buffer.Pool
	size int

	printInterval time.Duration
	logger        logrus.FieldLogger
	now           func() time.Time
	warn          rate.Sometimes

	// written only by the goroutine ranging over All, read by Stats
	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	sessions  atomic.Uint64
	expected  atomic.Uint64
	tracking  atomic.Bool

	started atomic.Bool
}

// NewStream creates a stream reading from src with buffers from pool.
func NewStream(src PacketReader, pool *buffer.Pool, opts Options) *Stream {
	if opts.PrintInterval <= 0 {
		opts.PrintInterval = defaultPrintInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("pipeline")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		src:           src,
		pool:          pool,
		size:          pool.Layout().RecordSize(),
		printInterval: opts.PrintInterval,
		logger:        opts.Logger,
		now:           opts.Now,
		warn:          rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Stats returns the current counters. Safe to call from any goroutine.
func (s *Stream) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Malformed: s.malformed.Load(),
		Sessions:  s.sessions.Load(),
		Expected:  s.expected.Load(),
		Tracking:  s.tracking.Load(),
	}
}

// All returns the payload sequence. It is unbounded and can be ranged over once;
// it ends when the source is closed (net.ErrClosed or io.EOF) or when the
// consumer stops. yield always takes ownership of the payload it is given and
// must return it to the pool eventually.
func (s *Stream) All() iter.Seq[*packet.Payload] {
	return func(yield func(*packet.Payload) bool) {
		if !s.started.CompareAndSwap(false, true) {
			return
		}
		s.run(yield)
	}
}

func (s *Stream) run(yield func(*packet.Payload) bool) {
	lastPrint := s.now()

	for {
		p := s.pool.Get()
		n, err := s.src.Read(p.RecvBuf())
		if err != nil {
			s.pool.Put(p)
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			s.warn.Do(func() { s.logger.Warnf("receive error: %v", err) })
			continue
		}
		if n != s.size {
			s.pool.Put(p)
			s.malformed.Add(1)
			metrics.PromMalformed.Inc()
			continue
		}
		metrics.PromRxPackets.Inc()

		now := s.now()
		if now.Sub(lastPrint) >= s.printInterval {
			s.printStats()
			lastPrint = now
		}

		counter := p.Counter()

		if !s.tracking.Load() {
			s.expected.Store(counter)
			s.tracking.Store(true)
			s.dropped.Store(0)
		}

		// A zero counter restarts the statistics only. The expected counter is kept.
		if counter == 0 {
			s.dropped.Store(0)
			s.received.Store(0)
			s.sessions.Add(1)
			metrics.PromSessions.Inc()
			s.logger.Infof("==================================")
			s.logger.Infof("start time:%s", now.Format("2006-01-02 15:04:05.000"))
			s.logger.Infof("==================================")
		}

		if !s.fillGap(p, yield) {
			return
		}
	}
}

// fillGap emits one placeholder per missing counter before p, then p itself.
// It returns false when the consumer stopped.
func (s *Stream) fillGap(p *packet.Payload, yield func(*packet.Payload) bool) bool {
	counter := p.Counter()
	for {
		expected := s.expected.Load()
		if expected >= counter {
			s.expected.Store(counter + 1)
			s.received.Add(1)
			return yield(p)
		}

		dropped := s.dropped.Add(1)
		metrics.PromPlaceholders.Inc()

		ph := s.pool.Get()
		ph.CopyHeader(p)
		ph.SetCounter(expected)
		ph.Synthetic = true

		s.received.Add(1)
		if !yield(ph) {
			s.pool.Put(p)
			return false
		}
		s.expected.Store(expected + 1)

		if dropped%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

func (s *Stream) printStats() {
	dropped := s.dropped.Load()
	received := s.received.Load()
	s.logger.Infof("%d pkts dropped, ratio<%e", dropped, float64(1+dropped)/float64(received))
}
