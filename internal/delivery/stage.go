package delivery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sdaa/internal/buffer"
	"sdaa/internal/log"
	"sdaa/internal/packet"
)

const defaultFlushInterval = time.Second

// Sink consumes delivered payloads. It does not keep p after Write returns.
type Sink interface {
	Write(p *packet.Payload) error
	Flush() error
	Close() error
}

// Options configures a Stage.
type Options struct {
	FlushInterval time.Duration // periodic sink flush, default 1s
	Limit         int           // payloads to deliver, 0 = until the sequence ends
	Logger        logrus.FieldLogger
}

// Stage runs a producer goroutine that ranges over a payload sequence and pushes
// into a Queue, and a consumer loop that writes into a sink.
type Stage struct {
	pool   *buffer.Pool
	queue  *Queue
	flush  time.Duration
	limit  uint64
	logger logrus.FieldLogger

	producerDone chan struct{}
	delivered    atomic.Uint64
	placeholders atomic.Uint64
	started      atomic.Bool
}

// NewStage creates a stage releasing written payloads to pool.
func NewStage(pool *buffer.Pool, opts Options) *Stage {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("delivery")
	}
	limit := uint64(0)
	if opts.Limit > 0 {
		limit = uint64(opts.Limit)
	}
	return &Stage{
		pool:         pool,
		queue:        NewQueue(),
		flush:        opts.FlushInterval,
		limit:        limit,
		logger:       opts.Logger,
		producerDone: make(chan struct{}),
	}
}

// Run delivers seq into sink until the sequence ends, the limit is reached, a
// sink error occurs or ctx is cancelled. The sink is flushed and closed before Run
// returns. Cancellation is a normal stop and returns nil.
//
// Run does not wait for the producer: it may still be blocked inside seq. The
// caller unblocks it (usually by closing the packet source) and waits on ProducerDone.
func (s *Stage) Run(ctx context.Context, seq iter.Seq[*packet.Payload], sink Sink) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("delivery stage already started")
	}

	go s.produce(seq)

	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	for {
		select {
		case <-s.queue.Ready():
			done, err := s.deliver(sink)
			if err != nil || done {
				return s.finish(sink, err)
			}
		case <-ticker.C:
			if err := sink.Flush(); err != nil {
				return s.finish(sink, fmt.Errorf("flush sink: %w", err))
			}
		case <-s.producerDone:
			// every send happened before producerDone was closed
			_, err := s.deliver(sink)
			return s.finish(sink, err)
		case <-ctx.Done():
			s.logger.Infof("delivery stopped: %v", ctx.Err())
			_, err := s.deliver(sink)
			return s.finish(sink, err)
		}
	}
}

func (s *Stage) produce(seq iter.Seq[*packet.Payload]) {
	defer close(s.producerDone)
	for p := range seq {
		if !s.queue.Send(p) {
			s.pool.Put(p)
			return
		}
	}
}

// deliver writes everything queued. done is true once the limit is reached.
func (s *Stage) deliver(sink Sink) (done bool, err error) {
	batch := s.queue.Drain()
	for i, p := range batch {
		if s.limitReached() {
			s.release(batch[i:])
			return true, nil
		}

		werr := sink.Write(p)
		synthetic := p.Synthetic
		s.pool.Put(p)
		if werr != nil {
			s.release(batch[i+1:])
			return false, fmt.Errorf("write sink: %w", werr)
		}

		s.delivered.Add(1)
		if synthetic {
			s.placeholders.Add(1)
		}
	}
	return s.limitReached(), nil
}

func (s *Stage) limitReached() bool {
	return s.limit > 0 && s.delivered.Load() >= s.limit
}

// finish closes the queue, releases what the producer left in it and shuts the sink down.
func (s *Stage) finish(sink Sink, err error) error {
	s.release(s.queue.Close())

	if ferr := sink.Flush(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("flush sink: %w", ferr))
	}
	if cerr := sink.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close sink: %w", cerr))
	}
	s.logger.Debugf("delivery finished: %d delivered, %d placeholders", s.delivered.Load(), s.placeholders.Load())
	return err
}

func (s *Stage) release(ps []*packet.Payload) {
	for _, p := range ps {
		s.pool.Put(p)
	}
}

// ProducerDone is closed when the producer goroutine has exited.
func (s *Stage) ProducerDone() <-chan struct{} {
	return s.producerDone
}

// InFlight returns the payloads sitting between producer and consumer.
func (s *Stage) InFlight() int64 {
	return s.queue.InFlight()
}

// Delivered returns the payloads written to the sink.
func (s *Stage) Delivered() uint64 {
	return s.delivered.Load()
}

// Placeholders returns how many of the delivered payloads were synthesized.
func (s *Stage) Placeholders() uint64 {
	return s.placeholders.Load()
}
