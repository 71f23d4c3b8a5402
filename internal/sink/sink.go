// Package sink stores delivered records.
package sink

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sdaa/internal/buffer"
	"sdaa/internal/config"
	"sdaa/internal/log"
	"sdaa/internal/metrics"
	"sdaa/internal/packet"
)

// Sink is where the delivery stage writes records.
type Sink interface {
	Write(p *packet.Payload) error
	Flush() error
	Close() error
	Stats() Stats
}

// Stats summarizes what a sink stored.
type Stats struct {
	Records      uint64
	Placeholders uint64
	Bytes        int64
	Files        []string
	WriteSpeed   float64 // MB/s spent in file writes
}

// Options for Open.
type Options struct {
	Endpoints Endpoints        // frame addresses for the pcap format
	Now       func() time.Time // pcap timestamps, default time.Now
	Logger    logrus.FieldLogger
}

// Open builds the sink described by cfg. An empty path gives a Counter.
func Open(cfg config.OutputConfig, opts Options) (Sink, error) {
	if cfg.Path == "" {
		return &Counter{}, nil
	}

	var enc encoder
	switch cfg.Format {
	case config.FormatBinary, "":
		enc = rawEncoder{dataOnly: cfg.DataOnly}
	case config.FormatPcap:
		// frames always carry whole records so the capture can be replayed
		if cfg.DataOnly {
			return nil, fmt.Errorf("data-only output is not supported with format %s", cfg.Format)
		}
		enc = newPcapEncoder(opts.Endpoints, opts.Now)
	default:
		return nil, fmt.Errorf("unknown output format: %s", cfg.Format)
	}
	return newSegmented(cfg.Path, cfg.PerSegment, cfg.BufferMB*1024*1024, enc, opts.Logger)
}

// Segmented writes records into one file, or into numbered segments of at most
// perSegment records each: <base>0<ext>, <base>1<ext>, ...
// The first file is created up front so a bad path fails at startup; later
// segments are opened when the first record that does not fit arrives.
type Segmented struct {
	base       string
	perSegment int
	bufferSize int
	enc        encoder
	logger     logrus.FieldLogger

	w         *buffer.BufferedFileWriter
	index     int
	inSegment int
	files     []string

	records      uint64
	placeholders uint64
	closedBytes  int64 // bytes of finished segments
	writeSpeed   float64
	closed       bool
}

func newSegmented(base string, perSegment, bufferSize int, enc encoder, logger logrus.FieldLogger) (*Segmented, error) {
	if logger == nil {
		logger = log.WithComponent("sink")
	}
	s := &Segmented{
		base:       base,
		perSegment: perSegment,
		bufferSize: bufferSize,
		enc:        enc,
		logger:     logger,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segmented) name() string {
	if s.perSegment > 0 {
		return fmt.Sprintf("%s%d%s", s.base, s.index, s.enc.ext())
	}
	return s.base
}

func (s *Segmented) open() error {
	name := s.name()
	w, err := buffer.NewBufferedFileWriter(name, s.bufferSize)
	if err != nil {
		return err
	}
	if err := s.enc.begin(w); err != nil {
		w.Close()
		return err
	}
	s.w = w
	s.inSegment = 0
	s.files = append(s.files, name)
	metrics.PromSegments.Inc()
	return nil
}

func (s *Segmented) rotate() error {
	if err := s.closeCurrent(); err != nil {
		return err
	}
	s.index++
	if err := s.open(); err != nil {
		return err
	}
	s.logger.Infof("new file segment created: %s", s.w.Name())
	return nil
}

func (s *Segmented) closeCurrent() error {
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.closedBytes += s.w.TotalBytes()
	s.writeSpeed = s.w.WriteSpeed()
	s.w = nil
	return err
}

// Write appends one record, rolling to the next segment first when the current one is full.
func (s *Segmented) Write(p *packet.Payload) error {
	if s.closed {
		return fmt.Errorf("sink %s is closed", s.base)
	}
	if s.w == nil || (s.perSegment > 0 && s.inSegment >= s.perSegment) {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.enc.encode(s.w, p)
	if err != nil {
		return err
	}
	s.inSegment++
	s.records++
	if p.Synthetic {
		s.placeholders++
	}
	metrics.PromWrittenRecords.Inc()
	metrics.PromWrittenBytes.Add(float64(n))
	return nil
}

// Flush pushes buffered bytes of the current segment to disk.
func (s *Segmented) Flush() error {
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

// Close flushes and closes the current segment. It is safe to call twice.
func (s *Segmented) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeCurrent()
}

// Stats returns the records and bytes stored so far.
func (s *Segmented) Stats() Stats {
	st := Stats{
		Records:      s.records,
		Placeholders: s.placeholders,
		Bytes:        s.closedBytes,
		Files:        append([]string(nil), s.files...),
		WriteSpeed:   s.writeSpeed,
	}
	if s.w != nil {
		st.Bytes += s.w.TotalBytes() + int64(s.w.Buffered())
		st.WriteSpeed = s.w.WriteSpeed()
	}
	return st
}

// Counter only counts what it is given.
type Counter struct {
	records      uint64
	placeholders uint64
}

func (c *Counter) Write(p *packet.Payload) error {
	c.records++
	if p.Synthetic {
		c.placeholders++
	}
	metrics.PromWrittenRecords.Inc()
	return nil
}

func (c *Counter) Flush() error { return nil }

func (c *Counter) Close() error { return nil }

func (c *Counter) Stats() Stats {
	return Stats{Records: c.records, Placeholders: c.placeholders}
}
