// Package replay feeds UDP payloads recorded in a capture file to the receive pipeline.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Filter selects datagrams by UDP destination port. Zero matches all.
type Filter struct {
	Port int
}

type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Source reads a pcap or pcapng file one UDP datagram at a time.
type Source struct {
	file   *os.File
	reader packetDataSource
	filter Filter

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	packets atomic.Uint64 // frames read from the file
	matched atomic.Uint64 // datagrams returned
	closed  atomic.Bool
}

// Open opens path and detects the file format from its magic number.
func Open(path string, filter Filter) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header %s: %w", path, err)
	}

	var rd packetDataSource
	if bytes.Equal(magic, ngMagic) {
		rd, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		rd, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse capture %s: %w", path, err)
	}

	s := &Source{file: f, reader: rd, filter: filter}
	first := layers.LayerTypeEthernet
	if rd.LinkType() == layers.LinkTypeRaw || rd.LinkType() == layers.LinkTypeIPv4 {
		first = layers.LayerTypeIPv4
	}
	s.parser = gopacket.NewDecodingLayerParser(first, &s.eth, &s.ip4, &s.udp, &s.payload)
	s.parser.IgnoreUnsupported = true
	return s, nil
}

// Read copies the next matching UDP payload into b. A payload longer than b is
// truncated to len(b). It returns io.EOF at the end of the file (or wrapping a read
// error of a damaged file) and net.ErrClosed after Close.
func (s *Source) Read(b []byte) (int, error) {
	for {
		if s.closed.Load() {
			return 0, net.ErrClosed
		}
		data, _, err := s.reader.ReadPacketData()
		if err != nil {
			if s.closed.Load() {
				return 0, net.ErrClosed
			}
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			// a damaged file does not heal on retry, end the stream
			return 0, fmt.Errorf("read capture: %v: %w", err, io.EOF)
		}
		s.packets.Add(1)

		if !s.decode(data) {
			continue
		}
		if s.filter.Port != 0 && int(s.udp.DstPort) != s.filter.Port {
			continue
		}
		s.matched.Add(1)
		return copy(b, s.udp.Payload), nil
	}
}

// decode reports whether data holds an unfragmented IPv4 UDP datagram.
func (s *Source) decode(data []byte) bool {
	s.decoded = s.decoded[:0]
	if err := s.parser.DecodeLayers(data, &s.decoded); err != nil {
		return false
	}
	hasUDP := false
	for _, t := range s.decoded {
		if t == layers.LayerTypeUDP {
			hasUDP = true
		}
	}
	if !hasUDP {
		return false
	}
	return s.ip4.Flags&layers.IPv4MoreFragments == 0 && s.ip4.FragOffset == 0
}

// Packets returns the frames read so far and how many of them were returned.
func (s *Source) Packets() (read, matched uint64) {
	return s.packets.Load(), s.matched.Load()
}

// Close closes the file. Further reads return net.ErrClosed.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.file.Close()
}
