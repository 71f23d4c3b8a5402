package packet

import (
	"encoding/binary"
	"fmt"
)

// Layout of one record on the wire and on disk.
// The device sends its native struct, so every multi-byte field is little endian.
const (
	HeaderLen = 32 // counter + header fields

	offCounter   = 0
	offSourceID  = 8
	offChannel   = 12
	offFlags     = 14
	offTimestamp = 16
	// [24:32] reserved, copied verbatim with the rest of the header

	DefaultDataBytes = 8192
	// MaxDataBytes keeps the whole record inside a single IPv4 UDP datagram.
	MaxDataBytes = 65507 - HeaderLen
)

// Layout describes the fixed record size the stream is made of.
type Layout struct {
	DataBytes int // size of the data block after the header
}

// DefaultLayout returns the layout used when nothing is configured.
func DefaultLayout() Layout {
	return Layout{DataBytes: DefaultDataBytes}
}

// RecordSize is the exact datagram size; anything else is malformed.
func (l Layout) RecordSize() int {
	return HeaderLen + l.DataBytes
}

// Validate checks that the layout fits into a datagram.
func (l Layout) Validate() error {
	if l.DataBytes <= 0 || l.DataBytes > MaxDataBytes {
		return fmt.Errorf("invalid data size: %d (must be 1-%d)", l.DataBytes, MaxDataBytes)
	}
	return nil
}

// Header is the decoded form of the header fields.
type Header struct {
	Counter   uint64 // sequence counter, 0 starts a new session
	SourceID  uint32 // board / station id
	Channel   uint16
	Flags     uint16
	Timestamp uint64 // device clock ticks
}

// Payload is one fixed-size record. It owns a single buffer that is received into
// in place, so the receive path never allocates once the pool is warm.
type Payload struct {
	raw []byte // record bytes, cap = RecordSize()+1 to detect oversize datagrams

	// Synthetic marks a placeholder created for a dropped datagram.
	// It is not part of the record bytes.
	Synthetic bool
}

// New allocates a zeroed payload for the given layout.
func New(l Layout) *Payload {
	size := l.RecordSize()
	return &Payload{raw: make([]byte, size, size+1)}
}

// Size returns the record size in bytes.
func (p *Payload) Size() int {
	return len(p.raw)
}

// Bytes returns the whole record (header + data).
func (p *Payload) Bytes() []byte {
	return p.raw
}

// Data returns the data block.
func (p *Payload) Data() []byte {
	return p.raw[HeaderLen:]
}

// RecvBuf returns the buffer a datagram should be received into. It is one byte
// larger than the record, a read that fills it completely was oversize.
func (p *Payload) RecvBuf() []byte {
	return p.raw[:cap(p.raw)]
}

// Counter returns the sequence counter.
func (p *Payload) Counter() uint64 {
	return binary.LittleEndian.Uint64(p.raw[offCounter:])
}

// SetCounter overwrites the sequence counter.
func (p *Payload) SetCounter(c uint64) {
	binary.LittleEndian.PutUint64(p.raw[offCounter:], c)
}

// Header decodes the header fields.
func (p *Payload) Header() Header {
	b := p.raw
	return Header{
		Counter:   binary.LittleEndian.Uint64(b[offCounter:]),
		SourceID:  binary.LittleEndian.Uint32(b[offSourceID:]),
		Channel:   binary.LittleEndian.Uint16(b[offChannel:]),
		Flags:     binary.LittleEndian.Uint16(b[offFlags:]),
		Timestamp: binary.LittleEndian.Uint64(b[offTimestamp:]),
	}
}

// PutHeader encodes h into the record. Reserved bytes are left untouched.
func (p *Payload) PutHeader(h Header) {
	b := p.raw
	binary.LittleEndian.PutUint64(b[offCounter:], h.Counter)
	binary.LittleEndian.PutUint32(b[offSourceID:], h.SourceID)
	binary.LittleEndian.PutUint16(b[offChannel:], h.Channel)
	binary.LittleEndian.PutUint16(b[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(b[offTimestamp:], h.Timestamp)
}

// CopyHeader copies the header fields of src verbatim. The counter and the data
// block are not touched.
func (p *Payload) CopyHeader(src *Payload) {
	copy(p.raw[offSourceID:HeaderLen], src.raw[offSourceID:HeaderLen])
}

// Reset applies the reuse policy: counter and data block are zeroed.
func (p *Payload) Reset() {
	p.SetCounter(0)
	clear(p.raw[HeaderLen:])
	p.Synthetic = false
}
