package sink

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"sdaa/internal/packet"
)

// encoder turns records into file bytes. begin is called once per file.
type encoder interface {
	ext() string
	begin(w io.Writer) error
	encode(w io.Writer, p *packet.Payload) (int, error)
}

// rawEncoder writes records back to back, optionally without their header.
type rawEncoder struct {
	dataOnly bool
}

func (rawEncoder) ext() string { return ".bin" }

func (rawEncoder) begin(io.Writer) error { return nil }

func (e rawEncoder) encode(w io.Writer, p *packet.Payload) (int, error) {
	if e.dataOnly {
		return w.Write(p.Data())
	}
	return w.Write(p.Bytes())
}

// Endpoints are the addresses written into the synthesized frames of a pcap file.
type Endpoints struct {
	Src *net.UDPAddr
	Dst *net.UDPAddr
}

const pcapSnapLen = 262144

// pcapEncoder wraps each record into an Ethernet/IPv4/UDP frame.
type pcapEncoder struct {
	src, dst *net.UDPAddr
	srcMAC   net.HardwareAddr
	dstMAC   net.HardwareAddr
	now      func() time.Time

	w    *pcapgo.Writer
	buf  gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
	ipID uint16
}

func newPcapEncoder(ep Endpoints, now func() time.Time) *pcapEncoder {
	src, dst := ep.Src, ep.Dst
	if src == nil {
		src = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	if dst == nil {
		dst = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	if now == nil {
		now = time.Now
	}
	return &pcapEncoder{
		src:    src,
		dst:    dst,
		srcMAC: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		dstMAC: macFor(dst.IP),
		now:    now,
		buf:    gopacket.NewSerializeBuffer(),
		opts:   gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
}

func (*pcapEncoder) ext() string { return ".pcap" }

func (e *pcapEncoder) begin(w io.Writer) error {
	e.w = pcapgo.NewWriter(w)
	if err := e.w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	return nil
}

func (e *pcapEncoder) encode(_ io.Writer, p *packet.Payload) (int, error) {
	body := p.Bytes()

	e.ipID++
	eth := &layers.Ethernet{
		SrcMAC:       e.srcMAC,
		DstMAC:       e.dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       e.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    e.src.IP.To4(),
		DstIP:    e.dst.IP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(e.src.Port),
		DstPort: layers.UDPPort(e.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return 0, err
	}
	if err := gopacket.SerializeLayers(e.buf, e.opts, eth, ip, udp, gopacket.Payload(body)); err != nil {
		return 0, fmt.Errorf("serialize frame: %w", err)
	}

	frame := e.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     e.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := e.w.WritePacket(ci, frame); err != nil {
		return 0, err
	}
	// pcap record header is 16 bytes
	return 16 + len(frame), nil
}

// macFor returns the IPv4 multicast MAC for a group, a fixed local address otherwise.
func macFor(ip net.IP) net.HardwareAddr {
	if ip4 := ip.To4(); ip4 != nil && ip4.IsMulticast() {
		return net.HardwareAddr{0x01, 0x00, 0x5e, ip4[1] & 0x7f, ip4[2], ip4[3]}
	}
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
}
