package replay

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCapture stores one UDP frame per payload, addressed to the given ports.
func writeCapture(t *testing.T, payloads [][]byte, ports []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(10, 0, 0, 9).To4(), DstIP: net.IPv4(10, 0, 0, 1).To4()}
		udp := &layers.UDP{SrcPort: 1234, DstPort: layers.UDPPort(ports[i])}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p)))
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(int64(i), 0), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
		require.NoError(t, w.WritePacket(ci, buf.Bytes()))
	}
	return path
}

func TestReadAllDatagrams(t *testing.T) {
	path := writeCapture(t, [][]byte{[]byte("first"), []byte("second")}, []int{5000, 5000})
	src, err := Open(path, Filter{})
	require.NoError(t, err)
	defer src.Close()

	b := make([]byte, 64)
	n, err := src.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b[:n]))

	n, err = src.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b[:n]))

	_, err = src.Read(b)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPortFilter(t *testing.T) {
	path := writeCapture(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, []int{5000, 6000, 5000})
	src, err := Open(path, Filter{Port: 5000})
	require.NoError(t, err)
	defer src.Close()

	var got []string
	b := make([]byte, 8)
	for {
		n, err := src.Read(b)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, string(b[:n]))
	}
	assert.Equal(t, []string{"a", "c"}, got)

	read, matched := src.Packets()
	assert.Equal(t, uint64(3), read)
	assert.Equal(t, uint64(2), matched)
}

func TestLongPayloadIsTruncated(t *testing.T) {
	path := writeCapture(t, [][]byte{[]byte("0123456789")}, []int{1})
	src, err := Open(path, Filter{})
	require.NoError(t, err)
	defer src.Close()

	b := make([]byte, 4)
	n, err := src.Read(b)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestClosedSource(t *testing.T) {
	path := writeCapture(t, [][]byte{[]byte("x")}, []int{1})
	src, err := Open(path, Filter{})
	require.NoError(t, err)

	require.NoError(t, src.Close())
	assert.NoError(t, src.Close())
	_, err = src.Read(make([]byte, 8))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.pcap"), Filter{})
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a capture file"), 0o644))
	_, err = Open(garbage, Filter{})
	assert.Error(t, err)
}
