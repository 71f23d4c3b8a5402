package udp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// SenderOptions tunes the sending socket.
type SenderOptions struct {
	WriteBuffer int    // SO_SNDBUF in bytes, 0 = system default
	TTL         int    // multicast TTL, 0 = system default
	Loopback    bool   // deliver multicast to local listeners
	Interface   net.IP // outgoing interface for multicast, nil = default
}

// Sender sends datagrams to one destination.
type Sender struct {
	conn *net.UDPConn
}

// NewSender dials dst. Multicast destinations get TTL, loopback and interface applied.
func NewSender(dst *net.UDPAddr, opts SenderOptions) (*Sender, error) {
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("dial UDP %s: %w", dst, err)
	}

	if opts.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			logger.Warnf("failed to set write buffer for %s: %v", dst, err)
		}
	}

	if dst.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if opts.TTL > 0 {
			if err := p.SetMulticastTTL(opts.TTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("set multicast TTL: %w", err)
			}
		}
		if err := p.SetMulticastLoopback(opts.Loopback); err != nil {
			logger.Warnf("failed to set multicast loopback: %v", err)
		}
		if opts.Interface != nil {
			ifi, err := InterfaceByIP(opts.Interface)
			if err != nil {
				conn.Close()
				return nil, err
			}
			if ifi != nil {
				if err := p.SetMulticastInterface(ifi); err != nil {
					conn.Close()
					return nil, fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
				}
			}
		}
	}

	logger.Infof("UDP sender connected to %s", dst)
	return &Sender{conn: conn}, nil
}

// Write sends one datagram.
func (s *Sender) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

// LocalAddr returns the local address of the socket.
func (s *Sender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close closes the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
