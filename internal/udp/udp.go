package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"sdaa/internal/log"
)

var logger = log.WithComponent("udp")

// groupConn is the part of ipv4.PacketConn used to manage membership.
type groupConn interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
}

// Replaced in tests.
var (
	newGroupConn = func(c net.PacketConn) groupConn { return ipv4.NewPacketConn(c) }
	findIface    = InterfaceByIP
)

// Membership is a multicast group joined on the interface owning an IPv4 address.
type Membership struct {
	Group     net.IP
	Interface net.IP // 0.0.0.0 or nil = let the kernel pick
}

// ReceiverOptions tunes the socket.
type ReceiverOptions struct {
	ReadBuffer int // SO_RCVBUF in bytes, 0 = system default
}

// Receiver wraps a bound UDP socket that may be joined to a multicast group.
// The membership lives exactly as long as the socket: joined in NewReceiver and
// left once in Close.
type Receiver struct {
	conn *net.UDPConn

	gc    groupConn
	group net.IP
	iface *net.Interface
	ifip  net.IP

	leaveOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewReceiver binds bind and, when m is not nil, joins m.Group right after binding.
// Errors are *BindError or *JoinError; on a join failure the socket is closed again.
func NewReceiver(bind *net.UDPAddr, m *Membership, opts ReceiverOptions) (*Receiver, error) {
	if m != nil {
		if g := m.Group.To4(); g == nil || !g.IsMulticast() {
			return nil, &JoinError{Group: m.Group, Interface: m.Interface, Err: ErrNotMulticast}
		}
	}

	lc := net.ListenConfig{Control: controlFunc(m != nil)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", bind.String())
	if err != nil {
		return nil, &BindError{Addr: bind.String(), Err: err}
	}
	conn := pc.(*net.UDPConn)

	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			logger.Warnf("failed to set read buffer for %s: %v", bind, err)
		}
	}

	r := &Receiver{conn: conn}
	if m == nil {
		logger.Infof("UDP receiver listening on %s", conn.LocalAddr())
		return r, nil
	}

	ifi, err := findIface(m.Interface)
	if err != nil {
		conn.Close()
		return nil, &JoinError{Group: m.Group, Interface: m.Interface, Err: err}
	}

	gc := newGroupConn(conn)
	if err := gc.JoinGroup(ifi, &net.UDPAddr{IP: m.Group}); err != nil {
		conn.Close()
		return nil, &JoinError{Group: m.Group, Interface: m.Interface, Err: err}
	}

	r.gc = gc
	r.group = m.Group
	r.iface = ifi
	r.ifip = m.Interface
	logger.Infof("UDP receiver listening on %s, joined multicast group %s on interface %s",
		conn.LocalAddr(), m.Group, ifaceName(ifi, m.Interface))
	return r, nil
}

// FromConn wraps an already bound unicast socket. There is no group to manage.
func FromConn(conn *net.UDPConn) *Receiver {
	return &Receiver{conn: conn}
}

// Read receives one datagram into b without reporting the sender, which keeps
// the call allocation free.
func (r *Receiver) Read(b []byte) (int, error) {
	return r.conn.Read(b)
}

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Conn exposes the underlying socket.
func (r *Receiver) Conn() *net.UDPConn {
	return r.conn
}

// Group returns the joined group, nil for a unicast receiver.
func (r *Receiver) Group() net.IP {
	return r.group
}

// Close leaves the multicast group (once, failures only logged) and closes the socket.
// Further calls return nil.
func (r *Receiver) Close() error {
	r.leaveOnce.Do(func() {
		if r.gc == nil {
			return
		}
		if err := r.gc.LeaveGroup(r.iface, &net.UDPAddr{IP: r.group}); err != nil {
			logger.Warnf("failed to leave multicast group %s on interface %s: %v", r.group, ifaceName(r.iface, r.ifip), err)
			return
		}
		logger.Infof("Left multicast group %s on interface %s", r.group, ifaceName(r.iface, r.ifip))
	})
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

// controlFunc enables address reuse before bind; SO_REUSEPORT only for multicast
// so several captures can share one group.
func controlFunc(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr == nil && reusePort {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// InterfaceByIP finds the interface that owns ip. An unspecified ip yields nil,
// which means the system default interface for multicast.
func InterfaceByIP(ip net.IP) (*net.Interface, error) {
	if ip == nil || ip.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", ip)
}

func ifaceName(ifi *net.Interface, ip net.IP) string {
	if ifi == nil {
		if ip == nil {
			return "default"
		}
		return ip.String()
	}
	return fmt.Sprintf("%s (%s)", ifi.Name, ip)
}
