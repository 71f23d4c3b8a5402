package udp

import (
	"errors"
	"fmt"
	"net"
)

// ErrNotMulticast is returned when a group address is outside 224.0.0.0/4.
var ErrNotMulticast = errors.New("not an IPv4 multicast address")

// BindError reports a failure to bind the local endpoint.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// JoinError reports a failure to join a multicast group.
type JoinError struct {
	Group     net.IP
	Interface net.IP
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join multicast group %s on interface %s: %v", e.Group, e.Interface, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
