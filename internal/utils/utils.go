package utils

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"sdaa/internal/config"
)

// DebugLog prints debug messages only when debug mode is on.
func DebugLog(format string, args ...interface{}) {
	if config.DebugEnabled {
		logrus.Debugf(format, args...)
	}
}

// SetupGracefulShutdown subscribes to termination signals.
func SetupGracefulShutdown() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// ParseIPv4Addr parses "a.b.c.d:port" into a UDP address. Host names and IPv6 are rejected.
func ParseIPv4Addr(addr string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format %q, expected ip:port: %v", addr, err)
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %s", host)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %s", portStr)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of valid range (0-65535)", port)
	}

	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// ParseIPv4 parses a bare IPv4 address.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %s", s)
	}
	return ip, nil
}
