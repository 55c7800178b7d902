//go:build linux

// Package sockets holds the raw socket primitives the server builds on: a
// bound listening socket, non-blocking mode, and an outbound connection that
// completes asynchronously. All functions deal in plain descriptors.
package sockets

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Bind creates a TCP socket bound to host:port with SO_REUSEADDR set. An
// empty host binds every IPv4 address.
func Bind(host string, port int) (int, error) {
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	return fd, nil
}

// Listen marks a bound socket as passive.
func Listen(fd int) error {
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// SetNonblock toggles O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return fmt.Errorf("set nonblock=%t on fd %d: %w", nonblocking, fd, err)
	}
	return nil
}

// LocalPort returns the port fd is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unsupported socket address %T", sa)
	}
}

// PeerHost returns the numeric address of the remote end of fd.
func PeerHost(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("getpeername: %w", err)
	}
	return HostOf(sa)
}

// HostOf renders the address part of a socket address.
func HostOf(sa unix.Sockaddr) (string, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr).String(), nil
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr).Unmap().String(), nil
	default:
		return "", fmt.Errorf("unsupported socket address %T", sa)
	}
}

// StartConnect begins a non-blocking TCP connection to host:port, where host
// is a literal address. The returned descriptor becomes writable once the
// attempt settles; ConnectResult then reports how it went. Errors the kernel
// reports synchronously, such as a refused loopback connection, are returned
// here and no descriptor is left open.
func StartConnect(host string, port int) (int, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return -1, fmt.Errorf("connect host %q must be a literal address: %w", host, err)
	}
	addr = addr.Unmap()
	var sa unix.Sockaddr
	family := unix.AF_INET
	if addr.Is4() {
		sa = &unix.SockaddrInet4{Port: port, Addr: addr.As4()}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", net.JoinHostPort(addr.String(), strconv.Itoa(port)), err)
	}
	return fd, nil
}

// ConnectResult reports the outcome of a connection started by StartConnect.
// On success fd is switched back to blocking mode.
func ConnectResult(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("connect: %w", unix.Errno(code))
	}
	// A socket still connecting has no error yet but no peer either.
	if _, err := unix.Getpeername(fd); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fmt.Errorf("set blocking: %w", err)
	}
	return nil
}

func sockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 65535 {
		return nil, 0, fmt.Errorf("invalid port %d", port)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, 0, fmt.Errorf("bind host %q must be a literal address: %w", host, err)
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}, unix.AF_INET, nil
	}
	return &unix.SockaddrInet6{Port: port, Addr: addr.As16()}, unix.AF_INET6, nil
}
