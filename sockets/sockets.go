//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package sockets wraps the raw socket system calls the reactor needs. All
// descriptors it creates are non-blocking and close-on-exec.
package sockets

import (
	"errors"
	"fmt"
	"net"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"
)

// CreateNonblocking opens a non-blocking TCP socket of the given family.
func CreateNonblocking(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// CreateNonblockingOrDie is CreateNonblocking for callers that cannot go on
// without a socket.
func CreateNonblockingOrDie(family int) int {
	return runtimex.PanicOnError1(CreateNonblocking(family))
}

func Bind(fd int, addr *net.TCPAddr) error {
	_, sa, err := TCPAddrToSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

func Listen(fd int) error {
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// GetSocketError returns the pending SO_ERROR of fd, or the getsockopt error.
func GetSocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToTCPAddr(sa), nil
}

func PeerAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToTCPAddr(sa), nil
}

// IsSelfConnect reports whether fd is connected to itself, which happens when
// a client picks the listening port as its ephemeral port.
func IsSelfConnect(fd int) bool {
	local, err := LocalAddr(fd)
	if err != nil || local == nil {
		return false
	}
	peer, err := PeerAddr(fd)
	if err != nil || peer == nil {
		return false
	}
	return local.Port == peer.Port && local.IP.Equal(peer.IP)
}

func SetReuseAddr(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(on))
}

func SetReusePort(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(on))
}

func SetTCPNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}

func SetKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(on))
}

// TemporaryErr reports whether err means "try again later" rather than a
// broken descriptor.
func TemporaryErr(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EAGAIN || errno == unix.EINTR || errno.Temporary()
}

// ResourceExhausted reports whether err is one of the accept(2) errors caused
// by running out of descriptors or kernel memory.
func ResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

func boolInt(on bool) int {
	if on {
		return 1
	}
	return 0
}
