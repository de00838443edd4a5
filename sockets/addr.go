//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package sockets

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrUnsupportedAddr = errors.New("sockets: unsupported address")

// SockaddrToTCPAddr converts a raw socket address to a *net.TCPAddr. It
// returns nil for families other than AF_INET and AF_INET6.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{
			IP:   append(net.IP{}, sa.Addr[:]...),
			Port: sa.Port,
		}
	case *unix.SockaddrInet6:
		var zone string
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{
			IP:   append(net.IP{}, sa.Addr[:]...),
			Port: sa.Port,
			Zone: zone,
		}
	}
	return nil
}

// TCPAddrToSockaddr returns the address family and raw socket address for addr.
func TCPAddrToSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr == nil {
		return 0, nil, ErrUnsupportedAddr
	}
	if ip4 := addr.IP.To4(); ip4 != nil || len(addr.IP) == 0 {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
}

// ParseListenerAddr splits an optional "network://" prefix off addr. The
// network defaults to tcp.
func ParseListenerAddr(addr string) (network, address string) {
	network = "tcp"
	address = addr
	if i := strings.Index(address, "://"); i >= 0 {
		network = address[:i]
		address = address[i+3:]
	}
	return
}

// ResolveListenAddr resolves a listener address string to a *net.TCPAddr.
func ResolveListenAddr(addr string) (*net.TCPAddr, error) {
	network, address := ParseListenerAddr(addr)
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnsupportedAddr, network)
	}
	return net.ResolveTCPAddr(network, address)
}
