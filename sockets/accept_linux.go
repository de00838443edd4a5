package sockets

import "golang.org/x/sys/unix"

// Accept accepts one pending connection on a listening socket. The returned
// descriptor is non-blocking and close-on-exec.
func Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
