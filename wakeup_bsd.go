//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package neptune

import "golang.org/x/sys/unix"

var wakeupBytes = []byte{1}

func createWakeupFds() (int, int, error) {
	return nonblockingPipe()
}

func closeWakeupFds(rfd, wfd int) {
	_ = unix.Close(rfd)
	_ = unix.Close(wfd)
}

func nonblockingPipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}
