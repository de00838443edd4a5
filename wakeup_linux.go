package neptune

import "golang.org/x/sys/unix"

var wakeupBytes = []byte{1, 0, 0, 0, 0, 0, 0, 0}

func createWakeupFds() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	return fd, fd, err
}

func closeWakeupFds(rfd, wfd int) {
	_ = unix.Close(rfd)
}
