//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

const pollRdHup = 0
