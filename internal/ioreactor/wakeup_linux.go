//go:build linux

package ioreactor

import (
	"golang.org/x/sys/unix"
)

// WakeFd is an eventfd used to interrupt a blocked epoll_wait: registering it
// for EventRead and writing to it from another goroutine forces PollIO to
// return immediately, the same trick the source uses with a self-pipe.
type WakeFd struct {
	fd int
}

// NewWakeFd creates a non-blocking, close-on-exec eventfd.
func NewWakeFd() (*WakeFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &WakeFd{fd: fd}, nil
}

// FD returns the underlying file descriptor, for registration with a
// FastPoller.
func (w *WakeFd) FD() int { return w.fd }

// Wake writes to the eventfd, waking anyone blocked in epoll_wait on it.
func (w *WakeFd) Wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := writeFD(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Drain reads and discards all pending wake notifications, re-arming the
// eventfd for edge-triggered delivery.
func (w *WakeFd) Drain() error {
	var buf [8]byte
	for {
		_, err := readFD(w.fd, buf[:])
		if err != nil {
			break
		}
	}
	return nil
}

// Close closes the eventfd.
func (w *WakeFd) Close() error {
	return closeFD(w.fd)
}
