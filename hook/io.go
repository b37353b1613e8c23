package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/jinkezhen/sylar-sub000/ioman"
)

// setNonblocking puts fd into non-blocking mode when hooking is enabled on
// the calling goroutine. Otherwise fd keeps whatever mode it has, so the
// wrapper behaves like the plain syscall.
func setNonblocking(fd int) error {
	if !Enabled() {
		return nil
	}
	return unix.SetNonblock(fd, true)
}

// Read is the hooked equivalent of read(2): when hooking is enabled it
// suspends the calling fiber on EAGAIN instead of blocking the OS thread,
// honouring fd's recv timeout if one was set via SetRecvTimeout.
func Read(fd int, p []byte) (int, error) {
	if err := setNonblocking(fd); err != nil {
		return 0, err
	}
	return doIO(fd, ioman.Read, recvTimeout(fd), func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Recv is an alias for Read; POSIX gives recv(2) the same blocking
// semantics as read(2) for a socket fd with no flags of interest here.
func Recv(fd int, p []byte) (int, error) { return Read(fd, p) }

// Write is the hooked equivalent of write(2).
func Write(fd int, p []byte) (int, error) {
	if err := setNonblocking(fd); err != nil {
		return 0, err
	}
	return doIO(fd, ioman.Write, sendTimeout(fd), func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Send is an alias for Write.
func Send(fd int, p []byte) (int, error) { return Write(fd, p) }

// Accept is the hooked equivalent of accept(2): it suspends the calling
// fiber until a connection is pending, then returns the new fd.
func Accept(fd int) (int, unix.Sockaddr, error) {
	if err := setNonblocking(fd); err != nil {
		return 0, nil, err
	}
	var nfd int
	var sa unix.Sockaddr
	_, err := doIO(fd, ioman.Read, recvTimeout(fd), func() (int, error) {
		n, addr, acceptErr := unix.Accept(fd)
		if acceptErr != nil {
			return 0, acceptErr
		}
		nfd, sa = n, addr
		return n, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return nfd, sa, nil
}

// Connect is the hooked equivalent of connect(2) with no deadline: it
// suspends the calling fiber until the connection completes (successfully
// or not), per §4.5.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectTimeout(fd, sa, 0)
}

// ConnectTimeout is Connect bounded by timeout (0 means no timeout).
func ConnectTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if err := setNonblocking(fd); err != nil {
		return err
	}
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS || !Enabled() {
		return err
	}

	// SO_ERROR reads 0 while the connect is still in progress, so the
	// first attempt reports EAGAIN to make doIO wait for writability
	// before SO_ERROR is inspected.
	waited := false
	_, err = doIO(fd, ioman.Write, timeout, func() (int, error) {
		if !waited {
			waited = true
			return 0, unix.EAGAIN
		}
		soErr, getErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if getErr != nil {
			return 0, getErr
		}
		if soErr != 0 {
			return 0, unix.Errno(soErr)
		}
		return 0, nil
	})
	return err
}

// Close is the hooked equivalent of close(2): it clears fd's registry
// entry (timeouts) and cancels any outstanding event registrations before
// closing, so a waiting fiber is woken rather than left stuck forever.
func Close(mgr *ioman.IOManager, fd int) error {
	if mgr != nil {
		mgr.CancelAll(fd)
	}
	ClearFD(fd)
	return unix.Close(fd)
}
