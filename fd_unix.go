//go:build linux

package fiberpool

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD performs a single non-blocking read attempt.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD performs a single non-blocking write attempt.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// setNonblock toggles O_NONBLOCK on fd, used by the hook layer's fcntl
// interception to ensure every fd driven through the hook
// surface is non-blocking at the OS level, regardless of what flags the
// caller requested.
func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}
