// Package term switches the controlling terminal to raw mode for the
// serial console.
package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	return IsTerminalFd(int(os.Stdin.Fd()))
}

// IsTerminalFd reports whether fd is a terminal.
func IsTerminalFd(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)

	return err == nil
}

// SetRawMode puts stdin into raw mode and returns a function restoring the
// previous mode.
func SetRawMode() (func(), error) {
	return SetRawModeFd(int(os.Stdin.Fd()))
}

// SetRawModeFd is SetRawMode for fd.
func SetRawModeFd(fd int) (func(), error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	// cfmakeraw(3)
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	restore := func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, &old)
	}

	return restore, unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
