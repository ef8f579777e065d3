//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// OpenSerial opens a serial device in raw 8N1 mode at the given baud rate and
// returns it as an FdTransport reading and writing the same descriptor.
func OpenSerial(path string, baud int) (*FdTransport, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, &OpError{Op: "open", Err: fmt.Errorf("unsupported baud rate %d", baud)}
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &OpError{Op: "open", Err: err}
	}
	fd := int(f.Fd())

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = f.Close()
		return nil, &OpError{Op: "open", Err: fmt.Errorf("%s: get termios: %w", path, err)}
	}
	makeRaw(tio)
	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= speed
	tio.Ispeed = speed
	tio.Ospeed = speed
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		_ = f.Close()
		return nil, &OpError{Op: "open", Err: fmt.Errorf("%s: set termios: %w", path, err)}
	}
	// Discard anything buffered from before the port was configured.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return NewFdTransport(f, f)
}

// makeRaw mirrors cfmakeraw(3).
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
