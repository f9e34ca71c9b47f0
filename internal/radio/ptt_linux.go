//go:build linux

package radio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// openRTSHandle opens device for the raw ioctl calls RTS control needs,
// separate from the tarm/serial handle used for data.
func openRTSHandle(device string) (int, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func closeRTSHandle(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

// setRTS asserts or clears the RTS modem control line via TIOCMBIS /
// TIOCMBIC.
func setRTS(fd int, on bool) error {
	bits := unix.TIOCM_RTS
	if on {
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bits); err != nil {
			return fmt.Errorf("radio: assert RTS: %w", err)
		}
		return nil
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, bits); err != nil {
		return fmt.Errorf("radio: clear RTS: %w", err)
	}
	return nil
}
