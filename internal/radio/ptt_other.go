//go:build !linux

package radio

import "errors"

// ErrUnsupported is returned by setRTS on platforms where the RTS ioctl
// pair isn't available.
var ErrUnsupported = errors.New("radio: RTS keying unsupported on this platform")

func openRTSHandle(device string) (int, error) { return -1, nil }

func closeRTSHandle(fd int) {}

func setRTS(fd int, on bool) error { return ErrUnsupported }
