// Package radio is the peripheral serial-line PTT keying shim the engine
// talks to through the (out-of-scope, per §1) radio-I/O collaborator
// interface. It toggles the serial port's RTS line high for transmit and
// low for receive — the common way ham radio software keys a transceiver
// through a simple interface cable, independent of the modem/DSP layer
// that actually decides when to key.
package radio

import (
	"fmt"
	"time"

	serialport "github.com/hfnode/arqtnc/internal/serial"
)

// PTT keys and unkeys the transmitter. Key(true) must return only once
// the line state change has taken effect.
type PTT interface {
	Key(on bool) error
	Close() error
}

// SerialPTT keys PTT by toggling RTS on a serial device. tarm/serial's
// Port doesn't expose the underlying fd, so RTS is driven through a
// second, raw open of the same device path, an explicit-fd style borrowed
// from the teacher's CAN device handling, while port carries whatever
// data traffic the interface cable also needs.
type SerialPTT struct {
	port serialport.Port
	fd   int
}

// OpenSerialPTT opens device at baud and returns a PTT that keys it via
// RTS. The port is opened with a short read timeout since this shim
// never reads from it.
func OpenSerialPTT(device string, baud int) (*SerialPTT, error) {
	port, err := serialport.Open(device, baud, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", device, err)
	}
	fd, err := openRTSHandle(device)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("radio: open %s for RTS control: %w", device, err)
	}
	return &SerialPTT{port: port, fd: fd}, nil
}

// Key asserts or clears RTS. The ioctl itself is platform-specific and
// lives in ptt_linux.go / ptt_other.go.
func (p *SerialPTT) Key(on bool) error {
	return setRTS(p.fd, on)
}

// Close releases the underlying serial port and RTS handle.
func (p *SerialPTT) Close() error {
	closeRTSHandle(p.fd)
	return p.port.Close()
}

// NullPTT is a no-op PTT for bench testing without a radio attached.
type NullPTT struct{}

func (NullPTT) Key(on bool) error { return nil }
func (NullPTT) Close() error      { return nil }
