// Package modem names the external collaborator boundary between the ARQ
// engine and the DSP/modem layer. The engine consumes decoded frames and
// emits frames to transmit at a named mode; modulation, demodulation, and
// SNR estimation live entirely on the other side of this interface.
package modem

import "time"

// Mode names one modem waveform: a fixed per-frame payload size and a
// burst timeout. The engine does not read BurstTimeout; the watchdog and
// the ISS take their per-speed-level timeouts from the negotiated
// state.Profile's BurstTime list.
type Mode struct {
	Name          string
	PayloadSize   int
	BurstTimeout  time.Duration
}

// Transmitter is the modem-facing side of the Transmit Queue Gateway: it
// accepts one already-encoded frame and is responsible for keying the
// transmitter, sending it copies times with interCopyDelay between
// repeats, and reporting completion. TransmitFrame must block until the
// modem has finished sending all copies.
type Transmitter interface {
	TransmitFrame(frame []byte, mode Mode, copies int, interCopyDelay time.Duration) error
}

// SNRSource reports the modem's most recent SNR estimate, in dB. The
// engine does not use it: the SNR stamped on ACK/NACK frames and recorded
// in the heard-stations log is the per-frame value passed to
// Engine.Deliver.
type SNRSource interface {
	SNR() int8
}

// ListeningModes lets a caller tell the modem which demodulator modes to
// keep active. The engine never calls SetListening: neither its cleanup
// nor a data channel open changes the modem's listening modes.
type ListeningModes interface {
	SetListening(modes []Mode)
}
