package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/engine"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/radio"
	serialport "github.com/hfnode/arqtnc/internal/serial"
)

const (
	serialReadBufSize = 4096
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests.
var openSerialPort = serialport.Open

// serialTransmitter keys PTT (if configured) and writes one already-
// encoded frame per TransmitFrame call straight to the serial link. It
// assumes the link preserves frame boundaries (a packet-oriented
// interface to an external modem daemon) since demodulator-side framing
// is out of scope per spec.md §1 — an HDLC/KISS-style byte-stuffing
// layer would belong to that external modem, not this shim.
type serialTransmitter struct {
	port serialport.Port
	ptt  radio.PTT
	l    *slog.Logger
}

func (s *serialTransmitter) TransmitFrame(fr []byte, mode modem.Mode, copies int, interCopyDelay time.Duration) error {
	if copies < 1 {
		copies = 1
	}
	if s.ptt != nil {
		if err := s.ptt.Key(true); err != nil {
			metrics.IncError(metrics.ErrPTT)
			return fmt.Errorf("ptt key on: %w", err)
		}
		defer func() {
			if err := s.ptt.Key(false); err != nil {
				metrics.IncError(metrics.ErrPTT)
				s.l.Warn("ptt_key_off_failed", "error", err)
			}
		}()
	}
	for i := 0; i < copies; i++ {
		if _, err := s.port.Write(fr); err != nil {
			metrics.IncError(metrics.ErrSerialWrite)
			return fmt.Errorf("serial write: %w", err)
		}
		if i < copies-1 && interCopyDelay > 0 {
			time.Sleep(interCopyDelay)
		}
	}
	return nil
}

// initSerialBackend opens the serial link (and, if configured, a
// separate PTT keying device) and starts the RX loop feeding decoded
// frames to e.Deliver. The demodulator's SNR estimate is an external
// collaborator concern (spec.md §1); this backend reports 0 since it has
// no SNR source of its own.
func initSerialBackend(ctx context.Context, cfg *appConfig, e *engine.Engine, l *slog.Logger, wg *sync.WaitGroup) (modem.Transmitter, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, 50*time.Millisecond)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)

	var ptt radio.PTT
	if cfg.pttDevice != "" {
		p, err := radio.OpenSerialPTT(cfg.pttDevice, cfg.pttBaud)
		if err != nil {
			sp.Close()
			return nil, func() {}, fmt.Errorf("open ptt: %w", err)
		}
		l.Info("ptt_open", "device", cfg.pttDevice, "baud", cfg.pttBaud)
		ptt = p
	} else {
		ptt = radio.NullPTT{}
	}

	tx := &serialTransmitter{port: sp, ptt: ptt, l: l}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				frame := append([]byte(nil), buf[:n]...)
				e.Deliver(frame, 0)
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()

	cleanup := func() {
		sp.Close()
		ptt.Close()
	}
	return tx, cleanup, nil
}
