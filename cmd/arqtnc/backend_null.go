package main

import (
	"log/slog"
	"time"

	"github.com/hfnode/arqtnc/internal/modem"
)

// nullTransmitter discards every frame; used for bench-testing the
// engine's command/event surface without a radio attached.
type nullTransmitter struct {
	l *slog.Logger
}

func (n *nullTransmitter) TransmitFrame(fr []byte, mode modem.Mode, copies int, interCopyDelay time.Duration) error {
	n.l.Debug("null_transmit", "bytes", len(fr), "mode", mode.Name, "copies", copies)
	return nil
}

func initNullBackend(cfg *appConfig, l *slog.Logger) (modem.Transmitter, func(), error) {
	l.Warn("backend_null_active", "msg", "no radio attached; transmitted frames are discarded")
	return &nullTransmitter{l: l}, func() {}, nil
}
