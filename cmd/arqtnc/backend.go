package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hfnode/arqtnc/internal/engine"
	"github.com/hfnode/arqtnc/internal/modem"
)

// initBackend selects the modem backend, starts its RX loop feeding e,
// and returns a modem.Transmitter plus a cleanup function. The modem/DSP
// layer itself is an external collaborator (spec.md §1); what lives here
// is only the physical transport to it.
func initBackend(ctx context.Context, cfg *appConfig, e *engine.Engine, l *slog.Logger, wg *sync.WaitGroup) (modem.Transmitter, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, e, l, wg)
	case "null":
		return initNullBackend(cfg, l)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|null)", cfg.backend)
	}
}
