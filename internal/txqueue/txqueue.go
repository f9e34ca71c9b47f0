// Package txqueue implements the Transmit Queue Gateway: the single
// choke point between the ARQ state machines and the modem. Structurally
// it is a single-goroutine fan-in funnel, the same shape as an
// asynchronous frame transmitter — but where that shape is normally used
// for a non-blocking, fire-and-forget send, the gateway's contract is the
// opposite: Enqueue sets a transmitting flag, hands the request to the
// worker, and blocks the caller until the modem reports idle.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
)

// ErrClosed is returned by Enqueue once the gateway has been shut down.
var ErrClosed = errors.New("txqueue: closed")

type request struct {
	frame          []byte
	mode           modem.Mode
	copies         int
	interCopyDelay time.Duration
	done           chan error
}

// Gateway funnels every outbound frame through one worker goroutine so the
// modem, which is half-duplex, never sees concurrent transmit requests.
type Gateway struct {
	mu     sync.Mutex
	tx     modem.Transmitter
	reqs   chan request
	done   chan struct{}
	closed atomic.Bool

	transmitting atomic.Bool
}

// New starts the gateway's worker goroutine. The worker exits when ctx is
// cancelled or Close is called.
func New(ctx context.Context, tx modem.Transmitter) *Gateway {
	g := &Gateway{
		tx:   tx,
		reqs: make(chan request),
		done: make(chan struct{}),
	}
	go g.loop(ctx)
	return g
}

func (g *Gateway) loop(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case req, ok := <-g.reqs:
			if !ok {
				return
			}
			g.transmitting.Store(true)
			err := g.tx.TransmitFrame(req.frame, req.mode, req.copies, req.interCopyDelay)
			g.transmitting.Store(false)
			if typ, terr := frame.PeekType(req.frame); terr == nil {
				metrics.IncFrameTx(typ.String())
			}
			if err != nil {
				metrics.IncError(metrics.ErrGatewayEnqueue)
			}
			req.done <- err
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue hands a frame to the modem and blocks until it has been fully
// transmitted (all copies sent). copies greater than 1 cause the modem to
// re-emit the identical frame that many times with interCopyDelay between
// emissions — used for signalling-frame robustness (ACK/NACK/DISC).
func (g *Gateway) Enqueue(ctx context.Context, frame []byte, mode modem.Mode, copies int, interCopyDelay time.Duration) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if copies < 1 {
		copies = 1
	}
	req := request{frame: frame, mode: mode, copies: copies, interCopyDelay: interCopyDelay, done: make(chan error, 1)}
	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		return ErrClosed
	}
	select {
	case g.reqs <- req:
		g.mu.Unlock()
	case <-ctx.Done():
		g.mu.Unlock()
		return ctx.Err()
	case <-g.done:
		g.mu.Unlock()
		return ErrClosed
	}
	select {
	case err := <-req.done:
		if err != nil {
			return fmt.Errorf("txqueue: transmit: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transmitting reports whether the modem currently has an in-flight
// transmit request (the source's TRANSMITTING flag).
func (g *Gateway) Transmitting() bool { return g.transmitting.Load() }

// Close stops the worker. Safe to call multiple times.
func (g *Gateway) Close() {
	if g.closed.Swap(true) {
		return
	}
	g.mu.Lock()
	close(g.reqs)
	g.mu.Unlock()
	<-g.done
}
