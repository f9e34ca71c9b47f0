// Package watchdog implements the single 100ms timer thread described in
// §4.H: it drives the burst watchdog, the data-channel watchdog, and the
// session watchdog off the process-wide shared state and the session
// controller. (The fourth check, the heartbeat producer, lives in
// internal/session — it is its own goroutine, not a poll tick, since §4.D
// specifies a fixed 1s-guard/2s-after cadence rather than a 100ms poll.)
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/burst"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/session"
	"github.com/hfnode/arqtnc/internal/state"
)

// Config carries the §5 default timeout values.
type Config struct {
	Tick                 time.Duration // default 100ms
	RxMaxRetriesPerBurst  int           // default 50 (§4.H check 1)
	TransmissionTimeout  time.Duration // default 360s (§4.H check 2)
	SessionTimeout       time.Duration // default 30s (§4.H check 3)
	SignallingMode       modem.Mode
}

// DefaultConfig returns the §5 defaults.
func DefaultConfig(signalling modem.Mode) Config {
	return Config{
		Tick:                100 * time.Millisecond,
		RxMaxRetriesPerBurst: 50,
		TransmissionTimeout:  360 * time.Second,
		SessionTimeout:       30 * time.Second,
		SignallingMode:       signalling,
	}
}

// Watchdog drives the three poll-based §4.H checks from a single ticker.
type Watchdog struct {
	cfg     Config
	bus     *events.Bus
	state   *state.Shared
	sess    *session.Controller
	irs     *burst.IRS

	mu                sync.Mutex
	burstTimeoutCount int
}

// New constructs a Watchdog.
func New(cfg Config, bus *events.Bus, shared *state.Shared, sess *session.Controller, irs *burst.IRS) *Watchdog {
	return &Watchdog{cfg: cfg, bus: bus, state: shared, sess: sess, irs: irs}
}

// ResetBurstRetries clears the cumulative burst-watchdog-timeout counter.
// Called by the engine's cleanup and by checkBurst once the retry limit is
// reached, so one channel's near-misses don't count against the next.
func (w *Watchdog) ResetBurstRetries() {
	w.mu.Lock()
	w.burstTimeoutCount = 0
	w.mu.Unlock()
}

// Run blocks, ticking every cfg.Tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	tick := w.cfg.Tick
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkBurst(ctx)
			w.checkDataChannel(ctx)
			w.checkSession(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkBurst is §4.H check 1: IRS-only, only while ARQ-busy.
func (w *Watchdog) checkBurst(ctx context.Context) {
	if !w.state.ARQBusy() || w.state.Role() == state.RoleISS {
		return
	}
	last := w.state.DataChannelLastReceived()
	if last.IsZero() {
		return
	}
	timeout := w.state.CurrentBurstTimeout()
	if timeout <= 0 || time.Since(last) <= timeout {
		return
	}

	w.mu.Lock()
	w.burstTimeoutCount++
	count := w.burstTimeoutCount
	w.mu.Unlock()
	metrics.IncBurstRetry()

	if count%2 == 0 {
		w.state.SpeedDown()
		metrics.IncSpeedChange()
		metrics.SetSpeedLevelGauge(w.state.SpeedLevel())
	}
	_ = w.irs.SendBurstNackWatchdog(ctx, w.cfg.SignallingMode)
	w.state.TouchDataChannel()

	limit := w.cfg.RxMaxRetriesPerBurst
	if limit <= 0 {
		limit = 50
	}
	if count >= limit {
		w.stopTransmission(dxcallOf(w.irs), "burst watchdog retries exhausted")
		w.ResetBurstRetries()
	}
}

// checkDataChannel is §4.H check 2.
func (w *Watchdog) checkDataChannel(ctx context.Context) {
	_ = ctx
	if !w.state.ARQBusy() {
		return
	}
	last := w.state.DataChannelLastReceived()
	if last.IsZero() || time.Since(last) <= w.cfg.TransmissionTimeout {
		return
	}
	w.stopTransmission(dxcallOf(w.irs), "transmission timeout")
}

// checkSession is §4.H check 3.
func (w *Watchdog) checkSession(ctx context.Context) {
	if w.sess.State() != session.Connected || w.state.FileTransferActive() {
		return
	}
	if time.Since(w.sess.LastReceived()) <= w.cfg.SessionTimeout {
		return
	}
	_ = w.sess.DeclareTimeout(ctx)
}

func (w *Watchdog) stopTransmission(dxcall, reason string) {
	ev := events.New(events.CategoryTransmissionFailed)
	ev.DXCallsign = dxcall
	ev.Reason = reason
	ev.Timestamp = time.Now()
	w.bus.Publish(ev)
	w.irs.Reset()
	w.state.Cleanup()
}

func dxcallOf(irs *burst.IRS) string {
	dxcall, _ := irs.Peer()
	return dxcall
}
