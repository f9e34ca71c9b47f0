package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/burst"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/session"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

type captureTransmitter struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransmitter) TransmitFrame(fr []byte, mode modem.Mode, copies int, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < copies; i++ {
		c.sent = append(c.sent, append([]byte(nil), fr...))
	}
	return nil
}

func (c *captureTransmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newHarness(t *testing.T) (*Watchdog, *captureTransmitter, *state.Shared, *session.Controller, *burst.IRS) {
	t.Helper()
	tx := &captureTransmitter{}
	gw := txqueue.New(context.Background(), tx)
	t.Cleanup(gw.Close)
	bus := events.NewBus()
	shared := &state.Shared{}
	shared.SetProfile(state.Profile{
		Modes:     []modem.Mode{{Name: "m0", PayloadSize: 20}},
		BurstTime: []time.Duration{20 * time.Millisecond},
	})
	sessCfg := session.DefaultConfig("DB1ABC", modem.Mode{Name: "sig", PayloadSize: 64})
	sessCtrl := session.New(sessCfg, gw, bus, shared)
	irs := burst.NewIRS(burst.IRSConfig{MyCallsign: "DB1ABC"}, gw, bus, shared)

	cfg := DefaultConfig(modem.Mode{Name: "sig", PayloadSize: 64})
	cfg.Tick = 5 * time.Millisecond
	cfg.RxMaxRetriesPerBurst = 3
	cfg.TransmissionTimeout = 50 * time.Millisecond
	cfg.SessionTimeout = 50 * time.Millisecond
	w := New(cfg, bus, shared, sessCtrl, irs)
	return w, tx, shared, sessCtrl, irs
}

func TestBurstWatchdogDecreasesSpeedOnEveryOtherTimeout(t *testing.T) {
	w, tx, shared, _, _ := newHarness(t)
	shared.SetProfile(state.Profile{
		Modes:     []modem.Mode{{Name: "m0", PayloadSize: 20}, {Name: "m1", PayloadSize: 20}},
		BurstTime: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	})
	// Keep the retry limit out of reach so stopTransmission's cleanup
	// (which resets the speed level to the top) doesn't run in this window.
	w.cfg.RxMaxRetriesPerBurst = 50
	shared.SetARQBusy(true)
	shared.TouchDataChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if tx.count() == 0 {
		t.Errorf("expected at least one BURST_NACK_WATCHDOG frame to be sent")
	}
	if shared.SpeedLevel() >= 1 {
		t.Errorf("SpeedLevel() = %d, expected at least one speed-down after repeated timeouts", shared.SpeedLevel())
	}
}

func TestBurstWatchdogStopsTransmissionAfterMaxRetries(t *testing.T) {
	w, _, shared, _, _ := newHarness(t)
	shared.SetARQBusy(true)
	shared.TouchDataChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if shared.ARQBusy() {
		t.Errorf("expected ARQBusy to be cleared after retries exhausted")
	}
}

func TestSessionWatchdogDeclaresTimeoutWhenSilent(t *testing.T) {
	w, tx, _, sessCtrl, _ := newHarness(t)
	hbCh := make(chan struct{}, 1)
	hbCh <- struct{}{}
	if err := sessCtrl.Open(context.Background(), "DB2XYZ", hbCh); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := tx.count()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if sessCtrl.State() != session.Disconnected {
		t.Errorf("State() = %v, want Disconnected after watchdog timeout", sessCtrl.State())
	}
	if tx.count() <= before {
		t.Errorf("expected a CLOSE transmission from the watchdog's DeclareTimeout")
	}
}

func TestDataChannelWatchdogDoesNothingWhenNotBusy(t *testing.T) {
	w, tx, shared, _, _ := newHarness(t)
	shared.SetARQBusy(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if tx.count() != 0 {
		t.Errorf("expected no frames sent while ARQ is idle, got %d", tx.count())
	}
}
