package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/modem"
)

// loopbackTransmitter delivers every transmitted frame straight to a
// peer Engine's Deliver, repeating it `copies` times with the requested
// inter-copy delay — the same contract a real modem.Transmitter honours,
// minus the airtime.
type loopbackTransmitter struct {
	target *Engine
	snr    int8
}

func (l *loopbackTransmitter) TransmitFrame(fr []byte, mode modem.Mode, copies int, delay time.Duration) error {
	if copies < 1 {
		copies = 1
	}
	for i := 0; i < copies; i++ {
		cp := append([]byte(nil), fr...)
		l.target.Deliver(cp, l.snr)
		if i < copies-1 && delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

func testMode() modem.Mode { return modem.Mode{Name: "data1", PayloadSize: 64} }

func newTestPair(t *testing.T) (a, b *Engine) {
	t.Helper()
	txA := &loopbackTransmitter{snr: 6}
	txB := &loopbackTransmitter{snr: 6}

	modes := []modem.Mode{testMode()}
	cfgA := DefaultConfig("DB1AAA", "JO31", testMode(), modes, modes)
	cfgB := DefaultConfig("DB2BBB", "JO32", testMode(), modes, modes)
	cfgA.Session.ConnectRetryTimeout = 200 * time.Millisecond
	cfgB.Session.ConnectRetryTimeout = 200 * time.Millisecond
	cfgA.DataChannel.RetryTimeout = 200 * time.Millisecond
	cfgB.DataChannel.RetryTimeout = 200 * time.Millisecond
	cfgA.BeaconInterval = time.Hour
	cfgB.BeaconInterval = time.Hour

	a = New(cfgA, txA)
	b = New(cfgB, txB)
	txA.target = b
	txB.target = a

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start B: %v", err)
	}
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)
	return a, b
}

func waitFor(t *testing.T, sub *events.Subscriber, cat events.Category, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Out:
			if ev.Category == cat {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event category %q", cat)
		}
	}
}

func TestConnectAndTransferEndToEnd(t *testing.T) {
	a, b := newTestPair(t)
	subA := a.Events()
	subB := b.Events()

	a.Submit(events.Command{Kind: events.CommandConnect, DXCall: "DB2BBB"})
	waitFor(t, subA, events.CategorySessionConnected, 2*time.Second)
	waitFor(t, subB, events.CategorySessionConnected, 2*time.Second)

	payload := []byte("hello over the air")
	a.Submit(events.Command{Kind: events.CommandArqRaw, DXCall: "DB2BBB", Payload: payload, UUID: "xyz"})

	ev := waitFor(t, subB, events.CategoryTransmissionReceived, 5*time.Second)
	if string(ev.Payload) != string(payload) {
		t.Errorf("received payload = %q, want %q", ev.Payload, payload)
	}

	waitFor(t, subA, events.CategoryTransmissionTransmitted, 5*time.Second)
}

func TestCQCommandTransmitsAndIsHeard(t *testing.T) {
	a, b := newTestPair(t)
	subB := b.Events()

	a.Submit(events.Command{Kind: events.CommandCQ})
	waitFor(t, subB, events.CategoryCQ, 2*time.Second)

	heard := b.Heard()
	if len(heard) != 1 || heard[0].Callsign != "DB1AAA" {
		t.Errorf("expected DB1AAA to be heard, got %+v", heard)
	}
}

func TestStopCommandRunsCleanup(t *testing.T) {
	a, _ := newTestPair(t)
	sub := a.Events()

	a.Submit(events.Command{Kind: events.CommandStop})
	waitFor(t, sub, events.CategoryTransmissionStopped, 2*time.Second)

	if a.state.ARQBusy() {
		t.Error("expected ARQ busy to be cleared after STOP")
	}
}
