package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/burst"
	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/datachannel"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/heard"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/session"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/station"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

type captureTransmitter struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransmitter) TransmitFrame(fr []byte, mode modem.Mode, copies int, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), fr...))
	return nil
}

func (c *captureTransmitter) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

const testMode = "sig"

func testModeVal() modem.Mode { return modem.Mode{Name: testMode, PayloadSize: 64} }

func newHarness(t *testing.T) (*Dispatcher, *captureTransmitter) {
	t.Helper()
	tx := &captureTransmitter{}
	gw := txqueue.New(context.Background(), tx)
	t.Cleanup(gw.Close)
	bus := events.NewBus()
	shared := &state.Shared{}
	var log heard.Log

	sessCfg := session.DefaultConfig("DB1ABC", testModeVal())
	sess := session.New(sessCfg, gw, bus, shared)

	dcCfg := datachannel.DefaultConfig("DB1ABC", testModeVal(), []modem.Mode{testModeVal()}, []modem.Mode{testModeVal()})
	dc := datachannel.New(dcCfg, gw, bus, shared)

	iss := burst.NewISS(burst.ISSConfig{MyCallsign: "DB1ABC", NPerBurst: 1}, gw, bus, shared)
	irs := burst.NewIRS(burst.IRSConfig{MyCallsign: "DB1ABC"}, gw, bus, shared)

	stCfg := station.Config{MyCallsign: "DB1ABC", MyGrid: "JO31", SignallingMode: testModeVal()}
	st := station.New(stCfg, gw, bus, shared, &log)

	d := New(Config{MyCallsign: "DB1ABC", SignallingMode: testModeVal()}, sess, dc, iss, irs, st)
	return d, tx
}

func mustCRC(t *testing.T, call string) [3]byte {
	t.Helper()
	crc, err := callsign.CRC24(call)
	if err != nil {
		t.Fatalf("CRC24(%q): %v", call, err)
	}
	return crc
}

func TestRouteDropsFrameForOtherStation(t *testing.T) {
	d, _ := newHarness(t)
	otherCRC := mustCRC(t, "DB9ZZZ")
	myCallEnc, _ := callsign.Encode("DB1ABC")
	f := frame.SessionOpen{Type: frame.TypeSessionOpen, DestCRC: otherCRC, SourceCRC: mustCRC(t, "DB2XYZ"), Call: myCallEnc}
	buf, err := f.Encode(testModeVal().PayloadSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.Route(context.Background(), buf, 0); err != nil {
		t.Fatalf("Route: %v", err)
	}
}

func TestRouteCQBypassesDestinationCheck(t *testing.T) {
	d, _ := newHarness(t)
	log := heard.Log{}
	_ = log
	callEnc, _ := callsign.Encode("DB2XYZ")
	f := frame.CallGrid{Type: frame.TypeCQ, Call: callEnc, Grid: [4]byte{'J', 'O', '3', '2'}}
	buf, err := f.Encode(testModeVal().PayloadSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.Route(context.Background(), buf, 5); err != nil {
		t.Fatalf("Route: %v", err)
	}
}

func TestRouteForwardsBurstSignal(t *testing.T) {
	d, _ := newHarness(t)
	ch := make(chan burst.Signal, 1)
	d.SetBurstSignalWait(ch)

	myCRC := mustCRC(t, "DB1ABC")
	ack := frame.AckNack{Type: frame.TypeFrameAck, DestCRC: myCRC, SourceCRC: mustCRC(t, "DB2XYZ"), SNR: 4, Speed: 2}
	buf, err := ack.Encode(testModeVal().PayloadSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.Route(context.Background(), buf, 4); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case sig := <-ch:
		if sig.Kind != burst.SignalFrameAck || sig.Speed != 2 {
			t.Errorf("unexpected signal: %+v", sig)
		}
	default:
		t.Fatal("expected a forwarded burst signal")
	}
}

func TestRouteForwardsSessionHeartbeat(t *testing.T) {
	d, _ := newHarness(t)
	ch := make(chan struct{}, 1)
	d.SetSessionHeartbeatWait(ch)

	myCRC := mustCRC(t, "DB1ABC")
	hb := frame.SessionHeartbeat{DestCRC: myCRC, SourceCRC: mustCRC(t, "DB2XYZ")}
	buf, err := hb.Encode(testModeVal().PayloadSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.Route(context.Background(), buf, 0); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected the heartbeat wait channel to be signalled")
	}
}

func TestRouteStopInvokesHandler(t *testing.T) {
	d, _ := newHarness(t)
	called := false
	d.SetStopHandler(func() { called = true })

	myCRC := mustCRC(t, "DB1ABC")
	myCallEnc, _ := callsign.Encode("DB2XYZ")
	f := frame.SessionOpen{Type: frame.TypeStop, DestCRC: myCRC, SourceCRC: mustCRC(t, "DB2XYZ"), Call: myCallEnc}
	buf, err := f.Encode(testModeVal().PayloadSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := d.Route(context.Background(), buf, 0); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !called {
		t.Error("expected the stop handler to be invoked")
	}
}
