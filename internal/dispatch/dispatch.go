// Package dispatch implements the frame classifier and router (§4.I):
// given one decoded inbound frame, it checks the destination callsign
// (unless the frame type is one of the four broadcast-style exceptions)
// and hands it to whichever controller owns that frame type.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/hfnode/arqtnc/internal/burst"
	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/datachannel"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/session"
	"github.com/hfnode/arqtnc/internal/station"
)

// Config names the signalling mode used for frames that don't carry
// their own mode information (none of them do; the carrier mode is a
// demodulator-side concern out of this package's scope, but handlers
// that must reply need a mode to reply on).
type Config struct {
	MyCallsign     string
	SignallingMode modem.Mode
}

// Dispatcher owns no protocol state itself; it routes to the controllers
// that do, plus the handful of oneshot wait channels a controller's
// blocking call (Open, Send) is currently listening on.
type Dispatcher struct {
	cfg     Config
	session *session.Controller
	dc      *datachannel.Controller
	iss     *burst.ISS
	irs     *burst.IRS
	stationH *station.Station

	mu                   sync.Mutex
	sessionHeartbeatWait chan struct{}
	dcResponseWait       chan frame.DCOpenAck
	burstSignalWait      chan burst.Signal
	onStop               func()
}

// New constructs a Dispatcher wired to every protocol controller.
func New(cfg Config, sess *session.Controller, dc *datachannel.Controller, iss *burst.ISS, irs *burst.IRS, st *station.Station) *Dispatcher {
	return &Dispatcher{cfg: cfg, session: sess, dc: dc, iss: iss, irs: irs, stationH: st}
}

// SetSessionHeartbeatWait installs (or clears, with nil) the channel the
// session controller's in-flight Open call is waiting on.
func (d *Dispatcher) SetSessionHeartbeatWait(ch chan struct{}) {
	d.mu.Lock()
	d.sessionHeartbeatWait = ch
	d.mu.Unlock()
}

// SetDCResponseWait installs (or clears) the channel the data channel
// controller's in-flight Open call is waiting on.
func (d *Dispatcher) SetDCResponseWait(ch chan frame.DCOpenAck) {
	d.mu.Lock()
	d.dcResponseWait = ch
	d.mu.Unlock()
}

// SetBurstSignalWait installs (or clears) the channel the ISS's in-flight
// Send call is waiting on.
func (d *Dispatcher) SetBurstSignalWait(ch chan burst.Signal) {
	d.mu.Lock()
	d.burstSignalWait = ch
	d.mu.Unlock()
}

// SetStopHandler installs the callback for a remote STOP(249) frame
// (engine wires this to its own teardown).
func (d *Dispatcher) SetStopHandler(f func()) {
	d.mu.Lock()
	d.onStop = f
	d.mu.Unlock()
}

// Route classifies raw by its first byte and dispatches it, per §4.I.
// snr is the demodulator's estimate for this frame, already obtained by
// the caller (out of this package's scope: modem integration).
func (d *Dispatcher) Route(ctx context.Context, raw []byte, snr int8) error {
	typ, err := frame.PeekType(raw)
	if err != nil {
		metrics.IncMalformed()
		return err
	}
	metrics.IncFrameRx(typ.String())

	if !d.destinationMatches(typ, raw) {
		return nil // misdirected, silently dropped per §7
	}

	switch {
	case frame.IsDataType(typ):
		data, err := frame.DecodeData(raw)
		if err != nil {
			return err
		}
		return d.irs.HandleData(ctx, data, snr, d.cfg.SignallingMode)

	case typ == frame.TypeBurstAck, typ == frame.TypeFrameAck, typ == frame.TypeBurstNack, typ == frame.TypeBurstNackWatchdog:
		ack, err := frame.DecodeAckNack(raw)
		if err != nil {
			return err
		}
		return d.forwardBurstSignal(ackToSignal(typ, ack))

	case typ == frame.TypeRptReq:
		rpt, err := frame.DecodeRptReq(raw)
		if err != nil {
			return err
		}
		return d.forwardBurstSignal(burst.Signal{Kind: burst.SignalRptReq, Missing: rpt.Missing})

	case typ == frame.TypeCQ:
		cg, err := frame.DecodeCallGrid(raw)
		if err != nil {
			return err
		}
		d.stationH.HandleCQ(cg, snr)
		return nil

	case typ == frame.TypeQRV:
		cg, err := frame.DecodeCallGrid(raw)
		if err != nil {
			return err
		}
		d.stationH.HandleQRV(cg, snr)
		return nil

	case typ == frame.TypePing:
		p, err := frame.DecodePingFrame(raw)
		if err != nil {
			return err
		}
		return d.stationH.HandleReceivedPing(ctx, p, snr)

	case typ == frame.TypePingAck:
		ack, err := frame.DecodePingAck(raw)
		if err != nil {
			return err
		}
		d.stationH.HandlePingAck(ack, snr)
		return nil

	case typ == frame.TypeSessionOpen:
		so, err := frame.DecodeSessionOpen(raw)
		if err != nil {
			return err
		}
		return d.session.HandleOpen(ctx, so)

	case typ == frame.TypeSessionHeartbeat:
		hb, err := frame.DecodeSessionHeartbeat(raw)
		if err != nil {
			return err
		}
		d.signalSessionHeartbeat()
		return d.session.HandleHeartbeat(ctx, hb)

	case typ == frame.TypeSessionClose:
		so, err := frame.DecodeSessionOpen(raw)
		if err != nil {
			return err
		}
		return d.session.HandleClose(ctx, so)

	case typ == frame.TypeDCOpenHi, typ == frame.TypeDCOpenLo, frame.IsManualDCOpen(typ):
		req, err := frame.DecodeDCOpen(raw)
		if err != nil {
			return err
		}
		if err := d.dc.HandleOpen(ctx, req); err != nil {
			return err
		}
		d.irs.SetPeer(d.dc.DXCallsign(), req.SourceCRC)
		return nil

	case typ == frame.TypeDCOpenHiAck, typ == frame.TypeDCOpenLoAck:
		ack, err := frame.DecodeDCOpenAck(raw)
		if err != nil {
			return err
		}
		d.forwardDCResponse(ack)
		return nil

	case typ == frame.TypeStop:
		d.mu.Lock()
		stop := d.onStop
		d.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil

	case typ == frame.TypeBeacon:
		bc, err := frame.DecodeBeacon(raw)
		if err != nil {
			return err
		}
		d.stationH.HandleBeacon(bc, snr)
		return nil

	case typ == frame.TypeTestframe:
		return nil

	default:
		return fmt.Errorf("dispatch: unrecognised frame type %d", typ)
	}
}

// destinationMatches implements §4.I's broadcast exceptions (200, 201,
// 210, 250 bypass the check) and the dual-offset destination match the
// source uses: signalling frames carry the destination CRC at byte
// offset [1:4], DATA frames at [2:5] (one byte later, to make room for
// n_per_burst). The match is callsign.Check against MyCallsign exactly,
// SSID included; frames addressed to another SSID of the same base call
// do not match and are dropped.
func (d *Dispatcher) destinationMatches(typ frame.Type, raw []byte) bool {
	switch typ {
	case frame.TypeCQ, frame.TypeQRV, frame.TypePing, frame.TypeBeacon:
		return true
	}
	if len(raw) >= 4 && callsign.Check(d.cfg.MyCallsign, raw[1:4]) {
		return true
	}
	if len(raw) >= 5 && callsign.Check(d.cfg.MyCallsign, raw[2:5]) {
		return true
	}
	return false
}

func (d *Dispatcher) signalSessionHeartbeat() {
	d.mu.Lock()
	ch := d.sessionHeartbeatWait
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) forwardDCResponse(ack frame.DCOpenAck) {
	d.mu.Lock()
	ch := d.dcResponseWait
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (d *Dispatcher) forwardBurstSignal(sig burst.Signal) error {
	d.mu.Lock()
	ch := d.burstSignalWait
	d.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- sig:
	default:
	}
	return nil
}

func ackToSignal(typ frame.Type, ack frame.AckNack) burst.Signal {
	kind := burst.SignalBurstAck
	switch typ {
	case frame.TypeFrameAck:
		kind = burst.SignalFrameAck
	case frame.TypeBurstNack, frame.TypeBurstNackWatchdog:
		kind = burst.SignalBurstNack
	}
	return burst.Signal{Kind: kind, SNR: ack.SNR, Speed: ack.Speed}
}
