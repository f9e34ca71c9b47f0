// Package station implements the CQ/QRV/PING/PING-ACK handlers and the
// beacon activity (§4 supplemented features): the small, session-less
// exchanges that don't go through the session or data-channel
// controllers.
package station

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/heard"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

// Config carries the station activity's fixed parameters.
type Config struct {
	MyCallsign     string
	MyGrid         string
	SignallingMode modem.Mode
	BeaconInterval time.Duration
}

// Station owns CQ/QRV/ping and beacon handling.
type Station struct {
	cfg   Config
	tx    *txqueue.Gateway
	bus   *events.Bus
	state *state.Shared
	log   *heard.Log

	mu         sync.Mutex
	beaconStop context.CancelFunc
	pending    map[[3]byte]string // dxcrc of an outstanding ping -> dxcall, set by TransmitPing
}

// New constructs a Station.
func New(cfg Config, tx *txqueue.Gateway, bus *events.Bus, shared *state.Shared, log *heard.Log) *Station {
	return &Station{cfg: cfg, tx: tx, bus: bus, state: shared, log: log}
}

// TransmitCQ sends a CQ(200) frame.
func (s *Station) TransmitCQ(ctx context.Context) error {
	s.bus.Publish(events.New(events.CategoryCQ))
	return s.sendCallGrid(ctx, frame.TypeCQ)
}

// TransmitQRV sends a QRV(201) frame after a short randomized delay
// (0-2s in 0.5s steps), so that several stations answering the same CQ
// don't collide on the air.
func (s *Station) TransmitQRV(ctx context.Context) error {
	delay := time.Duration(rand.Intn(5)) * 500 * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.bus.Publish(events.New(events.CategoryQRV))
	return s.sendCallGrid(ctx, frame.TypeQRV)
}

func (s *Station) sendCallGrid(ctx context.Context, typ frame.Type) error {
	callEnc, err := callsign.Encode(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("station: %w", err)
	}
	cg := frame.CallGrid{Type: typ, Call: callEnc, Grid: encodeGrid(s.cfg.MyGrid)}
	buf, err := cg.Encode(s.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("station: encode: %w", err)
	}
	return s.tx.Enqueue(ctx, buf, s.cfg.SignallingMode, 1, 0)
}

// HandleCQ processes an inbound CQ(200): records the heard station and
// publishes the received event.
func (s *Station) HandleCQ(f frame.CallGrid, snr int8) {
	dxcall := callsign.Decode(f.Call[:])
	grid := decodeGrid(f.Grid)
	s.log.Record(dxcall, grid, "CQ", snr, 0, 0)
	ev := events.New(events.CategoryCQ)
	ev.MyCallsign = s.cfg.MyCallsign
	ev.DXCallsign = dxcall
	ev.Grid = grid
	ev.SNR = snr
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

// HandleQRV processes an inbound QRV(201), mirroring HandleCQ.
func (s *Station) HandleQRV(f frame.CallGrid, snr int8) {
	dxcall := callsign.Decode(f.Call[:])
	grid := decodeGrid(f.Grid)
	s.log.Record(dxcall, grid, "QRV", snr, 0, 0)
	ev := events.New(events.CategoryQRV)
	ev.MyCallsign = s.cfg.MyCallsign
	ev.DXCallsign = dxcall
	ev.Grid = grid
	ev.SNR = snr
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

// TransmitPing sends a PING(210) frame to dxcall.
func (s *Station) TransmitPing(ctx context.Context, dxcall string) error {
	dxCRC, err := callsign.CRC24(dxcall)
	if err != nil {
		return fmt.Errorf("station: ping: %w", err)
	}
	myCRC, err := callsign.CRC24(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("station: ping: %w", err)
	}
	callEnc, err := callsign.Encode(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("station: ping: %w", err)
	}
	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[[3]byte]string)
	}
	s.pending[dxCRC] = dxcall
	s.mu.Unlock()

	s.bus.Publish(withCallsigns(events.New(events.CategoryPingTransmitting), s.cfg.MyCallsign, dxcall))
	p := frame.PingFrame{DestCRC: dxCRC, SourceCRC: myCRC, Call: callEnc}
	buf, err := p.Encode(s.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("station: encode ping: %w", err)
	}
	return s.tx.Enqueue(ctx, buf, s.cfg.SignallingMode, 1, 0)
}

// HandleReceivedPing processes an inbound PING(210), recording the heard
// station and replying with a PING_ACK(211) carrying our grid.
func (s *Station) HandleReceivedPing(ctx context.Context, f frame.PingFrame, snr int8) error {
	dxcall := callsign.Decode(f.Call[:])
	s.log.Record(dxcall, "", "PING", snr, 0, 0)
	ev := withCallsigns(events.New(events.CategoryPingReceived), s.cfg.MyCallsign, dxcall)
	ev.SNR = snr
	s.bus.Publish(ev)

	myCRC, err := callsign.CRC24(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("station: ping ack: %w", err)
	}
	ack := frame.PingAck{DestCRC: f.SourceCRC, SourceCRC: myCRC, Grid: encodeGrid6(s.cfg.MyGrid)}
	buf, err := ack.Encode(s.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("station: encode ping ack: %w", err)
	}
	return s.tx.Enqueue(ctx, buf, s.cfg.SignallingMode, 1, 0)
}

// HandlePingAck processes an inbound PING_ACK(211). The far station's
// callsign isn't carried on the wire, so it is resolved against the
// pending map TransmitPing populated when the ping went out.
func (s *Station) HandlePingAck(f frame.PingAck, snr int8) {
	s.mu.Lock()
	dxcall, ok := s.pending[f.SourceCRC]
	if ok {
		delete(s.pending, f.SourceCRC)
	}
	s.mu.Unlock()
	if !ok {
		dxcall = fmt.Sprintf("%x", f.SourceCRC)
	}
	grid := decodeGrid6(f.Grid)
	s.log.Record(dxcall, grid, "PING-ACK", snr, 0, 0)
	ev := withCallsigns(events.New(events.CategoryPingAcknowledge), s.cfg.MyCallsign, dxcall)
	ev.Grid = grid
	ev.SNR = snr
	s.bus.Publish(ev)
}

// StartBeacon runs the periodic beacon activity (§4 supplemented
// features): every BeaconInterval, transmit a BEACON(250) frame unless
// the shared state says a session or transfer is in progress. Returns a
// stop function.
func (s *Station) StartBeacon(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.beaconStop = cancel
	s.mu.Unlock()
	interval := s.cfg.BeaconInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.state.BeaconPaused() && !s.state.ARQBusy() && !s.state.SessionActive() {
					_ = s.transmitBeacon(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

func (s *Station) transmitBeacon(ctx context.Context) error {
	callEnc, err := callsign.Encode(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("station: beacon: %w", err)
	}
	b := frame.Beacon{Call: callEnc, Grid: encodeGrid(s.cfg.MyGrid)}
	buf, err := b.Encode(s.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("station: encode beacon: %w", err)
	}
	s.bus.Publish(events.New(events.CategoryBeacon))
	return s.tx.Enqueue(ctx, buf, s.cfg.SignallingMode, 1, 0)
}

// HandleBeacon processes an inbound BEACON(250).
func (s *Station) HandleBeacon(f frame.Beacon, snr int8) {
	dxcall := callsign.Decode(f.Call[:])
	grid := decodeGrid(f.Grid)
	s.log.Record(dxcall, grid, "BEACON", snr, 0, 0)
	ev := events.New(events.CategoryBeacon)
	ev.MyCallsign = s.cfg.MyCallsign
	ev.DXCallsign = dxcall
	ev.Grid = grid
	ev.SNR = snr
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

func withCallsigns(ev events.Event, mycall, dxcall string) events.Event {
	ev.MyCallsign = mycall
	ev.DXCallsign = dxcall
	ev.Timestamp = time.Now()
	return ev
}

// encodeGrid/decodeGrid pack/unpack a 4-character Maidenhead grid square
// into the 4-byte CQ/QRV/BEACON grid field.
func encodeGrid(grid string) [4]byte {
	var out [4]byte
	copy(out[:], grid)
	return out
}

func decodeGrid(b [4]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// encodeGrid6/decodeGrid6 pack/unpack a grid into the 6-byte PING_ACK
// grid field (room for an extended 6-character locator).
func encodeGrid6(grid string) [6]byte {
	var out [6]byte
	copy(out[:], grid)
	return out
}

func decodeGrid6(b [6]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
