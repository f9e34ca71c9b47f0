// Package datachannel implements the Data Channel Controller (§4.E):
// opening a bulk-transfer channel over an established session (or
// standalone), negotiating a bandwidth profile, and carrying the
// protocol-version handshake that guards against incompatible peers.
package datachannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

// burstTimeHighBW and burstTimeLowBW are the fixed §5 per-speed-level
// watchdog timeouts. High bandwidth keeps the fourth (30s) slot even
// though only 3 modes exist; it is never indexed (§9 open question #4).
var (
	burstTimeHighBW = []time.Duration{3 * time.Second, 7 * time.Second, 8 * time.Second, 30 * time.Second}
	burstTimeLowBW  = []time.Duration{3 * time.Second, 7 * time.Second}
)

// ErrProtocolMismatch is surfaced when the peer's protocol version byte
// does not match ours.
var ErrProtocolMismatch = errors.New("datachannel: protocol version mismatch")

// ErrOpenTimeout is returned by Open when all retries are exhausted
// without a response.
var ErrOpenTimeout = errors.New("datachannel: open timed out")

// Config carries the controller's fixed parameters and the two
// bandwidth profiles available to negotiate.
type Config struct {
	MyCallsign      string
	MaxRetries      int           // default 5
	RetryTimeout    time.Duration // default 3s
	SignallingMode  modem.Mode
	HighBW          []modem.Mode
	LowBW           []modem.Mode
	PreferLowBW     bool // local configuration requests the low-bandwidth profile
	NPerBurst       uint8
}

// DefaultConfig fills in the §5 default retry count/timeout.
func DefaultConfig(mycall string, signalling modem.Mode, highBW, lowBW []modem.Mode) Config {
	return Config{
		MyCallsign:     mycall,
		MaxRetries:     5,
		RetryTimeout:   3 * time.Second,
		SignallingMode: signalling,
		HighBW:         highBW,
		LowBW:          lowBW,
		NPerBurst:      1,
	}
}

// Controller owns the data channel open/response handshake.
type Controller struct {
	cfg   Config
	tx    *txqueue.Gateway
	bus   *events.Bus
	state *state.Shared

	mu         sync.Mutex
	dxCallsign string
	dxCRC      [3]byte
	lowBW      bool
}

// New constructs a Controller.
func New(cfg Config, tx *txqueue.Gateway, bus *events.Bus, shared *state.Shared) *Controller {
	return &Controller{cfg: cfg, tx: tx, bus: bus, state: shared}
}

func (c *Controller) profile(lowBW bool) state.Profile {
	if lowBW {
		return state.Profile{Modes: c.cfg.LowBW, BurstTime: burstTimeLowBW}
	}
	return state.Profile{Modes: c.cfg.HighBW, BurstTime: burstTimeHighBW}
}

// Open runs the requester side (§4.E open loop): up to MaxRetries
// attempts, each transmitting the open frame and waiting RetryTimeout for
// a response. responseReceived carries the decoded DCOpenAck once the
// dispatcher sees one for this exchange (oneshot, per §9).
func (c *Controller) Open(ctx context.Context, dxcall string, responseReceived <-chan frame.DCOpenAck) error {
	c.bus.Publish(withCallsigns(events.New(events.CategoryTransmissionOpening), c.cfg.MyCallsign, dxcall))
	dxCRC, err := callsign.CRC24(dxcall)
	if err != nil {
		return fmt.Errorf("datachannel: open: %w", err)
	}
	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("datachannel: open: %w", err)
	}
	var myCallEnc [6]byte
	if enc, err := callsign.Encode(c.cfg.MyCallsign); err == nil {
		myCallEnc = enc
	}

	openType := frame.TypeDCOpenHi
	if c.cfg.PreferLowBW {
		openType = frame.TypeDCOpenLo
	}
	openFrame := frame.DCOpen{
		Type:      openType,
		DestCRC:   dxCRC,
		SourceCRC: myCRC,
		Call:      myCallEnc,
		NPerBurst: c.cfg.NPerBurst,
	}
	buf, err := openFrame.Encode(c.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("datachannel: encode open: %w", err)
	}

	retries := c.cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err := c.tx.Enqueue(ctx, buf, c.cfg.SignallingMode, 1, 0); err != nil {
			return fmt.Errorf("datachannel: transmit open: %w", err)
		}
		select {
		case resp := <-responseReceived:
			return c.handleResponse(dxcall, resp)
		case <-time.After(c.cfg.RetryTimeout):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ev := withCallsigns(events.New(events.CategoryTransmissionFailed), c.cfg.MyCallsign, dxcall)
	ev.Reason = "unknown"
	c.bus.Publish(ev)
	c.state.Cleanup()
	return ErrOpenTimeout
}

func (c *Controller) handleResponse(dxcall string, resp frame.DCOpenAck) error {
	if resp.ProtocolVersion != frame.ProtocolVersion {
		c.state.SetTNCState(state.TNCIdle)
		c.state.SetARQBusy(false)
		ev := withCallsigns(events.New(events.CategoryTransmissionFailed), c.cfg.MyCallsign, dxcall)
		ev.Reason = "protocol version missmatch"
		c.bus.Publish(ev)
		c.state.Cleanup()
		return ErrProtocolMismatch
	}
	lowBW := resp.Type == frame.TypeDCOpenLoAck
	c.mu.Lock()
	c.dxCallsign = dxcall
	c.dxCRC = resp.SourceCRC
	c.lowBW = lowBW
	c.mu.Unlock()
	c.state.SetProfile(c.profile(lowBW))
	c.state.SetARQBusy(true)
	c.bus.Publish(withCallsigns(events.New(events.CategoryTransmissionOpened), c.cfg.MyCallsign, dxcall))
	return nil
}

// HandleOpen processes an inbound DC_OPEN_HI/LO/manual request: asserts
// the IRS role, negotiates the bandwidth profile (downgrading to low
// bandwidth if either side prefers it, but never upgrading), validates
// the destination callsign, and replies with the matching ack carrying
// the protocol version.
func (c *Controller) HandleOpen(ctx context.Context, f frame.DCOpen) error {
	if !callsign.Check(c.cfg.MyCallsign, f.DestCRC[:]) {
		return nil // misdirected, silently dropped per §7
	}
	lowBW := f.Type == frame.TypeDCOpenLo || frame.IsManualDCOpen(f.Type) || c.cfg.PreferLowBW
	c.mu.Lock()
	c.dxCallsign = callsign.Decode(f.Call[:])
	c.dxCRC = f.SourceCRC
	c.lowBW = lowBW
	c.mu.Unlock()

	c.state.SetProfile(c.profile(lowBW))
	c.state.SetRole(state.RoleIRS)
	c.state.SetARQBusy(true)
	c.state.SetTNCState(state.TNCBusy)
	c.bus.Publish(withCallsigns(events.New(events.CategoryTransmissionOpened), c.cfg.MyCallsign, c.dxCallsign))

	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("datachannel: handle open: %w", err)
	}
	ackType := frame.TypeDCOpenHiAck
	if lowBW {
		ackType = frame.TypeDCOpenLoAck
	}
	ack := frame.DCOpenAck{Type: ackType, DestCRC: f.SourceCRC, SourceCRC: myCRC, ProtocolVersion: frame.ProtocolVersion}
	buf, err := ack.Encode(c.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("datachannel: encode ack: %w", err)
	}
	return c.tx.Enqueue(ctx, buf, c.cfg.SignallingMode, 1, 0)
}

// LowBandwidth reports whether the currently negotiated profile is the
// low-bandwidth one.
func (c *Controller) LowBandwidth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowBW
}

// DXCallsign returns the peer callsign recorded for the active channel.
func (c *Controller) DXCallsign() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dxCallsign
}

func withCallsigns(ev events.Event, mycall, dxcall string) events.Event {
	ev.MyCallsign = mycall
	ev.DXCallsign = dxcall
	ev.Timestamp = time.Now()
	return ev
}
