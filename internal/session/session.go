// Package session implements the ARQ Session Controller (§4.D): open,
// heartbeat, and close of a session between two stations, including the
// master/slave role split and the master's keepalive heartbeat producer.
package session

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

// Session is one of the states in §4.D's state machine.
type Session int

const (
	Idle Session = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
	Failed
)

func (s Session) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrOpenTimeout is returned by Open when all retries are exhausted
// without a heartbeat reply.
var ErrOpenTimeout = errors.New("session: open timed out")

// Config carries the session controller's fixed parameters.
type Config struct {
	MyCallsign          string
	ConnectMaxRetries    int           // default 3
	ConnectRetryTimeout  time.Duration // default 3s
	SessionTimeout       time.Duration // default 30s, used by the watchdog package
	SignallingMode       modem.Mode
	CloseCopies          int           // default 5
	CloseCopyDelay       time.Duration // default 250ms
}

// DefaultConfig returns the §5 default timeout values.
func DefaultConfig(mycall string, mode modem.Mode) Config {
	return Config{
		MyCallsign:          mycall,
		ConnectMaxRetries:   3,
		ConnectRetryTimeout: 3 * time.Second,
		SessionTimeout:      30 * time.Second,
		SignallingMode:      mode,
		CloseCopies:         5,
		CloseCopyDelay:      250 * time.Millisecond,
	}
}

// Controller owns the session state machine. All exported methods are
// safe for concurrent use.
type Controller struct {
	cfg   Config
	tx    *txqueue.Gateway
	bus   *events.Bus
	state *state.Shared

	mu           sync.Mutex
	session      Session
	isMaster     bool
	dxCallsign   string
	dxCRC        [3]byte
	lastReceived time.Time

	heartbeatCancel context.CancelFunc
}

// New constructs a session Controller.
func New(cfg Config, tx *txqueue.Gateway, bus *events.Bus, shared *state.Shared) *Controller {
	return &Controller{cfg: cfg, tx: tx, bus: bus, state: shared, session: Idle}
}

// State returns the current session state.
func (c *Controller) State() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsMaster reports whether this end opened the session.
func (c *Controller) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMaster
}

// LastReceived returns the timestamp of the last frame that refreshed the
// session (heartbeat, open, close), used by the session watchdog.
func (c *Controller) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastReceived = time.Now()
	c.mu.Unlock()
}

func (c *Controller) setSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Open asserts the master role and runs the retry loop described in
// §4.D: up to ConnectMaxRetries attempts, each transmitting OPEN(221) and
// waiting ConnectRetryTimeout for a heartbeat reply. heartbeatReceived is
// a channel the dispatcher signals once per inbound heartbeat while this
// call is in flight (the §9 "oneshot channel per wait" pattern, rather
// than a polled shared flag).
func (c *Controller) Open(ctx context.Context, dxcall string, heartbeatReceived <-chan struct{}) error {
	c.mu.Lock()
	c.isMaster = true
	c.session = Connecting
	c.mu.Unlock()
	c.state.SetTNCState(state.TNCBusy)
	c.state.SetSessionActive(true)
	c.bus.Publish(withCallsigns(events.New(events.CategorySessionConnecting), c.cfg.MyCallsign, dxcall))

	dxCRC, err := callsign.CRC24(dxcall)
	if err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	var myCallEnc [6]byte
	if enc, err := callsign.Encode(c.cfg.MyCallsign); err == nil {
		myCallEnc = enc
	}

	openFrame := frame.SessionOpen{
		Type:      frame.TypeSessionOpen,
		DestCRC:   dxCRC,
		SourceCRC: myCRC,
		Call:      myCallEnc,
	}
	buf, err := openFrame.Encode(c.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("session: encode open: %w", err)
	}

	retries := c.cfg.ConnectMaxRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err := c.tx.Enqueue(ctx, buf, c.cfg.SignallingMode, 1, 0); err != nil {
			return fmt.Errorf("session: transmit open: %w", err)
		}
		select {
		case <-heartbeatReceived:
			c.setSession(Connected)
			c.touch()
			c.bus.Publish(withCallsigns(events.New(events.CategorySessionConnected), c.cfg.MyCallsign, dxcall))
			return nil
		case <-time.After(c.cfg.ConnectRetryTimeout):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.setSession(Failed)
	// Best-effort far-side cleanup: transmit a CLOSE even though no
	// session was ever established.
	_ = c.sendClose(ctx, dxcall, dxCRC, myCRC, myCallEnc)
	ev := withCallsigns(events.New(events.CategorySessionFailed), c.cfg.MyCallsign, dxcall)
	ev.Reason = "timeout"
	c.bus.Publish(ev)
	c.setSession(Disconnected)
	c.state.SetSessionActive(false)
	return ErrOpenTimeout
}

// HandleOpen processes an inbound SESSION_OPEN(221): asserts the slave
// role, records the peer, transitions to connected, and replies with a
// heartbeat.
func (c *Controller) HandleOpen(ctx context.Context, f frame.SessionOpen) error {
	c.mu.Lock()
	c.isMaster = false
	c.dxCallsign = callsign.Decode(f.Call[:])
	c.dxCRC = f.SourceCRC
	c.session = Connected
	c.mu.Unlock()
	c.state.SetTNCState(state.TNCBusy)
	c.state.SetSessionActive(true)
	c.touch()
	return c.transmitHeartbeat(ctx)
}

// HandleHeartbeat processes an inbound SESSION_HB(222): refreshes the
// session and, unless this side is the master or a file transfer is in
// progress, replies with its own heartbeat (prevents echo storms during
// data bursts).
func (c *Controller) HandleHeartbeat(ctx context.Context, f frame.SessionHeartbeat) error {
	c.mu.Lock()
	wasConnecting := c.session != Connected
	c.session = Connected
	isMaster := c.isMaster
	c.mu.Unlock()
	c.state.SetTNCState(state.TNCBusy)
	c.touch()
	if wasConnecting {
		c.bus.Publish(withCallsigns(events.New(events.CategorySessionConnected), c.cfg.MyCallsign, c.dxCallsign))
	}
	if !isMaster && !c.state.FileTransferActive() {
		return c.transmitHeartbeat(ctx)
	}
	return nil
}

func (c *Controller) transmitHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	dxCRC := c.dxCRC
	c.mu.Unlock()
	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("session: heartbeat: %w", err)
	}
	hb := frame.SessionHeartbeat{DestCRC: dxCRC, SourceCRC: myCRC}
	buf, err := hb.Encode(c.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("session: encode heartbeat: %w", err)
	}
	return c.tx.Enqueue(ctx, buf, c.cfg.SignallingMode, 1, 0)
}

// StartHeartbeatProducer runs the master's keepalive loop (§4.D): while
// connected and no file transfer is active, send a heartbeat every 3s
// (1s guard before, 2s after). Returns a stop function.
func (c *Controller) StartHeartbeatProducer(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.heartbeatCancel = cancel
	c.mu.Unlock()
	go func() {
		for {
			select {
			case <-time.After(1 * time.Second):
			case <-ctx.Done():
				return
			}
			if c.State() == Connected && c.IsMaster() && !c.state.FileTransferActive() {
				if err := c.transmitHeartbeat(ctx); err != nil && ctx.Err() == nil {
					// Transmit failures here are transient link errors;
					// the session watchdog will declare the session dead
					// if they persist.
					_ = err
				}
			}
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// DeclareTimeout is called by the session watchdog (§4.H check 3) when no
// frame has refreshed the session within the configured timeout: it
// publishes a failed event with reason "timeout" and runs the same
// teardown as a local Close.
func (c *Controller) DeclareTimeout(ctx context.Context) error {
	c.mu.Lock()
	dxcall := c.dxCallsign
	dxCRC := c.dxCRC
	c.mu.Unlock()
	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("session: declare timeout: %w", err)
	}
	var myCallEnc [6]byte
	if enc, err := callsign.Encode(c.cfg.MyCallsign); err == nil {
		myCallEnc = enc
	}
	ev := withCallsigns(events.New(events.CategorySessionFailed), c.cfg.MyCallsign, dxcall)
	ev.Reason = "timeout"
	c.finishClose(ev)
	return c.sendClose(ctx, dxcall, dxCRC, myCRC, myCallEnc)
}

// HandleClose processes an inbound SESSION_CLOSE(223): validated via the
// recorded peer CRC, then runs the same cleanup as a local Close.
func (c *Controller) HandleClose(ctx context.Context, f frame.SessionOpen) error {
	c.mu.Lock()
	matches := f.SourceCRC == c.dxCRC
	c.mu.Unlock()
	if !matches {
		return nil // misdirected frame, silently dropped per §7
	}
	c.finishClose(events.New(events.CategorySessionClose))
	return nil
}

// Close is the local initiator's teardown: transmit CLOSE with
// copies=5 delay=250ms, then run cleanup.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	dxcall := c.dxCallsign
	dxCRC := c.dxCRC
	c.mu.Unlock()
	myCRC, err := callsign.CRC24(c.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	var myCallEnc [6]byte
	if enc, err := callsign.Encode(c.cfg.MyCallsign); err == nil {
		myCallEnc = enc
	}
	c.finishClose(withCallsigns(events.New(events.CategorySessionClose), c.cfg.MyCallsign, dxcall))
	return c.sendClose(ctx, dxcall, dxCRC, myCRC, myCallEnc)
}

func (c *Controller) sendClose(ctx context.Context, dxcall string, dxCRC, myCRC [3]byte, myCallEnc [6]byte) error {
	closeFrame := frame.SessionOpen{Type: frame.TypeSessionClose, DestCRC: dxCRC, SourceCRC: myCRC, Call: myCallEnc}
	buf, err := closeFrame.Encode(c.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("session: encode close: %w", err)
	}
	copies := c.cfg.CloseCopies
	if copies <= 0 {
		copies = 5
	}
	delay := c.cfg.CloseCopyDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return c.tx.Enqueue(ctx, buf, c.cfg.SignallingMode, copies, delay)
}

func (c *Controller) finishClose(ev events.Event) {
	c.mu.Lock()
	c.session = Disconnecting
	c.mu.Unlock()
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}
	c.bus.Publish(ev)
	c.state.SetSessionActive(false)
	c.state.Cleanup()
	c.setSession(Disconnected)
}

func withCallsigns(ev events.Event, mycall, dxcall string) events.Event {
	ev.MyCallsign = mycall
	ev.DXCallsign = dxcall
	ev.Timestamp = time.Now()
	return ev
}
