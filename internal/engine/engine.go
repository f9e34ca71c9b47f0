// Package engine ties every ARQ component together (§5): it owns the
// process-wide state record, the session/data-channel/burst controllers,
// the watchdog, the dispatcher, and the station/beacon activity, and
// drains the two worker loops §5 describes (transmit-side command queue,
// receive-side decoded-frame queue).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/burst"
	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/datachannel"
	"github.com/hfnode/arqtnc/internal/dispatch"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/heard"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/session"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/station"
	"github.com/hfnode/arqtnc/internal/txqueue"
	"github.com/hfnode/arqtnc/internal/watchdog"
)

// Config carries every fixed parameter the engine needs to construct its
// collaborators. Use DefaultConfig to fill in the §5 defaults and adjust
// only what the deployment needs to change.
type Config struct {
	MyCallsign     string
	MyGrid         string
	SignallingMode modem.Mode
	HighBW         []modem.Mode
	LowBW          []modem.Mode
	PreferLowBW    bool
	NPerBurst      uint8
	BeaconInterval time.Duration

	Session     session.Config
	DataChannel datachannel.Config
	Watchdog    watchdog.Config

	InboundQueueDepth int // default 32
	CommandQueueDepth int // default 32
}

// DefaultConfig fills in the §5 defaults for every nested config.
func DefaultConfig(mycall, mygrid string, signalling modem.Mode, highBW, lowBW []modem.Mode) Config {
	return Config{
		MyCallsign:        mycall,
		MyGrid:            mygrid,
		SignallingMode:    signalling,
		HighBW:            highBW,
		LowBW:             lowBW,
		NPerBurst:         1,
		BeaconInterval:    5 * time.Minute,
		Session:           session.DefaultConfig(mycall, signalling),
		DataChannel:       datachannel.DefaultConfig(mycall, signalling, highBW, lowBW),
		Watchdog:          watchdog.DefaultConfig(signalling),
		InboundQueueDepth: 32,
		CommandQueueDepth: 32,
	}
}

// RateStats mirrors the original's calculate_transfer_rate_rx/tx: a
// running bits-per-second / bytes-per-minute estimate for the transfer
// currently (or most recently) in progress.
type RateStats struct {
	mu        sync.Mutex
	started   time.Time
	bytesMoved int
}

func (r *RateStats) begin() {
	r.mu.Lock()
	r.started = time.Now()
	r.bytesMoved = 0
	r.mu.Unlock()
}

func (r *RateStats) record(n int) {
	r.mu.Lock()
	r.bytesMoved += n
	r.mu.Unlock()
}

// Snapshot returns the current bits-per-second and bytes-per-minute
// estimate since the last begin().
func (r *RateStats) Snapshot() (bitsPerSecond, bytesPerMinute float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := time.Since(r.started).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	bitsPerSecond = float64(r.bytesMoved) * 8 / elapsed
	bytesPerMinute = float64(r.bytesMoved) / elapsed * 60
	return bitsPerSecond, bytesPerMinute
}

type inboundFrame struct {
	raw []byte
	snr int8
}

// Engine owns every ARQ collaborator and the two worker loops of §5.
type Engine struct {
	cfg   Config
	tx    modem.Transmitter
	bus   *events.Bus
	state *state.Shared
	heard *heard.Log
	stats RateStats

	gw       *txqueue.Gateway
	sess     *session.Controller
	dc       *datachannel.Controller
	iss      *burst.ISS
	irs      *burst.IRS
	wd       *watchdog.Watchdog
	dsp      *dispatch.Dispatcher
	stationH *station.Station

	inbound  chan inboundFrame
	commands chan events.Command

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	beaconStop func()
}

// New constructs an Engine. Start must be called before it processes any
// traffic.
func New(cfg Config, tx modem.Transmitter) *Engine {
	depth := cfg.InboundQueueDepth
	if depth <= 0 {
		depth = 32
	}
	cmdDepth := cfg.CommandQueueDepth
	if cmdDepth <= 0 {
		cmdDepth = 32
	}
	return &Engine{
		cfg:      cfg,
		tx:       tx,
		bus:      events.NewBus(),
		state:    &state.Shared{},
		heard:    &heard.Log{},
		inbound:  make(chan inboundFrame, depth),
		commands: make(chan events.Command, cmdDepth),
	}
}

// SetTransmitter installs the modem transport. Must be called before
// Start, when the backend that implements it needs the Engine itself
// (to call Deliver from its own receive loop) and so can't be
// constructed until after New.
func (e *Engine) SetTransmitter(tx modem.Transmitter) { e.tx = tx }

// Events returns a new subscriber to the outbound event queue (§6.3).
func (e *Engine) Events() *events.Subscriber { return e.bus.Subscribe() }

// Heard returns a snapshot of the heard-stations log.
func (e *Engine) Heard() []heard.Station { return e.heard.All() }

// Stats returns the current transfer-rate statistics.
func (e *Engine) Stats() *RateStats { return &e.stats }

// Deliver hands one decoded inbound frame (and the demodulator's SNR
// estimate for it) to the receive worker. Non-blocking; a full queue
// drops the frame, mirroring a half-duplex link's natural backpressure.
func (e *Engine) Deliver(raw []byte, snr int8) {
	select {
	case e.inbound <- inboundFrame{raw: raw, snr: snr}:
	default:
	}
}

// Submit hands one command (§6.2) to the transmit worker. Non-blocking;
// a full queue drops the command.
func (e *Engine) Submit(cmd events.Command) {
	select {
	case e.commands <- cmd:
	default:
	}
}

// Start constructs every collaborator, wires the dispatcher, and launches
// the background workers (receive loop, command loop, watchdog,
// heartbeat producer, beacon). It returns once everything is running;
// Stop tears it all down.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.gw = txqueue.New(ctx, e.tx)
	e.sess = session.New(e.cfg.Session, e.gw, e.bus, e.state)
	e.dc = datachannel.New(e.cfg.DataChannel, e.gw, e.bus, e.state)
	e.iss = burst.NewISS(burst.ISSConfig{MyCallsign: e.cfg.MyCallsign, NPerBurst: e.cfg.NPerBurst}, e.gw, e.bus, e.state)
	e.irs = burst.NewIRS(burst.IRSConfig{MyCallsign: e.cfg.MyCallsign}, e.gw, e.bus, e.state)
	e.wd = watchdog.New(e.cfg.Watchdog, e.bus, e.state, e.sess, e.irs)
	e.stationH = station.New(station.Config{
		MyCallsign:     e.cfg.MyCallsign,
		MyGrid:         e.cfg.MyGrid,
		SignallingMode: e.cfg.SignallingMode,
		BeaconInterval: e.cfg.BeaconInterval,
	}, e.gw, e.bus, e.state, e.heard)

	e.dsp = dispatch.New(dispatch.Config{MyCallsign: e.cfg.MyCallsign, SignallingMode: e.cfg.SignallingMode}, e.sess, e.dc, e.iss, e.irs, e.stationH)
	e.dsp.SetStopHandler(func() { e.cleanup("remote stop") })

	e.beaconStop = e.stationH.StartBeacon(ctx)

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.wd.Run(ctx) }()
	go func() { defer e.wg.Done(); e.sess.StartHeartbeatProducer(ctx) }()
	go func() { defer e.wg.Done(); e.receiveLoop(ctx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.commandLoop(ctx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.sampleMetrics(ctx) }()

	return nil
}

// sampleMetrics periodically mirrors gauge-style state into
// internal/metrics, the way a Prometheus exporter expects: push on
// change would also work, but most of this state (session, speed level,
// heard count) changes cheaply enough that sampling is simpler and
// matches the teacher's own periodic metrics_logger shape.
func (e *Engine) sampleMetrics(ctx context.Context) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			switch e.sess.State() {
			case session.Connected:
				metrics.SetSessionStateGauge(metrics.SessionConnected)
			case session.Connecting:
				metrics.SetSessionStateGauge(metrics.SessionConnecting)
			default:
				metrics.SetSessionStateGauge(metrics.SessionDisconnected)
			}
			metrics.SetSpeedLevelGauge(e.state.SpeedLevel())
			metrics.SetHeardStationsGauge(len(e.heard.All()))
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels every background worker and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.beaconStop != nil {
		e.beaconStop()
	}
	e.wg.Wait()
	if e.gw != nil {
		e.gw.Close()
	}
}

func (e *Engine) receiveLoop(ctx context.Context) {
	for {
		select {
		case f := <-e.inbound:
			if err := e.dsp.Route(ctx, f.raw, f.snr); err != nil {
				ev := events.New(events.CategoryTransmissionFailed)
				ev.Reason = err.Error()
				e.bus.Publish(ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) commandLoop(ctx context.Context) {
	for {
		select {
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd events.Command) {
	switch cmd.Kind {
	case events.CommandCQ:
		_ = e.stationH.TransmitCQ(ctx)

	case events.CommandStop:
		e.transmitStop(ctx)
		e.cleanup("local stop")

	case events.CommandPing:
		_ = e.stationH.TransmitPing(ctx, cmd.DXCall)

	case events.CommandBeacon:
		if e.beaconStop != nil {
			e.beaconStop()
		}
		if cmd.BeaconOn {
			e.cfg.BeaconInterval = time.Duration(cmd.BeaconIntervalSeconds) * time.Second
			e.beaconStop = e.stationH.StartBeacon(ctx)
		}

	case events.CommandConnect:
		e.connect(ctx, cmd.DXCall)

	case events.CommandDisconnect:
		_ = e.sess.Close(ctx)
		e.cleanup("local disconnect")

	case events.CommandArqRaw:
		e.sendFile(ctx, cmd)

	case events.CommandSendTestFrame:
		e.sendTestFrame(ctx)
	}
}

func (e *Engine) connect(ctx context.Context, dxcall string) {
	hb := make(chan struct{}, 1)
	e.dsp.SetSessionHeartbeatWait(hb)
	defer e.dsp.SetSessionHeartbeatWait(nil)
	_ = e.sess.Open(ctx, dxcall, hb)
}

// sendFile runs a complete file transfer command (§6.2 ARQ_RAW): connect
// the session if needed, open a data channel, hand the payload to the
// ISS, and clean up on completion or failure.
func (e *Engine) sendFile(ctx context.Context, cmd events.Command) {
	if e.sess.State() != session.Connected {
		e.connect(ctx, cmd.DXCall)
		if e.sess.State() != session.Connected {
			return
		}
	}

	resp := make(chan frame.DCOpenAck, 1)
	e.dsp.SetDCResponseWait(resp)
	openErr := e.dc.Open(ctx, cmd.DXCall, resp)
	e.dsp.SetDCResponseWait(nil)
	if openErr != nil {
		return
	}

	e.state.SetRole(state.RoleISS)
	defer e.state.SetRole(state.RoleNone)

	e.stats.begin()
	signals := make(chan burst.Signal, 1)
	e.dsp.SetBurstSignalWait(signals)
	defer e.dsp.SetBurstSignalWait(nil)

	payload := cmd.Payload
	e.stats.record(len(payload))
	_ = e.iss.Send(ctx, cmd.UUID, cmd.DXCall, payload, signals)
	e.state.Cleanup()
}

func (e *Engine) transmitStop(ctx context.Context) {
	dxcall, dxCRC := e.irs.Peer()
	if dxcall == "" {
		dxcall = e.dc.DXCallsign()
	}
	myCRC, err := callsign.CRC24(e.cfg.MyCallsign)
	if err != nil {
		return
	}
	var myCallEnc [6]byte
	if enc, err := callsign.Encode(e.cfg.MyCallsign); err == nil {
		myCallEnc = enc
	}
	f := frame.SessionOpen{Type: frame.TypeStop, DestCRC: dxCRC, SourceCRC: myCRC, Call: myCallEnc}
	buf, err := f.Encode(e.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return
	}
	_ = e.gw.Enqueue(ctx, buf, e.cfg.SignallingMode, 2, 250*time.Millisecond)
}

func (e *Engine) sendTestFrame(ctx context.Context) {
	buf, err := frame.Testframe{}.Encode(e.cfg.SignallingMode.PayloadSize)
	if err != nil {
		return
	}
	_ = e.gw.Enqueue(ctx, buf, e.cfg.SignallingMode, 1, 0)
}

// cleanup implements arq_cleanup (§5): reset the shared state, the IRS
// reassembly buffer, and the watchdog's cumulative burst-retry counter.
// Idempotent, matching the invariant in §8.
func (e *Engine) cleanup(reason string) {
	e.irs.Reset()
	e.wd.ResetBurstRetries()
	e.state.Cleanup()
	ev := events.New(events.CategoryTransmissionStopped)
	ev.Reason = reason
	ev.Timestamp = time.Now()
	e.bus.Publish(ev)
}
