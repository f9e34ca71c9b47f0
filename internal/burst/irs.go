package burst

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/logging"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

// dupScanWindow is how many trailing bytes of the reassembly buffer are
// searched for an already-seen frame payload before it is appended again
// (§4.G: a retransmitted burst must not duplicate data already received).
const dupScanWindow = 510

// IRSConfig carries the receiving side's fixed parameters.
type IRSConfig struct {
	MyCallsign string
}

// IRS is the Initiating Receiving Station burst engine (§4.G): it
// reassembles incoming DATA frames into per-burst index-keyed slots,
// concatenates each completed burst in index order onto the transfer
// buffer, detects retransmitted duplicates, and on completion
// (BOF...EOF both present) verifies the CRC32, decompresses, and emits
// the received payload.
type IRS struct {
	cfg   IRSConfig
	tx    *txqueue.Gateway
	bus   *events.Bus
	state *state.Shared

	mu                   sync.Mutex
	dxcall               string
	dxCRC                [3]byte
	buf                  bytes.Buffer
	burstSlots           [][]byte // slot i holds frame i's payload for the current burst
	burstFilled          []bool
	nPerBurst            uint8
	frameReceivedCounter int // completed bursts since the last speed-up (§4.G)
}

// NewIRS constructs an IRS burst engine.
func NewIRS(cfg IRSConfig, tx *txqueue.Gateway, bus *events.Bus, shared *state.Shared) *IRS {
	return &IRS{cfg: cfg, tx: tx, bus: bus, state: shared}
}

// Reset clears the reassembly buffer. Called when a transfer completes, by
// the engine's cleanup (arq_cleanup), and by the watchdog when it stops a
// transmission.
func (r *IRS) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
	r.burstSlots = nil
	r.burstFilled = nil
	r.frameReceivedCounter = 0
}

// HandleData processes one inbound DATA frame (§4.G). signallingMode is
// the mode frame.AckNack/RptReq replies go out on (the fixed signalling
// channel, independent of the negotiated data-rate mode).
func (r *IRS) HandleData(ctx context.Context, d frame.Data, snr int8, signallingMode modem.Mode) error {
	r.state.SetFileTransferActive(true)
	r.state.TouchDataChannel()

	r.mu.Lock()
	r.nPerBurst = d.NPerBurst
	if len(r.burstSlots) != int(d.NPerBurst) {
		r.burstSlots = make([][]byte, d.NPerBurst)
		r.burstFilled = make([]bool, d.NPerBurst)
	}
	if d.Index >= 0 && d.Index < len(r.burstSlots) {
		r.burstSlots[d.Index] = d.Payload
		r.burstFilled[d.Index] = true
	}
	burstComplete := allFilledLocked(r.burstFilled)
	if burstComplete {
		r.flushBurstLocked()
	}
	dxcall := r.dxcall
	dxCRC := r.dxCRC
	complete, payload, completeErr := r.tryCompleteLocked()
	// §4.G: only the last frame of the burst arriving is an indicator of
	// missing slots; requesting repeats before it is due would ask for
	// frames that haven't been sent yet.
	var missing []uint8
	lastFrameOfBurst := d.Index == int(d.NPerBurst)-1
	if !burstComplete && lastFrameOfBurst {
		missing = r.missingIndicesLocked()
	}
	r.mu.Unlock()
	if len(missing) > frame.MaxMissingIndices {
		logging.L().Warn("rpt_missing_truncated", "missing", len(missing), "max", frame.MaxMissingIndices)
		missing = missing[:frame.MaxMissingIndices]
	}

	myCRC, err := callsign.CRC24(r.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("burst: irs: %w", err)
	}

	if complete {
		r.state.SetFileTransferActive(false)
		ack := frame.AckNack{Type: frame.TypeFrameAck, DestCRC: dxCRC, SourceCRC: myCRC, SNR: snr, Speed: uint8(r.state.SpeedLevel())}
		buf, err := ack.Encode(signallingMode.PayloadSize)
		if err != nil {
			return fmt.Errorf("burst: irs: encode frame ack: %w", err)
		}
		if err := r.tx.Enqueue(ctx, buf, signallingMode, 1, 0); err != nil {
			return fmt.Errorf("burst: irs: transmit frame ack: %w", err)
		}
		ev := withCallsigns(events.New(events.CategoryTransmissionReceived), r.cfg.MyCallsign, dxcall)
		if completeErr != nil {
			ev.Reason = completeErr.Error()
		} else {
			ev.Payload = payload
		}
		r.bus.Publish(ev)
		r.Reset()
		return nil
	}

	if len(missing) > 0 {
		rpt := frame.RptReq{DestCRC: dxCRC, SourceCRC: myCRC, Missing: missing}
		buf, err := rpt.Encode(signallingMode.PayloadSize)
		if err != nil {
			return fmt.Errorf("burst: irs: encode rpt: %w", err)
		}
		return r.tx.Enqueue(ctx, buf, signallingMode, 1, 0)
	}

	if !burstComplete {
		// Still waiting for the rest of the burst; the last frame hasn't
		// arrived yet, so there's nothing to ack or request repeats of.
		return nil
	}

	ack := frame.AckNack{Type: frame.TypeBurstAck, DestCRC: dxCRC, SourceCRC: myCRC, SNR: snr, Speed: uint8(r.state.SpeedLevel())}
	buf, err := ack.Encode(signallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("burst: irs: encode burst ack: %w", err)
	}
	if err := r.tx.Enqueue(ctx, buf, signallingMode, 1, 0); err != nil {
		return err
	}

	r.mu.Lock()
	r.frameReceivedCounter++
	if r.frameReceivedCounter >= 2 {
		r.frameReceivedCounter = 0
		r.state.SpeedUp()
	}
	r.mu.Unlock()
	return nil
}

// SetPeer records the data channel's peer for outbound ack/rpt frames.
func (r *IRS) SetPeer(dxcall string, dxCRC [3]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dxcall = dxcall
	r.dxCRC = dxCRC
}

// Peer returns the currently recorded data-channel peer.
func (r *IRS) Peer() (dxcall string, dxCRC [3]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dxcall, r.dxCRC
}

// SendBurstNackWatchdog transmits a BURST_NACK_WATCHDOG(64) frame to the
// current peer, the §4.H burst-watchdog's retry signal (distinct from an
// ordinary BURST_NACK so the far end's event log can tell timeouts from
// explicit negative acks).
func (r *IRS) SendBurstNackWatchdog(ctx context.Context, signallingMode modem.Mode) error {
	dxcall, dxCRC := r.Peer()
	_ = dxcall
	myCRC, err := callsign.CRC24(r.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("burst: irs: %w", err)
	}
	nack := frame.AckNack{Type: frame.TypeBurstNackWatchdog, DestCRC: dxCRC, SourceCRC: myCRC, Speed: uint8(r.state.SpeedLevel())}
	buf, err := nack.Encode(signallingMode.PayloadSize)
	if err != nil {
		return fmt.Errorf("burst: irs: encode watchdog nack: %w", err)
	}
	return r.tx.Enqueue(ctx, buf, signallingMode, 1, 0)
}

func (r *IRS) lastBytesLocked(n int) []byte {
	b := r.buf.Bytes()
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

// allFilledLocked reports whether every slot of the current burst has
// been received.
func allFilledLocked(filled []bool) bool {
	if len(filled) == 0 {
		return false
	}
	for _, f := range filled {
		if !f {
			return false
		}
	}
	return true
}

// flushBurstLocked concatenates the current burst's slots in index order
// (§3, §4.G step 5) onto the transfer buffer, skipping the append if the
// buffer's trailing window already holds this exact data — the burst's
// ack never reached the far end, and it retransmitted the same burst.
// Slots are cleared afterward so the next burst starts from a clean set.
func (r *IRS) flushBurstLocked() {
	var block bytes.Buffer
	for _, p := range r.burstSlots {
		block.Write(p)
	}
	data := block.Bytes()
	tail := r.lastBytesLocked(dupScanWindow)
	if len(data) > 0 && !bytes.Contains(tail, data) {
		r.buf.Write(data)
	}
	r.burstSlots = nil
	r.burstFilled = nil
}

// missingIndicesLocked reports which 1-based frame indices of the current
// burst have not yet been seen, given nPerBurst. Only called once the
// burst's last frame has arrived (§4.G), so at least one slot is always
// filled.
func (r *IRS) missingIndicesLocked() []uint8 {
	if r.nPerBurst == 0 {
		return nil
	}
	var missing []uint8
	for i := 0; i < int(r.nPerBurst); i++ {
		if !r.burstFilled[i] {
			missing = append(missing, uint8(i+1))
		}
	}
	return missing
}

func (r *IRS) tryCompleteLocked() (complete bool, payload []byte, err error) {
	payload, ok, err := extractPayload(r.buf.Bytes())
	if !ok {
		return false, nil, nil
	}
	return true, payload, err
}

// TransmissionTimeout is the §4.H data-channel watchdog's limit: a transfer with no
// progress for this long is abandoned.
const TransmissionTimeout = 360 * time.Second
