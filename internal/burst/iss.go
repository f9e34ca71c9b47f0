package burst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

// MaxRetriesPerBurst bounds the ISS's retransmissions of a single burst
// before the transfer is declared failed (§4.F, §5).
const MaxRetriesPerBurst = 50

// dataHeaderSize is the 8 fixed bytes ([type, n_per_burst, dxcrc(3),
// mycrc(3)]) that precede payload in every DATA frame.
const dataHeaderSize = 8

// ErrBurstRetriesExhausted is returned when a single burst fails to reach
// the far end after MaxRetriesPerBurst attempts.
var ErrBurstRetriesExhausted = errors.New("burst: retries exhausted")

// ISSConfig carries the sending side's fixed parameters.
type ISSConfig struct {
	MyCallsign string
	NPerBurst  uint8 // frames per burst, negotiated at data-channel open
}

// ISS is the Initiating Sending Station burst engine (§4.F): it
// fragments a payload into bursts of frames, transmits each burst, and
// waits for the far end's ACK/NACK/RPT/frame-ACK signal before advancing
// or retransmitting.
type ISS struct {
	cfg   ISSConfig
	tx    *txqueue.Gateway
	bus   *events.Bus
	state *state.Shared

	mu      sync.Mutex
	dxcall  string
	dxCRC   [3]byte
	sending bool
}

// NewISS constructs an ISS burst engine.
func NewISS(cfg ISSConfig, tx *txqueue.Gateway, bus *events.Bus, shared *state.Shared) *ISS {
	return &ISS{cfg: cfg, tx: tx, bus: bus, state: shared}
}

// Sending reports whether a transfer is currently in progress.
func (s *ISS) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Send runs a complete file transfer to dxcall (§4.F). signals delivers
// the dispatcher's decoded ACK/NACK/RPT/frame-ACK for this exchange; it is
// the caller's responsibility to route only frames addressed to this
// exchange onto it. Send resets the speed level to the top of the
// currently negotiated profile before transmitting the first burst, per
// §9 (arq_transmit always restarts at maximum speed).
func (s *ISS) Send(ctx context.Context, uuid, dxcall string, payload []byte, signals <-chan Signal) error {
	dxCRC, err := callsign.CRC24(dxcall)
	if err != nil {
		return fmt.Errorf("burst: iss: %w", err)
	}
	myCRC, err := callsign.CRC24(s.cfg.MyCallsign)
	if err != nil {
		return fmt.Errorf("burst: iss: %w", err)
	}
	s.mu.Lock()
	s.dxcall = dxcall
	s.dxCRC = dxCRC
	s.sending = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	s.state.SetFileTransferActive(true)
	defer s.state.SetFileTransferActive(false)
	s.state.ResetSpeedToMax()

	envelope, err := buildEnvelope(payload)
	if err != nil {
		return err
	}

	nPerBurst := s.cfg.NPerBurst
	if nPerBurst == 0 {
		nPerBurst = 1
	}

	total := len(envelope)
	pos := 0
	for pos < total {
		mode := s.state.CurrentMode()
		frameSize := mode.PayloadSize - dataHeaderSize
		if frameSize <= 0 {
			return fmt.Errorf("burst: iss: mode %q too small for frame header", mode.Name)
		}

		burstFrames := make([][]byte, 0, nPerBurst)
		burstPositions := make([]int, 0, nPerBurst)
		scan := pos
		for i := 0; i < int(nPerBurst) && scan < total; i++ {
			end := scan + frameSize
			if end > total {
				end = total
			}
			d := frame.Data{Index: i, NPerBurst: nPerBurst, DestCRC: dxCRC, SourceCRC: myCRC, Payload: envelope[scan:end]}
			buf, err := d.Encode(mode.PayloadSize)
			if err != nil {
				return fmt.Errorf("burst: iss: encode data: %w", err)
			}
			burstFrames = append(burstFrames, buf)
			burstPositions = append(burstPositions, end-scan)
			scan = end
		}

		outcome, err := s.sendBurstWithRetries(ctx, burstFrames, signals)
		if err != nil {
			ev := withCallsigns(events.New(events.CategoryTransmissionFailed), s.cfg.MyCallsign, dxcall)
			ev.UUID = uuid
			ev.Reason = "retries exhausted"
			s.bus.Publish(ev)
			return err
		}
		for _, n := range burstPositions {
			pos += n
		}
		if outcome == burstOutcomeTransferDone {
			// Frame-ack: the far end has the complete, reassembled
			// transfer already; stop regardless of remaining bytes.
			break
		}
		pct := float64(0)
		if total > 0 {
			pct = float64(pos) / float64(total) * 100
		}
		ev := withCallsigns(events.New(events.CategoryTransmissionTransmitting), s.cfg.MyCallsign, dxcall)
		ev.UUID = uuid
		ev.PercentComplete = pct
		s.bus.Publish(ev)
	}

	ev := withCallsigns(events.New(events.CategoryTransmissionTransmitted), s.cfg.MyCallsign, dxcall)
	ev.UUID = uuid
	ev.PercentComplete = 100
	s.bus.Publish(ev)
	return nil
}

// burstOutcome distinguishes a burst that completed and needs another
// burst behind it from one that completed the whole transfer.
type burstOutcome int

const (
	burstOutcomeAdvance burstOutcome = iota
	burstOutcomeTransferDone
)

// sendBurstWithRetries transmits burstFrames, waits for a signal, and
// retransmits (whole burst on NACK/timeout, only the missing subset on
// RPT) up to MaxRetriesPerBurst times.
func (s *ISS) sendBurstWithRetries(ctx context.Context, burstFrames [][]byte, signals <-chan Signal) (burstOutcome, error) {
	toSend := burstFrames
	for attempt := 0; attempt < MaxRetriesPerBurst; attempt++ {
		for _, buf := range toSend {
			if err := s.tx.Enqueue(ctx, buf, s.state.CurrentMode(), 1, 0); err != nil {
				return burstOutcomeAdvance, fmt.Errorf("burst: iss: transmit: %w", err)
			}
		}
		timeout := s.state.CurrentBurstTimeout()
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		select {
		case sig := <-signals:
			s.state.TouchDataChannel()
			s.state.SetSpeedLevel(int(sig.Speed))
			switch sig.Kind {
			case SignalBurstAck:
				return burstOutcomeAdvance, nil
			case SignalFrameAck:
				return burstOutcomeTransferDone, nil
			case SignalRptReq:
				toSend = missingSubset(burstFrames, sig.Missing)
				continue
			case SignalBurstNack:
				toSend = burstFrames
				continue
			}
		case <-time.After(timeout):
			toSend = burstFrames
			continue
		case <-ctx.Done():
			return burstOutcomeAdvance, ctx.Err()
		}
	}
	return burstOutcomeAdvance, ErrBurstRetriesExhausted
}

// missingSubset returns the burst frames named by 1-based indices in
// missing, in the order requested.
func missingSubset(burstFrames [][]byte, missing []uint8) [][]byte {
	out := make([][]byte, 0, len(missing))
	for _, idx := range missing {
		i := int(idx) - 1
		if i >= 0 && i < len(burstFrames) {
			out = append(out, burstFrames[i])
		}
	}
	if len(out) == 0 {
		return burstFrames
	}
	return out
}

func withCallsigns(ev events.Event, mycall, dxcall string) events.Event {
	ev.MyCallsign = mycall
	ev.DXCallsign = dxcall
	ev.Timestamp = time.Now()
	return ev
}
