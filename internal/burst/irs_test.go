package burst

import (
	"context"
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/callsign"
	"github.com/hfnode/arqtnc/internal/events"
	"github.com/hfnode/arqtnc/internal/frame"
	"github.com/hfnode/arqtnc/internal/modem"
	"github.com/hfnode/arqtnc/internal/state"
	"github.com/hfnode/arqtnc/internal/txqueue"
)

func newTestIRS(t *testing.T) (*IRS, *captureTransmitter, *events.Bus) {
	t.Helper()
	tx := &captureTransmitter{}
	gw := txqueue.New(context.Background(), tx)
	t.Cleanup(gw.Close)
	bus := events.NewBus()
	shared := &state.Shared{}
	irs := NewIRS(IRSConfig{MyCallsign: "DB2XYZ"}, gw, bus, shared)
	dxCRC, _ := callsign.CRC24("DB1ABC")
	irs.SetPeer("DB1ABC", dxCRC)
	return irs, tx, bus
}

func dataFramesFor(t *testing.T, payload []byte, dxCRC, myCRC [3]byte, frameSize int) []frame.Data {
	t.Helper()
	envelope, err := buildEnvelope(payload)
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	var out []frame.Data
	idx := 0
	for pos := 0; pos < len(envelope); {
		end := pos + frameSize
		if end > len(envelope) {
			end = len(envelope)
		}
		out = append(out, frame.Data{Index: idx, NPerBurst: uint8(len(out) + 1), DestCRC: dxCRC, SourceCRC: myCRC, Payload: envelope[pos:end]})
		pos = end
		idx++
	}
	for i := range out {
		out[i].NPerBurst = uint8(len(out))
	}
	return out
}

func TestIRSReceivesSingleFrameTransfer(t *testing.T) {
	irs, tx, bus := newTestIRS(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	dxCRC, _ := callsign.CRC24("DB1ABC")
	myCRC, _ := callsign.CRC24("DB2XYZ")
	frames := dataFramesFor(t, []byte("hi"), dxCRC, myCRC, 200)
	if len(frames) != 1 {
		t.Fatalf("expected a single-frame transfer, got %d frames", len(frames))
	}
	mode := modem.Mode{Name: "sig", PayloadSize: 64}

	if err := irs.HandleData(context.Background(), frames[0], 5, mode); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if typ := frame.Type(tx.sent[len(tx.sent)-1][0]); typ != frame.TypeFrameAck {
		t.Errorf("reply type = %d, want FRAME_ACK", typ)
	}

	select {
	case ev := <-sub.Out:
		if ev.Category != events.CategoryTransmissionReceived {
			t.Errorf("category = %v, want received", ev.Category)
		}
		if string(ev.Payload) != "hi" {
			t.Errorf("payload = %q, want %q", ev.Payload, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received event")
	}
}

func TestIRSRequestsMissingFramesInBurst(t *testing.T) {
	irs, tx, _ := newTestIRS(t)
	dxCRC, _ := callsign.CRC24("DB1ABC")
	myCRC, _ := callsign.CRC24("DB2XYZ")
	frames := dataFramesFor(t, []byte("a long enough payload to span multiple small frames"), dxCRC, myCRC, 12)
	if len(frames) < 2 {
		t.Fatalf("expected a multi-frame burst, got %d frames", len(frames))
	}
	mode := modem.Mode{Name: "sig", PayloadSize: 64}

	// Deliver every frame except the second.
	if err := irs.HandleData(context.Background(), frames[0], 0, mode); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	for i := 2; i < len(frames); i++ {
		if err := irs.HandleData(context.Background(), frames[i], 0, mode); err != nil {
			t.Fatalf("HandleData: %v", err)
		}
	}
	last := tx.sent[len(tx.sent)-1]
	if frame.Type(last[0]) != frame.TypeRptReq {
		t.Fatalf("reply type = %d, want RPT_REQ", frame.Type(last[0]))
	}
	rpt, err := frame.DecodeRptReq(last)
	if err != nil {
		t.Fatalf("DecodeRptReq: %v", err)
	}
	if len(rpt.Missing) != 1 || rpt.Missing[0] != 2 {
		t.Errorf("Missing = %v, want [2]", rpt.Missing)
	}
}

func TestIRSResetsBufferAfterCompletedTransfer(t *testing.T) {
	irs, tx, _ := newTestIRS(t)
	dxCRC, _ := callsign.CRC24("DB1ABC")
	myCRC, _ := callsign.CRC24("DB2XYZ")
	frames := dataFramesFor(t, []byte("hi"), dxCRC, myCRC, 200)
	mode := modem.Mode{Name: "sig", PayloadSize: 64}

	if err := irs.HandleData(context.Background(), frames[0], 0, mode); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	before := tx.count()
	// The single frame completed the transfer, so the reassembly buffer
	// must have been reset.
	irs.mu.Lock()
	bufLen := irs.buf.Len()
	irs.mu.Unlock()
	if bufLen != 0 {
		t.Fatalf("expected buffer reset after a completed transfer, got %d bytes", bufLen)
	}
	_ = before
}
