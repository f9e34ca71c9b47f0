// Package burst implements the two burst engines: the ISS (sender,
// §4.F) and the IRS (receiver, §4.G). They share the wire envelope that
// brackets a transfer's compressed payload and the zlib compression it
// is carried in.
package burst

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// bofMarker and eofMarker bracket a transfer's compressed payload inside
// the RX frame buffer (§3, §4.F).
var (
	bofMarker = []byte("BOF")
	eofMarker = []byte("EOF")
)

// ErrCRCMismatch is returned when a completed transfer's CRC32 does not
// match its envelope.
var ErrCRCMismatch = errors.New("burst: crc32 mismatch")

// compress zlib-compresses payload and returns the compressed bytes plus
// the compression_ratio_u8 value: round(original/compressed*10), clamped
// to [0,255].
func compress(payload []byte) (compressed []byte, ratio uint8, err error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err = w.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("burst: compress: %w", err)
	}
	if err = w.Close(); err != nil {
		return nil, 0, fmt.Errorf("burst: compress: %w", err)
	}
	compressed = buf.Bytes()
	if len(compressed) == 0 {
		return compressed, 0, nil
	}
	r := (float64(len(payload)) / float64(len(compressed))) * 10
	if r < 0 {
		r = 0
	}
	if r > 255 {
		r = 255
	}
	return compressed, uint8(r + 0.5), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("burst: decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("burst: decompress: %w", err)
	}
	return out, nil
}

// buildEnvelope assembles BOF ‖ crc32(compressed) ‖ len_be32(compressed) ‖
// comp_ratio ‖ compressed ‖ EOF, the exact layout the IRS side scans for.
func buildEnvelope(payload []byte) ([]byte, error) {
	compressed, ratio, err := compress(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(bofMarker)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(compressed))
	buf.Write(crcBuf[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	buf.Write(lenBuf[:])
	buf.WriteByte(ratio)
	buf.Write(compressed)
	buf.Write(eofMarker)
	return buf.Bytes(), nil
}

// extractPayload locates BOF/EOF in buf and, if both are present, returns
// the decompressed payload. ok is false if the envelope is incomplete.
func extractPayload(buf []byte) (payload []byte, ok bool, err error) {
	bofIdx := bytes.Index(buf, bofMarker)
	eofIdx := bytes.LastIndex(buf, eofMarker)
	if bofIdx < 0 || eofIdx < 0 || eofIdx < bofIdx+len(bofMarker) {
		return nil, false, nil
	}
	inner := buf[bofIdx+len(bofMarker) : eofIdx]
	if len(inner) < 9 {
		return nil, false, nil
	}
	wantCRC := binary.BigEndian.Uint32(inner[0:4])
	length := binary.BigEndian.Uint32(inner[4:8])
	// comp_ratio at inner[8] is informational only, not re-validated.
	compressed := inner[9:]
	if uint32(len(compressed)) < length {
		return nil, false, nil
	}
	compressed = compressed[:length]
	gotCRC := crc32.ChecksumIEEE(compressed)
	if gotCRC != wantCRC {
		return nil, true, ErrCRCMismatch
	}
	out, err := decompress(compressed)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// SignalKind names which of ACK/NACK/RPT/frame-ACK the dispatcher
// delivered to a waiting burst engine.
type SignalKind int

const (
	SignalBurstAck SignalKind = iota
	SignalBurstNack
	SignalRptReq
	SignalFrameAck
)

// Signal is the oneshot-channel payload the dispatcher sends to an
// in-flight ISS burst wait (§9: "model each burst as a task that awaits a
// oneshot channel"), replacing a polled shared flag.
type Signal struct {
	Kind    SignalKind
	SNR     int8
	Speed   uint8
	Missing []uint8 // populated only for SignalRptReq
}
