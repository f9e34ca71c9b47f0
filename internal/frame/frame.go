// Package frame implements the declarative wire codec for the ARQ engine's
// fixed-layout binary frames. Every frame kind has exactly one struct and
// one positional byte layout, stated once here, instead of the repeated
// slice arithmetic a hand-rolled encoder tends to accumulate.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the wire-level frame type byte (byte 0 of every frame).
type Type uint8

// Frame type codes, exactly as assigned on the wire; the numeric ranges
// carry meaning (10-50 data frames embed a burst index, 225-228 are
// open/ack pairs) and must not be renumbered.
const (
	TypeDataBase           Type = 10 // 10-50: DATA(idx = type-10)
	TypeDataMax            Type = 50
	TypeBurstAck           Type = 60
	TypeFrameAck           Type = 61
	TypeRptReq             Type = 62
	TypeBurstNack          Type = 63
	TypeBurstNackWatchdog  Type = 64
	TypeCQ                 Type = 200
	TypeQRV                Type = 201
	TypePing               Type = 210
	TypePingAck            Type = 211
	TypeSessionOpen        Type = 221
	TypeSessionHeartbeat   Type = 222
	TypeSessionClose       Type = 223
	TypeDCOpenHi           Type = 225
	TypeDCOpenHiAck        Type = 226
	TypeDCOpenLo           Type = 227
	TypeDCOpenLoAck        Type = 228
	TypeDCOpenManualBase   Type = 230
	TypeDCOpenManualMax    Type = 240
	TypeStop               Type = 249
	TypeBeacon             Type = 250
	TypeTestframe          Type = 255
)

// ProtocolVersion is carried in the last byte of a data-channel open-ack
// frame and compared by the data channel controller to reject peers
// running an incompatible wire format.
const ProtocolVersion = 1

// ErrTruncated is returned when a buffer is shorter than a frame kind's
// fixed layout requires.
var ErrTruncated = errors.New("frame: truncated")

// IsDataType reports whether t is one of the 41 DATA(idx) codes.
func IsDataType(t Type) bool { return t >= TypeDataBase && t <= TypeDataMax }

// IsManualDCOpen reports whether t is a manual-mode channel-open code.
func IsManualDCOpen(t Type) bool { return t >= TypeDCOpenManualBase && t <= TypeDCOpenManualMax }

// DataIndex returns the burst-relative frame index encoded by a DATA type.
func DataIndex(t Type) int { return int(t - TypeDataBase) }

// DataType returns the DATA type byte for burst index idx.
func DataType(idx int) Type { return TypeDataBase + Type(idx) }

// String names a frame type for logging and metrics labels. DATA and
// manual-DC-open codes collapse to one label each since they differ only
// by an embedded index, not kind.
func (t Type) String() string {
	switch {
	case IsDataType(t):
		return "data"
	case IsManualDCOpen(t):
		return "dc_open_manual"
	}
	switch t {
	case TypeBurstAck:
		return "burst_ack"
	case TypeFrameAck:
		return "frame_ack"
	case TypeRptReq:
		return "rpt_req"
	case TypeBurstNack:
		return "burst_nack"
	case TypeBurstNackWatchdog:
		return "burst_nack_watchdog"
	case TypeCQ:
		return "cq"
	case TypeQRV:
		return "qrv"
	case TypePing:
		return "ping"
	case TypePingAck:
		return "ping_ack"
	case TypeSessionOpen:
		return "session_open"
	case TypeSessionHeartbeat:
		return "session_heartbeat"
	case TypeSessionClose:
		return "session_close"
	case TypeDCOpenHi:
		return "dc_open_hi"
	case TypeDCOpenHiAck:
		return "dc_open_hi_ack"
	case TypeDCOpenLo:
		return "dc_open_lo"
	case TypeDCOpenLoAck:
		return "dc_open_lo_ack"
	case TypeStop:
		return "stop"
	case TypeBeacon:
		return "beacon"
	case TypeTestframe:
		return "testframe"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func need(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(b))
	}
	return nil
}

// Data is a DATA(idx) frame: type=10+idx, n_per_burst(1), dxcrc(3), mycrc(3), payload...
type Data struct {
	Index       int
	NPerBurst   uint8
	DestCRC     [3]byte
	SourceCRC   [3]byte
	Payload     []byte
}

// Encode writes the frame into a buffer of exactly size bytes (the carrier
// mode's payload size); unused trailing bytes are left zero.
func (d Data) Encode(size int) ([]byte, error) {
	if d.Index < 0 || int(DataType(d.Index)) > int(TypeDataMax) {
		return nil, fmt.Errorf("frame: data index %d out of range", d.Index)
	}
	buf := make([]byte, size)
	if err := need(buf, 8); err != nil {
		return nil, err
	}
	buf[0] = byte(DataType(d.Index))
	buf[1] = d.NPerBurst
	copy(buf[2:5], d.DestCRC[:])
	copy(buf[5:8], d.SourceCRC[:])
	n := copy(buf[8:], d.Payload)
	if n < len(d.Payload) {
		return nil, fmt.Errorf("frame: payload %d bytes exceeds frame size %d", len(d.Payload), size)
	}
	return buf, nil
}

// DecodeData parses a DATA frame. The type byte must already be known to
// be in range; callers get it from PeekType.
func DecodeData(b []byte) (Data, error) {
	if err := need(b, 8); err != nil {
		return Data{}, err
	}
	var d Data
	d.Index = DataIndex(Type(b[0]))
	d.NPerBurst = b[1]
	copy(d.DestCRC[:], b[2:5])
	copy(d.SourceCRC[:], b[5:8])
	d.Payload = append([]byte(nil), b[8:]...)
	return d, nil
}

// AckNack covers BURST_ACK(60), FRAME_ACK(61), BURST_NACK(63) and
// BURST_NACK_WATCHDOG(64), all sharing dxcrc(3) mycrc(3) snr(1) speed(1).
type AckNack struct {
	Type      Type
	DestCRC   [3]byte
	SourceCRC [3]byte
	SNR       int8
	Speed     uint8
}

func (f AckNack) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 9); err != nil {
		return nil, err
	}
	buf[0] = byte(f.Type)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	buf[7] = byte(f.SNR)
	buf[8] = f.Speed
	return buf, nil
}

func DecodeAckNack(b []byte) (AckNack, error) {
	if err := need(b, 9); err != nil {
		return AckNack{}, err
	}
	var f AckNack
	f.Type = Type(b[0])
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	f.SNR = int8(b[7])
	f.Speed = b[8]
	return f, nil
}

// MaxMissingIndices bounds the RPT_REQ missing-index list: 6 one-based
// indices fit in bytes [7:13].
const MaxMissingIndices = 6

// RptReq is a RPT_REQ(62) frame: dxcrc(3) mycrc(3) missing_idx[6].
// Missing holds 1-based frame indices, zero-terminated/zero-padded.
type RptReq struct {
	DestCRC   [3]byte
	SourceCRC [3]byte
	Missing   []uint8 // up to MaxMissingIndices entries, 1-based
}

func (f RptReq) Encode(size int) ([]byte, error) {
	if len(f.Missing) > MaxMissingIndices {
		return nil, fmt.Errorf("frame: %d missing indices exceeds max %d", len(f.Missing), MaxMissingIndices)
	}
	buf := make([]byte, size)
	if err := need(buf, 7+MaxMissingIndices); err != nil {
		return nil, err
	}
	buf[0] = byte(TypeRptReq)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	copy(buf[7:7+MaxMissingIndices], f.Missing)
	return buf, nil
}

func DecodeRptReq(b []byte) (RptReq, error) {
	if err := need(b, 7+MaxMissingIndices); err != nil {
		return RptReq{}, err
	}
	var f RptReq
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	for _, v := range b[7 : 7+MaxMissingIndices] {
		if v == 0 {
			continue
		}
		f.Missing = append(f.Missing, v)
	}
	return f, nil
}

// CallGrid covers CQ(200), QRV(201): call(6) grid(4).
type CallGrid struct {
	Type Type
	Call [6]byte
	Grid [4]byte
}

func (f CallGrid) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 11); err != nil {
		return nil, err
	}
	buf[0] = byte(f.Type)
	copy(buf[1:7], f.Call[:])
	copy(buf[7:11], f.Grid[:])
	return buf, nil
}

func DecodeCallGrid(b []byte) (CallGrid, error) {
	if err := need(b, 11); err != nil {
		return CallGrid{}, err
	}
	var f CallGrid
	f.Type = Type(b[0])
	copy(f.Call[:], b[1:7])
	copy(f.Grid[:], b[7:11])
	return f, nil
}

// PingFrame covers PING(210): dxcrc(3) mycrc(3) my_call(6).
type PingFrame struct {
	DestCRC   [3]byte
	SourceCRC [3]byte
	Call      [6]byte
}

func (f PingFrame) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 13); err != nil {
		return nil, err
	}
	buf[0] = byte(TypePing)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	copy(buf[7:13], f.Call[:])
	return buf, nil
}

func DecodePingFrame(b []byte) (PingFrame, error) {
	if err := need(b, 13); err != nil {
		return PingFrame{}, err
	}
	var f PingFrame
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	copy(f.Call[:], b[7:13])
	return f, nil
}

// PingAck covers PING_ACK(211): dxcrc(3) mycrc(3) my_grid(6).
type PingAck struct {
	DestCRC   [3]byte
	SourceCRC [3]byte
	Grid      [6]byte
}

func (f PingAck) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 13); err != nil {
		return nil, err
	}
	buf[0] = byte(TypePingAck)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	copy(buf[7:13], f.Grid[:])
	return buf, nil
}

func DecodePingAck(b []byte) (PingAck, error) {
	if err := need(b, 13); err != nil {
		return PingAck{}, err
	}
	var f PingAck
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	copy(f.Grid[:], b[7:13])
	return f, nil
}

// SessionOpen covers SESSION_OPEN(221), SESSION_CLOSE(223), and
// STOP(249): dxcrc(3) mycrc(3) my_call(6). All three share a layout.
type SessionOpen struct {
	Type      Type
	DestCRC   [3]byte
	SourceCRC [3]byte
	Call      [6]byte
}

func (f SessionOpen) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 13); err != nil {
		return nil, err
	}
	buf[0] = byte(f.Type)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	copy(buf[7:13], f.Call[:])
	return buf, nil
}

func DecodeSessionOpen(b []byte) (SessionOpen, error) {
	if err := need(b, 13); err != nil {
		return SessionOpen{}, err
	}
	var f SessionOpen
	f.Type = Type(b[0])
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	copy(f.Call[:], b[7:13])
	return f, nil
}

// SessionHeartbeat covers SESSION_HB(222): dxcrc(3) mycrc(3).
type SessionHeartbeat struct {
	DestCRC   [3]byte
	SourceCRC [3]byte
}

func (f SessionHeartbeat) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 7); err != nil {
		return nil, err
	}
	buf[0] = byte(TypeSessionHeartbeat)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	return buf, nil
}

func DecodeSessionHeartbeat(b []byte) (SessionHeartbeat, error) {
	if err := need(b, 7); err != nil {
		return SessionHeartbeat{}, err
	}
	var f SessionHeartbeat
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	return f, nil
}

// DCOpen covers DC_OPEN_HI(225), DC_OPEN_LO(227), and the manual-mode
// range 230-240: dxcrc(3) mycrc(3) my_call(6) n_per_burst(1).
type DCOpen struct {
	Type      Type
	DestCRC   [3]byte
	SourceCRC [3]byte
	Call      [6]byte
	NPerBurst uint8
}

func (f DCOpen) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 14); err != nil {
		return nil, err
	}
	buf[0] = byte(f.Type)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	copy(buf[7:13], f.Call[:])
	buf[13] = f.NPerBurst
	return buf, nil
}

func DecodeDCOpen(b []byte) (DCOpen, error) {
	if err := need(b, 14); err != nil {
		return DCOpen{}, err
	}
	var f DCOpen
	f.Type = Type(b[0])
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	copy(f.Call[:], b[7:13])
	f.NPerBurst = b[13]
	return f, nil
}

// DCOpenAck covers DC_OPEN_HI_ACK(226), DC_OPEN_LO_ACK(228):
// dxcrc(3) mycrc(3) proto_ver(1) at offset 13 (mirroring DCOpen's layout).
type DCOpenAck struct {
	Type            Type
	DestCRC         [3]byte
	SourceCRC       [3]byte
	ProtocolVersion uint8
}

func (f DCOpenAck) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 14); err != nil {
		return nil, err
	}
	buf[0] = byte(f.Type)
	copy(buf[1:4], f.DestCRC[:])
	copy(buf[4:7], f.SourceCRC[:])
	buf[13] = f.ProtocolVersion
	return buf, nil
}

func DecodeDCOpenAck(b []byte) (DCOpenAck, error) {
	if err := need(b, 14); err != nil {
		return DCOpenAck{}, err
	}
	var f DCOpenAck
	f.Type = Type(b[0])
	copy(f.DestCRC[:], b[1:4])
	copy(f.SourceCRC[:], b[4:7])
	f.ProtocolVersion = b[13]
	return f, nil
}

// Beacon covers BEACON(250): call(6) _(2) grid(4). The 2-byte gap at
// offset 7 is unused padding, kept for wire-layout compatibility.
type Beacon struct {
	Call [6]byte
	Grid [4]byte
}

func (f Beacon) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 13); err != nil {
		return nil, err
	}
	buf[0] = byte(TypeBeacon)
	copy(buf[1:7], f.Call[:])
	copy(buf[9:13], f.Grid[:])
	return buf, nil
}

func DecodeBeacon(b []byte) (Beacon, error) {
	if err := need(b, 13); err != nil {
		return Beacon{}, err
	}
	var f Beacon
	copy(f.Call[:], b[1:7])
	copy(f.Grid[:], b[9:13])
	return f, nil
}

// Testframe covers TESTFRAME(255): a single type byte, all padding.
type Testframe struct{}

func (Testframe) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := need(buf, 1); err != nil {
		return nil, err
	}
	buf[0] = byte(TypeTestframe)
	return buf, nil
}

// PeekType returns the frame type byte of an undecoded frame.
func PeekType(b []byte) (Type, error) {
	if err := need(b, 1); err != nil {
		return 0, err
	}
	return Type(b[0]), nil
}

// PutUint32 and Uint32 are thin re-exports so callers building the BOF/EOF
// envelope don't need a separate encoding/binary import for this package's
// conventions (big-endian throughout, per §6.1).
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
