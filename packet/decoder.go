package packet

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/szsz/endless-pools-controller/opcode"
)

// Byte offsets within the datagrams.
const (
	offMsgID  = 2
	offOpcode = 3

	offControlParam  = 4
	offControlTSLow  = 32
	offControlTSByte = 34
	offControlTSHigh = 35

	offStatusCurSpeed  = 4
	offStatusTgtSpeed  = 5
	offStatusPace      = 7
	offStatusRemaining = 11
	offStatusRuntime   = 23
	offStatusTotal     = 27
	offStatusTS        = 71
)

// Decoder turns raw datagrams into records and owns the sequence counter.
// A Decoder is not safe for concurrent use; give each ingest pipeline its own.
type Decoder struct {
	opcodes *opcode.Table
	next    uint64
}

// NewDecoder builds a decoder that labels opcodes from table. A nil table
// labels every opcode as unknown.
func NewDecoder(table *opcode.Table) *Decoder {
	return &Decoder{opcodes: table}
}

// Next reports the sequence number the next decoded record will receive,
// which is also the number of records decoded so far.
func (d *Decoder) Next() uint64 {
	return d.next
}

// Decode parses buf. The boolean is false when the length matches neither
// variant; the sequence counter only advances for decoded records.
func (d *Decoder) Decode(buf []byte) (Record, bool) {
	switch len(buf) {
	case ControlSize:
		rec := &Control{
			Header: d.header(buf, ControlPort, controlTimestamp(buf)),
			Param:  binary.LittleEndian.Uint16(buf[offControlParam:]),
		}
		return rec, true
	case StatusSize:
		rec := &Status{
			Header:           d.header(buf, StatusPort, binary.LittleEndian.Uint32(buf[offStatusTS:])),
			CurSpeed:         buf[offStatusCurSpeed],
			TgtSpeed:         buf[offStatusTgtSpeed],
			PaceSeconds:      int(buf[offStatusPace]) + int(buf[offStatusPace+1])*256,
			RemainingSeconds: int(buf[offStatusRemaining]) + int(buf[offStatusRemaining+1])*256,
			RuntimeSec:       math.Float32frombits(binary.LittleEndian.Uint32(buf[offStatusRuntime:])),
			TotalRuntimeSec:  math.Float32frombits(binary.LittleEndian.Uint32(buf[offStatusTotal:])),
		}
		return rec, true
	default:
		return nil, false
	}
}

func (d *Decoder) header(buf []byte, port uint16, seconds uint32) Header {
	h := Header{
		Seq:       d.next,
		Port:      port,
		MsgID:     buf[offMsgID],
		Opcode:    buf[offOpcode],
		Command:   d.opcodes.Lookup(buf[offOpcode]),
		Timestamp: time.Unix(int64(seconds), 0).UTC(),
		Hex:       hex.EncodeToString(buf),
	}
	d.next++
	return h
}

// controlTimestamp combines the little-endian pair at 32-33 with the bytes at
// 34 and 35 as bits 16-23 and 24-31.
func controlTimestamp(buf []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(buf[offControlTSLow:])) |
		uint32(buf[offControlTSByte])<<16 |
		uint32(buf[offControlTSHigh])<<24
}
