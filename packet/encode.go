package packet

import (
	"encoding/binary"
	"math"
)

// MarshalBinary lays the record out as a 44-byte control datagram. Bytes
// the decoder does not read are left zero.
func (c *Control) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlSize)
	buf[offMsgID] = c.MsgID
	buf[offOpcode] = c.Opcode
	binary.LittleEndian.PutUint16(buf[offControlParam:], c.Param)
	ts := uint32(c.Timestamp.Unix())
	binary.LittleEndian.PutUint16(buf[offControlTSLow:], uint16(ts))
	buf[offControlTSByte] = byte(ts >> 16)
	buf[offControlTSHigh] = byte(ts >> 24)
	return buf, nil
}

// MarshalBinary lays the record out as a 111-byte status datagram.
func (s *Status) MarshalBinary() ([]byte, error) {
	buf := make([]byte, StatusSize)
	buf[offMsgID] = s.MsgID
	buf[offOpcode] = s.Opcode
	buf[offStatusCurSpeed] = s.CurSpeed
	buf[offStatusTgtSpeed] = s.TgtSpeed
	binary.LittleEndian.PutUint16(buf[offStatusPace:], uint16(s.PaceSeconds))
	binary.LittleEndian.PutUint16(buf[offStatusRemaining:], uint16(s.RemainingSeconds))
	binary.LittleEndian.PutUint32(buf[offStatusRuntime:], math.Float32bits(s.RuntimeSec))
	binary.LittleEndian.PutUint32(buf[offStatusTotal:], math.Float32bits(s.TotalRuntimeSec))
	binary.LittleEndian.PutUint32(buf[offStatusTS:], uint32(s.Timestamp.Unix()))
	return buf, nil
}
