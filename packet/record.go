// Package packet decodes the two fixed-layout datagrams emitted by the swim
// machine. The datagram length is the only discriminator: 44-byte control
// packets and 111-byte status packets. Everything else is unrecognized.
package packet

import (
	"fmt"
	"time"
)

const (
	// ControlSize is the length of a control (Variant A) datagram.
	ControlSize = 44
	// StatusSize is the length of a status (Variant B) datagram.
	StatusSize = 111

	// ControlPort is the source port reported for control packets.
	ControlPort uint16 = 9750
	// StatusPort is the source port reported for status packets.
	StatusPort uint16 = 45654
)

// Variant identifies which wire layout produced a record.
type Variant uint8

const (
	VariantControl Variant = iota + 1
	VariantStatus
)

func (v Variant) String() string {
	switch v {
	case VariantControl:
		return "control"
	case VariantStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Header carries the fields shared by both variants.
type Header struct {
	Seq       uint64
	Port      uint16
	MsgID     uint8
	Opcode    uint8
	Command   string
	Timestamp time.Time
	Hex       string
}

// Head returns the common header. It is promoted to both record types.
func (h Header) Head() Header { return h }

// Record is a decoded datagram: either *Control or *Status.
type Record interface {
	Head() Header
	Kind() Variant
}

// Control is the 44-byte control packet.
type Control struct {
	Header
	Param uint16
}

func (*Control) Kind() Variant { return VariantControl }

// Status is the 111-byte status packet.
type Status struct {
	Header
	CurSpeed         uint8
	TgtSpeed         uint8
	PaceSeconds      int
	RemainingSeconds int
	RuntimeSec       float32
	TotalRuntimeSec  float32
}

func (*Status) Kind() Variant { return VariantStatus }

// Pace renders the pace as minutes:seconds.
func (s *Status) Pace() string { return FormatMMSS(s.PaceSeconds) }

// Remaining renders the remaining time as minutes:seconds.
func (s *Status) Remaining() string { return FormatMMSS(s.RemainingSeconds) }

// FormatMMSS renders total seconds as m:ss (minutes are not wrapped into hours).
func FormatMMSS(total int) string {
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
