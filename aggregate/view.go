package aggregate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/szsz/endless-pools-controller/packet"
)

// TimeLayout is used for row timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// View is the display form of a row. Fields that do not apply to the row's
// variant are empty.
type View struct {
	// ID is the sequence number of the row's first record, LastSeq that of
	// its latest member.
	ID           uint64
	LastSeq      uint64
	Count        int
	Port         string
	MsgID        string
	Opcode       string
	Command      string
	Param        string
	Time         string
	CurSpeed     string
	TgtSpeed     string
	Pace         string
	Remaining    string
	Runtime      string
	TotalRuntime string
	Hex          string
	Closed       bool
}

// View renders the row. Timestamps are shown in loc (UTC when nil).
func (r *Row) View(loc *time.Location) View {
	if loc == nil {
		loc = time.UTC
	}
	h := r.Rep.Head()
	v := View{
		ID:      h.Seq,
		LastSeq: r.LastSeq,
		Count:   r.Count,
		Port:    strconv.Itoa(int(h.Port)),
		MsgID:   fmt.Sprintf("0x%02X", h.MsgID),
		Opcode:  fmt.Sprintf("0x%02X", h.Opcode),
		Command: h.Command,
		Time:    r.LastTime.In(loc).Format(TimeLayout),
		Hex:     h.Hex,
		Closed:  r.closed,
	}
	switch rec := r.Rep.(type) {
	case *packet.Control:
		v.Param = strconv.Itoa(int(rec.Param))
	case *packet.Status:
		v.CurSpeed = strconv.Itoa(int(rec.CurSpeed))
		v.TgtSpeed = strconv.Itoa(int(rec.TgtSpeed))
		v.Pace = rec.Pace()
		if r.Ranged {
			v.Remaining = r.Remaining.String()
			v.Runtime = r.Runtime.String()
			v.TotalRuntime = r.TotalRuntime.String()
		} else {
			v.Remaining = rec.Remaining()
			v.Runtime = formatTenths(rec.RuntimeSec)
			v.TotalRuntime = formatTenths(rec.TotalRuntimeSec)
		}
	}
	return v
}

// Span renders the row's sequence range as "first..last", or just "first"
// for a single-record row.
func (v View) Span() string {
	if v.LastSeq == v.ID {
		return strconv.FormatUint(v.ID, 10)
	}
	return strconv.FormatUint(v.ID, 10) + ".." + strconv.FormatUint(v.LastSeq, 10)
}

// Line renders the view as a single text line for terminals and logs.
func (v View) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%-13s x%-4d %s %5s %s %s %-22s", v.Span(), v.Count, v.Time, v.Port, v.MsgID, v.Opcode, v.Command)
	if v.Param != "" {
		fmt.Fprintf(&b, " param=%s", v.Param)
	}
	if v.Pace != "" {
		fmt.Fprintf(&b, " speed=%s/%s pace=%s remaining=%s runtime=%s total=%s",
			v.CurSpeed, v.TgtSpeed, v.Pace, v.Remaining, v.Runtime, v.TotalRuntime)
	}
	return b.String()
}
