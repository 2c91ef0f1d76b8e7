// Package aggregate compresses consecutive telemetry records into log rows.
// A row stays open while new records match its stable fields; records that
// only differ in the fast-moving counters (runtime, remaining time) widen the
// row's min/max ranges instead of producing a new row.
package aggregate

import (
	"math"
	"strconv"
	"time"

	"github.com/szsz/endless-pools-controller/packet"
)

// FloatRange tracks the min/max of a float counter. NaN samples never enter
// the bounds; they are counted in NaN instead.
type FloatRange struct {
	Min float32
	Max float32
	NaN int
	set bool
}

func (r *FloatRange) include(v float32) {
	if math.IsNaN(float64(v)) {
		r.NaN++
		return
	}
	if !r.set {
		r.Min, r.Max, r.set = v, v, true
		return
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
}

// Valid reports whether at least one non-NaN sample was folded in.
func (r FloatRange) Valid() bool { return r.set }

// String renders "min - max" with one decimal, followed by "(+N NaN)" when
// NaN samples were seen. A range of NaN samples only renders as "NaN".
func (r FloatRange) String() string {
	if !r.set {
		if r.NaN > 0 {
			return "NaN"
		}
		return ""
	}
	out := formatTenths(r.Min) + " - " + formatTenths(r.Max)
	if r.NaN > 0 {
		out += " (+" + strconv.Itoa(r.NaN) + " NaN)"
	}
	return out
}

// IntRange tracks the min/max of a whole-seconds counter.
type IntRange struct {
	Min int
	Max int
	set bool
}

func (r *IntRange) include(v int) {
	if !r.set {
		r.Min, r.Max, r.set = v, v, true
		return
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
}

// Valid reports whether the range holds a sample.
func (r IntRange) Valid() bool { return r.set }

// String renders the range as "m:ss - m:ss".
func (r IntRange) String() string {
	if !r.set {
		return ""
	}
	return packet.FormatMMSS(r.Min) + " - " + packet.FormatMMSS(r.Max)
}

// Row is one aggregated log line. While a row is open the aggregator mutates
// it in place; once closed it is never modified again.
type Row struct {
	// Rep is the record that opened the row. Stable fields and the hex
	// payload shown for the row come from it.
	Rep      packet.Record
	Count    int
	LastSeq  uint64
	LastTime time.Time

	Runtime      FloatRange
	TotalRuntime FloatRange
	Remaining    IntRange

	// Ranged is set once a record differing only in volatile fields joined
	// the row; renderers then show ranges instead of exact values.
	Ranged bool

	closed bool
}

func newRow(rec packet.Record) *Row {
	h := rec.Head()
	r := &Row{
		Rep:      rec,
		Count:    1,
		LastSeq:  h.Seq,
		LastTime: h.Timestamp,
	}
	r.fold(rec)
	return r
}

// ID identifies a row by the sequence number of its first record.
func (r *Row) ID() uint64 {
	return r.Rep.Head().Seq
}

// Closed reports whether the row has been frozen.
func (r *Row) Closed() bool {
	return r.closed
}

func (r *Row) fold(rec packet.Record) {
	st, ok := rec.(*packet.Status)
	if !ok {
		return
	}
	r.Runtime.include(st.RuntimeSec)
	r.TotalRuntime.include(st.TotalRuntimeSec)
	r.Remaining.include(st.RemainingSeconds)
}

// countNaN folds only the NaN counters of rec. Exact matches leave the
// bounds alone, but a NaN member must still show up in the range.
func (r *Row) countNaN(rec packet.Record) {
	st, ok := rec.(*packet.Status)
	if !ok {
		return
	}
	if math.IsNaN(float64(st.RuntimeSec)) {
		r.Runtime.NaN++
	}
	if math.IsNaN(float64(st.TotalRuntimeSec)) {
		r.TotalRuntime.NaN++
	}
}

func (r *Row) touch(rec packet.Record) {
	h := rec.Head()
	r.Count++
	r.LastSeq = h.Seq
	r.LastTime = h.Timestamp
}

func formatTenths(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 1, 64)
}
