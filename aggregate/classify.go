package aggregate

import "github.com/szsz/endless-pools-controller/packet"

// Outcome is the result of comparing a record with the open row.
type Outcome uint8

const (
	// Mismatch: a stable field differs (or no row is open).
	Mismatch Outcome = iota
	// VolatileOnlyMatch: stable fields match, runtime/remaining differ.
	VolatileOnlyMatch
	// ExactMatch: stable and volatile fields match.
	ExactMatch
)

func (o Outcome) String() string {
	switch o {
	case ExactMatch:
		return "exact"
	case VolatileOnlyMatch:
		return "volatile"
	default:
		return "mismatch"
	}
}

// Classify compares rec against the representative record of the open row.
// It is a pure function of its inputs.
func Classify(open *Row, rec packet.Record) Outcome {
	if open == nil || open.Rep == nil || rec == nil {
		return Mismatch
	}
	if !stableEqual(open.Rep, rec) {
		return Mismatch
	}
	if volatileEqual(open.Rep, rec) {
		return ExactMatch
	}
	return VolatileOnlyMatch
}

// stableEqual compares everything except sequence, timestamp, hex payload
// and the volatile counters. curSpeed/tgtSpeed are stable: a speed change
// starts a new row.
func stableEqual(a, b packet.Record) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	ha, hb := a.Head(), b.Head()
	if ha.Port != hb.Port || ha.MsgID != hb.MsgID || ha.Opcode != hb.Opcode || ha.Command != hb.Command {
		return false
	}
	switch x := a.(type) {
	case *packet.Control:
		y, ok := b.(*packet.Control)
		return ok && x.Param == y.Param
	case *packet.Status:
		y, ok := b.(*packet.Status)
		return ok && x.CurSpeed == y.CurSpeed && x.TgtSpeed == y.TgtSpeed && x.PaceSeconds == y.PaceSeconds
	default:
		return false
	}
}

// volatileEqual compares runtimes at one-decimal precision and remaining
// seconds exactly. Control packets carry no volatile fields.
func volatileEqual(a, b packet.Record) bool {
	x, ok := a.(*packet.Status)
	if !ok {
		return true
	}
	y, ok := b.(*packet.Status)
	if !ok {
		return false
	}
	return formatTenths(x.RuntimeSec) == formatTenths(y.RuntimeSec) &&
		formatTenths(x.TotalRuntimeSec) == formatTenths(y.TotalRuntimeSec) &&
		x.RemainingSeconds == y.RemainingSeconds
}
