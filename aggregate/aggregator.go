package aggregate

import "github.com/szsz/endless-pools-controller/packet"

// Step reports what a single Add did.
type Step struct {
	Outcome Outcome
	// Open is a copy of the open row after the record was applied.
	Open Row
	// Closed is the row frozen by this record (Mismatch only), else nil.
	Closed *Row
}

// Aggregator owns the single open row and hands closed rows to a sink.
//
// Concurrency contract:
//   - Add/Flush must be called from one goroutine at a time.
//   - Rows passed to the sink are frozen and safe to share.
type Aggregator struct {
	open *Row // nil until the first record arrives
	sink func(*Row)
}

// NewAggregator builds an aggregator that passes every closed row to sink.
// A nil sink discards closed rows.
func NewAggregator(sink func(*Row)) *Aggregator {
	return &Aggregator{sink: sink}
}

// Add classifies rec against the open row and either extends that row or
// closes it and opens a new one seeded from rec.
func (a *Aggregator) Add(rec packet.Record) Step {
	outcome := Classify(a.open, rec)
	var closed *Row
	switch outcome {
	case ExactMatch:
		a.open.touch(rec)
		a.open.countNaN(rec)
	case VolatileOnlyMatch:
		a.open.touch(rec)
		a.open.fold(rec)
		a.open.Ranged = true
	default:
		closed = a.close()
		a.open = newRow(rec)
	}
	return Step{Outcome: outcome, Open: *a.open, Closed: closed}
}

// Open returns a copy of the open row.
func (a *Aggregator) Open() (Row, bool) {
	if a.open == nil {
		return Row{}, false
	}
	return *a.open, true
}

// Flush closes the open row (if any) and returns it. The next record opens a
// fresh row.
func (a *Aggregator) Flush() *Row {
	return a.close()
}

func (a *Aggregator) close() *Row {
	if a.open == nil {
		return nil
	}
	row := a.open
	row.closed = true
	a.open = nil
	if a.sink != nil {
		a.sink(row)
	}
	return row
}
